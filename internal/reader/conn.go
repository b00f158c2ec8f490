// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package reader owns the hardware side of the pipeline: one connection
// worker per physical RFID reader, the wire transports (TCP stream, MQTT
// pub/sub), command/response correlation, and bounded-backoff reconnection.
//
// Ownership discipline: each Conn's ConnectionState is mutated only by its
// owning worker goroutine; other goroutines read snapshots via State().
// A failing reader never affects another reader's connection.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/metrics"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// EventSink receives decoded tag reads. The implementation (the batcher)
// must not block: ingestion is enqueue-only from the worker's view.
type EventSink interface {
	Ingest(ev *protocol.TagRead)
}

// MonitorSink receives unsolicited status and health messages.
type MonitorSink interface {
	OnStatus(msg *protocol.Status)
	OnHealth(msg *protocol.Health)
}

// Conn is the connection worker for one reader. It implements
// suture.Service via Serve.
type Conn struct {
	ep      Endpoint
	opts    Options
	factory TransportFactory
	sink    EventSink
	monitor MonitorSink
	alerts  *alert.Manager

	listeners []StateListener

	mu        sync.Mutex
	state     ConnectionState
	transport Transport

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan *protocol.CommandResponse

	stopOnce sync.Once
	stopCh   chan struct{}

	log zerolog.Logger
}

// NewConn builds a connection worker. sink is required; monitor and alerts
// may be nil.
func NewConn(ep Endpoint, opts Options, factory TransportFactory, sink EventSink) *Conn {
	return &Conn{
		ep:      ep,
		opts:    opts,
		factory: factory,
		sink:    sink,
		state:   ConnectionState{Status: StatusDisconnected},
		pending: make(map[uint64]chan *protocol.CommandResponse),
		stopCh:  make(chan struct{}),
		log:     logging.With().Str("component", "reader").Str("reader", ep.ID).Logger(),
	}
}

// SetMonitor attaches the health monitor sink. Call before Serve.
func (c *Conn) SetMonitor(m MonitorSink) { c.monitor = m }

// SetAlerts attaches the alert manager. Call before Serve.
func (c *Conn) SetAlerts(a *alert.Manager) { c.alerts = a }

// AddStateListener registers a transition listener. Call before Serve.
func (c *Conn) AddStateListener(l StateListener) {
	c.listeners = append(c.listeners, l)
}

// Endpoint returns the reader's fixed configuration.
func (c *Conn) Endpoint() Endpoint { return c.ep }

// State returns a snapshot of the connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Serve runs the connect/read/reconnect loop until ctx is canceled, Stop
// is called, or the reconnect budget is exhausted. Exhaustion returns
// ErrRetriesExhausted (wrapped) and leaves the state at StatusError with
// exactly one reader_offline alert raised.
func (c *Conn) Serve(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectBase
	bo.MaxInterval = c.opts.ReconnectMax
	bo.MaxElapsedTime = 0 // bounded by MaxRetries, not wall time
	bo.Reset()

	for {
		if err := c.stoppedErr(ctx); err != nil {
			c.setStatus(StatusDisconnected, nil)
			return err
		}

		c.setStatus(StatusConnecting, nil)
		err := c.runSession(ctx)

		if stopErr := c.stoppedErr(ctx); stopErr != nil {
			c.setStatus(StatusDisconnected, nil)
			return stopErr
		}

		// A session that reached connected reset the retry counter, so a
		// fresh failure streak starts with a fresh backoff schedule.
		if c.State().RetryCount == 0 {
			bo.Reset()
		}

		c.setStatus(StatusDisconnected, err)
		retries := c.bumpRetry()
		metrics.ReaderReconnects.WithLabelValues(c.ep.ID).Inc()

		if retries >= c.opts.MaxRetries {
			c.setStatus(StatusError, err)
			c.raiseOffline(ctx, err)
			return fmt.Errorf("reader %s: %w: last error: %v", c.ep.ID, ErrRetriesExhausted, err)
		}

		wait := bo.NextBackOff()
		c.log.Warn().Err(err).Dur("backoff", wait).Int("attempt", retries).Msg("connection lost, reconnecting")

		select {
		case <-time.After(wait):
		case <-c.stopCh:
		case <-ctx.Done():
		}
	}
}

// Stop releases the transport and ends Serve deterministically. Used by
// Manager.Disconnect; safe to call multiple times.
func (c *Conn) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		tr := c.transport
		c.mu.Unlock()
		if tr != nil {
			tr.Close()
		}
	})
}

func (c *Conn) stoppedErr(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return errors.New("reader: stopped")
	default:
	}
	return ctx.Err()
}

// runSession performs one full connection attempt: dial, handshake, then
// the dispatch loop until transport failure. The returned error is always
// non-nil; a clean shutdown is detected by the caller via ctx/stopCh.
func (c *Conn) runSession(ctx context.Context) error {
	tr, err := c.factory(c.ep)
	if err != nil {
		return &ConnectionError{ReaderID: c.ep.ID, Op: "dial", Cause: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeoutFor(c.opts))
	err = tr.Connect(dialCtx)
	cancel()
	if err != nil {
		tr.Close()
		return &ConnectionError{ReaderID: c.ep.ID, Op: "dial", Cause: err}
	}

	c.mu.Lock()
	c.transport = tr
	c.mu.Unlock()

	// The dispatch loop must be running before the handshake: handshake
	// commands need their responses routed.
	readErr := make(chan error, 1)
	go func() { readErr <- c.dispatchLoop(tr) }()

	if err := c.handshake(ctx); err != nil {
		c.teardown(tr)
		<-readErr
		return err
	}

	c.setStatus(StatusConnected, nil)
	c.resetRetry()
	if c.alerts != nil {
		// A manual reconnect after retry exhaustion resolves the
		// outstanding offline alert.
		c.alerts.Clear(alert.TypeReaderOffline, c.ep.ID)
	}
	c.log.Info().Str("zone", c.ep.Zone).Msg("reader connected")

	select {
	case err := <-readErr:
		c.teardown(tr)
		return &ConnectionError{ReaderID: c.ep.ID, Op: "read", Cause: err}
	case <-c.stopCh:
		c.teardown(tr)
		<-readErr
		return errors.New("stopped")
	case <-ctx.Done():
		c.teardown(tr)
		<-readErr
		return ctx.Err()
	}
}

// handshake configures the reader: antenna power, then inventory mode.
// Bounded by HandshakeTimeout as a whole.
func (c *Conn) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	_, err := c.SendCommand(hctx, protocol.CmdSetPower, map[string]any{
		"dbm":      c.ep.PowerDBm,
		"antennas": c.ep.AntennaCount,
	}, c.opts.HandshakeTimeout)
	if err != nil {
		return &ConnectionError{ReaderID: c.ep.ID, Op: "handshake", Cause: err}
	}

	_, err = c.SendCommand(hctx, protocol.CmdSetMode, map[string]any{
		"mode":        "inventory",
		"sensitivity": c.ep.Sensitivity,
	}, c.opts.HandshakeTimeout)
	if err != nil {
		return &ConnectionError{ReaderID: c.ep.ID, Op: "handshake", Cause: err}
	}
	return nil
}

// teardown closes the transport and fails all in-flight commands for this
// reader only.
func (c *Conn) teardown(tr Transport) {
	tr.Close()
	c.mu.Lock()
	if c.transport == tr {
		c.transport = nil
	}
	c.mu.Unlock()
	c.failPending()
}

// dispatchLoop is the single consumer of inbound frames for this
// connection. Malformed frames are logged and discarded; the connection
// stays open.
func (c *Conn) dispatchLoop(tr Transport) error {
	for {
		frame, err := tr.Recv()
		if err != nil {
			return err
		}

		msg, err := protocol.Decode(c.ep.ID, frame)
		if err != nil {
			metrics.ProtocolParseErrors.WithLabelValues(c.ep.ID).Inc()
			c.log.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}

		switch m := msg.(type) {
		case *protocol.TagRead:
			if m.Timestamp.IsZero() {
				m.Timestamp = time.Now().UTC()
			}
			c.sink.Ingest(m)
		case *protocol.Status:
			if c.monitor != nil {
				c.monitor.OnStatus(m)
			}
		case *protocol.Health:
			if c.monitor != nil {
				c.monitor.OnHealth(m)
			}
		case *protocol.CommandResponse:
			c.deliverResponse(m)
		}
	}
}

// SendCommand issues a command and waits for its correlated response.
// timeout <= 0 uses the configured default. A timeout surfaces as
// *CommandTimeoutError and does not affect connection state.
func (c *Conn) SendCommand(ctx context.Context, command string, params map[string]any, timeout time.Duration) (*protocol.CommandResponse, error) {
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}

	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return nil, fmt.Errorf("reader %s: %w", c.ep.ID, ErrNotConnected)
	}

	seq := c.seq.Add(1)
	ch := make(chan *protocol.CommandResponse, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	frame, err := protocol.EncodeCommand(protocol.Command{
		Command:    command,
		Parameters: params,
		SequenceID: seq,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := tr.Send(frame); err != nil {
		return nil, &ConnectionError{ReaderID: c.ep.ID, Op: "write", Cause: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("reader %s: %w", c.ep.ID, ErrNotConnected)
		}
		metrics.ReaderCommandDuration.WithLabelValues(c.ep.ID, command).Observe(time.Since(start).Seconds())
		return resp, nil
	case <-timer.C:
		metrics.ReaderCommandTimeouts.WithLabelValues(c.ep.ID).Inc()
		return nil, &CommandTimeoutError{ReaderID: c.ep.ID, Command: command, SequenceID: seq, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IntensifyReads asks the reader to raise its inventory frequency for one
// tag. Invoked by the excess-velocity rule.
func (c *Conn) IntensifyReads(ctx context.Context, tagID string) error {
	_, err := c.SendCommand(ctx, protocol.CmdSetFastInventory, map[string]any{"tagId": tagID}, 0)
	return err
}

// deliverResponse routes a response to its waiting caller. Responses with
// no waiter (late arrivals after timeout) are dropped. The send happens
// under pendingMu so it is ordered with failPending; the channel is
// buffered, so the send never blocks the dispatch loop.
func (c *Conn) deliverResponse(resp *protocol.CommandResponse) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if ch, ok := c.pending[resp.SequenceID]; ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// failPending cancels every in-flight command for this reader. Commands
// observe ErrNotConnected via the nil sentinel. Pending channels are
// never closed: the dispatch loop may still be routing a late response
// during teardown. Other readers are unaffected.
func (c *Conn) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, seq)
	}
}

func (c *Conn) setStatus(to Status, cause error) {
	c.mu.Lock()
	from := c.state.Status
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusConnected:
		c.state.LastConnectAt = now
		c.state.LastError = ""
	case StatusDisconnected, StatusError:
		c.state.LastDisconnectAt = now
		if cause != nil {
			c.state.LastError = cause.Error()
		}
	}
	c.mu.Unlock()

	metrics.ReaderConnectionState.WithLabelValues(c.ep.ID).Set(to.gaugeValue())

	change := StateChange{ReaderID: c.ep.ID, From: from, To: to, Err: cause, At: now}
	for _, l := range c.listeners {
		l(change)
	}
}

func (c *Conn) bumpRetry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.RetryCount++
	return c.state.RetryCount
}

func (c *Conn) resetRetry() {
	c.mu.Lock()
	c.state.RetryCount = 0
	c.mu.Unlock()
}

// raiseOffline raises the single reader_offline alert for this reader.
// The alert manager deduplicates by (type, source id).
func (c *Conn) raiseOffline(ctx context.Context, cause error) {
	if c.alerts == nil {
		return
	}
	a := alert.New(alert.TypeReaderOffline, alert.SeverityHigh, alert.SourceReader, c.ep.ID)
	a.ReaderID = c.ep.ID
	a.Title = "Reader offline"
	a.Message = fmt.Sprintf("reader %s exhausted %d reconnect attempts: %v", c.ep.ID, c.opts.MaxRetries, cause)
	c.alerts.Raise(ctx, a)
}
