// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package reader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// Manager is the arena of connection handles, indexed by stable reader id.
// The arena is built once at startup from configuration; handles are never
// removed while the process runs. Each handle's mutable state is owned by
// its worker; Manager only routes calls to the right handle.
type Manager struct {
	opts    Options
	factory TransportFactory
	sink    EventSink

	conns map[string]*Conn
	order []string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager builds the connection arena for the given endpoints. The
// factory picks the transport per endpoint (typically switching on
// Endpoint.Transport).
func NewManager(eps []Endpoint, opts Options, factory TransportFactory, sink EventSink) *Manager {
	m := &Manager{
		opts:    opts,
		factory: factory,
		sink:    sink,
		conns:   make(map[string]*Conn, len(eps)),
		running: make(map[string]context.CancelFunc),
	}
	for _, ep := range eps {
		c := NewConn(ep, opts, factory, sink)
		m.conns[ep.ID] = c
		m.order = append(m.order, ep.ID)
	}
	sort.Strings(m.order)
	return m
}

// SetAlerts attaches the alert manager to every handle. Call before any
// worker starts.
func (m *Manager) SetAlerts(a *alert.Manager) {
	for _, c := range m.conns {
		c.SetAlerts(a)
	}
}

// SetMonitor attaches the health monitor sink to every handle.
func (m *Manager) SetMonitor(mon MonitorSink) {
	for _, c := range m.conns {
		c.SetMonitor(mon)
	}
}

// AddStateListener registers a transition listener on every handle.
func (m *Manager) AddStateListener(l StateListener) {
	for _, c := range m.conns {
		c.AddStateListener(l)
	}
}

// Conn returns the handle for a reader id.
func (m *Manager) Conn(readerID string) (*Conn, error) {
	c, ok := m.conns[readerID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReader, readerID)
	}
	return c, nil
}

// Conns returns all handles in stable (sorted id) order.
func (m *Manager) Conns() []*Conn {
	out := make([]*Conn, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.conns[id])
	}
	return out
}

// Connect starts the reader's connection worker if it is not running and
// blocks until the first attempt resolves: nil once connected, or a
// ConnectionError if the first attempt failed (the worker keeps retrying
// with backoff either way).
//
// When workers run under the supervision tree, use the tree instead;
// Connect is for standalone and test use.
func (m *Manager) Connect(ctx context.Context, readerID string) error {
	c, err := m.Conn(readerID)
	if err != nil {
		return err
	}

	outcome := make(chan StateChange, 4)
	c.AddStateListener(func(ch StateChange) {
		select {
		case outcome <- ch:
		default:
		}
	})

	m.mu.Lock()
	if _, ok := m.running[readerID]; !ok {
		runCtx, cancel := context.WithCancel(context.Background())
		m.running[readerID] = cancel
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			c.Serve(runCtx)
			m.mu.Lock()
			delete(m.running, readerID)
			m.mu.Unlock()
		}()
	}
	m.mu.Unlock()

	for {
		select {
		case ch := <-outcome:
			switch ch.To {
			case StatusConnected:
				return nil
			case StatusDisconnected, StatusError:
				if ch.Err != nil {
					return ch.Err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect releases one reader's transport deterministically and stops
// its worker. In-flight commands for that reader fail; sealed batches and
// other readers are unaffected.
func (m *Manager) Disconnect(readerID string) error {
	c, err := m.Conn(readerID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	cancel, ok := m.running[readerID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	c.Stop()
	return nil
}

// SendCommand routes a command to a reader and returns the correlated
// response.
func (m *Manager) SendCommand(ctx context.Context, readerID, command string, params map[string]any, timeout time.Duration) (*protocol.CommandResponse, error) {
	c, err := m.Conn(readerID)
	if err != nil {
		return nil, err
	}
	return c.SendCommand(ctx, command, params, timeout)
}

// Connected reports whether a reader's connection is established. The
// health monitor consults this before probing.
func (m *Manager) Connected(readerID string) bool {
	c, err := m.Conn(readerID)
	if err != nil {
		return false
	}
	return c.State().Status == StatusConnected
}

// IntensifyReads raises read frequency for a tag on the given reader.
func (m *Manager) IntensifyReads(ctx context.Context, readerID, tagID string) error {
	c, err := m.Conn(readerID)
	if err != nil {
		return err
	}
	return c.IntensifyReads(ctx, tagID)
}

// Shutdown stops all self-managed workers and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for id, cancel := range m.running {
		cancel()
		delete(m.running, id)
	}
	m.mu.Unlock()
	for _, c := range m.conns {
		c.Stop()
	}
	m.wg.Wait()
}
