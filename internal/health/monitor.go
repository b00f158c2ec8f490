// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package health probes reader hardware on an interval and keeps a
// rolling per-reader history. It also receives the unsolicited status
// and health messages the connection workers dispatch.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/metrics"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// Prober issues commands to readers. Satisfied by the reader manager.
type Prober interface {
	SendCommand(ctx context.Context, readerID, command string, params map[string]any, timeout time.Duration) (*protocol.CommandResponse, error)

	// Connected reports whether the reader's connection is established.
	// Only connected readers are probed; a reader that is still dialing
	// or reconnecting is not an unhealthy reader.
	Connected(readerID string) bool
}

// Config tunes the monitor.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// HistorySize is the number of samples retained per reader.
	HistorySize int
}

// DefaultConfig returns the documented defaults: 30s interval, 3s
// timeout, 120 samples (an hour of history at the default interval).
func DefaultConfig() Config {
	return Config{ProbeInterval: 30 * time.Second, ProbeTimeout: 3 * time.Second, HistorySize: 120}
}

// Sample is one health observation, from a probe or an unsolicited
// health report.
type Sample struct {
	At          time.Time
	OK          bool
	RTT         time.Duration // zero for unsolicited reports
	Temperature float64
	ErrorCount  int64
	Antennas    []protocol.AntennaHealth
	Detail      string
}

// statusData is the payload of a get_status response.
type statusData struct {
	State       string                   `json:"state"`
	Temperature float64                  `json:"temperature,omitempty"`
	Antennas    []protocol.AntennaHealth `json:"antennas,omitempty"`
	ErrorCount  int64                    `json:"errorCount,omitempty"`
	UptimeSec   int64                    `json:"uptimeSec,omitempty"`
}

// readerHealth is the monitor's per-reader memory: a ring of samples
// plus healthy/unhealthy state for alert edges.
type readerHealth struct {
	samples []Sample
	next    int
	filled  bool
	healthy bool
}

// Monitor owns health probing. It implements reader.MonitorSink so the
// connection workers feed it unsolicited reports directly.
type Monitor struct {
	cfg     Config
	prober  Prober
	readers []string
	alerts  *alert.Manager

	mu    sync.Mutex
	state map[string]*readerHealth
}

// NewMonitor builds a monitor for the given reader ids.
func NewMonitor(readers []string, prober Prober, alerts *alert.Manager, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	state := make(map[string]*readerHealth, len(readers))
	for _, id := range readers {
		state[id] = &readerHealth{samples: make([]Sample, cfg.HistorySize), healthy: true}
	}
	return &Monitor{cfg: cfg, prober: prober, readers: readers, alerts: alerts, state: state}
}

// Serve probes every reader once per interval until ctx is canceled.
// The first round runs immediately so startup state is known without
// waiting a full interval.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes all readers concurrently and waits for the round to
// finish. Each probe is bounded by the probe timeout, so a dead reader
// cannot stall the round.
func (m *Monitor) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range m.readers {
		wg.Add(1)
		go func(readerID string) {
			defer wg.Done()
			m.probe(ctx, readerID)
		}(id)
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, readerID string) {
	if !m.prober.Connected(readerID) {
		return
	}

	start := time.Now()
	resp, err := m.prober.SendCommand(ctx, readerID, protocol.CmdGetStatus, nil, m.cfg.ProbeTimeout)
	rtt := time.Since(start)

	if err != nil || resp.Status != protocol.StatusSuccess {
		detail := "probe failed"
		if err != nil {
			detail = err.Error()
		} else if resp.ErrorCode != "" {
			detail = resp.ErrorCode
		}
		m.record(readerID, Sample{At: time.Now().UTC(), OK: false, RTT: rtt, Detail: detail})
		m.transition(ctx, readerID, false, detail)
		return
	}

	metrics.ProbeRTT.WithLabelValues(readerID).Observe(rtt.Seconds())

	var data statusData
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			logging.Debug().Err(err).Str("reader", readerID).Msg("unparseable status data")
		}
	}
	if data.Temperature != 0 {
		metrics.ReaderTemperature.WithLabelValues(readerID).Set(data.Temperature)
	}

	sample := Sample{
		At:          time.Now().UTC(),
		OK:          true,
		RTT:         rtt,
		Temperature: data.Temperature,
		ErrorCount:  data.ErrorCount,
		Antennas:    data.Antennas,
		Detail:      data.State,
	}
	m.record(readerID, sample)

	if faulted := disconnectedAntennas(data.Antennas); len(faulted) > 0 {
		m.transition(ctx, readerID, false, fmt.Sprintf("antennas disconnected: %v", faulted))
		return
	}
	m.transition(ctx, readerID, true, "")
}

func disconnectedAntennas(antennas []protocol.AntennaHealth) []int {
	var out []int
	for _, a := range antennas {
		if !a.Connected {
			out = append(out, a.Antenna)
		}
	}
	return out
}

// transition raises the health alert on the healthy->unhealthy edge and
// clears it on recovery. Repeated bad probes do not re-raise; the alert
// manager would suppress them anyway.
func (m *Monitor) transition(ctx context.Context, readerID string, healthy bool, detail string) {
	m.mu.Lock()
	st, ok := m.state[readerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasHealthy := st.healthy
	st.healthy = healthy
	m.mu.Unlock()

	switch {
	case !healthy && wasHealthy:
		logging.Warn().Str("reader", readerID).Str("detail", detail).Msg("reader unhealthy")
		if m.alerts != nil {
			a := alert.New(alert.TypeReaderHealth, alert.SeverityMedium, alert.SourceReader, readerID)
			a.ReaderID = readerID
			a.Title = "Reader health degraded"
			a.Message = fmt.Sprintf("reader %s: %s", readerID, detail)
			m.alerts.Raise(ctx, a)
		}
	case healthy && !wasHealthy:
		logging.Info().Str("reader", readerID).Msg("reader health recovered")
		if m.alerts != nil {
			m.alerts.Clear(alert.TypeReaderHealth, readerID)
		}
	}
}

// record appends a sample to the reader's ring.
func (m *Monitor) record(readerID string, s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[readerID]
	if !ok {
		return
	}
	st.samples[st.next] = s
	st.next++
	if st.next == len(st.samples) {
		st.next = 0
		st.filled = true
	}
}

// History returns the reader's retained samples, oldest first.
func (m *Monitor) History(readerID string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[readerID]
	if !ok {
		return nil
	}

	var out []Sample
	if st.filled {
		out = append(out, st.samples[st.next:]...)
	}
	out = append(out, st.samples[:st.next]...)
	return out
}

// Healthy reports the reader's current health state.
func (m *Monitor) Healthy(readerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[readerID]
	return ok && st.healthy
}

// OnStatus handles an unsolicited status notification.
func (m *Monitor) OnStatus(msg *protocol.Status) {
	logging.Info().
		Str("reader", msg.ReaderID).
		Str("state", msg.State).
		Str("detail", msg.Detail).
		Msg("reader status")
}

// OnHealth folds an unsolicited health report into the history. Pushed
// reports supplement probing; they never clear an unhealthy state, which
// only a successful probe does.
func (m *Monitor) OnHealth(msg *protocol.Health) {
	if msg.Temperature != 0 {
		metrics.ReaderTemperature.WithLabelValues(msg.ReaderID).Set(msg.Temperature)
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.record(msg.ReaderID, Sample{
		At:          at,
		OK:          true,
		Temperature: msg.Temperature,
		ErrorCount:  msg.ErrorCount,
		Antennas:    msg.Antennas,
	})
}
