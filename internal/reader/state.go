// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package reader

import (
	"time"
)

// Status is the connection status of one reader. Transitions within a
// connection attempt are monotonic: disconnected -> connecting ->
// {connected | error}.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// gaugeValue maps a status onto the connection-state gauge.
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusError:
		return 3
	default:
		return 0
	}
}

// ConnectionState is the mutable per-reader connection record. Exactly one
// exists per configured endpoint; it is mutated only by the owning
// connection worker and read through Conn.State() snapshots.
type ConnectionState struct {
	Status           Status
	RetryCount       int
	LastError        string
	LastConnectAt    time.Time
	LastDisconnectAt time.Time
}

// StateChange is emitted on every status transition, for the health
// monitor and external subscribers.
type StateChange struct {
	ReaderID string
	From     Status
	To       Status
	Err      error
	At       time.Time
}

// StateListener receives state transitions. Listeners must not block; slow
// consumers should hand off to their own queue.
type StateListener func(StateChange)

// Endpoint is a reader's fixed identity and configuration. Created from
// configuration at startup; mutated only by configuration update.
type Endpoint struct {
	ID           string
	Address      string
	Transport    string // "tcp" or "mqtt"
	Zone         string
	AntennaCount int
	PowerDBm     float64
	Sensitivity  float64
}

// Options is the shared connection tuning applied to every reader.
type Options struct {
	HandshakeTimeout time.Duration
	CommandTimeout   time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	MaxRetries       int
}

// DefaultOptions mirror the documented defaults: 5s handshake, 3s command
// round trip, 500ms..30s backoff, 10 attempts.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		CommandTimeout:   3 * time.Second,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		MaxRetries:       10,
	}
}
