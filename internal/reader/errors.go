// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package reader

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownReader is returned for operations on a reader id that was not
// configured at startup.
var ErrUnknownReader = errors.New("reader: unknown reader id")

// ErrNotConnected is returned when a command is issued while the
// connection is not in the connected state.
var ErrNotConnected = errors.New("reader: not connected")

// ErrRetriesExhausted is returned by Serve when the reconnect budget is
// spent. The supervisor translates this into a do-not-restart decision;
// the reader stays in StatusError until operator intervention.
var ErrRetriesExhausted = errors.New("reader: reconnect retries exhausted")

// ConnectionError is a transport or handshake failure for one reader.
// Transient by design: the connection worker retries with backoff.
type ConnectionError struct {
	ReaderID string
	Op       string // dial, handshake, read, write
	Cause    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("reader %s: %s: %v", e.ReaderID, e.Op, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// CommandTimeoutError reports a single command that received no response
// within its deadline. It does not affect connection state by itself.
type CommandTimeoutError struct {
	ReaderID   string
	Command    string
	SequenceID uint64
	Timeout    time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("reader %s: command %q (seq %d) timed out after %s",
		e.ReaderID, e.Command, e.SequenceID, e.Timeout)
}
