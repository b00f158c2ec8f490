// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package reader

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// Transport is one logical session to a reader. Implementations: raw TCP
// stream and MQTT pub/sub. Recv is called only by the connection worker's
// dispatch loop; Send may be called concurrently (command issuers share
// one transport) and Close may come from any goroutine to interrupt a
// blocked Recv.
type Transport interface {
	// Connect establishes the transport-level session.
	Connect(ctx context.Context) error

	// Send writes one raw command frame.
	Send(frame []byte) error

	// Recv blocks until the next inbound frame or transport failure.
	Recv() ([]byte, error)

	// Close releases the transport deterministically and unblocks Recv.
	Close() error
}

// TransportFactory builds a fresh Transport for a connection attempt.
// A new Transport per attempt keeps half-closed sockets from leaking
// between attempts.
type TransportFactory func(ep Endpoint) (Transport, error)

// tcpTransport frames newline-delimited JSON over a stream socket.
type tcpTransport struct {
	address     string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	fr   *protocol.FrameReader
	fw   *protocol.FrameWriter

	// writeMu serializes whole frames onto the socket. Concurrent Send
	// callers (probe and command issuers) must not interleave bytes.
	writeMu sync.Mutex
}

// NewTCPTransport returns a Transport dialing the endpoint's address.
func NewTCPTransport(ep Endpoint, dialTimeout time.Duration) Transport {
	return &tcpTransport{address: ep.Address, dialTimeout: dialTimeout}
}

// TCPFactory is a TransportFactory for stream-socket readers.
func TCPFactory(dialTimeout time.Duration) TransportFactory {
	return func(ep Endpoint) (Transport, error) {
		if ep.Address == "" {
			return nil, fmt.Errorf("reader %s: tcp transport requires an address", ep.ID)
		}
		return NewTCPTransport(ep, dialTimeout), nil
	}
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.fr = protocol.NewFrameReader(conn)
	t.fw = protocol.NewFrameWriter(conn)
	t.mu.Unlock()
	return nil
}

func (t *tcpTransport) Send(frame []byte) error {
	t.mu.Lock()
	fw := t.fw
	t.mu.Unlock()
	if fw == nil {
		return fmt.Errorf("tcp transport not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return fw.WriteFrame(frame)
}

func (t *tcpTransport) Recv() ([]byte, error) {
	t.mu.Lock()
	fr := t.fr
	t.mu.Unlock()
	if fr == nil {
		return nil, fmt.Errorf("tcp transport not connected")
	}
	return fr.ReadFrame()
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
