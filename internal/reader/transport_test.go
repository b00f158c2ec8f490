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
	"testing"
	"time"

	"github.com/ferrum-labs/tagstream/internal/protocol"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverFrames := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fr := protocol.NewFrameReader(conn)
		frame, err := fr.ReadFrame()
		if err != nil {
			return
		}
		serverFrames <- frame
		fw := protocol.NewFrameWriter(conn)
		fw.WriteFrame([]byte(`{"type":"event"}`))
	}()

	tr := NewTCPTransport(Endpoint{ID: "r1", Address: ln.Addr().String()}, time.Second)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if err := tr.Send([]byte(`{"type":"command"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case frame := <-serverFrames:
		if string(frame) != `{"type":"command"}` {
			t.Errorf("server received %q", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}

	frame, err := tr.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(frame) != `{"type":"event"}` {
		t.Errorf("Recv = %q", frame)
	}
}

// Command issuers and the health prober share one transport. Frames
// written from separate goroutines must arrive whole, never with their
// bytes interleaved on the socket.
func TestTCPTransportConcurrentSendKeepsFramesWhole(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	const senders = 4
	const perSender = 50

	received := make(chan []byte, senders*perSender)
	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		fr := protocol.NewFrameReader(conn)
		for i := 0; i < senders*perSender; i++ {
			frame, err := fr.ReadFrame()
			if err != nil {
				serverDone <- fmt.Errorf("frame %d: %w", i, err)
				return
			}
			received <- frame
		}
		serverDone <- nil
	}()

	tr := NewTCPTransport(Endpoint{ID: "r1", Address: ln.Addr().String()}, time.Second)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	valid := make(map[string]int, senders)
	var frames [senders][]byte
	for s := 0; s < senders; s++ {
		frame := []byte(fmt.Sprintf(`{"sender":%d,"payload":"abcdefghijklmnopqrstuvwxyz"}`, s))
		frames[s] = frame
		valid[string(frame)] = 0
	}

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(frame []byte) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := tr.Send(frame); err != nil {
					t.Errorf("Send: %v", err)
					return
				}
			}
		}(frames[s])
	}
	wg.Wait()

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never read all frames")
	}

	close(received)
	for frame := range received {
		if _, ok := valid[string(frame)]; !ok {
			t.Fatalf("interleaved frame on the wire: %q", frame)
		}
		valid[string(frame)]++
	}
	for s, frame := range frames {
		if got := valid[string(frame)]; got != perSender {
			t.Errorf("sender %d: %d frames arrived, want %d", s, got, perSender)
		}
	}
}

func TestTCPTransportSendBeforeConnect(t *testing.T) {
	tr := NewTCPTransport(Endpoint{ID: "r1", Address: "127.0.0.1:1"}, time.Second)
	if err := tr.Send([]byte(`{}`)); err == nil {
		t.Error("Send before Connect should fail")
	}
	if _, err := tr.Recv(); err == nil {
		t.Error("Recv before Connect should fail")
	}
}
