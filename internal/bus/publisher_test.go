// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

func startBus(t *testing.T) (*EmbeddedServer, *Publisher) {
	t.Helper()
	srv, err := NewEmbeddedServer(ServerConfig{Port: -1, StoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewEmbeddedServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	pub, err := NewPublisher(DefaultPublisherConfig(srv.ClientURL()))
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	t.Cleanup(func() { pub.Close() })
	return srv, pub
}

func subscribe(t *testing.T, url, topic string) chan *natsgo.Msg {
	t.Helper()
	nc, err := natsgo.Connect(url)
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(nc.Close)

	ch := make(chan *natsgo.Msg, 8)
	if _, err := nc.ChanSubscribe(topic, ch); err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	return ch
}

func recv(t *testing.T, ch chan *natsgo.Msg) *natsgo.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestPublishTagRead(t *testing.T) {
	srv, pub := startBus(t)
	ch := subscribe(t, srv.ClientURL(), TopicTagReads)

	ev := &protocol.TagRead{
		TagID:     "TAG-001",
		ReaderID:  "r1",
		Antenna:   2,
		RSSI:      -48,
		Timestamp: time.Now().UTC(),
	}
	if err := pub.PublishTagRead(context.Background(), ev); err != nil {
		t.Fatalf("PublishTagRead: %v", err)
	}

	msg := recv(t, ch)
	var got protocol.TagRead
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TagID != "TAG-001" || got.ReaderID != "r1" || got.RSSI != -48 {
		t.Errorf("got %+v", got)
	}
}

func TestNotifyPublishesAlert(t *testing.T) {
	srv, pub := startBus(t)
	ch := subscribe(t, srv.ClientURL(), TopicAlerts)

	a := alert.New(alert.TypeReaderOffline, alert.SeverityHigh, alert.SourceReader, "r9")
	a.ReaderID = "r9"
	a.Message = "reader r9 exhausted reconnect attempts"
	if err := pub.Notify(context.Background(), a); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	msg := recv(t, ch)
	var got alert.Alert
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != alert.TypeReaderOffline || got.SourceID != "r9" {
		t.Errorf("got %+v", got)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	_, pub := startBus(t)
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := pub.PublishReaderState(context.Background(), "r1", "connected"); err == nil {
		t.Fatal("publish after close must fail")
	}
}

func TestLockZonePublishesControlOrder(t *testing.T) {
	srv, pub := startBus(t)
	ch := subscribe(t, srv.ClientURL(), TopicZoneControl)

	if err := pub.LockZone(context.Background(), "archive_secure"); err != nil {
		t.Fatalf("LockZone: %v", err)
	}

	msg := recv(t, ch)
	var got struct {
		Zone   string `json:"zone"`
		Action string `json:"action"`
		At     string `json:"at"`
	}
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Zone != "archive_secure" || got.Action != "lock" {
		t.Errorf("got %+v", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, got.At); err != nil {
		t.Errorf("at = %q: %v", got.At, err)
	}
}
