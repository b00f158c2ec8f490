// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package reader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ferrum-labs/tagstream/internal/protocol"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

// fakeMQTTClient records subscriptions and publishes so tests can drive
// the broker side by invoking the captured handlers.
type fakeMQTTClient struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]mqtt.MessageHandler
	published []published
	unsubbed  []string
	pubErr    error
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeMQTTClient) IsConnected() bool      { return c.connected }
func (c *fakeMQTTClient) IsConnectionOpen() bool { return c.connected }

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return newFakeToken(nil)
}

func (c *fakeMQTTClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeMQTTClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubErr != nil {
		return newFakeToken(c.pubErr)
	}
	c.published = append(c.published, published{topic: topic, payload: payload.([]byte)})
	return newFakeToken(nil)
}

func (c *fakeMQTTClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return newFakeToken(nil)
}

func (c *fakeMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	for topic := range filters {
		c.handlers[topic] = callback
	}
	c.mu.Unlock()
	return newFakeToken(nil)
}

func (c *fakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	c.unsubbed = append(c.unsubbed, topics...)
	c.mu.Unlock()
	return newFakeToken(nil)
}

func (c *fakeMQTTClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver invokes the handler registered for topic as the paho router
// would on an inbound broker message.
func (c *fakeMQTTClient) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", topic)
	}
	h(c, &fakeMQTTMessage{topic: topic, payload: payload})
}

type fakeMQTTMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMQTTMessage) Duplicate() bool   { return false }
func (m *fakeMQTTMessage) Qos() byte         { return 1 }
func (m *fakeMQTTMessage) Retained() bool    { return false }
func (m *fakeMQTTMessage) Topic() string     { return m.topic }
func (m *fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m *fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m *fakeMQTTMessage) Ack()              {}

func TestMQTTTransport_SubscribesPerReaderTopics(t *testing.T) {
	client := newFakeMQTTClient()
	tr := NewMQTTTransport("r7", client, 1)
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, topic := range []string{"r7/events", "r7/status", "r7/health", "r7/responses"} {
		if _, ok := client.handlers[topic]; !ok {
			t.Errorf("missing subscription %s", topic)
		}
	}
}

func TestMQTTTransport_InboundTagReadRoundTrip(t *testing.T) {
	client := newFakeMQTTClient()
	tr := NewMQTTTransport("r7", client, 1)
	defer tr.Close()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	client.deliver(t, "r7/events",
		[]byte(`{"tagId":"TAG-9","antenna":2,"rssi":-48.5,"timestamp":"2026-08-01T10:00:00Z"}`))

	frame, err := tr.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	msg, err := protocol.Decode("r7", frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	read, ok := msg.(*protocol.TagRead)
	if !ok {
		t.Fatalf("decoded %T, want *protocol.TagRead", msg)
	}
	if read.TagID != "TAG-9" || read.ReaderID != "r7" || read.Antenna != 2 {
		t.Errorf("read = %+v", read)
	}
}

func TestMQTTTransport_SendPublishesToCommandTopic(t *testing.T) {
	client := newFakeMQTTClient()
	tr := NewMQTTTransport("r7", client, 1)
	defer tr.Close()

	frame, err := protocol.EncodeCommand(protocol.Command{
		Command:    protocol.CmdGetStatus,
		SequenceID: 42,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if err := tr.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(client.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(client.published))
	}
	if got := client.published[0].topic; got != "r7/commands" {
		t.Errorf("topic = %s, want r7/commands", got)
	}
	cmd, err := protocol.DecodeCommand(client.published[0].payload)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Command != protocol.CmdGetStatus || cmd.SequenceID != 42 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestMQTTTransport_SendErrorSurfaces(t *testing.T) {
	client := newFakeMQTTClient()
	client.pubErr = errors.New("broker gone")
	tr := NewMQTTTransport("r7", client, 1)
	defer tr.Close()

	if err := tr.Send([]byte(`{}`)); err == nil {
		t.Fatal("Send on failed publish must error")
	}
}

func TestMQTTTransport_CloseUnsubscribesAndUnblocksRecv(t *testing.T) {
	client := newFakeMQTTClient()
	tr := NewMQTTTransport("r7", client, 1)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	recvErr := make(chan error, 1)
	go func() {
		_, err := tr.Recv()
		recvErr <- err
	}()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-recvErr:
		if err == nil {
			t.Error("Recv after Close must error")
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock on Close")
	}
	if len(client.unsubbed) != 4 {
		t.Errorf("unsubscribed %d topics, want 4", len(client.unsubbed))
	}
}
