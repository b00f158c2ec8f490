// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// MQTT topic layout per reader. The topic identifies the message type;
// payloads are the bare typed JSON messages.
const (
	topicEvents    = "events"
	topicStatus    = "status"
	topicHealth    = "health"
	topicResponses = "responses"
	topicCommands  = "commands"
)

// errTransportClosed unblocks Recv when the transport is closed locally.
var errTransportClosed = errors.New("mqtt transport closed")

// MQTTConfig configures the shared broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// mqttTransport maps the reader wire protocol onto per-reader pub/sub
// topics: inbound {reader}/events|status|health|responses, outbound
// {reader}/commands. One broker client is shared (paho multiplexes); each
// transport owns its subscriptions.
type mqttTransport struct {
	readerID string
	client   mqtt.Client
	qos      byte

	// ownsClient is set when the transport dialed the broker itself and
	// must disconnect it on Close.
	ownsClient bool

	inbound   chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMQTTTransport returns a Transport for one reader over an existing
// broker client. The client may be shared across readers.
func NewMQTTTransport(readerID string, client mqtt.Client, qos byte) Transport {
	return &mqttTransport{
		readerID: readerID,
		client:   client,
		qos:      qos,
		inbound:  make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

// MQTTFactory is a TransportFactory that dials the broker per attempt.
func MQTTFactory(cfg MQTTConfig) TransportFactory {
	return func(ep Endpoint) (Transport, error) {
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.Broker).
			SetClientID(fmt.Sprintf("%s-%s", cfg.ClientID, ep.ID)).
			SetCleanSession(true).
			SetAutoReconnect(false) // reconnection is the connection worker's job
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
		t := &mqttTransport{
			readerID:   ep.ID,
			client:     mqtt.NewClient(opts),
			qos:        cfg.QoS,
			ownsClient: true,
			inbound:    make(chan []byte, 256),
			closed:     make(chan struct{}),
		}
		return t, nil
	}
}

func (t *mqttTransport) Connect(ctx context.Context) error {
	if t.ownsClient && !t.client.IsConnected() {
		if err := waitToken(ctx, t.client.Connect()); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	}

	subs := map[string]protocol.MessageType{
		t.topic(topicEvents):    protocol.MessageTypeTagRead,
		t.topic(topicStatus):    protocol.MessageTypeStatus,
		t.topic(topicHealth):    protocol.MessageTypeHealth,
		t.topic(topicResponses): protocol.MessageTypeCommandResponse,
	}
	for topic, typ := range subs {
		typ := typ
		token := t.client.Subscribe(topic, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
			frame, err := protocol.WrapFrame(typ, t.readerID, msg.Payload())
			if err != nil {
				return
			}
			select {
			case t.inbound <- frame:
			case <-t.closed:
			default:
				// Inbound buffer full: drop rather than block the paho
				// router, which would stall every reader on this client.
			}
		})
		if err := waitToken(ctx, token); err != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (t *mqttTransport) Send(frame []byte) error {
	token := t.client.Publish(t.topic(topicCommands), t.qos, false, frame)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (t *mqttTransport) Recv() ([]byte, error) {
	select {
	case frame := <-t.inbound:
		return frame, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *mqttTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.client.Unsubscribe(
			t.topic(topicEvents),
			t.topic(topicStatus),
			t.topic(topicHealth),
			t.topic(topicResponses),
		)
		if t.ownsClient {
			t.client.Disconnect(250)
		}
	})
	return nil
}

func (t *mqttTransport) topic(kind string) string {
	return t.readerID + "/" + kind
}

// waitToken waits for a paho token honoring context cancellation.
func waitToken(ctx context.Context, token mqtt.Token) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensure interface compliance
var _ Transport = (*mqttTransport)(nil)
var _ Transport = (*tcpTransport)(nil)

// dialTimeoutFor derives a sane dial timeout from handshake timeout.
func dialTimeoutFor(opts Options) time.Duration {
	if opts.HandshakeTimeout > 0 {
		return opts.HandshakeTimeout
	}
	return 5 * time.Second
}
