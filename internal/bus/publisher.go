// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/collision"
	"github.com/ferrum-labs/tagstream/internal/location"
	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/metrics"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// Outbound topics. Downstream consumers subscribe per kind.
const (
	TopicTagReads    = "tagstream.tag_reads"
	TopicMovements   = "tagstream.movements"
	TopicCollisions  = "tagstream.collisions"
	TopicAlerts      = "tagstream.alerts"
	TopicReaderState = "tagstream.reader_state"
	TopicZoneControl = "tagstream.zone_control"
)

// PublisherConfig configures the outbound publisher.
type PublisherConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultPublisherConfig returns defaults for a local server.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{URL: url, MaxReconnects: -1, ReconnectWait: 2 * time.Second}
}

// Publisher pushes typed payloads to JetStream behind a circuit breaker.
// All publishes are fire-and-forget from the pipeline's view: a broken
// bus degrades the outbound stream, never ingestion or persistence.
type Publisher struct {
	pub     message.Publisher
	breaker *gobreaker.CircuitBreaker[any]

	mu     sync.Mutex
	closed bool
}

// NewPublisher connects to NATS and provisions the stream on first use.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	logger := newLoggerAdapter()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bus: create publisher: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "outbound-publish",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("outbound breaker state change")
		},
	})

	return &Publisher{pub: pub, breaker: breaker}, nil
}

// Close shuts the underlying publisher down.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pub.Close()
}

// publish marshals and sends one payload. Breaker rejections and
// publish failures are counted and returned; callers treat them as
// non-fatal.
func (p *Publisher) publish(topic, kind string, payload any) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("bus: publisher closed")
	}
	p.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", kind, err)
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set("kind", kind)
	msg.Metadata.Set(natsgo.MsgIdHdr, msg.UUID)

	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.pub.Publish(topic, msg)
	})
	if err != nil {
		metrics.OutboundPublishErrors.Inc()
		return fmt.Errorf("bus: publish %s: %w", kind, err)
	}
	metrics.OutboundPublished.WithLabelValues(kind).Inc()
	return nil
}

// PublishTagRead publishes one raw read.
func (p *Publisher) PublishTagRead(_ context.Context, ev *protocol.TagRead) error {
	return p.publish(TopicTagReads, "tag_read", ev)
}

// PublishMovement publishes a movement record.
func (p *Publisher) PublishMovement(_ context.Context, mv *location.Movement) error {
	return p.publish(TopicMovements, "object_moved", mv)
}

// PublishCollision publishes a collision event.
func (p *Publisher) PublishCollision(_ context.Context, ev *collision.Event) error {
	return p.publish(TopicCollisions, "collision_detected", ev)
}

// PublishReaderState publishes a reader connection transition.
func (p *Publisher) PublishReaderState(_ context.Context, readerID, status string) error {
	return p.publish(TopicReaderState, "reader_state", map[string]string{
		"readerId": readerID,
		"status":   status,
		"at":       time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// LockZone implements rules.ZoneController: the lockdown order goes out
// on the control topic for facility-side consumers to act on.
func (p *Publisher) LockZone(_ context.Context, zone string) error {
	return p.publish(TopicZoneControl, "zone_lock", map[string]string{
		"zone":   zone,
		"action": "lock",
		"at":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Name implements alert.Notifier.
func (p *Publisher) Name() string { return "bus" }

// Notify implements alert.Notifier: raised alerts go out on the stream.
func (p *Publisher) Notify(_ context.Context, a *alert.Alert) error {
	return p.publish(TopicAlerts, "alert_created", a)
}
