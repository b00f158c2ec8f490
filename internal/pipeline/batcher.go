// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/metrics"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// BatcherConfig tunes the global batcher.
type BatcherConfig struct {
	// BatchSize seals when this many events accumulate.
	BatchSize int

	// MaxAge seals a non-empty batch that has been open this long, so a
	// quiet facility still gets timely persistence.
	MaxAge time.Duration

	// QueueSize bounds the ingest channel. Connection workers never
	// block on it; overflow is dropped and counted.
	QueueSize int
}

// DefaultBatcherConfig returns the documented defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{BatchSize: 100, MaxAge: time.Second, QueueSize: 4096}
}

// Batcher accumulates reads from all readers into one shared batch
// stream. It implements reader.EventSink: Ingest is non-blocking and
// safe from any goroutine, while batch assembly is confined to the Serve
// goroutine.
type Batcher struct {
	cfg    BatcherConfig
	queue  chan *protocol.TagRead
	sealed chan *Batch

	closeOnce sync.Once
}

// NewBatcher builds a batcher. Sealed batches appear on Sealed() until
// Serve returns and closes it.
func NewBatcher(cfg BatcherConfig) *Batcher {
	def := DefaultBatcherConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Batcher{
		cfg:    cfg,
		queue:  make(chan *protocol.TagRead, cfg.QueueSize),
		sealed: make(chan *Batch, 8),
	}
}

// Ingest enqueues one read. When the queue is full the read is dropped
// and counted rather than blocking the connection worker.
func (b *Batcher) Ingest(ev *protocol.TagRead) {
	select {
	case b.queue <- ev:
		metrics.EventsIngested.Inc()
	default:
		metrics.EventsDropped.Inc()
		logging.Warn().
			Str("reader", ev.ReaderID).
			Str("tag_id", ev.TagID).
			Msg("ingest queue full, event dropped")
	}
}

// Sealed is the stream of sealed batches, in seal order.
func (b *Batcher) Sealed() <-chan *Batch { return b.sealed }

// Serve runs batch assembly until ctx is canceled. On shutdown the open
// batch is sealed and emitted so buffered reads are not lost, then the
// sealed stream is closed.
func (b *Batcher) Serve(ctx context.Context) error {
	// The tick only has to bound staleness, not hit MaxAge exactly.
	tick := b.cfg.MaxAge / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	current := newBatch(b.cfg.BatchSize)

	emit := func(trigger SealTrigger) {
		if current.Size() == 0 {
			return
		}
		current.seal(trigger)
		metrics.BatchesSealed.WithLabelValues(string(trigger)).Inc()
		logging.Debug().
			Str("batch_id", current.ID).
			Int("events", current.Size()).
			Str("trigger", string(trigger)).
			Msg("batch sealed")
		b.sealed <- current
		current = newBatch(b.cfg.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before the final seal.
			for {
				select {
				case ev := <-b.queue:
					current.Events = append(current.Events, ev)
				default:
					emit(SealByStop)
					b.closeOnce.Do(func() { close(b.sealed) })
					return ctx.Err()
				}
			}

		case ev := <-b.queue:
			current.Events = append(current.Events, ev)
			if current.Size() >= b.cfg.BatchSize {
				emit(SealBySize)
			}

		case <-ticker.C:
			if current.Size() > 0 && time.Since(current.OpenedAt) >= b.cfg.MaxAge {
				emit(SealByAge)
			}
		}
	}
}
