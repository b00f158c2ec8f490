// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/collision"
	"github.com/ferrum-labs/tagstream/internal/location"
	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/metrics"
	"github.com/ferrum-labs/tagstream/internal/protocol"
	"github.com/ferrum-labs/tagstream/internal/rules"
	"github.com/ferrum-labs/tagstream/internal/store"
)

// BatchStore persists batches. PersistBatch must be atomic: the record
// and all events commit together or not at all.
type BatchStore interface {
	PersistBatch(ctx context.Context, rec *store.BatchRecord, events []*protocol.TagRead) error
	CompleteBatch(ctx context.Context, id string, processed, failed int, completedAt time.Time, duration time.Duration) error
}

// ObjectStore updates the authoritative per-tag location.
type ObjectStore interface {
	UpdateObjectLocation(ctx context.Context, tagID, zone string, confidence int, ts time.Time) error
}

// MovementStore appends movement records.
type MovementStore interface {
	SaveMovement(ctx context.Context, mv *location.Movement) error
}

// CollisionStore records collision events.
type CollisionStore interface {
	SaveCollision(ctx context.Context, ev *collision.Event) error
}

// DeadLetterer parks batches whose persistence retries are exhausted.
type DeadLetterer interface {
	Park(entry *store.DeadLetter) error
}

// StreamPublisher pushes derived events to the outbound stream. All
// publishes are best effort from the pipeline's view.
type StreamPublisher interface {
	PublishTagRead(ctx context.Context, ev *protocol.TagRead) error
	PublishMovement(ctx context.Context, mv *location.Movement) error
	PublishCollision(ctx context.Context, ev *collision.Event) error
}

// ProcessorConfig tunes the batch processing pool.
type ProcessorConfig struct {
	// Workers is the fixed pool size.
	Workers int

	// PersistRetries is the number of retries after the first failed
	// persistence attempt.
	PersistRetries int

	// PersistTimeout bounds one persistence attempt.
	PersistTimeout time.Duration
}

// DefaultProcessorConfig returns the documented defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{Workers: 4, PersistRetries: 2, PersistTimeout: 5 * time.Second}
}

// Processor drains sealed batches through persistence and derivation.
// Batches are independent units of work: a failed batch never blocks or
// poisons its successors.
type Processor struct {
	cfg       ProcessorConfig
	batches   BatchStore
	objects   ObjectStore
	movements MovementStore
	collisions CollisionStore
	deadLetter DeadLetterer
	estimator  *location.Estimator
	detector   *collision.Detector
	engine     *rules.Engine
	alerts     *alert.Manager
	publisher  StreamPublisher

	breaker *gobreaker.CircuitBreaker[any]
	source  <-chan *Batch
}

// ProcessorDeps carries the processor's collaborators. Estimator,
// detector, engine, alerts, and batches are required; the rest may be
// nil and the corresponding step is skipped.
type ProcessorDeps struct {
	Batches    BatchStore
	Objects    ObjectStore
	Movements  MovementStore
	Collisions CollisionStore
	DeadLetter DeadLetterer
	Estimator  *location.Estimator
	Detector   *collision.Detector
	Engine     *rules.Engine
	Alerts     *alert.Manager
	Publisher  StreamPublisher
}

// NewProcessor builds a processor consuming from source.
func NewProcessor(source <-chan *Batch, deps ProcessorDeps, cfg ProcessorConfig) (*Processor, error) {
	if deps.Batches == nil {
		return nil, fmt.Errorf("pipeline: batch store required")
	}
	if deps.Estimator == nil || deps.Detector == nil {
		return nil, fmt.Errorf("pipeline: estimator and detector required")
	}
	if deps.Engine == nil || deps.Alerts == nil {
		return nil, fmt.Errorf("pipeline: rule engine and alert manager required")
	}
	def := DefaultProcessorConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PersistRetries < 0 {
		cfg.PersistRetries = def.PersistRetries
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "batch-persist",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &Processor{
		cfg:        cfg,
		batches:    deps.Batches,
		objects:    deps.Objects,
		movements:  deps.Movements,
		collisions: deps.Collisions,
		deadLetter: deps.DeadLetter,
		estimator:  deps.Estimator,
		detector:   deps.Detector,
		engine:     deps.Engine,
		alerts:     deps.Alerts,
		publisher:  deps.Publisher,
		breaker:    breaker,
		source:     source,
	}, nil
}

// Serve runs the worker pool until the source channel closes. Workers
// keep draining after ctx cancellation so already-sealed batches are
// still persisted on shutdown.
func (p *Processor) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for batch := range p.source {
				p.process(ctx, batch)
			}
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// process drives one batch end to end. Persistence failure dead-letters
// the batch; derivation failures are per event and never fail the batch
// as a whole.
func (p *Processor) process(ctx context.Context, batch *Batch) {
	// Shutdown may have canceled ctx while batches are still queued.
	// Persistence gets its own timeout either way.
	base := context.WithoutCancel(ctx)

	batch.State = BatchPersisting
	rec := &store.BatchRecord{
		ID:         batch.ID,
		EventCount: batch.Size(),
		Status:     string(BatchPersisting),
		StartedAt:  batch.OpenedAt,
	}

	start := time.Now()
	if err := p.persist(base, rec, batch.Events); err != nil {
		p.fail(base, batch, err)
		return
	}
	metrics.BatchPersistDuration.Observe(time.Since(start).Seconds())

	processed, failed := 0, 0
	for _, ev := range batch.Events {
		if p.derive(base, ev) {
			processed++
		} else {
			failed++
		}
	}

	p.detectCollisions(base, batch)

	batch.State = BatchCommitted
	completedAt := time.Now().UTC()
	if err := p.batches.CompleteBatch(base, batch.ID, processed, failed, completedAt, completedAt.Sub(batch.OpenedAt)); err != nil {
		logging.Error().Err(err).Str("batch_id", batch.ID).Msg("failed to finalize batch record")
	}
	metrics.BatchesPersisted.Inc()

	logging.Debug().
		Str("batch_id", batch.ID).
		Int("processed", processed).
		Int("failed", failed).
		Msg("batch committed")
}

// persist tries the atomic write with retries behind the circuit
// breaker. Breaker rejections count as attempts so a dead store parks
// batches promptly instead of hammering it.
func (p *Processor) persist(ctx context.Context, rec *store.BatchRecord, events []*protocol.TagRead) error {
	attempts := p.cfg.PersistRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := p.breaker.Execute(func() (any, error) {
			actx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
			defer cancel()
			return nil, p.batches.PersistBatch(actx, rec, events)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		logging.Warn().
			Err(err).
			Str("batch_id", rec.ID).
			Int("attempt", attempt).
			Msg("batch persist attempt failed")
	}
	return &PersistenceError{BatchID: rec.ID, Attempts: attempts, Cause: lastErr}
}

// fail parks the batch in the dead-letter store and raises one alert.
func (p *Processor) fail(ctx context.Context, batch *Batch, err error) {
	batch.State = BatchFailed
	metrics.BatchesFailed.Inc()

	var perr *PersistenceError
	attempts := 0
	if errors.As(err, &perr) {
		attempts = perr.Attempts
	}

	if p.deadLetter != nil {
		entry := &store.DeadLetter{
			BatchID:   batch.ID,
			Events:    batch.Events,
			Reason:    "persistence retries exhausted",
			Attempts:  attempts,
			LastError: err.Error(),
		}
		if parkErr := p.deadLetter.Park(entry); parkErr != nil {
			logging.Error().Err(parkErr).Str("batch_id", batch.ID).Msg("dead-letter park failed")
		}
	}

	a := alert.New(alert.TypeBatchPersistence, alert.SeverityHigh, alert.SourceSystem, batch.ID)
	a.Title = "Batch persistence failed"
	a.Message = fmt.Sprintf("batch %s (%d events) dead-lettered: %v", batch.ID, batch.Size(), err)
	a.Actions = []string{"dead_lettered"}
	p.alerts.Raise(ctx, a)
}

// derive runs one event through estimation, the object store, movement
// recording, and rules. Returns false only when a store write genuinely
// failed; unknown tags alert but still count as processed.
func (p *Processor) derive(ctx context.Context, ev *protocol.TagRead) bool {
	if p.publisher != nil {
		if err := p.publisher.PublishTagRead(ctx, ev); err != nil {
			logging.Debug().Err(err).Str("tag_id", ev.TagID).Msg("tag read publish failed")
		}
	}

	est, mv := p.estimator.Observe(ev)
	if est == nil {
		return true
	}

	ok := true
	if p.objects != nil {
		err := p.objects.UpdateObjectLocation(ctx, est.TagID, est.Zone, est.Confidence, est.At)
		switch {
		case errors.Is(err, store.ErrUnknownTag):
			a := alert.New(alert.TypeUnknownTag, alert.SeverityMedium, alert.SourceTag, est.TagID)
			a.TagID = est.TagID
			a.Zone = est.Zone
			a.Title = "Unknown tag observed"
			a.Message = fmt.Sprintf("tag %s read in %q has no registered object", est.TagID, est.Zone)
			p.alerts.Raise(ctx, a)
		case err != nil:
			logging.Error().Err(err).Str("tag_id", est.TagID).Msg("object location update failed")
			ok = false
		}
	}

	if mv != nil {
		if p.movements != nil {
			if err := p.movements.SaveMovement(ctx, mv); err != nil {
				logging.Error().Err(err).Str("tag_id", mv.TagID).Msg("movement save failed")
				ok = false
			}
		}
		if p.publisher != nil {
			if err := p.publisher.PublishMovement(ctx, mv); err != nil {
				logging.Debug().Err(err).Str("tag_id", mv.TagID).Msg("movement publish failed")
			}
		}
	}

	p.engine.Evaluate(ctx, &rules.Event{Estimate: est, Movement: mv})
	return ok
}

// detectCollisions scans the batch and records each collision once.
func (p *Processor) detectCollisions(ctx context.Context, batch *Batch) {
	for _, ev := range p.detector.Detect(batch.Events) {
		if p.collisions != nil {
			if err := p.collisions.SaveCollision(ctx, ev); err != nil {
				logging.Error().Err(err).Str("collision_id", ev.ID).Msg("collision save failed")
			}
		}

		// Keyed by collision id: every collision is its own point event,
		// not a continuing condition to deduplicate.
		a := alert.New(alert.TypeCollision, alert.SeverityMedium, alert.SourceReader, ev.ID)
		a.ReaderID = ev.ReaderID
		a.Title = "Tag collision detected"
		a.Message = fmt.Sprintf("%d tags answered on reader %s antenna %d within the collision window",
			ev.TagCount(), ev.ReaderID, ev.Antenna)
		p.alerts.Raise(ctx, a)

		if p.publisher != nil {
			if err := p.publisher.PublishCollision(ctx, ev); err != nil {
				logging.Debug().Err(err).Str("collision_id", ev.ID).Msg("collision publish failed")
			}
		}
	}
}
