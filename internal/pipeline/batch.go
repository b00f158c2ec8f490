// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package pipeline buffers raw tag reads into batches and drives each
// sealed batch through persistence, location estimation, collision
// detection, and rule evaluation. One global batcher feeds a fixed pool
// of processing workers.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// BatchState is the lifecycle state of a batch. Transitions are one-way:
// open -> sealed -> persisting -> committed | failed.
type BatchState string

const (
	BatchOpen       BatchState = "open"
	BatchSealed     BatchState = "sealed"
	BatchPersisting BatchState = "persisting"
	BatchCommitted  BatchState = "committed"
	BatchFailed     BatchState = "failed"
)

// SealTrigger says why a batch was sealed.
type SealTrigger string

const (
	SealBySize SealTrigger = "size"
	SealByAge  SealTrigger = "age"
	SealByStop SealTrigger = "shutdown"
)

// Batch is one unit of work: a bounded, time-boxed slice of reads in
// arrival order. After sealing, exactly one worker owns it; no further
// synchronization is needed on its fields.
type Batch struct {
	ID       string
	Events   []*protocol.TagRead
	State    BatchState
	Trigger  SealTrigger
	OpenedAt time.Time
	SealedAt time.Time
}

func newBatch(capacity int) *Batch {
	return &Batch{
		ID:       uuid.NewString(),
		Events:   make([]*protocol.TagRead, 0, capacity),
		State:    BatchOpen,
		OpenedAt: time.Now().UTC(),
	}
}

func (b *Batch) seal(trigger SealTrigger) {
	b.State = BatchSealed
	b.Trigger = trigger
	b.SealedAt = time.Now().UTC()
}

// Size returns the number of buffered events.
func (b *Batch) Size() int { return len(b.Events) }
