// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/ferrum-labs/tagstream/internal/metrics"
	"github.com/ferrum-labs/tagstream/internal/protocol"
)

const deadLetterKeyPrefix = "dlq:batch:"

// ErrDeadLetterNotFound reports a missing dead-letter entry.
var ErrDeadLetterNotFound = errors.New("store: dead letter not found")

// DeadLetter is one batch parked after persistence retries were
// exhausted. Entries survive restarts so operators can replay them once
// the store recovers.
type DeadLetter struct {
	BatchID    string              `json:"batch_id"`
	Events     []*protocol.TagRead `json:"events"`
	Reason     string              `json:"reason"`
	Attempts   int                 `json:"attempts"`
	ParkedAt   time.Time           `json:"parked_at"`
	LastError  string              `json:"last_error"`
	ReplayedAt *time.Time          `json:"replayed_at,omitempty"`
}

// DeadLetterStore is a BadgerDB-backed parking lot for failed batches.
type DeadLetterStore struct {
	db *badger.DB
}

// OpenDeadLetterStore opens (or creates) the dead-letter database at
// dir.
func OpenDeadLetterStore(dir string) (*DeadLetterStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open dead-letter db: %w", err)
	}
	return &DeadLetterStore{db: db}, nil
}

// NewDeadLetterStore wraps an already-open Badger handle. Used by tests
// and by callers that share one database across stores.
func NewDeadLetterStore(db *badger.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Close closes the underlying database.
func (s *DeadLetterStore) Close() error { return s.db.Close() }

// Park stores a failed batch with its events and failure context.
func (s *DeadLetterStore) Park(entry *DeadLetter) error {
	if entry.ParkedAt.IsZero() {
		entry.ParkedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(deadLetterKeyPrefix + entry.BatchID)
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("store: park batch %s: %w", entry.BatchID, err)
	}
	metrics.DeadLetteredEvents.Add(float64(len(entry.Events)))
	return nil
}

// Get retrieves one parked batch by id.
func (s *DeadLetterStore) Get(batchID string) (*DeadLetter, error) {
	var entry DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(deadLetterKeyPrefix + batchID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeadLetterNotFound
		}
		if err != nil {
			return fmt.Errorf("get dead letter: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns all parked batches, oldest first.
func (s *DeadLetterStore) List() ([]*DeadLetter, error) {
	var entries []*DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadLetterKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry DeadLetter
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ParkedAt.Before(entries[j].ParkedAt)
	})
	return entries, nil
}

// Remove deletes a parked batch after a successful replay.
func (s *DeadLetterStore) Remove(batchID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(deadLetterKeyPrefix + batchID))
	})
	if err != nil {
		return fmt.Errorf("store: remove dead letter %s: %w", batchID, err)
	}
	return nil
}
