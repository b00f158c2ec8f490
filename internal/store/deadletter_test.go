// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ferrum-labs/tagstream/internal/protocol"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleDeadLetter(batchID string, parkedAt time.Time) *DeadLetter {
	return &DeadLetter{
		BatchID: batchID,
		Events: []*protocol.TagRead{
			{TagID: "TAG-001", ReaderID: "r1", Antenna: 1, RSSI: -52, Timestamp: parkedAt},
			{TagID: "TAG-002", ReaderID: "r1", Antenna: 2, RSSI: -61, Timestamp: parkedAt},
		},
		Reason:    "persistence retries exhausted",
		Attempts:  3,
		ParkedAt:  parkedAt,
		LastError: "connection refused",
	}
}

func TestDeadLetterParkAndGet(t *testing.T) {
	s := NewDeadLetterStore(openTestDB(t))

	parked := sampleDeadLetter("batch-1", time.Now().UTC().Truncate(time.Millisecond))
	if err := s.Park(parked); err != nil {
		t.Fatalf("Park: %v", err)
	}

	got, err := s.Get("batch-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BatchID != "batch-1" || len(got.Events) != 2 {
		t.Errorf("got batch %q with %d events, want batch-1 with 2", got.BatchID, len(got.Events))
	}
	if got.Events[0].TagID != "TAG-001" {
		t.Errorf("first event tag = %q, want TAG-001", got.Events[0].TagID)
	}
	if got.Attempts != 3 || got.LastError != "connection refused" {
		t.Errorf("failure context not preserved: %+v", got)
	}
}

func TestDeadLetterGetMissing(t *testing.T) {
	s := NewDeadLetterStore(openTestDB(t))

	_, err := s.Get("nope")
	if !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("Get missing = %v, want ErrDeadLetterNotFound", err)
	}
}

func TestDeadLetterListOldestFirst(t *testing.T) {
	s := NewDeadLetterStore(openTestDB(t))

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"batch-c", "batch-a", "batch-b"} {
		entry := sampleDeadLetter(id, base.Add(time.Duration(2-i)*time.Minute))
		if err := s.Park(entry); err != nil {
			t.Fatalf("Park %s: %v", id, err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ParkedAt.Before(entries[i-1].ParkedAt) {
			t.Errorf("entries out of order: %s before %s", entries[i].BatchID, entries[i-1].BatchID)
		}
	}
}

func TestDeadLetterRemove(t *testing.T) {
	s := NewDeadLetterStore(openTestDB(t))

	if err := s.Park(sampleDeadLetter("batch-1", time.Now().UTC())); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if err := s.Remove("batch-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get("batch-1"); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Errorf("Get after Remove = %v, want ErrDeadLetterNotFound", err)
	}

	// Removing an absent entry is not an error.
	if err := s.Remove("batch-1"); err != nil {
		t.Errorf("Remove absent: %v", err)
	}
}
