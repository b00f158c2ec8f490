// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ferrum-labs/tagstream/internal/protocol"
)

// openTestPostgres connects to the database named by
// TAGSTREAM_TEST_POSTGRES_DSN, skipping when none is configured.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TAGSTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TAGSTREAM_TEST_POSTGRES_DSN not set")
	}
	p, err := NewPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestPersistAndCompleteBatch(t *testing.T) {
	p := openTestPostgres(t)
	ctx := context.Background()

	started := time.Now().UTC()
	rec := &BatchRecord{
		ID:         "test-batch-" + started.Format("150405.000000000"),
		EventCount: 2,
		Status:     "persisting",
		StartedAt:  started,
	}
	events := []*protocol.TagRead{
		{TagID: "TAG-001", ReaderID: "r1", Antenna: 1, RSSI: -52, Timestamp: started},
		{TagID: "TAG-002", ReaderID: "r1", Antenna: 2, RSSI: -61, Timestamp: started},
	}

	if err := p.PersistBatch(ctx, rec, events); err != nil {
		t.Fatalf("PersistBatch: %v", err)
	}
	if err := p.CompleteBatch(ctx, rec.ID, 2, 0, time.Now().UTC(), 40*time.Millisecond); err != nil {
		t.Fatalf("CompleteBatch: %v", err)
	}
}

func TestUpdateObjectLocationUnknownTag(t *testing.T) {
	p := openTestPostgres(t)

	err := p.UpdateObjectLocation(context.Background(), "no-such-tag", "dock", 80, time.Now().UTC())
	if !errors.Is(err, ErrUnknownTag) {
		t.Errorf("UpdateObjectLocation unknown tag = %v, want ErrUnknownTag", err)
	}
}

func TestGetExpectedZoneUnknownTag(t *testing.T) {
	p := openTestPostgres(t)

	_, _, err := p.GetExpectedZone(context.Background(), "no-such-tag")
	if !errors.Is(err, ErrUnknownTag) {
		t.Errorf("GetExpectedZone unknown tag = %v, want ErrUnknownTag", err)
	}
}

func TestGetAuthorizedZonesEmpty(t *testing.T) {
	p := openTestPostgres(t)

	zones, err := p.GetAuthorizedZones(context.Background(), "no-such-tag")
	if err != nil {
		t.Fatalf("GetAuthorizedZones: %v", err)
	}
	if len(zones) != 0 {
		t.Errorf("zones for unknown tag = %v, want empty", zones)
	}
}
