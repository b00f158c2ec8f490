// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type mockStore struct {
	mu      sync.Mutex
	saved   []*Alert
	acked   map[string]string
	saveErr error
}

func newMockStore() *mockStore {
	return &mockStore{acked: make(map[string]string)}
}

func (s *mockStore) SaveAlert(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, a)
	return nil
}

func (s *mockStore) AcknowledgeAlert(_ context.Context, id, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked[id] = by
	return nil
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []*Alert
}

func (n *mockNotifier) Name() string { return "mock" }

func (n *mockNotifier) Notify(_ context.Context, a *Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, a)
	return nil
}

func TestManager_RaiseDeduplicates(t *testing.T) {
	store := newMockStore()
	m := NewManager(store)

	a1 := New(TypeReaderOffline, SeverityHigh, SourceReader, "reader-01")
	a2 := New(TypeReaderOffline, SeverityHigh, SourceReader, "reader-01")

	got1, err := m.Raise(context.Background(), a1)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := m.Raise(context.Background(), a2)
	if err != nil {
		t.Fatal(err)
	}

	if got1 != a1 {
		t.Error("first raise should return the raised alert")
	}
	if got2 != a1 {
		t.Error("second raise should return the already-active alert")
	}
	if len(store.saved) != 1 {
		t.Errorf("saved %d alerts, want 1", len(store.saved))
	}
}

func TestManager_DifferentSourcesNotDeduplicated(t *testing.T) {
	store := newMockStore()
	m := NewManager(store)

	m.Raise(context.Background(), New(TypeReaderOffline, SeverityHigh, SourceReader, "reader-01"))
	m.Raise(context.Background(), New(TypeReaderOffline, SeverityHigh, SourceReader, "reader-02"))

	if len(store.saved) != 2 {
		t.Errorf("saved %d alerts, want 2", len(store.saved))
	}
}

func TestManager_ClearAllowsReRaise(t *testing.T) {
	store := newMockStore()
	m := NewManager(store)

	m.Raise(context.Background(), New(TypeReaderOffline, SeverityHigh, SourceReader, "reader-01"))
	m.Clear(TypeReaderOffline, "reader-01")
	m.Raise(context.Background(), New(TypeReaderOffline, SeverityHigh, SourceReader, "reader-01"))

	if len(store.saved) != 2 {
		t.Errorf("saved %d alerts, want 2 after clear", len(store.saved))
	}
	if !m.IsActive(TypeReaderOffline, "reader-01") {
		t.Error("alert should be active after re-raise")
	}
}

func TestManager_NotifierFanOut(t *testing.T) {
	store := newMockStore()
	m := NewManager(store)
	n1 := &mockNotifier{}
	n2 := &mockNotifier{}
	m.RegisterNotifier(n1)
	m.RegisterNotifier(n2)

	m.Raise(context.Background(), New(TypeCollision, SeverityMedium, SourceReader, "reader-03"))

	if len(n1.calls) != 1 || len(n2.calls) != 1 {
		t.Errorf("notifier calls = %d/%d, want 1/1", len(n1.calls), len(n2.calls))
	}
}

func TestManager_RaiseSurvivesStoreFailure(t *testing.T) {
	store := newMockStore()
	store.saveErr = errors.New("db down")
	m := NewManager(store)

	a, err := m.Raise(context.Background(), New(TypeBatchPersistence, SeverityHigh, SourceSystem, "batcher"))
	if err != nil {
		t.Fatalf("raise must not fail on store error: %v", err)
	}
	if a == nil {
		t.Fatal("expected alert back")
	}
	// The condition stays active so it is not re-raised in a loop.
	if !m.IsActive(TypeBatchPersistence, "batcher") {
		t.Error("alert should remain active despite store failure")
	}
}

func TestManager_Acknowledge(t *testing.T) {
	store := newMockStore()
	m := NewManager(store)

	a, _ := m.Raise(context.Background(), New(TypeMisplacedItem, SeverityMedium, SourceTag, "T9"))
	if err := m.Acknowledge(context.Background(), a.ID, "operator"); err != nil {
		t.Fatal(err)
	}

	if store.acked[a.ID] != "operator" {
		t.Error("store did not record acknowledgement")
	}
	if !a.Acknowledged || a.AcknowledgedBy != "operator" || a.AcknowledgedAt == nil {
		t.Errorf("alert not mutated: %+v", a)
	}
	if m.IsActive(TypeMisplacedItem, "T9") {
		t.Error("acknowledged alert should no longer be active")
	}
}
