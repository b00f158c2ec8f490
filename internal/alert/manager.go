// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/metrics"
)

// Store persists alert records. Implementations live in internal/store.
type Store interface {
	SaveAlert(ctx context.Context, a *Alert) error
	AcknowledgeAlert(ctx context.Context, id, by string) error
}

// Notifier receives raised alerts. Implementations are external-facing
// (notification service, dashboard bridge); failures are logged, never
// propagated to the raising stage.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a *Alert) error
}

// Manager owns alert persistence, deduplication, and notifier fan-out.
//
// Deduplication scope is (Type, SourceID): while such an alert is active,
// further Raise calls for the same key are dropped. This is what keeps a
// reader that exhausts its reconnect budget at exactly one reader_offline
// alert instead of one per attempt.
type Manager struct {
	store     Store
	notifiers []Notifier

	mu     sync.Mutex
	active map[activeKey]*Alert
}

type activeKey struct {
	typ      Type
	sourceID string
}

// NewManager creates an alert manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{
		store:  store,
		active: make(map[activeKey]*Alert),
	}
}

// RegisterNotifier adds a notifier to the fan-out set. Not safe to call
// after the pipeline starts raising alerts.
func (m *Manager) RegisterNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
	logging.Info().Str("notifier", n.Name()).Msg("registered alert notifier")
}

// Raise persists and fans out the alert. It returns the alert actually
// active for its dedup key: the given one if it was raised, or the
// previously active one if the key was suppressed.
func (m *Manager) Raise(ctx context.Context, a *Alert) (*Alert, error) {
	key := activeKey{typ: a.Type, sourceID: a.SourceID}

	m.mu.Lock()
	if existing, ok := m.active[key]; ok {
		m.mu.Unlock()
		logging.Debug().
			Str("type", string(a.Type)).
			Str("source_id", a.SourceID).
			Msg("alert suppressed, already active")
		return existing, nil
	}
	m.active[key] = a
	m.mu.Unlock()

	metrics.AlertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()

	if err := m.store.SaveAlert(ctx, a); err != nil {
		// The alert stays active in memory so the condition is not
		// re-raised in a loop while the store is down.
		logging.Error().Err(err).Str("type", string(a.Type)).Msg("failed to persist alert")
	}

	logging.Warn().
		Str("type", string(a.Type)).
		Str("severity", string(a.Severity)).
		Str("source_id", a.SourceID).
		Str("message", a.Message).
		Msg("alert raised")

	for _, n := range m.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			logging.Error().Err(err).Str("notifier", n.Name()).Msg("notifier failed")
		}
	}
	return a, nil
}

// Clear resolves the active alert for (typ, sourceID), if any. Used by
// recovery paths, e.g. a reader probe succeeding after an offline alert.
func (m *Manager) Clear(typ Type, sourceID string) {
	m.mu.Lock()
	_, ok := m.active[activeKey{typ: typ, sourceID: sourceID}]
	delete(m.active, activeKey{typ: typ, sourceID: sourceID})
	m.mu.Unlock()

	if ok {
		logging.Info().
			Str("type", string(typ)).
			Str("source_id", sourceID).
			Msg("alert cleared")
	}
}

// Acknowledge marks an alert acknowledged, the only permitted mutation.
func (m *Manager) Acknowledge(ctx context.Context, id, by string) error {
	if err := m.store.AcknowledgeAlert(ctx, id, by); err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", id, err)
	}

	m.mu.Lock()
	for key, a := range m.active {
		if a.ID == id {
			now := time.Now().UTC()
			a.Acknowledged = true
			a.AcknowledgedBy = by
			a.AcknowledgedAt = &now
			delete(m.active, key)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

// ActiveCount returns the number of currently active (unresolved,
// unacknowledged) alerts.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// IsActive reports whether an alert for (typ, sourceID) is active.
func (m *Manager) IsActive(typ Type, sourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[activeKey{typ: typ, sourceID: sourceID}]
	return ok
}
