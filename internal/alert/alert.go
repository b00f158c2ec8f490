// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package alert defines the alert model shared by the pipeline stages and
// the manager that persists, deduplicates, and fans alerts out to
// notifiers. Acknowledgement is the only permitted mutation of an alert.
package alert

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Type identifies what condition raised the alert.
type Type string

const (
	TypeReaderOffline         Type = "reader_offline"
	TypeReaderHealth          Type = "reader_health"
	TypeCollision             Type = "collision"
	TypeBatchPersistence      Type = "batch_persistence_failed"
	TypeUnknownTag            Type = "unknown_tag"
	TypeUnauthorizedZoneEntry Type = "unauthorized_zone_entry"
	TypeExcessVelocity        Type = "excess_velocity"
	TypeMisplacedItem         Type = "misplaced_item"
)

// SourceKind says which entity kind an alert refers to.
type SourceKind string

const (
	SourceReader SourceKind = "reader"
	SourceTag    SourceKind = "tag"
	SourceSystem SourceKind = "system"
)

// Alert is a raised condition with optional automatic actions taken.
type Alert struct {
	ID       string     `json:"id"`
	Type     Type       `json:"type"`
	Severity Severity   `json:"severity"`
	Title    string     `json:"title"`
	Message  string     `json:"message"`
	Source   SourceKind `json:"source"`
	SourceID string     `json:"source_id"`

	// Optional references.
	ReaderID string `json:"reader_id,omitempty"`
	TagID    string `json:"tag_id,omitempty"`
	Zone     string `json:"zone,omitempty"`

	// Actions lists the automatic actions taken when the alert fired.
	Actions []string `json:"actions,omitempty"`

	// Acknowledgement state. The only mutable fields.
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`

	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// New constructs an alert with a fresh id and creation time.
func New(typ Type, sev Severity, source SourceKind, sourceID string) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Source:    source,
		SourceID:  sourceID,
		CreatedAt: time.Now().UTC(),
	}
}
