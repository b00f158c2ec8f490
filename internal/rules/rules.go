// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/location"
	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/store"
)

// AccessStore answers which zones a tag may enter.
type AccessStore interface {
	GetAuthorizedZones(ctx context.Context, tagID string) (map[string]bool, error)
}

// ExpectationStore answers where a tag is supposed to be.
type ExpectationStore interface {
	GetExpectedZone(ctx context.Context, tagID string) (string, bool, error)
}

// CorrectionQueue receives misplaced-item entries for operations.
type CorrectionQueue interface {
	EnqueueCorrection(ctx context.Context, c *store.Correction) error
}

// CustodyLog receives immutable custody entries.
type CustodyLog interface {
	AppendCustody(ctx context.Context, e *store.CustodyEntry) error
}

// ReadIntensifier raises read frequency for a tag on a reader. Satisfied
// by the reader manager.
type ReadIntensifier interface {
	IntensifyReads(ctx context.Context, readerID, tagID string) error
}

// ZoneController orders a physical lockdown of a zone. Satisfied by the
// outbound publisher, which relays the order to facility controllers.
type ZoneController interface {
	LockZone(ctx context.Context, zone string) error
}

// ruleBase holds the enabled flag and the settings lock shared by every
// rule. Tunable fields on the embedding rule are guarded by mu.
type ruleBase struct {
	mu      sync.RWMutex
	enabled bool
}

func (b *ruleBase) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

func (b *ruleBase) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

// UnauthorizedZoneRule fires when a tag moves into a restricted zone it
// is not authorized for.
type UnauthorizedZoneRule struct {
	ruleBase
	zones      *location.ZoneMap
	access     AccessStore
	controller ZoneController
}

// NewUnauthorizedZoneRule builds the rule. controller may be nil when no
// zone lockdown path is configured.
func NewUnauthorizedZoneRule(zones *location.ZoneMap, access AccessStore, controller ZoneController) *UnauthorizedZoneRule {
	return &UnauthorizedZoneRule{ruleBase: ruleBase{enabled: true}, zones: zones, access: access, controller: controller}
}

func (r *UnauthorizedZoneRule) Type() RuleType { return RuleTypeUnauthorizedZone }

// Configure is a no-op: the zone map and authorization store are wired
// at construction and carry no tunable settings.
func (r *UnauthorizedZoneRule) Configure(config json.RawMessage) error {
	var c struct{}
	if err := json.Unmarshal(config, &c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Check fires only on movement into a restricted zone. A tag already
// sitting in a restricted zone does not re-fire on every read; the alert
// manager additionally deduplicates while one is active.
func (r *UnauthorizedZoneRule) Check(ctx context.Context, ev *Event) (*alert.Alert, error) {
	mv := ev.Movement
	if mv == nil || !r.zones.IsRestricted(mv.ToZone) {
		return nil, nil
	}

	authorized, err := r.access.GetAuthorizedZones(ctx, mv.TagID)
	if err != nil {
		return nil, fmt.Errorf("authorized zones for %s: %w", mv.TagID, err)
	}
	if authorized[mv.ToZone] {
		return nil, nil
	}

	a := alert.New(alert.TypeUnauthorizedZoneEntry, alert.SeverityHigh, alert.SourceTag, mv.TagID)
	a.TagID = mv.TagID
	a.Zone = mv.ToZone
	a.Title = "Unauthorized zone entry"
	a.Message = fmt.Sprintf("tag %s entered restricted zone %q from %q without authorization",
		mv.TagID, mv.ToZone, mv.FromZone)

	// The lockdown order is best effort. The alert records only actions
	// that actually happened.
	if r.controller != nil {
		if err := r.controller.LockZone(ctx, mv.ToZone); err != nil {
			logging.Warn().
				Err(err).
				Str("zone", mv.ToZone).
				Str("tag_id", mv.TagID).
				Msg("zone lockdown failed")
		} else {
			a.Actions = append(a.Actions, "zone_locked")
		}
	}
	return a, nil
}

// ExcessVelocityRule fires when a movement's computed speed exceeds the
// threshold, and asks the primary reader to intensify reads on the tag
// so the next estimates confirm or refute the spike.
type ExcessVelocityRule struct {
	ruleBase
	threshold   float64
	intensifier ReadIntensifier
}

// ExcessVelocityConfig is the rule's runtime-tunable settings.
type ExcessVelocityConfig struct {
	SpeedThreshold float64 `json:"speed_threshold"`
}

// NewExcessVelocityRule builds the rule. threshold is in coordinate
// units per second.
func NewExcessVelocityRule(threshold float64, intensifier ReadIntensifier) *ExcessVelocityRule {
	return &ExcessVelocityRule{ruleBase: ruleBase{enabled: true}, threshold: threshold, intensifier: intensifier}
}

func (r *ExcessVelocityRule) Type() RuleType { return RuleTypeExcessVelocity }

// Configure replaces the speed threshold.
func (r *ExcessVelocityRule) Configure(config json.RawMessage) error {
	var c ExcessVelocityConfig
	if err := json.Unmarshal(config, &c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.SpeedThreshold <= 0 {
		return fmt.Errorf("speed_threshold must be positive")
	}
	r.mu.Lock()
	r.threshold = c.SpeedThreshold
	r.mu.Unlock()
	return nil
}

func (r *ExcessVelocityRule) Check(ctx context.Context, ev *Event) (*alert.Alert, error) {
	r.mu.RLock()
	threshold := r.threshold
	r.mu.RUnlock()

	mv := ev.Movement
	if mv == nil || threshold <= 0 || mv.Speed <= threshold {
		return nil, nil
	}

	a := alert.New(alert.TypeExcessVelocity, alert.SeverityHigh, alert.SourceTag, mv.TagID)
	a.TagID = mv.TagID
	a.Zone = mv.ToZone
	a.Title = "Excess movement velocity"
	a.Message = fmt.Sprintf("tag %s moved %s to %s at %.1f units/s (threshold %.1f)",
		mv.TagID, mv.FromZone, mv.ToZone, mv.Speed, threshold)

	// The intensify command is best effort. The reader may be offline;
	// the alert still stands.
	if r.intensifier != nil && ev.Estimate.PrimaryReader != "" {
		if err := r.intensifier.IntensifyReads(ctx, ev.Estimate.PrimaryReader, mv.TagID); err != nil {
			logging.Warn().
				Err(err).
				Str("reader", ev.Estimate.PrimaryReader).
				Str("tag_id", mv.TagID).
				Msg("intensify reads failed")
		} else {
			a.Actions = append(a.Actions, "reads_intensified")
		}
	}
	return a, nil
}

// MisplacedItemRule fires when a tag with a configured expected zone is
// estimated somewhere else, and enqueues a correction for operations.
type MisplacedItemRule struct {
	ruleBase
	expectations  ExpectationStore
	corrections   CorrectionQueue
	minConfidence int
}

// MisplacedItemConfig is the rule's runtime-tunable settings.
type MisplacedItemConfig struct {
	// MinConfidence suppresses the rule below this estimate confidence,
	// so a single weak read cannot enqueue a correction.
	MinConfidence int `json:"min_confidence"`
}

// NewMisplacedItemRule builds the rule.
func NewMisplacedItemRule(expectations ExpectationStore, corrections CorrectionQueue) *MisplacedItemRule {
	return &MisplacedItemRule{ruleBase: ruleBase{enabled: true}, expectations: expectations, corrections: corrections}
}

func (r *MisplacedItemRule) Type() RuleType { return RuleTypeMisplacedItem }

// Configure replaces the confidence floor.
func (r *MisplacedItemRule) Configure(config json.RawMessage) error {
	var c MisplacedItemConfig
	if err := json.Unmarshal(config, &c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		return fmt.Errorf("min_confidence must be between 0 and 100")
	}
	r.mu.Lock()
	r.minConfidence = c.MinConfidence
	r.mu.Unlock()
	return nil
}

// Check fires on movement only, so a misplaced item produces one
// correction entry per displacement rather than one per read.
func (r *MisplacedItemRule) Check(ctx context.Context, ev *Event) (*alert.Alert, error) {
	r.mu.RLock()
	minConfidence := r.minConfidence
	r.mu.RUnlock()

	mv := ev.Movement
	if mv == nil || ev.Estimate.Confidence < minConfidence {
		return nil, nil
	}

	expected, ok, err := r.expectations.GetExpectedZone(ctx, mv.TagID)
	if errors.Is(err, store.ErrUnknownTag) {
		// Unknown tags are handled by the pipeline, not here.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("expected zone for %s: %w", mv.TagID, err)
	}
	if !ok || mv.ToZone == expected {
		return nil, nil
	}

	c := &store.Correction{
		TagID:        mv.TagID,
		ExpectedZone: expected,
		ActualZone:   mv.ToZone,
		Confidence:   ev.Estimate.Confidence,
		At:           mv.At,
	}
	if err := r.corrections.EnqueueCorrection(ctx, c); err != nil {
		return nil, fmt.Errorf("enqueue correction for %s: %w", mv.TagID, err)
	}

	a := alert.New(alert.TypeMisplacedItem, alert.SeverityMedium, alert.SourceTag, mv.TagID)
	a.TagID = mv.TagID
	a.Zone = mv.ToZone
	a.Title = "Misplaced item"
	a.Message = fmt.Sprintf("tag %s is in %q, expected %q", mv.TagID, mv.ToZone, expected)
	a.Actions = []string{"correction_enqueued"}
	return a, nil
}

// ChainOfCustodyRule logs every zone change for items whose item code
// falls in a tracked class. It never raises an alert; the log entry is
// the whole effect, written unconditionally for matching items.
type ChainOfCustodyRule struct {
	ruleBase
	classes []string
	log     CustodyLog
}

// ChainOfCustodyConfig is the rule's runtime-tunable settings.
type ChainOfCustodyConfig struct {
	Classes []string `json:"classes"`
}

// NewChainOfCustodyRule builds the rule. classes are item-code prefixes.
func NewChainOfCustodyRule(classes []string, log CustodyLog) *ChainOfCustodyRule {
	return &ChainOfCustodyRule{ruleBase: ruleBase{enabled: true}, classes: classes, log: log}
}

func (r *ChainOfCustodyRule) Type() RuleType { return RuleTypeChainOfCustody }

// Configure replaces the tracked item-code classes. An empty list stops
// custody logging without disabling the rule.
func (r *ChainOfCustodyRule) Configure(config json.RawMessage) error {
	var c ChainOfCustodyConfig
	if err := json.Unmarshal(config, &c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	r.mu.Lock()
	r.classes = c.Classes
	r.mu.Unlock()
	return nil
}

func (r *ChainOfCustodyRule) Check(ctx context.Context, ev *Event) (*alert.Alert, error) {
	mv := ev.Movement
	if mv == nil || !r.tracked(mv.ItemCode) {
		return nil, nil
	}

	entry := &store.CustodyEntry{
		TagID:    mv.TagID,
		ItemCode: mv.ItemCode,
		FromZone: mv.FromZone,
		ToZone:   mv.ToZone,
		At:       mv.At,
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if err := r.log.AppendCustody(ctx, entry); err != nil {
		return nil, fmt.Errorf("append custody for %s: %w", mv.TagID, err)
	}
	return nil, nil
}

func (r *ChainOfCustodyRule) tracked(itemCode string) bool {
	if itemCode == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, class := range r.classes {
		if strings.HasPrefix(itemCode, class) {
			return true
		}
	}
	return false
}
