// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/location"
	"github.com/ferrum-labs/tagstream/internal/store"
)

func testZoneMap(t *testing.T) *location.ZoneMap {
	t.Helper()
	zm, err := location.NewZoneMap(
		[]location.Zone{
			{Name: "lab", X: 0, Y: 0},
			{Name: "archive_secure", X: 30, Y: 0, Restricted: true},
			{Name: "dispatch", X: 60, Y: 0, Exit: true},
		},
		map[string]string{"r-lab": "lab", "r-arch": "archive_secure", "r-disp": "dispatch"},
	)
	if err != nil {
		t.Fatalf("NewZoneMap: %v", err)
	}
	return zm
}

func movementEvent(tagID, from, to string, speed float64) *Event {
	now := time.Now().UTC()
	return &Event{
		Estimate: &location.Estimate{
			TagID:         tagID,
			Zone:          to,
			Confidence:    62,
			ReaderCount:   1,
			PrimaryReader: "r-arch",
			At:            now,
		},
		Movement: &location.Movement{
			TagID:     tagID,
			ItemCode:  "MED-7731",
			FromZone:  from,
			ToZone:    to,
			Direction: location.DirectionThrough,
			Speed:     speed,
			Duration:  2 * time.Second,
			At:        now,
		},
	}
}

type fakeAccess struct {
	zones map[string]map[string]bool
	err   error
}

func (f *fakeAccess) GetAuthorizedZones(_ context.Context, tagID string) (map[string]bool, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.zones[tagID], nil
}

type fakeExpectations struct {
	expected map[string]string
	err      error
}

func (f *fakeExpectations) GetExpectedZone(_ context.Context, tagID string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	zone, ok := f.expected[tagID]
	return zone, ok && zone != "", nil
}

type fakeCorrections struct {
	mu      sync.Mutex
	entries []*store.Correction
}

func (f *fakeCorrections) EnqueueCorrection(_ context.Context, c *store.Correction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, c)
	return nil
}

type fakeCustody struct {
	mu      sync.Mutex
	entries []*store.CustodyEntry
}

func (f *fakeCustody) AppendCustody(_ context.Context, e *store.CustodyEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type fakeIntensifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeIntensifier) IntensifyReads(_ context.Context, readerID, tagID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, readerID+"/"+tagID)
	return f.err
}

type fakeController struct {
	mu     sync.Mutex
	locked []string
	err    error
}

func (f *fakeController) LockZone(_ context.Context, zone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = append(f.locked, zone)
	return f.err
}

type recordingAlertStore struct {
	mu    sync.Mutex
	saved []*alert.Alert
}

func (s *recordingAlertStore) SaveAlert(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, a)
	return nil
}

func (s *recordingAlertStore) AcknowledgeAlert(context.Context, string, string) error { return nil }

func TestUnauthorizedZoneRuleFiresAndLocksZone(t *testing.T) {
	ctl := &fakeController{}
	rule := NewUnauthorizedZoneRule(testZoneMap(t), &fakeAccess{}, ctl)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a == nil {
		t.Fatal("expected alert for unauthorized restricted-zone entry")
	}
	if a.Severity != alert.SeverityHigh || a.Type != alert.TypeUnauthorizedZoneEntry {
		t.Errorf("alert = %s/%s, want unauthorized_zone_entry/high", a.Type, a.Severity)
	}
	if len(ctl.locked) != 1 || ctl.locked[0] != "archive_secure" {
		t.Errorf("locked zones = %v, want [archive_secure]", ctl.locked)
	}
	if len(a.Actions) != 1 || a.Actions[0] != "zone_locked" {
		t.Errorf("alert actions = %v, want [zone_locked]", a.Actions)
	}
	if a.Zone != "archive_secure" {
		t.Errorf("alert zone = %q", a.Zone)
	}
}

// A failed lockdown still produces the alert, but the alert must not
// claim an action that never happened.
func TestUnauthorizedZoneRuleLockFailureStillAlerts(t *testing.T) {
	ctl := &fakeController{err: errors.New("controller offline")}
	rule := NewUnauthorizedZoneRule(testZoneMap(t), &fakeAccess{}, ctl)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a == nil {
		t.Fatal("expected alert despite controller failure")
	}
	if len(a.Actions) != 0 {
		t.Errorf("alert actions = %v, want none when the lockdown failed", a.Actions)
	}
}

func TestUnauthorizedZoneRuleNoControllerStillAlerts(t *testing.T) {
	rule := NewUnauthorizedZoneRule(testZoneMap(t), &fakeAccess{}, nil)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a == nil {
		t.Fatal("expected alert without a configured controller")
	}
	if len(a.Actions) != 0 {
		t.Errorf("alert actions = %v, want none", a.Actions)
	}
}

func TestUnauthorizedZoneRuleAuthorizedTagPasses(t *testing.T) {
	access := &fakeAccess{zones: map[string]map[string]bool{
		"TAG-1": {"archive_secure": true},
	}}
	rule := NewUnauthorizedZoneRule(testZoneMap(t), access, nil)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a != nil {
		t.Errorf("authorized tag must not fire, got %+v", a)
	}
}

func TestUnauthorizedZoneRuleUnrestrictedZonePasses(t *testing.T) {
	rule := NewUnauthorizedZoneRule(testZoneMap(t), &fakeAccess{}, nil)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "dispatch", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a != nil {
		t.Errorf("unrestricted zone must not fire, got %+v", a)
	}
}

func TestExcessVelocityRuleFiresAndIntensifies(t *testing.T) {
	in := &fakeIntensifier{}
	rule := NewExcessVelocityRule(5.0, in)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 12.5))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a == nil || a.Type != alert.TypeExcessVelocity || a.Severity != alert.SeverityHigh {
		t.Fatalf("expected high excess_velocity alert, got %+v", a)
	}
	if len(in.calls) != 1 || in.calls[0] != "r-arch/TAG-1" {
		t.Errorf("intensify calls = %v, want [r-arch/TAG-1]", in.calls)
	}
	found := false
	for _, act := range a.Actions {
		if act == "reads_intensified" {
			found = true
		}
	}
	if !found {
		t.Errorf("actions = %v, want reads_intensified recorded", a.Actions)
	}
}

func TestExcessVelocityRuleBelowThresholdPasses(t *testing.T) {
	in := &fakeIntensifier{}
	rule := NewExcessVelocityRule(5.0, in)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 3.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a != nil {
		t.Errorf("below-threshold speed must not fire, got %+v", a)
	}
	if len(in.calls) != 0 {
		t.Errorf("no intensify expected, got %v", in.calls)
	}
}

func TestExcessVelocityRuleIntensifyFailureKeepsAlert(t *testing.T) {
	in := &fakeIntensifier{err: errors.New("reader offline")}
	rule := NewExcessVelocityRule(5.0, in)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 12.5))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a == nil {
		t.Fatal("alert must stand even when intensify fails")
	}
	for _, act := range a.Actions {
		if act == "reads_intensified" {
			t.Error("failed intensify must not be recorded as an action")
		}
	}
}

func TestMisplacedItemRuleEnqueuesCorrection(t *testing.T) {
	q := &fakeCorrections{}
	rule := NewMisplacedItemRule(
		&fakeExpectations{expected: map[string]string{"TAG-1": "lab"}}, q)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a == nil || a.Type != alert.TypeMisplacedItem || a.Severity != alert.SeverityMedium {
		t.Fatalf("expected medium misplaced_item alert, got %+v", a)
	}
	if len(q.entries) != 1 {
		t.Fatalf("corrections = %d, want 1", len(q.entries))
	}
	c := q.entries[0]
	if c.ExpectedZone != "lab" || c.ActualZone != "archive_secure" {
		t.Errorf("correction = %+v", c)
	}
}

func TestMisplacedItemRuleInPlacePasses(t *testing.T) {
	q := &fakeCorrections{}
	rule := NewMisplacedItemRule(
		&fakeExpectations{expected: map[string]string{"TAG-1": "archive_secure"}}, q)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a != nil || len(q.entries) != 0 {
		t.Errorf("in-place item must not fire: alert=%+v corrections=%d", a, len(q.entries))
	}
}

func TestMisplacedItemRuleSkipsUnknownTag(t *testing.T) {
	rule := NewMisplacedItemRule(
		&fakeExpectations{err: fmt.Errorf("%w: TAG-1", store.ErrUnknownTag)}, &fakeCorrections{})

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))
	if err != nil {
		t.Fatalf("unknown tag must not error, got %v", err)
	}
	if a != nil {
		t.Errorf("unknown tag must not fire, got %+v", a)
	}
}

func TestChainOfCustodyRuleLogsTrackedClass(t *testing.T) {
	log := &fakeCustody{}
	rule := NewChainOfCustodyRule([]string{"MED-", "HAZ-"}, log)

	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a != nil {
		t.Errorf("custody rule never alerts, got %+v", a)
	}
	if len(log.entries) != 1 {
		t.Fatalf("custody entries = %d, want 1", len(log.entries))
	}
	e := log.entries[0]
	if e.ItemCode != "MED-7731" || e.FromZone != "lab" || e.ToZone != "archive_secure" {
		t.Errorf("custody entry = %+v", e)
	}
}

func TestChainOfCustodyRuleUntrackedClassPasses(t *testing.T) {
	log := &fakeCustody{}
	rule := NewChainOfCustodyRule([]string{"HAZ-"}, log)

	if _, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0)); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(log.entries) != 0 {
		t.Errorf("untracked class must not log, got %d entries", len(log.entries))
	}
}

// A tag moving into a restricted zone trips the zone rule exactly once
// even though the estimate keeps arriving, and independent rules all see
// the same event.
func TestEngineRestrictedEntryScenario(t *testing.T) {
	alertStore := &recordingAlertStore{}
	alerts := alert.NewManager(alertStore)
	engine := NewEngine(alerts)

	custody := &fakeCustody{}
	ctl := &fakeController{}
	engine.Register(NewUnauthorizedZoneRule(testZoneMap(t), &fakeAccess{}, ctl))
	engine.Register(NewExcessVelocityRule(5.0, &fakeIntensifier{}))
	engine.Register(NewChainOfCustodyRule([]string{"MED-"}, custody))

	ev := movementEvent("TAG-9", "lab", "archive_secure", 1.2)
	engine.Evaluate(context.Background(), ev)

	// Same zone re-estimated: movement is nil, nothing new fires.
	engine.Evaluate(context.Background(), &Event{Estimate: ev.Estimate})

	if len(alertStore.saved) != 1 {
		t.Fatalf("alerts persisted = %d, want exactly 1", len(alertStore.saved))
	}
	a := alertStore.saved[0]
	if a.Type != alert.TypeUnauthorizedZoneEntry || a.Severity != alert.SeverityHigh {
		t.Errorf("alert = %s/%s", a.Type, a.Severity)
	}
	if len(a.Actions) != 1 || a.Actions[0] != "zone_locked" {
		t.Errorf("alert actions = %v, want [zone_locked]", a.Actions)
	}
	if len(ctl.locked) != 1 {
		t.Errorf("locked zones = %v, want exactly one lockdown", ctl.locked)
	}
	if len(custody.entries) != 1 {
		t.Errorf("custody entries = %d, want 1 (rules are independent)", len(custody.entries))
	}
}

func TestEngineRuleErrorDoesNotStopOthers(t *testing.T) {
	alertStore := &recordingAlertStore{}
	engine := NewEngine(alert.NewManager(alertStore))

	engine.Register(NewUnauthorizedZoneRule(testZoneMap(t), &fakeAccess{err: errors.New("db down")}, nil))
	custody := &fakeCustody{}
	engine.Register(NewChainOfCustodyRule([]string{"MED-"}, custody))

	engine.Evaluate(context.Background(), movementEvent("TAG-1", "lab", "archive_secure", 1.0))

	if len(custody.entries) != 1 {
		t.Errorf("later rules must still run after an earlier rule errors, custody=%d", len(custody.entries))
	}
	if len(alertStore.saved) != 0 {
		t.Errorf("failed rule must not raise, saved=%d", len(alertStore.saved))
	}
}

func TestConfigureRuleUpdatesThreshold(t *testing.T) {
	alertStore := &recordingAlertStore{}
	engine := NewEngine(alert.NewManager(alertStore))
	engine.Register(NewExcessVelocityRule(5.0, &fakeIntensifier{}))

	// 1.0 units/s is under the initial threshold.
	engine.Evaluate(context.Background(), movementEvent("TAG-1", "lab", "dispatch", 1.0))
	if len(alertStore.saved) != 0 {
		t.Fatalf("below threshold, saved=%d", len(alertStore.saved))
	}

	if err := engine.ConfigureRule(RuleTypeExcessVelocity, json.RawMessage(`{"speed_threshold": 0.5}`)); err != nil {
		t.Fatalf("ConfigureRule: %v", err)
	}
	engine.Evaluate(context.Background(), movementEvent("TAG-1", "dispatch", "lab", 1.0))
	if len(alertStore.saved) != 1 {
		t.Fatalf("above lowered threshold, saved=%d", len(alertStore.saved))
	}
}

func TestConfigureRuleRejectsInvalid(t *testing.T) {
	engine := NewEngine(alert.NewManager(&recordingAlertStore{}))
	engine.Register(NewExcessVelocityRule(5.0, nil))

	cases := []struct {
		name   string
		config string
	}{
		{"malformed json", `{"speed_threshold":`},
		{"zero threshold", `{"speed_threshold": 0}`},
		{"negative threshold", `{"speed_threshold": -2}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := engine.ConfigureRule(RuleTypeExcessVelocity, json.RawMessage(tc.config)); err == nil {
				t.Errorf("config %q accepted", tc.config)
			}
		})
	}

	if err := engine.ConfigureRule(RuleTypeMisplacedItem, json.RawMessage(`{}`)); err == nil {
		t.Error("unregistered rule configured")
	}
}

func TestSetRuleEnabledSkipsRule(t *testing.T) {
	custody := &fakeCustody{}
	engine := NewEngine(alert.NewManager(&recordingAlertStore{}))
	engine.Register(NewChainOfCustodyRule([]string{"MED-"}, custody))

	if err := engine.SetRuleEnabled(RuleTypeChainOfCustody, false); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}
	engine.Evaluate(context.Background(), movementEvent("TAG-1", "lab", "dispatch", 1.0))
	if len(custody.entries) != 0 {
		t.Fatalf("disabled rule ran, custody=%d", len(custody.entries))
	}

	if err := engine.SetRuleEnabled(RuleTypeChainOfCustody, true); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}
	engine.Evaluate(context.Background(), movementEvent("TAG-1", "dispatch", "lab", 1.0))
	if len(custody.entries) != 1 {
		t.Fatalf("re-enabled rule skipped, custody=%d", len(custody.entries))
	}
}

func TestMisplacedItemConfidenceFloor(t *testing.T) {
	corrections := &fakeCorrections{}
	rule := NewMisplacedItemRule(&fakeExpectations{expected: map[string]string{"TAG-1": "lab"}}, corrections)
	if err := rule.Configure(json.RawMessage(`{"min_confidence": 80}`)); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// movementEvent estimates at confidence 62, below the floor.
	a, err := rule.Check(context.Background(), movementEvent("TAG-1", "lab", "dispatch", 1.0))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if a != nil || len(corrections.entries) != 0 {
		t.Fatalf("low-confidence estimate fired, corrections=%d", len(corrections.entries))
	}
}
