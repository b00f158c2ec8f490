// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package rules evaluates automation rules against location estimates and
// movements. Rules are independent: each is checked on every event, a
// failing rule is logged and skipped, and one event can fire several
// rules at once.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/location"
	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/metrics"
)

// RuleType identifies a rule.
type RuleType string

const (
	RuleTypeUnauthorizedZone RuleType = "unauthorized_zone"
	RuleTypeExcessVelocity   RuleType = "excess_velocity"
	RuleTypeMisplacedItem    RuleType = "misplaced_item"
	RuleTypeChainOfCustody   RuleType = "chain_of_custody"
)

// Event is the input to rule evaluation: the fresh estimate for a tag,
// plus the movement when the estimated zone changed (nil otherwise).
type Event struct {
	Estimate *location.Estimate
	Movement *location.Movement
}

// Rule checks one condition against an event. A nil alert with nil error
// means the rule passed; rules with side effects (custody log, correction
// queue) perform them inside Check and report what they did via the
// alert's Actions, or silently when no alert is warranted.
type Rule interface {
	Type() RuleType
	Check(ctx context.Context, ev *Event) (*alert.Alert, error)

	// Configure replaces the rule's tunable settings from raw JSON.
	Configure(config json.RawMessage) error

	// Enabled reports whether Evaluate should run this rule.
	Enabled() bool

	// SetEnabled turns the rule on or off without unregistering it.
	SetEnabled(enabled bool)
}

// Engine runs every registered rule against every event and raises the
// fired alerts.
type Engine struct {
	alerts *alert.Manager

	mu    sync.RWMutex
	rules []Rule
}

// NewEngine builds an engine with no rules registered.
func NewEngine(alerts *alert.Manager) *Engine {
	return &Engine{alerts: alerts}
}

// Register adds a rule. Not safe to call concurrently with Evaluate.
func (e *Engine) Register(r Rule) {
	e.mu.Lock()
	e.rules = append(e.rules, r)
	e.mu.Unlock()
	logging.Info().Str("rule", string(r.Type())).Msg("registered rule")
}

func (e *Engine) rule(typ RuleType) (Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Type() == typ {
			return r, nil
		}
	}
	return nil, fmt.Errorf("rule not found: %s", typ)
}

// ConfigureRule updates a registered rule's configuration.
func (e *Engine) ConfigureRule(typ RuleType, config json.RawMessage) error {
	r, err := e.rule(typ)
	if err != nil {
		return err
	}
	if err := r.Configure(config); err != nil {
		return err
	}
	logging.Info().Str("rule", string(typ)).Msg("rule reconfigured")
	return nil
}

// SetRuleEnabled enables or disables a registered rule.
func (e *Engine) SetRuleEnabled(typ RuleType, enabled bool) error {
	r, err := e.rule(typ)
	if err != nil {
		return err
	}
	r.SetEnabled(enabled)
	logging.Info().Str("rule", string(typ)).Bool("enabled", enabled).Msg("rule toggled")
	return nil
}

// Evaluate checks all rules against the event. Rule errors are logged
// and do not stop the remaining rules; fired alerts go through the alert
// manager (which deduplicates and notifies).
func (e *Engine) Evaluate(ctx context.Context, ev *Event) {
	if ev == nil || ev.Estimate == nil {
		return
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, r := range rules {
		if !r.Enabled() {
			continue
		}
		a, err := r.Check(ctx, ev)
		if err != nil {
			logging.Warn().
				Err(err).
				Str("rule", string(r.Type())).
				Str("tag_id", ev.Estimate.TagID).
				Msg("rule check failed")
			continue
		}
		if a == nil {
			metrics.RuleEvaluations.WithLabelValues(string(r.Type()), "passed").Inc()
			continue
		}
		metrics.RuleEvaluations.WithLabelValues(string(r.Type()), "fired").Inc()
		e.alerts.Raise(ctx, a)
	}
}
