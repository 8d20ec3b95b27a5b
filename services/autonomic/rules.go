// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KodiakOps/KodiakStack/pkg/validation"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

// HealAction performs one remediation attempt against a component.
type HealAction func(ctx context.Context, incident *Incident) error

// HealCondition decides whether a rule applies to a component's health.
type HealCondition func(component monitor.ComponentHealth) bool

// HealVerify checks that a heal attempt actually fixed the component.
// A nil verify falls back to re-probing the component's health.
type HealVerify func(ctx context.Context, incident *Incident) error

// HealRule is one declarative remediation.
type HealRule struct {
	// ID uniquely names the rule (validated rule-ID form,
	// e.g. "restart.api-gateway").
	ID string

	// Description says what the rule does, for operators.
	Description string

	// Priority orders candidate rules; higher runs first.
	Priority int

	// Cooldown is the minimum gap between executions of this rule
	// against the same component.
	Cooldown time.Duration

	// MaxAttempts bounds executions per incident before escalation.
	MaxAttempts int

	// Condition gates the rule. Required.
	Condition HealCondition

	// Action performs the remediation. Required.
	Action HealAction

	// Verify confirms the remediation. Optional.
	Verify HealVerify
}

// validate checks the rule is well-formed.
func (r HealRule) validate() error {
	if err := validation.ValidateRuleID(r.ID); err != nil {
		return err
	}
	if r.Condition == nil {
		return fmt.Errorf("rule %q: condition is required", r.ID)
	}
	if r.Action == nil {
		return fmt.Errorf("rule %q: action is required", r.ID)
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("rule %q: max attempts must be positive", r.ID)
	}
	return nil
}

// ErrDuplicateRule is returned when a rule ID registers twice.
var ErrDuplicateRule = errors.New("duplicate rule id")

// Registry holds the heal rules sorted by priority (descending), then
// ID, so candidate ranking is deterministic.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules []HealRule
	byID  map[string]int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]int)}
}

// Register adds a rule.
func (reg *Registry) Register(rule HealRule) error {
	if err := rule.validate(); err != nil {
		return err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byID[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}
	reg.rules = append(reg.rules, rule)
	sort.Slice(reg.rules, func(i, j int) bool {
		if reg.rules[i].Priority != reg.rules[j].Priority {
			return reg.rules[i].Priority > reg.rules[j].Priority
		}
		return reg.rules[i].ID < reg.rules[j].ID
	})
	reg.byID = make(map[string]int, len(reg.rules))
	for i, r := range reg.rules {
		reg.byID[r.ID] = i
	}
	return nil
}

// Get returns the rule with the given ID.
func (reg *Registry) Get(id string) (HealRule, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	idx, ok := reg.byID[id]
	if !ok {
		return HealRule{}, false
	}
	return reg.rules[idx], true
}

// All returns the rules in priority order.
func (reg *Registry) All() []HealRule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]HealRule, len(reg.rules))
	copy(out, reg.rules)
	return out
}

// Candidates returns the rules whose conditions match the component, in
// priority order.
func (reg *Registry) Candidates(component monitor.ComponentHealth) []HealRule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var out []HealRule
	for _, r := range reg.rules {
		if r.Condition(component) {
			out = append(out, r)
		}
	}
	return out
}

// RuleSpec is the YAML shape of a declarative rule. Conditions and
// actions are referenced by name and bound to factories at load time.
type RuleSpec struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`

	// Cooldown is a Go duration string ("30s", "5m").
	Cooldown    string `yaml:"cooldown,omitempty"`
	MaxAttempts int    `yaml:"max_attempts"`

	// Condition selects a built-in condition:
	// "unhealthy", "degraded", "consecutive_failures".
	Condition string `yaml:"condition"`

	// Component restricts the rule to one component. Empty matches
	// any.
	Component string `yaml:"component,omitempty"`

	// FailureThreshold parameterizes "consecutive_failures".
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// Action names a registered action factory.
	Action string `yaml:"action"`
}

// ruleFile is the YAML document shape.
type ruleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// ActionFactory builds a HealAction for a spec.
type ActionFactory func(spec RuleSpec) (HealAction, error)

// LoadRules reads declarative rule specs from a YAML file and registers
// them, binding each spec's action name through factories.
func LoadRules(path string, reg *Registry, factories map[string]ActionFactory) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	for _, spec := range file.Rules {
		rule, err := bindSpec(spec, factories)
		if err != nil {
			return err
		}
		if err := reg.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// bindSpec turns a RuleSpec into an executable HealRule.
func bindSpec(spec RuleSpec, factories map[string]ActionFactory) (HealRule, error) {
	factory, ok := factories[spec.Action]
	if !ok {
		return HealRule{}, fmt.Errorf("rule %q: unknown action %q", spec.ID, spec.Action)
	}
	action, err := factory(spec)
	if err != nil {
		return HealRule{}, fmt.Errorf("rule %q: build action: %w", spec.ID, err)
	}

	condition, err := buildCondition(spec)
	if err != nil {
		return HealRule{}, err
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var cooldown time.Duration
	if spec.Cooldown != "" {
		cooldown, err = time.ParseDuration(spec.Cooldown)
		if err != nil {
			return HealRule{}, fmt.Errorf("rule %q: parse cooldown: %w", spec.ID, err)
		}
	}

	return HealRule{
		ID:          spec.ID,
		Description: spec.Description,
		Priority:    spec.Priority,
		Cooldown:    cooldown,
		MaxAttempts: maxAttempts,
		Condition:   condition,
		Action:      action,
	}, nil
}

// buildCondition maps a spec's condition name to a HealCondition.
func buildCondition(spec RuleSpec) (HealCondition, error) {
	var base HealCondition
	switch spec.Condition {
	case "unhealthy":
		base = func(c monitor.ComponentHealth) bool { return c.Status == monitor.StatusUnhealthy }
	case "degraded":
		base = func(c monitor.ComponentHealth) bool { return c.Status != monitor.StatusHealthy }
	case "consecutive_failures":
		threshold := spec.FailureThreshold
		if threshold <= 0 {
			threshold = 3
		}
		base = func(c monitor.ComponentHealth) bool { return c.ConsecutiveFailures >= threshold }
	default:
		return nil, fmt.Errorf("rule %q: unknown condition %q", spec.ID, spec.Condition)
	}

	if spec.Component == "" {
		return base, nil
	}
	component := spec.Component
	return func(c monitor.ComponentHealth) bool {
		return c.Name == component && base(c)
	}, nil
}
