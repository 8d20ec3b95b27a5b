// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// IncidentState is one state of the incident machine.
type IncidentState string

const (
	// StateDetected means the incident was observed and is awaiting
	// diagnosis.
	StateDetected IncidentState = "detected"

	// StateDiagnosing means candidate rules are being ranked.
	StateDiagnosing IncidentState = "diagnosing"

	// StateHealing means a heal action is executing.
	StateHealing IncidentState = "healing"

	// StateVerifying means a heal action completed and is being
	// checked.
	StateVerifying IncidentState = "verifying"

	// StateResolved is terminal: the component recovered.
	StateResolved IncidentState = "resolved"

	// StateEscalated is terminal: automation gave up and a human was
	// notified.
	StateEscalated IncidentState = "escalated"
)

// Terminal reports whether the state admits no further transitions.
func (s IncidentState) Terminal() bool {
	return s == StateResolved || s == StateEscalated
}

// legalTransitions is the incident state machine.
var legalTransitions = map[IncidentState][]IncidentState{
	StateDetected:   {StateDiagnosing, StateEscalated},
	StateDiagnosing: {StateHealing, StateEscalated},
	StateHealing:    {StateVerifying, StateEscalated},
	StateVerifying:  {StateResolved, StateDiagnosing, StateEscalated},
}

// ErrIllegalTransition is returned for a transition the machine does
// not allow.
var ErrIllegalTransition = errors.New("illegal incident transition")

// Transition is one journaled state change.
type Transition struct {
	// From and To are the states.
	From IncidentState `json:"from"`
	To   IncidentState `json:"to"`

	// At is when the transition happened.
	At time.Time `json:"at"`

	// Note carries context (rule ID, verify outcome).
	Note string `json:"note,omitempty"`
}

// Incident is one detected fault and its handling history.
type Incident struct {
	// ID is the incident's unique identifier.
	ID string `json:"id"`

	// Component is the unhealthy component's name.
	Component string `json:"component"`

	// Severity grades the fault: 1 (degraded) to 3 (hard down,
	// repeated).
	Severity int `json:"severity"`

	// Reason is the detecting probe's error message.
	Reason string `json:"reason"`

	// State is the current machine state.
	State IncidentState `json:"state"`

	// DetectedAt is when the incident opened.
	DetectedAt time.Time `json:"detected_at"`

	// UpdatedAt is the last transition time.
	UpdatedAt time.Time `json:"updated_at"`

	// AttemptedRules lists rule IDs tried so far, in order.
	AttemptedRules []string `json:"attempted_rules,omitempty"`

	// History is the journaled transition log.
	History []Transition `json:"history,omitempty"`
}

// incidentKeyPrefix namespaces incidents in Badger.
const incidentKeyPrefix = "incident/"

// IncidentStore tracks incidents and journals every transition to
// Badger so a restart resumes in-flight incidents instead of
// double-detecting them.
//
// # Thread Safety
//
// Safe for concurrent use.
type IncidentStore struct {
	db *badger.DB

	mu   sync.Mutex
	open map[string]*Incident // component -> active incident
}

// NewIncidentStore opens the store and loads non-terminal incidents
// from the journal.
func NewIncidentStore(db *badger.DB) (*IncidentStore, error) {
	s := &IncidentStore{db: db, open: make(map[string]*Incident)}
	if db == nil {
		return s, nil
	}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(incidentKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var inc Incident
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &inc)
			}); err != nil {
				return fmt.Errorf("decode incident: %w", err)
			}
			if !inc.State.Terminal() {
				cp := inc
				s.open[inc.Component] = &cp
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover incidents: %w", err)
	}
	return s, nil
}

// Open creates a new incident for a component, or returns the active
// one if the component already has a non-terminal incident.
//
// The second return is true when a new incident was created.
func (s *IncidentStore) Open(component, reason string, severity int, now time.Time) (*Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.open[component]; ok {
		return existing, false, nil
	}

	inc := &Incident{
		ID:         uuid.New().String(),
		Component:  component,
		Severity:   severity,
		Reason:     reason,
		State:      StateDetected,
		DetectedAt: now,
		UpdatedAt:  now,
	}
	if err := s.persist(inc); err != nil {
		return nil, false, err
	}
	s.open[component] = inc
	return inc, true, nil
}

// Transition moves an incident to a new state, journaling the change.
func (s *IncidentStore) Transition(inc *Incident, to IncidentState, note string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inc.State.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, inc.State)
	}
	allowed := false
	for _, next := range legalTransitions[inc.State] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, inc.State, to)
	}

	inc.History = append(inc.History, Transition{From: inc.State, To: to, At: now, Note: note})
	inc.State = to
	inc.UpdatedAt = now

	if err := s.persist(inc); err != nil {
		return err
	}
	if to.Terminal() {
		delete(s.open, inc.Component)
	}
	return nil
}

// RecordAttempt appends a rule ID to the incident's attempt list.
func (s *IncidentStore) RecordAttempt(inc *Incident, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc.AttemptedRules = append(inc.AttemptedRules, ruleID)
	return s.persist(inc)
}

// persist journals the incident. Caller holds the mutex.
func (s *IncidentStore) persist(inc *Incident) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(incidentKeyPrefix+inc.ID), data)
	})
	if err != nil {
		return fmt.Errorf("journal incident: %w", err)
	}
	return nil
}

// Active returns the active incident for a component, if any.
func (s *IncidentStore) Active(component string) (*Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.open[component]
	return inc, ok
}

// ActiveCount returns the number of open incidents.
func (s *IncidentStore) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// List returns all journaled incidents, newest first. prefix filters by
// incident ID prefix; empty matches all.
func (s *IncidentStore) List(prefix string, limit int) ([]Incident, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []Incident
		for _, inc := range s.open {
			out = append(out, *inc)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
		return out, nil
	}
	if limit <= 0 {
		limit = 100
	}

	var out []Incident
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(incidentKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := strings.TrimPrefix(string(it.Item().Key()), incidentKeyPrefix)
			if prefix != "" && !strings.HasPrefix(key, prefix) {
				continue
			}
			var inc Incident
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &inc)
			}); err != nil {
				return err
			}
			out = append(out, inc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns one incident by full ID.
func (s *IncidentStore) Get(id string) (Incident, bool, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, inc := range s.open {
			if inc.ID == id {
				return *inc, true, nil
			}
		}
		return Incident{}, false, nil
	}

	var inc Incident
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(incidentKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &inc)
		})
	})
	if err != nil {
		return Incident{}, false, fmt.Errorf("get incident: %w", err)
	}
	return inc, found, nil
}

// PruneTerminal deletes terminal incidents older than cutoff from the
// journal. Returns how many were removed.
func (s *IncidentStore) PruneTerminal(cutoff time.Time) (int, error) {
	if s.db == nil {
		return 0, nil
	}

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(incidentKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var inc Incident
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &inc)
			}); err != nil {
				return err
			}
			if inc.State.Terminal() && inc.UpdatedAt.Before(cutoff) {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan incidents: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune incidents: %w", err)
	}
	return len(stale), nil
}
