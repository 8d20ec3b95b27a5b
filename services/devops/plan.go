// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devops

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/KodiakOps/KodiakStack/services/compliance"
)

// ChangeKind classifies one planned file change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one planned file change.
type Change struct {
	// Kind is the change type.
	Kind ChangeKind `json:"kind"`

	// Path is the file path relative to the output directory.
	Path string `json:"path"`

	// OldHash is the applied content hash, empty for creates.
	OldHash string `json:"old_hash,omitempty"`

	// NewHash is the desired content hash, empty for deletes.
	NewHash string `json:"new_hash,omitempty"`
}

// ChangeSet is the full plan for one config.
type ChangeSet struct {
	// Environment is the config's target environment.
	Environment string `json:"environment"`

	// PlannedAt is when the plan was computed.
	PlannedAt time.Time `json:"planned_at"`

	// Changes are the planned changes, sorted by path.
	Changes []Change `json:"changes"`
}

// Empty reports whether the plan has no changes.
func (cs ChangeSet) Empty() bool { return len(cs.Changes) == 0 }

// Summary returns counts in "N to create, N to update, N to delete"
// form.
func (cs ChangeSet) Summary() string {
	var create, update, del int
	for _, c := range cs.Changes {
		switch c.Kind {
		case ChangeCreate:
			create++
		case ChangeUpdate:
			update++
		case ChangeDelete:
			del++
		}
	}
	return fmt.Sprintf("%d to create, %d to update, %d to delete", create, update, del)
}

// stateKeyPrefix namespaces applied-state hashes in Badger.
const stateKeyPrefix = "infra/applied/"

// ErrNoState is returned when state operations run without a DB.
var ErrNoState = errors.New("no infra state store configured")

// Manager plans and applies infrastructure changes.
//
// # Description
//
// The applied state is a map of rendered file path to content hash,
// stored in Badger. Plan renders the desired tree and diffs hashes
// against that state; Apply writes the rendered files atomically
// (tmp + rename) and commits the new state. Files the state knows about
// that the new render no longer produces are deleted.
//
// # Thread Safety
//
// Not safe for concurrent Apply calls; the caller serializes applies.
// Plan is read-only and may run concurrently with other Plans.
type Manager struct {
	outputDir string
	db        *badger.DB
	audit     *compliance.AuditLogger
	logger    *slog.Logger
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// OutputDir is where rendered files are written.
	OutputDir string

	// DB stores the applied-state hashes. Required.
	DB *badger.DB

	// Audit receives an INFRA_APPLY record per apply. Optional.
	Audit *compliance.AuditLogger

	// Logger receives operational logs. Nil means slog.Default().
	Logger *slog.Logger
}

// NewManager builds a Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.OutputDir == "" {
		return nil, errors.New("output dir is required")
	}
	if config.DB == nil {
		return nil, ErrNoState
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		outputDir: config.OutputDir,
		db:        config.DB,
		audit:     config.Audit,
		logger:    config.Logger,
	}, nil
}

// contentHash returns the hex SHA-256 of rendered content.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// appliedState reads the path→hash map from Badger.
func (m *Manager) appliedState() (map[string]string, error) {
	state := make(map[string]string)
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(stateKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			relPath := strings.TrimPrefix(string(item.Key()), stateKeyPrefix)
			if err := item.Value(func(val []byte) error {
				state[relPath] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read applied state: %w", err)
	}
	return state, nil
}

// Plan renders the config and diffs it against the applied state.
func (m *Manager) Plan(cfg *InfraConfig) (ChangeSet, []RenderedFile, error) {
	files, err := Render(cfg)
	if err != nil {
		return ChangeSet{}, nil, err
	}

	state, err := m.appliedState()
	if err != nil {
		return ChangeSet{}, nil, err
	}

	cs := ChangeSet{Environment: cfg.Environment, PlannedAt: time.Now().UTC()}
	desired := make(map[string]bool, len(files))

	for _, f := range files {
		desired[f.Path] = true
		newHash := contentHash(f.Content)
		oldHash, applied := state[f.Path]
		switch {
		case !applied:
			cs.Changes = append(cs.Changes, Change{Kind: ChangeCreate, Path: f.Path, NewHash: newHash})
		case oldHash != newHash:
			cs.Changes = append(cs.Changes, Change{Kind: ChangeUpdate, Path: f.Path, OldHash: oldHash, NewHash: newHash})
		}
	}

	for relPath, oldHash := range state {
		if !desired[relPath] {
			cs.Changes = append(cs.Changes, Change{Kind: ChangeDelete, Path: relPath, OldHash: oldHash})
		}
	}

	sort.Slice(cs.Changes, func(i, j int) bool { return cs.Changes[i].Path < cs.Changes[j].Path })
	return cs, files, nil
}

// ApplyResult reports one apply.
type ApplyResult struct {
	// ChangeSet is the plan that was applied.
	ChangeSet ChangeSet `json:"change_set"`

	// DryRun is true when nothing was written.
	DryRun bool `json:"dry_run"`

	// AppliedAt is when the apply finished.
	AppliedAt time.Time `json:"applied_at"`
}

// Apply plans and applies the config.
//
// Description:
//
//	Renders the config, computes the plan, and unless dryRun writes
//	each changed file atomically (write to a temp file in the target
//	directory, then rename), deletes files the plan removes, and
//	commits the new path→hash state to Badger in one transaction.
//	An INFRA_APPLY audit record is written either way.
//
// Inputs:
//
//	ctx - Context for the audit append.
//	cfg - The desired config.
//	actor - Who initiated the apply (for the audit trail).
//	dryRun - When true, plan only.
//
// Outputs:
//
//	ApplyResult - The applied (or planned) change set.
//	error - Non-nil if rendering, writing, or state commit fails.
func (m *Manager) Apply(ctx context.Context, cfg *InfraConfig, actor string, dryRun bool) (ApplyResult, error) {
	cs, files, err := m.Plan(cfg)
	if err != nil {
		return ApplyResult{}, err
	}

	result := ApplyResult{ChangeSet: cs, DryRun: dryRun, AppliedAt: time.Now().UTC()}
	if dryRun || cs.Empty() {
		m.recordApply(ctx, cfg, actor, cs, dryRun, nil)
		return result, nil
	}

	changed := make(map[string]bool, len(cs.Changes))
	for _, c := range cs.Changes {
		changed[c.Path] = true
	}

	for _, f := range files {
		if !changed[f.Path] {
			continue
		}
		if err := m.writeAtomic(f); err != nil {
			m.recordApply(ctx, cfg, actor, cs, false, err)
			return result, err
		}
	}

	for _, c := range cs.Changes {
		if c.Kind != ChangeDelete {
			continue
		}
		target := filepath.Join(m.outputDir, filepath.FromSlash(c.Path))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			m.recordApply(ctx, cfg, actor, cs, false, err)
			return result, fmt.Errorf("delete %s: %w", c.Path, err)
		}
	}

	if err := m.commitState(files); err != nil {
		m.recordApply(ctx, cfg, actor, cs, false, err)
		return result, err
	}

	m.logger.Info("infra apply complete",
		"environment", cfg.Environment, "changes", len(cs.Changes))
	m.recordApply(ctx, cfg, actor, cs, false, nil)
	return result, nil
}

// writeAtomic writes one rendered file via tmp + rename.
func (m *Manager) writeAtomic(f RenderedFile) error {
	target := filepath.Join(m.outputDir, filepath.FromSlash(f.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".kodiak-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(f.Content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", f.Path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", f.Path, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place %s: %w", f.Path, err)
	}
	return nil
}

// commitState replaces the applied state with the rendered tree's
// hashes in one transaction.
func (m *Manager) commitState(files []RenderedFile) error {
	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(stateKeyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, f := range files {
			if err := txn.Set([]byte(stateKeyPrefix+f.Path), []byte(contentHash(f.Content))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit applied state: %w", err)
	}
	return nil
}

// recordApply writes the INFRA_APPLY audit record. Audit failures are
// logged, not propagated.
func (m *Manager) recordApply(ctx context.Context, cfg *InfraConfig, actor string, cs ChangeSet, dryRun bool, applyErr error) {
	if m.audit == nil {
		return
	}
	outcome := "success"
	if applyErr != nil {
		outcome = "failure"
	}
	details := map[string]any{
		"environment": cfg.Environment,
		"summary":     cs.Summary(),
		"dry_run":     dryRun,
	}
	if applyErr != nil {
		details["error"] = applyErr.Error()
	}
	_, err := m.audit.Append(ctx, compliance.Event{
		EventType: compliance.EventInfraApply,
		Actor:     actor,
		Action:    "apply",
		Target:    cfg.Environment,
		Outcome:   outcome,
		Details:   details,
	})
	if err != nil {
		m.logger.Warn("infra apply audit failed", "error", err)
	}
}
