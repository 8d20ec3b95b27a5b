// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package compliance provides the tamper-evident audit log, PHI field
// encryption, compliance reporting, and archive export for Kodiak.
//
// The audit log is the platform's source of truth for who did what:
// every heal action, scaling decision, infrastructure apply, and PHI
// access produces one record. Records are JSON lines in daily segment
// files, linked by a SHA-256 hash chain so that any byte-level mutation,
// truncation, or reordering is detectable. A BadgerDB index enables
// range queries without re-reading segments.
package compliance

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/KodiakOps/KodiakStack/pkg/extensions"
)

// EventType categorizes audit events.
type EventType string

const (
	EventHealAction      EventType = "HEAL_ACTION"
	EventScalingDecision EventType = "SCALING_DECISION"
	EventConfigChange    EventType = "CONFIG_CHANGE"
	EventInfraApply      EventType = "INFRA_APPLY"
	EventPHIAccess       EventType = "PHI_ACCESS"
	EventEscalation      EventType = "ESCALATION"
	EventSystem          EventType = "SYSTEM"
)

// Event is the caller-supplied portion of an audit record.
type Event struct {
	// EventType categorizes the event.
	EventType EventType `json:"event_type"`

	// Actor is who or what performed the action.
	Actor string `json:"actor"`

	// Action is the action performed.
	Action string `json:"action"`

	// Target identifies the affected resource.
	Target string `json:"target,omitempty"`

	// Outcome is the result ("success", "failure", "escalated", ...).
	Outcome string `json:"outcome"`

	// Details carries additional event context. Values must be
	// JSON-serializable. Never place raw PHI here; encrypt first.
	Details map[string]any `json:"details,omitempty"`
}

// Record is a fully materialized, chained audit record.
type Record struct {
	// Seq is the strictly increasing sequence number.
	Seq uint64 `json:"seq"`

	// ID is the unique record identifier.
	ID string `json:"id"`

	// Timestamp is when the record was written.
	Timestamp time.Time `json:"timestamp"`

	Event

	// PrevHash is the hex SHA-256 of the previous record.
	PrevHash string `json:"prev_hash"`

	// Hash is the hex SHA-256 of this record's canonical payload.
	Hash string `json:"hash"`
}

// genesisHash anchors the chain: the first record's PrevHash.
var genesisHash = func() string {
	sum := sha256.Sum256([]byte("kodiak-audit-genesis-v1"))
	return hex.EncodeToString(sum[:])
}()

// computeHash returns the hex SHA-256 of the record's canonical payload.
//
// The payload is a fixed-order encoding of every field except Hash
// itself. Details are canonicalized through json.Marshal of the map,
// which sorts keys, so the hash is stable across round trips.
func computeHash(r Record) (string, error) {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}

	h := sha256.New()
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], r.Seq)
	h.Write(seqBuf[:])
	for _, field := range []string{
		r.ID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		string(r.EventType),
		r.Actor,
		r.Action,
		r.Target,
		r.Outcome,
		string(details),
		r.PrevHash,
	} {
		h.Write([]byte{0}) // Field separator
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sentinel errors for the audit logger.
var (
	// ErrClosed is returned by operations on a closed logger.
	ErrClosed = errors.New("audit logger closed")

	// ErrNoIndex is returned by Query when no Badger index is configured.
	ErrNoIndex = errors.New("no audit index configured")
)

// indexKeyPrefix namespaces audit records in Badger.
const indexKeyPrefix = "audit/"

// indexKey builds the Badger key for a sequence number. Big-endian so
// lexicographic iteration order equals numeric order.
func indexKey(seq uint64) []byte {
	key := make([]byte, len(indexKeyPrefix)+8)
	copy(key, indexKeyPrefix)
	binary.BigEndian.PutUint64(key[len(indexKeyPrefix):], seq)
	return key
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// Dir is the directory for audit segment files. Created with 0750
	// permissions if missing.
	Dir string

	// Service names the audit stream; segment files are named
	// "audit_{service}_{date}_{n}.jsonl".
	Service string

	// MaxSegmentBytes caps a segment before rotation. Rotation also
	// happens at the date boundary. Default: 64 MiB.
	MaxSegmentBytes int64

	// Fsync forces an fsync after every record. Default true; tests
	// disable it for speed.
	Fsync bool

	// DB is the optional Badger index. Queries require it; appends
	// work without it.
	DB *badger.DB

	// Sink receives a copy of every event (fire-and-forget).
	Sink extensions.AuditSink

	// Logger receives operational logs. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultLoggerConfig returns production defaults for the given directory.
func DefaultLoggerConfig(dir, service string) LoggerConfig {
	return LoggerConfig{
		Dir:             dir,
		Service:         service,
		MaxSegmentBytes: 64 << 20,
		Fsync:           true,
	}
}

// AuditLogger is the hash-chained, append-only audit log.
//
// # Description
//
// Appends JSON-line records to daily segment files. Each record carries
// the SHA-256 of its predecessor; the chain spans segment boundaries
// (the first record of a new segment links to the last hash of the
// previous one). On startup the logger recovers its sequence number
// and chain tip from the newest existing segment, so restarts extend
// the chain rather than restarting it.
//
// # Thread Safety
//
// Safe for concurrent use; appends are serialized by a mutex.
type AuditLogger struct {
	config LoggerConfig
	logger *slog.Logger

	mu       sync.Mutex
	closed   bool
	file     *os.File
	segPath  string
	segDate  string
	segIndex int
	segBytes int64
	seq      uint64
	lastHash string
}

// NewAuditLogger opens (or creates) the audit log in config.Dir and
// recovers the chain tip from existing segments.
func NewAuditLogger(config LoggerConfig) (*AuditLogger, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("audit dir is required")
	}
	if config.Service == "" {
		config.Service = "kodiak"
	}
	if config.MaxSegmentBytes <= 0 {
		config.MaxSegmentBytes = 64 << 20
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Sink == nil {
		config.Sink = &extensions.NopAuditSink{}
	}

	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := &AuditLogger{
		config:   config,
		logger:   config.Logger,
		lastHash: genesisHash,
	}

	if err := l.recover(); err != nil {
		return nil, fmt.Errorf("recover audit chain: %w", err)
	}
	return l, nil
}

// SegmentName builds a segment filename for a service, date, and index.
func SegmentName(service, date string, index int) string {
	return fmt.Sprintf("audit_%s_%s_%04d.jsonl", service, date, index)
}

// segmentPattern returns the glob for this logger's segments.
func (l *AuditLogger) segmentPattern() string {
	return filepath.Join(l.config.Dir, fmt.Sprintf("audit_%s_*.jsonl", l.config.Service))
}

// Segments returns this logger's segment paths in chain order.
func (l *AuditLogger) Segments() ([]string, error) {
	paths, err := filepath.Glob(l.segmentPattern())
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// CurrentSegment returns the path of the open segment, or empty when
// nothing has been written yet.
func (l *AuditLogger) CurrentSegment() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segPath
}

// recover scans existing segments and restores seq + chain tip from the
// last record on disk.
func (l *AuditLogger) recover() error {
	paths, err := l.Segments()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	// A crash can leave the newest segment empty (created but never
	// written). Walk backward until a segment holds a record so the
	// chain tip survives the restart instead of resetting to genesis.
	for i := len(paths) - 1; i >= 0; i-- {
		last, err := lastRecord(paths[i])
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(paths[i]), err)
		}
		if last != nil {
			l.seq = last.Seq
			l.lastHash = last.Hash
			break
		}
	}

	// Parse the newest segment's index so rotation continues the
	// numbering even when that segment is empty.
	base := strings.TrimSuffix(filepath.Base(paths[len(paths)-1]), ".jsonl")
	if idx := strings.LastIndex(base, "_"); idx >= 0 {
		fmt.Sscanf(base[idx+1:], "%04d", &l.segIndex)
	}
	return nil
}

// lastRecord returns the final record of a segment, or nil if empty.
func lastRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(lines[i]), &rec); err != nil {
			return nil, fmt.Errorf("parse last record: %w", err)
		}
		return &rec, nil
	}
	return nil, nil
}

// Append writes one event to the chain and returns the materialized
// record.
//
// Description:
//
//	Assigns the next sequence number, links to the previous record's
//	hash, writes the JSON line (rotating the segment at the date
//	boundary or size cap), optionally fsyncs, indexes the record in
//	Badger, and forwards a copy to the configured sink. Sink and index
//	failures are logged, never propagated: the segment file is the
//	source of truth.
//
// Inputs:
//
//	ctx - Context for the sink delivery.
//	event - The event to record.
//
// Outputs:
//
//	Record - The chained record as written.
//	error - Non-nil if the segment write fails.
func (l *AuditLogger) Append(ctx context.Context, event Event) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Record{}, ErrClosed
	}

	now := time.Now().UTC()
	rec := Record{
		Seq:       l.seq + 1,
		ID:        uuid.New().String(),
		Timestamp: now,
		Event:     event,
		PrevHash:  l.lastHash,
	}

	hash, err := computeHash(rec)
	if err != nil {
		return Record{}, err
	}
	rec.Hash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	if err := l.ensureSegment(now, int64(len(line))); err != nil {
		return Record{}, err
	}

	if _, err := l.file.Write(line); err != nil {
		return Record{}, fmt.Errorf("write audit record: %w", err)
	}
	if l.config.Fsync {
		if err := l.file.Sync(); err != nil {
			return Record{}, fmt.Errorf("sync audit segment: %w", err)
		}
	}

	l.segBytes += int64(len(line))
	l.seq = rec.Seq
	l.lastHash = rec.Hash

	l.index(rec, line[:len(line)-1])
	l.forward(ctx, rec)

	return rec, nil
}

// ensureSegment opens, rolls, or keeps the current segment file.
func (l *AuditLogger) ensureSegment(now time.Time, nextWrite int64) error {
	date := now.Format("2006-01-02")

	needNew := l.file == nil ||
		date != l.segDate ||
		l.segBytes+nextWrite > l.config.MaxSegmentBytes

	if !needNew {
		return nil
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			l.logger.Warn("sync on segment roll failed", "error", err)
		}
		if err := l.file.Close(); err != nil {
			l.logger.Warn("close on segment roll failed", "error", err)
		}
		l.segIndex++
	}
	if date != l.segDate {
		l.segDate = date
	}

	path := filepath.Join(l.config.Dir, SegmentName(l.config.Service, date, l.segIndex))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open audit segment: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit segment: %w", err)
	}

	l.file = file
	l.segPath = path
	l.segBytes = info.Size()
	return nil
}

// index writes the record into the Badger index. Failures are logged.
func (l *AuditLogger) index(rec Record, line []byte) {
	if l.config.DB == nil {
		return
	}
	err := l.config.DB.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey(rec.Seq), line)
	})
	if err != nil {
		l.logger.Warn("audit index write failed", "seq", rec.Seq, "error", err)
	}
}

// forward delivers a copy to the external sink on a goroutine.
func (l *AuditLogger) forward(ctx context.Context, rec Record) {
	sink := l.config.Sink
	if _, nop := sink.(*extensions.NopAuditSink); nop {
		return
	}
	go func() {
		sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		err := sink.Record(sinkCtx, extensions.SinkEvent{
			ID:        rec.ID,
			Timestamp: rec.Timestamp,
			EventType: string(rec.EventType),
			Actor:     rec.Actor,
			Action:    rec.Action,
			Outcome:   rec.Outcome,
			Target:    rec.Target,
			Details:   rec.Details,
		})
		if err != nil {
			l.logger.Warn("audit sink delivery failed", "id", rec.ID, "error", err)
		}
	}()
}

// Filter selects records for Query.
type Filter struct {
	// FromSeq is the inclusive lower sequence bound (0 = beginning).
	FromSeq uint64

	// ToSeq is the inclusive upper sequence bound (0 = no bound).
	ToSeq uint64

	// EventTypes limits results to the given types. Empty means all.
	EventTypes []EventType

	// Actor limits results to one actor. Empty means all.
	Actor string

	// Since limits results to records at or after this time.
	Since time.Time

	// Limit caps the number of results (0 = 1000).
	Limit int
}

// Query reads records from the Badger index in sequence order.
//
// Returns ErrNoIndex when the logger was built without a DB.
func (l *AuditLogger) Query(_ context.Context, filter Filter) ([]Record, error) {
	if l.config.DB == nil {
		return nil, ErrNoIndex
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	typeSet := make(map[EventType]bool, len(filter.EventTypes))
	for _, t := range filter.EventTypes {
		typeSet[t] = true
	}

	var records []Record
	err := l.config.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(indexKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := indexKey(filter.FromSeq)
		for it.Seek(start); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode indexed record: %w", err)
			}

			if filter.ToSeq > 0 && rec.Seq > filter.ToSeq {
				break
			}
			if len(typeSet) > 0 && !typeSet[rec.EventType] {
				continue
			}
			if filter.Actor != "" && rec.Actor != filter.Actor {
				continue
			}
			if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
				continue
			}

			records = append(records, rec)
			if len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Seq returns the last assigned sequence number.
func (l *AuditLogger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// LastHash returns the current chain tip.
func (l *AuditLogger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Close syncs and closes the current segment. Further appends fail
// with ErrClosed.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("sync audit segment: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit segment: %w", err)
	}
	l.file = nil
	return nil
}
