// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compliance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ChainReport summarizes an audit chain verification.
type ChainReport struct {
	// Valid is true when every record verified.
	Valid bool `json:"valid"`

	// Records is the number of records checked.
	Records int `json:"records"`

	// Segments is the number of segment files checked.
	Segments int `json:"segments"`

	// LastSeq is the final verified sequence number.
	LastSeq uint64 `json:"last_seq"`

	// LastHash is the verified chain tip.
	LastHash string `json:"last_hash"`

	// Failure describes the first verification failure, empty when valid.
	Failure string `json:"failure,omitempty"`
}

// VerifyDir verifies the full audit chain for a service under dir.
//
// Description:
//
//	Walks segment files in chain order and re-derives every record's
//	hash from its canonical payload, checking that:
//	  1. Each record's PrevHash equals the previous record's Hash
//	     (the first record links to the genesis hash).
//	  2. Sequence numbers increase by exactly one.
//	  3. Each record's stored Hash matches the recomputed value.
//
//	Any mutation, insertion, deletion, truncation, or reordering of
//	records breaks at least one of these checks.
//
// Inputs:
//
//	dir - Audit directory.
//	service - Audit stream name used when the segments were written.
//
// Outputs:
//
//	ChainReport - Verification result. Valid is false on any failure;
//	the error return is reserved for I/O problems.
func VerifyDir(dir, service string) (ChainReport, error) {
	pattern := filepath.Join(dir, fmt.Sprintf("audit_%s_*.jsonl", service))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return ChainReport{}, fmt.Errorf("list segments: %w", err)
	}
	sort.Strings(paths)

	report := ChainReport{Valid: true, LastHash: genesisHash}
	prevHash := genesisHash
	var prevSeq uint64

	for _, path := range paths {
		report.Segments++
		prevHash, prevSeq, err = verifySegment(path, prevHash, prevSeq, &report)
		if err != nil {
			return report, err
		}
		if !report.Valid {
			return report, nil
		}
	}

	report.LastSeq = prevSeq
	report.LastHash = prevHash
	return report, nil
}

// verifySegment checks one segment, continuing the chain from prevHash
// and prevSeq. Returns the updated chain tip.
func verifySegment(path, prevHash string, prevSeq uint64, report *ChainReport) (string, uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return prevHash, prevSeq, fmt.Errorf("open segment: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			report.Valid = false
			report.Failure = fmt.Sprintf("%s:%d: unparseable record: %v", filepath.Base(path), lineNum, err)
			return prevHash, prevSeq, nil
		}

		if rec.Seq != prevSeq+1 {
			report.Valid = false
			report.Failure = fmt.Sprintf("%s:%d: sequence gap: got %d, want %d", filepath.Base(path), lineNum, rec.Seq, prevSeq+1)
			return prevHash, prevSeq, nil
		}
		if rec.PrevHash != prevHash {
			report.Valid = false
			report.Failure = fmt.Sprintf("%s:%d: chain break at seq %d: prev_hash mismatch", filepath.Base(path), lineNum, rec.Seq)
			return prevHash, prevSeq, nil
		}

		computed, err := computeHash(rec)
		if err != nil {
			return prevHash, prevSeq, fmt.Errorf("recompute hash: %w", err)
		}
		if computed != rec.Hash {
			report.Valid = false
			report.Failure = fmt.Sprintf("%s:%d: record %d mutated: hash mismatch", filepath.Base(path), lineNum, rec.Seq)
			return prevHash, prevSeq, nil
		}

		prevHash = rec.Hash
		prevSeq = rec.Seq
		report.Records++
	}
	if err := scanner.Err(); err != nil {
		return prevHash, prevSeq, fmt.Errorf("scan segment: %w", err)
	}

	return prevHash, prevSeq, nil
}
