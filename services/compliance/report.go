// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compliance

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// Report summarizes audit activity over a time window.
type Report struct {
	// GeneratedAt is when the report was assembled.
	GeneratedAt time.Time `json:"generated_at"`

	// Service is the audit stream the report covers.
	Service string `json:"service"`

	// WindowStart and WindowEnd bound the reporting period.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// TotalEvents is the number of records in the window.
	TotalEvents int `json:"total_events"`

	// ByEventType counts records per event type.
	ByEventType map[string]int `json:"by_event_type"`

	// ByActor counts records per actor.
	ByActor map[string]int `json:"by_actor"`

	// ByOutcome counts records per outcome.
	ByOutcome map[string]int `json:"by_outcome"`

	// FailureRate is failures divided by total, 0 when empty.
	FailureRate float64 `json:"failure_rate"`

	// PHIAccesses is the number of PHI access records in the window.
	PHIAccesses int `json:"phi_accesses"`

	// Escalations is the number of escalation records in the window.
	Escalations int `json:"escalations"`

	// Chain is the verification result for the full audit chain at
	// report time.
	Chain ChainReport `json:"chain"`
}

// Reporter generates compliance reports from the audit log.
type Reporter struct {
	audit   *AuditLogger
	dir     string
	service string
}

// NewReporter builds a Reporter over the given audit logger. dir and
// service must match the logger's configuration; they drive chain
// verification.
func NewReporter(audit *AuditLogger, dir, service string) *Reporter {
	return &Reporter{audit: audit, dir: dir, service: service}
}

// Generate assembles a report for records in [start, end].
//
// Description:
//
//	Queries the audit index for the window, tallies events by type,
//	actor, and outcome, and verifies the full hash chain so the report
//	itself attests to log integrity.
//
// Inputs:
//
//	ctx - Context for the query.
//	start, end - Inclusive reporting window.
//
// Outputs:
//
//	Report - The assembled report.
//	error - Non-nil when the query or chain walk fails.
func (r *Reporter) Generate(ctx context.Context, start, end time.Time) (Report, error) {
	records, err := r.audit.Query(ctx, Filter{Since: start, Limit: 100000})
	if err != nil {
		return Report{}, fmt.Errorf("query audit index: %w", err)
	}

	report := Report{
		GeneratedAt: time.Now().UTC(),
		Service:     r.service,
		WindowStart: start,
		WindowEnd:   end,
		ByEventType: make(map[string]int),
		ByActor:     make(map[string]int),
		ByOutcome:   make(map[string]int),
	}

	failures := 0
	for _, rec := range records {
		if rec.Timestamp.After(end) {
			continue
		}
		report.TotalEvents++
		report.ByEventType[string(rec.EventType)]++
		report.ByActor[rec.Actor]++
		report.ByOutcome[rec.Outcome]++

		switch rec.EventType {
		case EventPHIAccess:
			report.PHIAccesses++
		case EventEscalation:
			report.Escalations++
		}
		if rec.Outcome == "failure" {
			failures++
		}
	}
	if report.TotalEvents > 0 {
		report.FailureRate = float64(failures) / float64(report.TotalEvents)
	}

	chain, err := VerifyDir(r.dir, r.service)
	if err != nil {
		return Report{}, fmt.Errorf("verify chain: %w", err)
	}
	report.Chain = chain

	return report, nil
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// WriteCSV writes the report's tallies as CSV rows of
// (dimension, key, count). Rows are sorted for stable output.
func (r Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"dimension", "key", "count"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	writeDim := func(dimension string, counts map[string]int) error {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := cw.Write([]string{dimension, k, strconv.Itoa(counts[k])}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, dim := range []struct {
		name   string
		counts map[string]int
	}{
		{"event_type", r.ByEventType},
		{"actor", r.ByActor},
		{"outcome", r.ByOutcome},
	} {
		if err := writeDim(dim.name, dim.counts); err != nil {
			return fmt.Errorf("write csv rows: %w", err)
		}
	}

	if err := cw.Write([]string{"summary", "total_events", strconv.Itoa(r.TotalEvents)}); err != nil {
		return fmt.Errorf("write csv summary: %w", err)
	}
	if err := cw.Write([]string{"summary", "chain_valid", strconv.FormatBool(r.Chain.Valid)}); err != nil {
		return fmt.Errorf("write csv summary: %w", err)
	}

	cw.Flush()
	return cw.Error()
}
