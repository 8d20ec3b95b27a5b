// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for identifiers that end up in file
// paths, Badger keys, or Flux queries. Using these validators prevents
// injection attacks (Flux injection, path traversal) and keeps the audit
// key space well-formed.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// serviceNamePattern matches valid service/component names.
// Lowercase alphanumeric with hyphens, must start with a letter.
// Max length: 63 characters (DNS label limit, matches deploy targets).
var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9\-]{0,62}$`)

// ruleIDPattern matches valid heal rule identifiers.
// Lowercase alphanumeric with hyphens and dots for namespacing
// (e.g. "restart.llm-service", "drain.queue"). Max length: 64.
var ruleIDPattern = regexp.MustCompile(`^[a-z][a-z0-9.\-]{0,63}$`)

// metricNamePattern matches valid metric names before they are
// interpolated into Flux queries or used as ring-buffer keys.
// Follows the Prometheus metric naming convention.
var metricNamePattern = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]{0,127}$`)

// ValidateServiceName validates a service name used in file paths and
// storage keys.
//
// Returns an error if the name is empty or malformed.
//
// Example:
//
//	if err := validation.ValidateServiceName(target); err != nil {
//	    return fmt.Errorf("invalid target: %w", err)
//	}
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid service name: %q (must be 1-63 lowercase alphanumeric chars or hyphens, starting with a letter)", name)
	}
	return nil
}

// ValidateRuleID validates a heal rule identifier.
//
// Valid rule IDs:
//   - 1-64 characters
//   - Lowercase letters, digits
//   - Dots (.) for namespacing like "restart.llm-service"
//   - Hyphens (-) inside segments
func ValidateRuleID(id string) error {
	if id == "" {
		return fmt.Errorf("rule ID cannot be empty")
	}
	if !ruleIDPattern.MatchString(id) {
		return fmt.Errorf("invalid rule ID: %q (must be 1-64 lowercase alphanumeric chars, dots, or hyphens)", id)
	}
	return nil
}

// ValidateMetricName validates a metric name to prevent Flux injection.
//
// The pattern follows the Prometheus naming convention; anything that
// passes is safe to interpolate into a Flux filter expression.
//
// Example:
//
//	if err := validation.ValidateMetricName(name); err != nil {
//	    return nil, fmt.Errorf("invalid metric: %w", err)
//	}
//	// Safe to use in Flux query
func ValidateMetricName(name string) error {
	if name == "" {
		return fmt.Errorf("metric name cannot be empty")
	}
	if !metricNamePattern.MatchString(name) {
		return fmt.Errorf("invalid metric name: %q (must match Prometheus naming convention)", name)
	}
	return nil
}

// ValidateMetricNames validates multiple metric names.
// Returns an error listing all invalid names if any fail validation.
func ValidateMetricNames(names []string) error {
	var invalid []string
	for _, name := range names {
		if err := ValidateMetricName(name); err != nil {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid metric names: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// ValidateRelativePath rejects path components that could escape a
// managed directory (path traversal).
//
// Valid paths are relative, contain no ".." segments, and no NUL bytes.
func ValidateRelativePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be relative: %q", path)
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("path traversal not allowed: %q", path)
		}
	}
	return nil
}
