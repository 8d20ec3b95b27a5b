// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KodiakOps/KodiakStack/services/autonomic"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

var healCmd = &cobra.Command{
	Use:   "heal",
	Short: "Inspect the self-healing rule set",
}

var healRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the loaded heal rules in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadHealRegistry()
		if err != nil {
			return err
		}

		rules := reg.All()
		if len(rules) == 0 {
			out.Warn("no rules loaded, every incident will escalate")
			return nil
		}
		out.Heading("%d heal rules", len(rules))
		for _, r := range rules {
			out.Plain("  %-30s priority=%d cooldown=%s max_attempts=%d", r.ID, r.Priority, r.Cooldown, r.MaxAttempts)
			if r.Description != "" {
				out.Dim("    %s", r.Description)
			}
		}
		return nil
	},
}

var healSimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Show which rules would fire for a hypothetical component state",
	RunE: func(cmd *cobra.Command, args []string) error {
		component, _ := cmd.Flags().GetString("component")
		status, _ := cmd.Flags().GetString("status")
		failures, _ := cmd.Flags().GetInt("failures")

		if component == "" {
			return errors.New("--component is required")
		}
		switch monitor.Status(status) {
		case monitor.StatusHealthy, monitor.StatusDegraded, monitor.StatusUnhealthy:
		default:
			return fmt.Errorf("unknown status %q, want healthy, degraded, or unhealthy", status)
		}

		reg, err := loadHealRegistry()
		if err != nil {
			return err
		}

		candidates := reg.Candidates(monitor.ComponentHealth{
			Name:                component,
			Status:              monitor.Status(status),
			ConsecutiveFailures: failures,
		})
		if len(candidates) == 0 {
			out.Warn("no rules match, this state would escalate")
			return nil
		}
		out.Heading("%d candidate rules, best first", len(candidates))
		for i, r := range candidates {
			marker := " "
			if i == 0 {
				marker = "*"
			}
			out.Plain("  %s %-30s priority=%d", marker, r.ID, r.Priority)
		}
		return nil
	},
}

func init() {
	healSimulateCmd.Flags().String("component", "", "component name to simulate")
	healSimulateCmd.Flags().String("status", "unhealthy", "simulated status: healthy, degraded, unhealthy")
	healSimulateCmd.Flags().Int("failures", 0, "simulated consecutive probe failures")
}

// loadHealRegistry loads the configured rules file with simulation-safe
// actions. Actions never execute from the CLI, so the real factories
// are replaced with inert ones.
func loadHealRegistry() (*autonomic.Registry, error) {
	reg := autonomic.NewRegistry()
	if config.Heal.Rules == "" {
		return reg, nil
	}

	factories := map[string]autonomic.ActionFactory{}
	for _, name := range []string{"noop", "reprobe"} {
		factories[name] = inertAction
	}
	if err := autonomic.LoadRules(config.Heal.Rules, reg, factories); err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Heal.Rules, err)
	}
	return reg, nil
}

func inertAction(autonomic.RuleSpec) (autonomic.HealAction, error) {
	return func(context.Context, *autonomic.Incident) error { return nil }, nil
}
