// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/KodiakOps/KodiakStack/pkg/logging"
	"github.com/KodiakOps/KodiakStack/services/compliance"
	"github.com/KodiakOps/KodiakStack/services/devops"
)

var infraCmd = &cobra.Command{
	Use:   "infra",
	Short: "Manage declarative infrastructure",
}

var infraRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render the infra config and print the resulting files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadInfraConfig()
		if err != nil {
			return err
		}
		files, err := devops.Render(cfg)
		if err != nil {
			return err
		}
		for _, f := range files {
			out.Heading("--- %s", f.Path)
			out.Plain("%s", f.Content)
		}
		return nil
	},
}

var infraPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what apply would change",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, cleanup, err := openInfraManager()
		if err != nil {
			return err
		}
		defer cleanup()

		cfg, err := loadInfraConfig()
		if err != nil {
			return err
		}
		plan, _, err := manager.Plan(cfg)
		if err != nil {
			return err
		}
		printPlan(plan)
		return nil
	},
}

var infraApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the infra config to the output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		manager, cleanup, err := openInfraManager()
		if err != nil {
			return err
		}
		defer cleanup()

		cfg, err := loadInfraConfig()
		if err != nil {
			return err
		}
		result, err := manager.Apply(cmd.Context(), cfg, "kodiak-cli", dryRun)
		if err != nil {
			return err
		}
		printPlan(result.ChangeSet)
		if result.ChangeSet.Empty() {
			return nil
		}
		if result.DryRun {
			out.Warn("dry run, nothing written")
		} else {
			out.Success("applied to %s", config.Infra.OutputDir)
		}
		return nil
	},
}

func init() {
	infraApplyCmd.Flags().Bool("dry-run", false, "plan and audit without writing files")
}

// loadInfraConfig loads and validates the configured infra YAML.
func loadInfraConfig() (*devops.InfraConfig, error) {
	if config.Infra.Config == "" {
		return nil, errors.New("infra.config is not set in the platform config")
	}
	cfg, err := devops.LoadConfig(config.Infra.Config)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Infra.Config, err)
	}
	return cfg, nil
}

// openInfraManager opens the platform's Badger store and audit chain so
// offline plans and applies share state with a running serve process.
// The caller must invoke cleanup.
func openInfraManager() (*devops.Manager, func(), error) {
	db, err := badger.Open(badger.DefaultOptions(config.Data.Dir).WithLogger(nil))
	if err != nil {
		return nil, nil, fmt.Errorf("open data dir %s (is serve running?): %w", config.Data.Dir, err)
	}

	logger := logging.New(logging.Config{Service: "kodiak-cli", Quiet: true})
	auditCfg := compliance.DefaultLoggerConfig(config.Audit.Dir, config.Audit.Service)
	auditCfg.DB = db
	auditCfg.Logger = logger.Slog()
	audit, err := compliance.NewAuditLogger(auditCfg)
	if err != nil {
		db.Close()
		logger.Close()
		return nil, nil, err
	}

	manager, err := devops.NewManager(devops.ManagerConfig{
		OutputDir: config.Infra.OutputDir,
		DB:        db,
		Audit:     audit,
		Logger:    logger.Slog(),
	})
	if err != nil {
		audit.Close()
		db.Close()
		logger.Close()
		return nil, nil, err
	}

	cleanup := func() {
		audit.Close()
		db.Close()
		logger.Close()
	}
	return manager, cleanup, nil
}

// printPlan renders a change set to the terminal.
func printPlan(plan devops.ChangeSet) {
	if plan.Empty() {
		out.Success("no changes, infrastructure matches the applied state")
		return
	}
	out.Heading("Plan for %s: %s", plan.Environment, plan.Summary())
	for _, c := range plan.Changes {
		switch c.Kind {
		case devops.ChangeCreate:
			out.Success("  + %s", c.Path)
		case devops.ChangeDelete:
			out.Error("  - %s", c.Path)
		default:
			out.Warn("  ~ %s", c.Path)
		}
	}
}
