// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/KodiakOps/KodiakStack/pkg/ux"
	"github.com/KodiakOps/KodiakStack/pkg/validation"
)

// Config is the platform configuration loaded from config.yaml.
type Config struct {
	Gateway struct {
		// Addr is the gateway listen address.
		Addr string `yaml:"addr"`
	} `yaml:"gateway"`

	Data struct {
		// Dir holds the Badger store.
		Dir string `yaml:"dir"`
	} `yaml:"data"`

	Audit struct {
		// Dir holds audit segment files.
		Dir string `yaml:"dir"`

		// Service names the audit stream.
		Service string `yaml:"service"`

		// ArchiveBucket is a GCS bucket for long-term segment storage.
		// Empty disables archiving.
		ArchiveBucket string `yaml:"archive_bucket"`
	} `yaml:"audit"`

	Infra struct {
		// Config is the infra config YAML path.
		Config string `yaml:"config"`

		// OutputDir receives rendered files.
		OutputDir string `yaml:"output_dir"`

		// Watch re-plans when the config file changes.
		Watch bool `yaml:"watch"`

		// AutoApply applies watched changes instead of only planning.
		AutoApply bool `yaml:"auto_apply"`
	} `yaml:"infra"`

	Heal struct {
		// Rules is the declarative heal rules YAML path. Empty runs the
		// engine with no rules (everything escalates).
		Rules string `yaml:"rules"`

		// Interval between healing cycles.
		Interval string `yaml:"interval"`
	} `yaml:"heal"`

	Scaling struct {
		// Enabled turns the auto-scaler on.
		Enabled bool `yaml:"enabled"`

		// Target is the scaled service's name.
		Target string `yaml:"target"`

		// InitialReplicas seeds the local target.
		InitialReplicas int `yaml:"initial_replicas"`

		// Metric drives the policy.
		Metric string `yaml:"metric"`

		ScaleUpThreshold   float64 `yaml:"scale_up_threshold"`
		ScaleDownThreshold float64 `yaml:"scale_down_threshold"`
		Hysteresis         float64 `yaml:"hysteresis"`
		Cooldown           string  `yaml:"cooldown"`
		MinReplicas        int     `yaml:"min_replicas"`
		MaxReplicas        int     `yaml:"max_replicas"`

		// Influx optionally mirrors collected samples to InfluxDB.
		// Empty URL disables the sink.
		Influx struct {
			URL    string `yaml:"url"`
			Token  string `yaml:"token"`
			Org    string `yaml:"org"`
			Bucket string `yaml:"bucket"`
		} `yaml:"influx"`
	} `yaml:"scaling"`

	PHI struct {
		// KeyFile optionally holds the PHI encryption key; the
		// KODIAK_PHI_KEY environment variable takes precedence.
		KeyFile string `yaml:"key_file"`
	} `yaml:"phi"`
}

// defaults fills unset fields with a working single-node setup.
func (c *Config) defaults() {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".kodiak")

	if c.Gateway.Addr == "" {
		c.Gateway.Addr = ":12400"
	}
	if c.Data.Dir == "" {
		c.Data.Dir = filepath.Join(base, "data")
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(base, "audit")
	}
	if c.Audit.Service == "" {
		c.Audit.Service = "kodiak"
	}
	if c.Infra.OutputDir == "" {
		c.Infra.OutputDir = filepath.Join(base, "infra")
	}
	if c.Heal.Interval == "" {
		c.Heal.Interval = "15s"
	}
	if c.Scaling.Target == "" {
		c.Scaling.Target = "api-gateway"
	}
	if c.Scaling.InitialReplicas <= 0 {
		c.Scaling.InitialReplicas = 1
	}
	if c.Scaling.Metric == "" {
		c.Scaling.Metric = "kodiak_probe_latency_ms"
	}
	if c.Scaling.ScaleUpThreshold == 0 {
		c.Scaling.ScaleUpThreshold = 250
	}
	if c.Scaling.ScaleDownThreshold == 0 {
		c.Scaling.ScaleDownThreshold = 50
	}
	if c.Scaling.Cooldown == "" {
		c.Scaling.Cooldown = "2m"
	}
	if c.Scaling.MinReplicas <= 0 {
		c.Scaling.MinReplicas = 1
	}
	if c.Scaling.MaxReplicas <= 0 {
		c.Scaling.MaxReplicas = 10
	}
}

// validate rejects configs that would fail deep inside a subsystem.
func (c *Config) validate() error {
	if err := validation.ValidateServiceName(c.Audit.Service); err != nil {
		return fmt.Errorf("audit.service: %w", err)
	}
	if err := validation.ValidateServiceName(c.Scaling.Target); err != nil {
		return fmt.Errorf("scaling.target: %w", err)
	}
	if err := validation.ValidateMetricName(c.Scaling.Metric); err != nil {
		return fmt.Errorf("scaling.metric: %w", err)
	}
	if _, err := time.ParseDuration(c.Heal.Interval); err != nil {
		return fmt.Errorf("heal.interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Scaling.Cooldown); err != nil {
		return fmt.Errorf("scaling.cooldown: %w", err)
	}
	if c.Scaling.ScaleDownThreshold >= c.Scaling.ScaleUpThreshold {
		return fmt.Errorf("scaling: scale_down_threshold must be below scale_up_threshold")
	}
	if c.Scaling.MaxReplicas < c.Scaling.MinReplicas {
		return fmt.Errorf("scaling: max_replicas below min_replicas")
	}
	return nil
}

// loadConfig reads and validates the config file. A missing file yields
// pure defaults so the CLI works in an empty directory.
func loadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

var (
	configPath string
	config     *Config
	out        = ux.Stdout()

	rootCmd = &cobra.Command{
		Use:   "kodiak",
		Short: "Kodiak self-healing operations platform",
		Long: `Kodiak runs an autonomous operations loop on your own
infrastructure: health monitoring, declarative self-healing,
predictive auto-scaling, tamper-evident audit logging, and
declarative infrastructure management.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				out.Error("configuration invalid: %v", err)
				return err
			}
			config = cfg
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "platform config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infraCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(healCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(phiCmd)

	infraCmd.AddCommand(infraRenderCmd, infraPlanCmd, infraApplyCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditReportCmd)
	healCmd.AddCommand(healRulesCmd, healSimulateCmd)
	scaleCmd.AddCommand(scaleStatusCmd)
	phiCmd.AddCommand(phiKeygenCmd)
}
