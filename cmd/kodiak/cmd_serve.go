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
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/KodiakOps/KodiakStack/pkg/extensions"
	"github.com/KodiakOps/KodiakStack/pkg/logging"
	"github.com/KodiakOps/KodiakStack/services/aiops"
	"github.com/KodiakOps/KodiakStack/services/autonomic"
	"github.com/KodiakOps/KodiakStack/services/compliance"
	"github.com/KodiakOps/KodiakStack/services/devops"
	"github.com/KodiakOps/KodiakStack/services/gateway"
	"github.com/KodiakOps/KodiakStack/services/gateway/routes"
	"github.com/KodiakOps/KodiakStack/services/monitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full Kodiak platform",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.Config{Service: "kodiak", JSON: true})
	defer logger.Close()
	slogger := logger.Slog()

	// --- Telemetry ---
	telemetryShutdown, err := monitor.Init(ctx, monitor.DefaultTelemetryConfig())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slogger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	meter := otel.Meter("kodiak")
	metrics, err := monitor.NewMetrics(meter)
	if err != nil {
		return err
	}

	// --- Storage ---
	db, err := badger.Open(badger.DefaultOptions(config.Data.Dir).WithLogger(nil))
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Audit chain ---
	auditCfg := compliance.DefaultLoggerConfig(config.Audit.Dir, config.Audit.Service)
	auditCfg.DB = db
	auditCfg.Logger = slogger
	audit, err := compliance.NewAuditLogger(auditCfg)
	if err != nil {
		return err
	}
	defer audit.Close()

	// --- Segment archiving (optional) ---
	var archiver *compliance.Archiver
	if config.Audit.ArchiveBucket != "" {
		store, err := compliance.NewGCSArchiveStore(ctx, config.Audit.ArchiveBucket)
		if err != nil {
			return err
		}
		defer store.Close()
		archiver = compliance.NewArchiver(audit, store, slogger)
	}

	// --- PHI protection (optional) ---
	cipher, err := compliance.NewFieldCipherFromEnv(config.PHI.KeyFile, slogger)
	switch {
	case err == nil:
		defer cipher.Destroy()
		slogger.Info("PHI field encryption enabled")
	case errors.Is(err, compliance.ErrNoKey):
		slogger.Info("PHI field encryption disabled, no key configured")
	default:
		return err
	}

	// --- Health ---
	clock := autonomic.NewClock()
	health := monitor.NewHealthChecker(monitor.DefaultHealthCheckerConfig())
	health.Register(monitor.ProbeFunc{ProbeName: "badger", Fn: func(context.Context) error {
		return db.View(func(*badger.Txn) error { return nil })
	}})
	health.Register(monitor.ProbeFunc{ProbeName: "system-clock", Fn: func(context.Context) error {
		_, err := clock.Now()
		return err
	}})

	// --- Self-healing ---
	rules := autonomic.NewRegistry()
	if config.Heal.Rules != "" {
		if err := autonomic.LoadRules(config.Heal.Rules, rules, builtinActionFactories(health, slogger)); err != nil {
			return err
		}
		slogger.Info("heal rules loaded", "path", config.Heal.Rules, "rules", len(rules.All()))
	}

	incidents, err := autonomic.NewIncidentStore(db)
	if err != nil {
		return err
	}

	coordinator := autonomic.NewCoordinator(time.Minute, clock, slogger)
	scorer := autonomic.NewDecisionScorer()
	bus := autonomic.NewEventBus(0)
	healInterval, _ := time.ParseDuration(config.Heal.Interval)

	engine, err := autonomic.NewEngine(autonomic.EngineConfig{
		Interval:    healInterval,
		Health:      health,
		Rules:       rules,
		Incidents:   incidents,
		Scorer:      scorer,
		Coordinator: coordinator,
		Clock:       clock,
		Bus:         bus,
		Advisor:     autonomic.NewAdvisorFromEnv(slogger),
		Audit:       audit,
		Metrics:     metrics,
		Logger:      slogger,
	})
	if err != nil {
		return err
	}
	if _, err := metrics.RegisterEngineState(meter, engine.State); err != nil {
		return err
	}

	scheduler, err := autonomic.NewScheduler(autonomic.SchedulerConfig{
		DB:          db,
		Incidents:   incidents,
		Scorer:      scorer,
		Coordinator: coordinator,
		Engine:      engine,
		Logger:      slogger,
	})
	if err != nil {
		return err
	}

	// --- Auto-scaling (optional) ---
	var scaler *aiops.AutoScaler
	collector := aiops.NewCollector(aiops.CollectorConfig{
		InfluxURL:    config.Scaling.Influx.URL,
		InfluxToken:  config.Scaling.Influx.Token,
		InfluxOrg:    config.Scaling.Influx.Org,
		InfluxBucket: config.Scaling.Influx.Bucket,
		Logger:       slogger,
	})
	defer collector.Stop()
	if config.Scaling.Enabled {
		if err := collector.Register(probeLatencySource(config.Scaling.Metric, health)); err != nil {
			return err
		}
		cooldown, _ := time.ParseDuration(config.Scaling.Cooldown)
		scaler, err = aiops.NewAutoScaler(aiops.AutoScalerConfig{
			Policy: &aiops.ScalingPolicy{
				Metric:             config.Scaling.Metric,
				ScaleUpThreshold:   config.Scaling.ScaleUpThreshold,
				ScaleDownThreshold: config.Scaling.ScaleDownThreshold,
				Hysteresis:         config.Scaling.Hysteresis,
				Cooldown:           cooldown,
				MinReplicas:        config.Scaling.MinReplicas,
				MaxReplicas:        config.Scaling.MaxReplicas,
			},
			Collector: collector,
			Target:    aiops.NewLocalTarget(config.Scaling.Target, config.Scaling.InitialReplicas),
			Audit:     audit,
			Metrics:   metrics,
			Logger:    slogger,
		})
		if err != nil {
			return err
		}
	}

	// --- Infrastructure ---
	var infra *devops.Manager
	if config.Infra.Config != "" {
		infra, err = devops.NewManager(devops.ManagerConfig{
			OutputDir: config.Infra.OutputDir,
			DB:        db,
			Audit:     audit,
			Logger:    slogger,
		})
		if err != nil {
			return err
		}
	}

	// --- Gateway ---
	service, err := gateway.New(gateway.Config{
		Addr:    config.Gateway.Addr,
		Metrics: metrics,
		Logger:  slogger,
		Deps: routes.Deps{
			Auth:            &extensions.NopAuthProvider{},
			Health:          health,
			Incidents:       incidents,
			Rules:           rules,
			Scorer:          scorer,
			Scaler:          scaler,
			Audit:           audit,
			Reporter:        compliance.NewReporter(audit, config.Audit.Dir, config.Audit.Service),
			AuditDir:        config.Audit.Dir,
			AuditService:    config.Audit.Service,
			Infra:           infra,
			InfraConfigPath: config.Infra.Config,
			Bus:             bus,
		},
	})
	if err != nil {
		return err
	}

	if _, err := audit.Append(ctx, compliance.Event{
		EventType: compliance.EventSystem,
		Actor:     "kodiak-serve",
		Action:    "startup",
		Outcome:   "success",
	}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(ctx) })
	g.Go(func() error { engine.Run(ctx); return nil })
	g.Go(func() error { scheduler.Run(ctx); return nil })
	if scaler != nil {
		g.Go(func() error { collector.Run(ctx); return nil })
		g.Go(func() error { scaler.Run(ctx); return nil })
	}
	if archiver != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := archiver.ArchiveClosed(ctx); err != nil {
						slogger.Warn("audit archive pass failed", "error", err)
					}
				}
			}
		})
	}
	if infra != nil && config.Infra.Watch {
		watcher := devops.NewWatcher(config.Infra.Config, 0, func(ctx context.Context, cfg *devops.InfraConfig) {
			if config.Infra.AutoApply {
				if _, err := infra.Apply(ctx, cfg, "infra-watcher", false); err != nil {
					slogger.Error("watched apply failed", "error", err)
				}
				return
			}
			plan, _, err := infra.Plan(cfg)
			if err != nil {
				slogger.Error("watched plan failed", "error", err)
				return
			}
			slogger.Info("infra plan pending", "summary", plan.Summary())
		}, slogger)
		g.Go(func() error {
			err := watcher.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	slogger.Info("kodiak platform started", "addr", config.Gateway.Addr)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// builtinActionFactories are the open source heal actions. Real
// remediations (process restarts, cache flushes, failovers) register
// here; the defaults act only on in-process state.
func builtinActionFactories(health *monitor.HealthChecker, logger *slog.Logger) map[string]autonomic.ActionFactory {
	return map[string]autonomic.ActionFactory{
		// noop records the attempt and relies on verify to re-probe.
		"noop": func(spec autonomic.RuleSpec) (autonomic.HealAction, error) {
			return func(ctx context.Context, inc *autonomic.Incident) error {
				logger.Info("noop heal action", "rule", spec.ID, "component", inc.Component)
				return nil
			}, nil
		},
		// reprobe drops the health cache so the next snapshot re-checks
		// everything, clearing incidents caused by transient faults.
		"reprobe": func(spec autonomic.RuleSpec) (autonomic.HealAction, error) {
			return func(ctx context.Context, inc *autonomic.Incident) error {
				health.Invalidate()
				return nil
			}, nil
		},
	}
}

// probeLatencySource exposes the mean health probe latency in
// milliseconds as a scaling metric.
func probeLatencySource(metric string, health *monitor.HealthChecker) aiops.SourceFunc {
	return aiops.SourceFunc{
		Name: metric,
		Fn: func(ctx context.Context) (float64, error) {
			snap := health.Snapshot(ctx)
			if len(snap.Components) == 0 {
				return 0, nil
			}
			var total float64
			for _, c := range snap.Components {
				total += float64(c.Latency.Milliseconds())
			}
			return total / float64(len(snap.Components)), nil
		},
	}
}
