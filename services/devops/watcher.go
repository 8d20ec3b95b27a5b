// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devops

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-plans when the infra config file changes on disk.
//
// # Description
//
// Watches the config file's directory (editors replace files via
// rename, which drops a watch on the file itself) and debounces bursts
// of write events into a single callback. The callback receives the
// freshly loaded config; load failures are logged and skipped so a
// half-saved file never reaches the planner.
//
// # Thread Safety
//
// Run is single-use. The callback runs on the watcher goroutine.
type Watcher struct {
	configPath string
	debounce   time.Duration
	onChange   func(context.Context, *InfraConfig)
	logger     *slog.Logger
}

// NewWatcher builds a Watcher. debounce <= 0 defaults to 500ms.
func NewWatcher(configPath string, debounce time.Duration, onChange func(context.Context, *InfraConfig), logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		configPath: configPath,
		debounce:   debounce,
		onChange:   onChange,
		logger:     logger,
	}
}

// Run watches until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.configPath)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(w.configPath)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watch error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil

			cfg, err := LoadConfig(w.configPath)
			if err != nil {
				w.logger.Warn("config reload skipped", "path", w.configPath, "error", err)
				continue
			}
			w.logger.Info("infra config changed", "path", w.configPath)
			w.onChange(ctx, cfg)
		}
	}
}
