// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KodiakOps/KodiakStack/services/aiops"
)

var scaleCmd = &cobra.Command{
	Use:   "scale",
	Short: "Inspect the auto-scaler on a running platform",
}

var scaleStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the scaling target, bounds, and last decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		showDecisions, _ := cmd.Flags().GetBool("decisions")

		var status aiops.ScalerStatus
		if err := gatewayGet(cmd.Context(), "/api/v1/scaling/status", &status); err != nil {
			return err
		}

		out.Heading("scaling %s", status.Target)
		out.Plain("  replicas: %d (bounds %d-%d)", status.Replicas, status.MinReplicas, status.MaxReplicas)
		out.Plain("  metric:   %s", status.Metric)
		if status.LastDecision == nil {
			out.Dim("  no decisions yet")
		} else {
			d := status.LastDecision
			out.Plain("  last:     %s %d -> %d (%s)", d.Direction, d.CurrentReplicas, d.TargetReplicas, d.Reason)
		}

		if !showDecisions {
			return nil
		}
		var history struct {
			Decisions []aiops.ScalingDecision `json:"decisions"`
		}
		if err := gatewayGet(cmd.Context(), "/api/v1/scaling/decisions", &history); err != nil {
			return err
		}
		out.Heading("%d recent decisions", len(history.Decisions))
		for _, d := range history.Decisions {
			out.Plain("  %s  %-10s %d -> %d  observed=%.1f predicted=%.1f",
				d.DecidedAt.Format(time.RFC3339), d.Direction, d.CurrentReplicas, d.TargetReplicas,
				d.Observed, d.Predicted)
		}
		return nil
	},
}

func init() {
	scaleStatusCmd.Flags().Bool("decisions", false, "also list the recent decision history")
}

// gatewayGet fetches a JSON resource from the running gateway.
func gatewayGet(ctx context.Context, path string, v any) error {
	addr := config.Gateway.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := "http://" + addr + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer local")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reach gateway at %s (is serve running?): %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
