// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package autonomic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Advisor produces operator-facing incident summaries with an LLM.
//
// # Description
//
// Purely advisory: summaries decorate escalations and the incident API,
// and every failure path degrades to a mechanical summary assembled
// from the incident record. Healing never waits on, and never consults,
// the model. Disabled entirely when no API key is configured.
//
// # Thread Safety
//
// Safe for concurrent use.
type Advisor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// advisorKeyEnv holds the API key; empty disables the advisor.
const advisorKeyEnv = "KODIAK_ADVISOR_API_KEY"

// NewAdvisorFromEnv builds an Advisor from the environment. Returns nil
// (not an error) when no key is set; a nil Advisor is safe to call.
func NewAdvisorFromEnv(logger *slog.Logger) *Advisor {
	key := strings.TrimSpace(os.Getenv(advisorKeyEnv))
	if key == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	model := os.Getenv("KODIAK_ADVISOR_MODEL")
	if model == "" {
		model = openai.GPT4oMini
	}

	return &Advisor{
		client:  openai.NewClient(key),
		model:   model,
		timeout: 15 * time.Second,
		logger:  logger,
	}
}

// Summarize returns a short operator summary of the incident. Never
// returns an error: model failures fall back to the mechanical
// summary.
func (a *Advisor) Summarize(ctx context.Context, inc *Incident) string {
	fallback := mechanicalSummary(inc)
	if a == nil {
		return fallback
	}

	llmCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Summarize this infrastructure incident for an on-call operator in at most three sentences. "+
			"Component: %s. Severity: %d/3. Reason: %s. State: %s. Rules attempted: %s.",
		inc.Component, inc.Severity, inc.Reason, inc.State, strings.Join(inc.AttemptedRules, ", "))

	resp, err := a.client.CreateChatCompletion(llmCtx, openai.ChatCompletionRequest{
		Model:     a.model,
		MaxTokens: 200,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an SRE assistant. Be terse and factual. Never invent details.",
			},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		a.logger.Warn("incident summary failed, using mechanical summary",
			"incident", inc.ID, "error", err)
		return fallback
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return fallback
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content)
}

// mechanicalSummary assembles a summary from the incident record alone.
func mechanicalSummary(inc *Incident) string {
	attempted := "none"
	if len(inc.AttemptedRules) > 0 {
		attempted = strings.Join(inc.AttemptedRules, ", ")
	}
	return fmt.Sprintf("%s is %s (severity %d/3): %s. Rules attempted: %s.",
		inc.Component, inc.State, inc.Severity, inc.Reason, attempted)
}
