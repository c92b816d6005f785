/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ai relays classroom questions to an answer-generation provider,
// falling back to a secondary provider and finally a fixed apology.
package ai

import (
	"context"
	"fmt"
	"strings"
)

// QueryContext is optional playback context attached to a question.
type QueryContext map[string]any

// Provider generates an answer for a spoken question.
type Provider interface {
	// Name tags responses so clients can show where an answer came from.
	Name() string
	Answer(ctx context.Context, question string, qc QueryContext) (string, error)
}

// systemPrompt frames every provider call. Kept identical across providers
// so switching between them does not change the answer register.
const systemPrompt = `You are an AI Classroom Doubt Assistant integrated into a live classroom video system.

Your role is to answer student doubts based on the currently playing educational video.

Rules:
- Keep answers simple, clear, and classroom-friendly
- Use step-by-step explanations when needed
- Stay within the context of the video topic if provided
- Be concise - no emojis, no markdown formatting
- If the doubt is unclear, ask ONE short clarifying question only
- Do NOT introduce unrelated topics
- Speak like a teacher helping during a live class

If video context is provided, use it to give relevant answers.
If no context is available, answer the question to the best of your ability.`

// contextBlock renders playback context into prompt lines. Unknown keys are
// ignored rather than leaked into the prompt.
func contextBlock(qc QueryContext) string {
	if len(qc) == 0 {
		return ""
	}
	var lines []string
	if v, ok := qc["video_topic"].(string); ok && v != "" {
		lines = append(lines, "Current Topic: "+v)
	}
	if v, ok := qc["video_title"].(string); ok && v != "" {
		lines = append(lines, "Video: "+v)
	}
	if v, ok := qc["video_url"].(string); ok && v != "" {
		lines = append(lines, "Source: "+v)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Video Context:\n" + strings.Join(lines, "\n")
}

// buildPrompt assembles the single-string prompt used by completion-style
// providers.
func buildPrompt(question string, qc QueryContext) string {
	parts := []string{"SYSTEM: " + systemPrompt}
	if block := contextBlock(qc); block != "" {
		parts = append(parts, "\n"+block)
	}
	parts = append(parts, "\nUSER: "+question, "\nASSISTANT:")
	return strings.Join(parts, "\n")
}

// providerError wraps a provider failure with its name for logging.
func providerError(name string, err error) error {
	return fmt.Errorf("provider %s: %w", name, err)
}
