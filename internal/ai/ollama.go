/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ollama talks to a local Ollama daemon over its generate endpoint. Small
// models answer fast enough for live classroom use.
type Ollama struct {
	url    string
	model  string
	client *http.Client
}

// NewOllama creates an Ollama provider. url is the daemon base URL, for
// example http://localhost:11434.
func NewOllama(url, model string, timeout time.Duration) *Ollama {
	if model == "" {
		model = "phi"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Ollama{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

// Answer sends the composed prompt to /api/generate and returns the model's
// text.
func (o *Ollama) Answer(ctx context.Context, question string, qc QueryContext) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:       o.model,
		Prompt:      buildPrompt(question, qc),
		Temperature: 0.4,
		Stream:      false,
	})
	if err != nil {
		return "", providerError(o.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", providerError(o.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", providerError(o.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", providerError(o.Name(), fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", providerError(o.Name(), err)
	}
	answer := strings.TrimSpace(out.Response)
	if answer == "" {
		return "", providerError(o.Name(), fmt.Errorf("empty response"))
	}
	return answer, nil
}

// Healthy probes the daemon's tag listing with a short deadline.
func (o *Ollama) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
