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

// ChatCompletions talks to any OpenAI-compatible chat completions endpoint.
// It serves as the hosted fallback when the local model is down.
type ChatCompletions struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewChatCompletions creates a chat completions provider. baseURL should
// include the API version prefix, for example https://api.example.com/v1.
func NewChatCompletions(baseURL, apiKey, model string, timeout time.Duration) *ChatCompletions {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChatCompletions{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *ChatCompletions) Name() string { return "cloud" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *ChatCompletions) Answer(ctx context.Context, question string, qc QueryContext) (string, error) {
	user := question
	if block := contextBlock(qc); block != "" {
		user = block + "\n\n" + question
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: 0.4,
	})
	if err != nil {
		return "", providerError(c.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", providerError(c.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", providerError(c.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", providerError(c.Name(), fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", providerError(c.Name(), err)
	}
	if len(out.Choices) == 0 {
		return "", providerError(c.Name(), fmt.Errorf("no choices in response"))
	}
	answer := strings.TrimSpace(out.Choices[0].Message.Content)
	if answer == "" {
		return "", providerError(c.Name(), fmt.Errorf("empty response"))
	}
	return answer, nil
}
