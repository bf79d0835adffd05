// Package llm generates reply text for a completed user utterance. It
// models the fallback chain the spec describes (a localized primary
// endpoint, falling back to a general endpoint) as an ordered list of
// Strategy values, the same "one capability, many backends" shape as
// team-hashing-lokutor-orchestrator's LLMProvider interface, with HTTP
// bodies shaped like the teacher's services/openai/llm.go and
// services/gemini/llm.go (both plain JSON POST, not an SDK).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/square-key-labs/voicegw/src/logger"
)

const maxReplyTokens = 220

// Strategy generates reply text for a single user utterance given the
// assembled system instructions.
type Strategy interface {
	Name() string
	GenerateReply(ctx context.Context, instructions, userText string) (string, error)
}

// HTTPStrategy POSTs {instructions, user_text, max_tokens} to a fixed
// endpoint and expects {"text": "..."} back.
type HTTPStrategy struct {
	name       string
	url        string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPStrategy(name, url, apiKey string) *HTTPStrategy {
	return &HTTPStrategy{
		name:       name,
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 8 * time.Second},
	}
}

func (h *HTTPStrategy) Name() string { return h.name }

type replyRequest struct {
	Instructions string `json:"instructions"`
	UserText     string `json:"user_text"`
	MaxTokens    int    `json:"max_tokens"`
}

type replyResponse struct {
	Text string `json:"text"`
}

func (h *HTTPStrategy) GenerateReply(ctx context.Context, instructions, userText string) (string, error) {
	body, err := json.Marshal(replyRequest{
		Instructions: instructions,
		UserText:     userText,
		MaxTokens:    maxReplyTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm %s: marshal request: %w", h.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm %s: build request: %w", h.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm %s: transport error: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm %s: upstream returned %d", h.name, resp.StatusCode)
	}

	var out replyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm %s: decode response: %w", h.name, err)
	}
	return out.Text, nil
}

// Chain tries each Strategy in order, short-circuiting on the first
// one to return non-empty text. If every strategy fails or returns
// empty, ApologyText is returned instead — the reply text is never
// left empty, per spec §4.4/§7 llm_upstream_failed.
type Chain struct {
	Strategies  []Strategy
	ApologyText string
	log         *logger.Logger
}

func NewChain(apology string, strategies ...Strategy) *Chain {
	return &Chain{
		Strategies:  strategies,
		ApologyText: apology,
		log:         logger.WithPrefix("llm"),
	}
}

func (c *Chain) GenerateReply(ctx context.Context, instructions, userText string) string {
	for _, s := range c.Strategies {
		text, err := s.GenerateReply(ctx, instructions, userText)
		if err != nil {
			c.log.Warn("%s failed, trying next strategy: %v", s.Name(), err)
			continue
		}
		if text != "" {
			return text
		}
		c.log.Warn("%s returned empty text, trying next strategy", s.Name())
	}
	return c.ApologyText
}
