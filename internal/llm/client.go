// Package llm resolves ambiguous product fields through an
// OpenAI-compatible provider, behind a cache, per-roaster rate limits,
// a global daily budget, and a circuit breaker.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/roastwatch/roastwatch/internal/errs"
)

// ChatClient is the provider seam. Tests substitute a fake; production
// uses the OpenAI-compatible HTTP client below.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (ChatResponse, error)
}

// ChatResponse is the provider's answer to one completion request.
type ChatResponse struct {
	Text       string
	TokensUsed int
}

// ClientConfig configures the HTTP chat client.
type ClientConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Defaults fills unset fields.
func (c *ClientConfig) Defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 200
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// HTTPClient talks to an OpenAI-compatible chat/completions endpoint.
type HTTPClient struct {
	cfg  ClientConfig
	http *http.Client
}

// NewHTTPClient builds the provider client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	cfg.Defaults()
	return &HTTPClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatCompletion struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends one chat completion. 429 maps to the LLM rate-limit
// kind with any Retry-After honored; 5xx to the provider kind as
// transient via retry classification upstream.
func (c *HTTPClient) Complete(ctx context.Context, system, user string) (ChatResponse, error) {
	const op = "llm.complete"

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:      c.cfg.MaxTokens,
		Temperature:    c.cfg.Temperature,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return ChatResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return ChatResponse{}, errs.E(errs.KindLLMProvider, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		e := errs.E(errs.KindLLMRateLimit, op, fmt.Errorf("provider rate limited"))
		e.Status = resp.StatusCode
		if d := errs.RetryAfterOf(errs.FromStatus(op, resp.StatusCode, resp.Header)); d > 0 {
			e.RetryAfter = d
		}
		return ChatResponse{}, e
	}
	if resp.StatusCode >= 400 {
		kind := errs.KindLLMProvider
		if resp.StatusCode >= 500 {
			kind = errs.KindTransient
		}
		e := errs.E(kind, op, fmt.Errorf("provider status %d", resp.StatusCode))
		e.Status = resp.StatusCode
		return ChatResponse{}, e
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ChatResponse{}, errs.E(errs.KindLLMProvider, op, err)
	}
	var cc chatCompletion
	if err := json.Unmarshal(raw, &cc); err != nil {
		return ChatResponse{}, errs.E(errs.KindLLMProvider, op, fmt.Errorf("decode completion: %w", err))
	}
	if len(cc.Choices) == 0 {
		return ChatResponse{}, errs.E(errs.KindLLMProvider, op, fmt.Errorf("empty completion"))
	}
	return ChatResponse{Text: cc.Choices[0].Message.Content, TokensUsed: cc.Usage.TotalTokens}, nil
}
