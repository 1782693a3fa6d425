// Package reasoning is the client for the external inference service.
// The service is an opaque text-completion capability; this package only
// handles transport, rate control and structured-output decoding.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/circuitbreaker"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/config"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
	"github.com/beacon-analytics/beacon/go/orchestrator/internal/tracing"
)

// Request is one completion call.
type Request struct {
	Stage        string `json:"stage"` // which pipeline stage is asking, for routing/metrics
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	JSONMode     bool   `json:"json_mode"` // ask for parseable structured output
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// Result is the service's answer.
type Result struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
}

// Completer is the reasoning-service collaborator contract consumed by
// the pipeline stages.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Client is the HTTP implementation of Completer. Calls are rate-limited
// client-side and guarded by a circuit breaker so a dead service
// degrades into the stages' soft-failure fallbacks quickly.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

// NewClient builds a client from configuration.
func NewClient(cfg config.ReasoningConfig, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rpm := cfg.RequestsPerMin
	if rpm <= 0 {
		rpm = 120
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		breaker: circuitbreaker.New("reasoning", circuitbreaker.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Complete issues one completion call.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var out *Result
	start := time.Now()
	err := c.breaker.Execute(ctx, func() error {
		var err error
		out, err = c.doComplete(ctx, req)
		return err
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordReasoningCall(req.Stage, status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doComplete(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reasoning.complete")
	defer span.End()

	payload := map[string]interface{}{
		"prompt": req.Prompt,
		"stage":  req.Stage,
	}
	if req.SystemPrompt != "" {
		payload["system_prompt"] = req.SystemPrompt
	}
	if req.JSONMode {
		payload["response_format"] = "json"
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	body, _ := json.Marshal(payload)

	url := c.baseURL + "/v1/complete"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("reasoning service call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reasoning service returned %d", resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode reasoning response: %w", err)
	}
	return &out, nil
}
