package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/service"
)

// GatewayConfig configures the HTTP transport to a constrained-JSON LLM
// server. The gateway is Ollama-style by default but is swappable with any
// backend that speaks the same request/response shape; nothing above this
// package depends on which one is wired in.
type GatewayConfig struct {
	BaseURL          string
	RequestTimeout   time.Duration
	MaxNetRetries    int
	CircuitThreshold int
	CircuitRecovery  time.Duration
}

// DefaultGatewayConfig returns the canonical defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		RequestTimeout:   60 * time.Second,
		MaxNetRetries:    3,
		CircuitThreshold: 5,
		CircuitRecovery:  30 * time.Second,
	}
}

// Gateway is an Ollama-style HTTP client implementing
// service.Gateway. It never parses or validates the model's response
// content; it only distinguishes connection, timeout, model-not-available,
// and generation failure kinds. Connection-level retries with exponential
// backoff are entirely internal and opaque to the Retry Engine.
type Gateway struct {
	cfg     GatewayConfig
	client  *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewGateway constructs the gateway with a pooled HTTP client (keep-alive
// 30s, max 10 connections), safe for concurrent callers.
func NewGateway(cfg GatewayConfig, logger *zap.Logger) *Gateway {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Gateway{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitRecovery),
		logger:  logger.With(zap.String("component", "llm-gateway")),
	}
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaRequest struct {
	Prompt  string                 `json:"prompt"`
	Model   string                 `json:"model"`
	Options ollamaOptions          `json:"options"`
	Format  map[string]interface{} `json:"format,omitempty"`
	Stream  bool                   `json:"stream"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	TotalDuration   int64  `json:"total_duration"`
	EvalCount       int    `json:"eval_count"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	CreatedAt       string `json:"created_at"`
}

// Generate implements service.Gateway.
func (g *Gateway) Generate(ctx context.Context, req service.GenerateRequest) (service.GenerateResponse, error) {
	if !g.breaker.Allow() {
		return service.GenerateResponse{}, &service.GatewayError{
			Kind:    service.GatewayConnection,
			Message: "circuit breaker open",
		}
	}

	body := ollamaRequest{
		Prompt: req.Prompt,
		Model:  req.Model,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
			TopP:        req.TopP,
			Seed:        req.Seed,
			Stop:        req.StopSequences,
		},
		Format: req.FormatSchema,
		Stream: false,
	}

	var last error
	for attempt := 0; attempt < maxInt(g.cfg.MaxNetRetries, 1); attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return service.GenerateResponse{}, service.ErrCancelled
			}
		}

		start := time.Now()
		resp, err := g.doRequest(ctx, body)
		latency := time.Since(start)

		if err == nil {
			g.breaker.RecordSuccess()
			return g.toResponse(resp, latency), nil
		}

		if errors.Is(err, service.ErrCancelled) {
			return service.GenerateResponse{}, service.ErrCancelled
		}
		g.breaker.RecordFailure()

		// Only connection-class failures are retried internally; everything
		// else surfaces to the caller as-is.
		gwErr, ok := err.(*service.GatewayError)
		if ok && gwErr.Kind != service.GatewayConnection && gwErr.Kind != service.GatewayTimeout {
			return service.GenerateResponse{}, gwErr
		}

		last = err
	}
	return service.GenerateResponse{}, last
}

func (g *Gateway) doRequest(ctx context.Context, body ollamaRequest) (*ollamaResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &service.GatewayError{Kind: service.GatewayGeneration, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, &service.GatewayError{Kind: service.GatewayConnection, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, service.ErrCancelled
		case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
			return nil, &service.GatewayError{Kind: service.GatewayTimeout, Message: "request timed out", Err: err}
		}
		return nil, &service.GatewayError{Kind: service.GatewayConnection, Message: "connection failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &service.GatewayError{Kind: service.GatewayGeneration, Message: "read response body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &service.GatewayError{Kind: service.GatewayModelNotAvailable, Message: fmt.Sprintf("model %q not available", body.Model)}
	case resp.StatusCode >= 500 || len(raw) == 0:
		return nil, &service.GatewayError{Kind: service.GatewayGeneration, Message: fmt.Sprintf("server error (status %d)", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &service.GatewayError{Kind: service.GatewayGeneration, Message: fmt.Sprintf("client error (status %d)", resp.StatusCode)}
	}

	var out ollamaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &service.GatewayError{Kind: service.GatewayGeneration, Message: "decode response", Err: err}
	}
	return &out, nil
}

func (g *Gateway) toResponse(resp *ollamaResponse, latency time.Duration) service.GenerateResponse {
	finish := "stop"
	switch resp.DoneReason {
	case "length":
		finish = "length"
	case "":
		if !resp.Done {
			finish = "incomplete"
		}
	}

	out := service.GenerateResponse{
		Content:      resp.Response,
		ModelVersion: resp.Model,
		FinishReason: finish,
		LatencyMs:    latency.Milliseconds(),
		RawMeta: map[string]interface{}{
			"totalDurationNs": resp.TotalDuration,
		},
	}
	if resp.EvalCount > 0 {
		v := resp.EvalCount
		out.CompletionTokens = &v
	}
	if resp.PromptEvalCount > 0 {
		v := resp.PromptEvalCount
		out.PromptTokens = &v
	}
	return out
}

// HealthCheck implements service.Gateway.
func (g *Gateway) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ModelInfo implements service.Gateway, backing the audit trail's model
// introspection via Ollama's /api/show equivalent.
func (g *Gateway) ModelInfo(ctx context.Context, model string) (map[string]interface{}, error) {
	payload, _ := json.Marshal(map[string]string{"name": model})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/api/show", bytes.NewReader(payload))
	if err != nil {
		return nil, &service.GatewayError{Kind: service.GatewayConnection, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &service.GatewayError{Kind: service.GatewayConnection, Message: "connection failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &service.GatewayError{Kind: service.GatewayModelNotAvailable, Message: fmt.Sprintf("model %q not available", model)}
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &service.GatewayError{Kind: service.GatewayGeneration, Message: "decode modelInfo response", Err: err}
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
