package service

import (
	"context"
	"time"
)

// GenerateRequest is the Retry Engine's view of one LLM Gateway call. It is
// opaque to the response content: the gateway never parses or validates
// Content itself, only the Validation Pipeline does.
type GenerateRequest struct {
	Prompt        string
	Model         string
	Temperature   float64
	MaxTokens     int
	FormatSchema  map[string]interface{}
	Stream        bool
	StopSequences []string
	TopP          *float64
	Seed          *int
}

// GenerateResponse is the Gateway's normalized reply, independent of which
// concrete backend (Ollama-style, SGLang-style, ...) produced it.
type GenerateResponse struct {
	Content          string
	ModelVersion     string
	FinishReason     string // stop, length, error, incomplete
	PromptTokens     *int
	CompletionTokens *int
	LatencyMs        int64
	CreatedAt        *time.Time
	RawMeta          map[string]interface{}
}

// Gateway is the capability interface to the LLM backend: generate,
// healthCheck, modelInfo.
// Connection-level retries are internal to the implementation and opaque to
// the Retry Engine; only GatewayError values that survive those retries are
// ever seen here.
type Gateway interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	HealthCheck(ctx context.Context) bool
	ModelInfo(ctx context.Context, model string) (map[string]interface{}, error)
}
