package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
)

// LadderState is one rung of the three-strategy escalation ladder. The
// state machine is a strict linear progression: a state either retries in
// place, or advances to the next state, or the whole ladder terminates.
type LadderState int

const (
	LadderStandard LadderState = iota
	LadderShrink
	LadderFallback
	ladderDone
)

func (s LadderState) strategy() entity.RetryStrategy {
	switch s {
	case LadderStandard:
		return entity.StrategyStandard
	case LadderShrink:
		return entity.StrategyShrink
	case LadderFallback:
		return entity.StrategyFallback
	}
	return ""
}

// RetryEngineConfig carries the ladder's per-state attempt budgets and
// backoff base.
type RetryEngineConfig struct {
	MaxRetries     int // standard-state attempt budget, default 3
	BackoffBase    float64
	FallbackModels []string
	PrimaryModel   string
	Temperature    float64
	MaxTokens      int
}

// DefaultRetryEngineConfig returns the canonical defaults.
func DefaultRetryEngineConfig() RetryEngineConfig {
	return RetryEngineConfig{
		MaxRetries:  3,
		BackoffBase: 2.0,
		Temperature: 0.1,
		MaxTokens:   2048,
	}
}

func (c RetryEngineConfig) maxAttemptsFor(state LadderState) int {
	switch state {
	case LadderStandard:
		if c.MaxRetries <= 0 {
			return 1
		}
		return c.MaxRetries
	case LadderShrink:
		return 2
	case LadderFallback:
		if len(c.FallbackModels) == 0 {
			return 1
		}
		return len(c.FallbackModels)
	}
	return 0
}

// RetryEngine drives the ladder Standard -> Shrink -> Fallback,
// invoking the Prompt Assembler and LLM Gateway each attempt and handing the
// raw content to the Validation Pipeline. It holds no state across requests
// beyond its injected collaborators, which are process-scoped singletons.
type RetryEngine struct {
	mu        sync.RWMutex
	cfg       RetryEngineConfig
	assembler *PromptAssembler
	gateway   Gateway
	pipeline  *ValidationPipeline
	logger    *zap.Logger
}

// NewRetryEngine wires the three collaborating components together.
func NewRetryEngine(cfg RetryEngineConfig, assembler *PromptAssembler, gateway Gateway, pipeline *ValidationPipeline, logger *zap.Logger) *RetryEngine {
	return &RetryEngine{
		cfg:       cfg,
		assembler: assembler,
		gateway:   gateway,
		pipeline:  pipeline,
		logger:    logger.With(zap.String("component", "retry-engine")),
	}
}

// UpdateConfig replaces the ladder's attempt budgets, backoff base, and
// fallback-model list in place, under a write lock, so the hot-reload
// Watcher can push new values without reconstructing the engine or
// disturbing any request currently mid-ladder (Run snapshots cfg once at
// the top of each call).
func (e *RetryEngine) UpdateConfig(cfg RetryEngineConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

func (e *RetryEngine) snapshotConfig() RetryEngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Config returns the engine's current configuration, for callers (the
// hot-reload Watcher) that need to read-modify-write a subset of it.
func (e *RetryEngine) Config() RetryEngineConfig {
	return e.snapshotConfig()
}

// Run drives the ladder for one request to completion: success, a
// non-validation GatewayError bubbling up unchanged, RetryExhausted, or
// ctx cancellation.
func (e *RetryEngine) Run(ctx context.Context, req entity.TriageRequest) (*entity.EmailTriageResponse, entity.RetryMetadata, []string, error) {
	cfg := e.snapshotConfig()
	applyRequestOverrides(&cfg, req.ConfigOverrides)
	start := time.Now()
	meta := entity.RetryMetadata{}
	var lastValidationErr *ValidationError
	fallbackCursor := 0

	state := LadderStandard
	for state != ladderDone {
		strategy := state.strategy()
		if !containsStrategy(meta.StrategiesUsed, strategy) {
			meta.StrategiesUsed = append(meta.StrategiesUsed, strategy)
		}

		maxAttempts := cfg.maxAttemptsFor(state)

		for attemptInState := 1; attemptInState <= maxAttempts; attemptInState++ {
			if err := ctx.Err(); err != nil {
				return nil, meta, nil, ErrCancelled
			}

			if attemptInState > 1 {
				if err := e.backoff(ctx, cfg.BackoffBase, attemptInState); err != nil {
					return nil, meta, nil, ErrCancelled
				}
			}

			mode := ModeNormal
			if state == LadderShrink {
				mode = ModeShrink
			}

			model := cfg.PrimaryModel
			if state == LadderFallback {
				if len(cfg.FallbackModels) == 0 {
					model = cfg.PrimaryModel
				} else {
					model = cfg.FallbackModels[fallbackCursor%len(cfg.FallbackModels)]
					fallbackCursor++
				}
			}

			systemPrompt, userPrompt, schema, assemblyMeta := e.assembler.Assemble(req, mode)
			meta.TotalAttempts++

			genStart := time.Now()
			resp, err := e.gateway.Generate(ctx, GenerateRequest{
				Prompt:       systemPrompt + "\n\n" + userPrompt,
				Model:        model,
				Temperature:  cfg.Temperature,
				MaxTokens:    cfg.MaxTokens,
				FormatSchema: schema,
			})
			latency := time.Since(genStart)

			if err != nil {
				if state == LadderFallback && IsModelNotAvailable(err) {
					// That specific fallback entry is skipped; cycle to the
					// next without counting this as a validation failure.
					continue
				}
				// Any non-ValidationError is rethrown unchanged.
				return nil, meta, nil, err
			}

			validated, warnings, verr := e.pipeline.Validate(resp.Content, req)
			if verr != nil {
				ve, ok := AsValidationError(verr)
				if !ok {
					return nil, meta, nil, verr
				}
				lastValidationErr = ve
				meta.ValidationFailures = append(meta.ValidationFailures, entity.ValidationFailureDetail{
					Stage:    string(ve.Kind),
					Attempt:  meta.TotalAttempts,
					Strategy: strategy,
					Kind:     string(ve.Kind),
					Details:  ve.Details,
				})
				continue
			}

			meta.FinalStrategy = strategy
			meta.TotalLatencyMs = time.Since(start).Milliseconds()
			meta.LLMMetadata = entity.LLMMetadata{
				Model:             model,
				ModelVersion:      resp.ModelVersion,
				LatencyMs:         latency.Milliseconds(),
				AttemptNumber:     meta.TotalAttempts,
				FinishReason:      resp.FinishReason,
				TruncationApplied: assemblyMeta.TruncationApplied,
				CandidateCount:    assemblyMeta.CandidateCount,
			}
			if resp.FinishReason == "length" {
				warnings = append(warnings, "response may be truncated by the model (finishReason=length)")
			}
			return validated, meta, warnings, nil
		}

		state = nextState(state)
	}

	meta.TotalLatencyMs = time.Since(start).Milliseconds()
	return nil, meta, nil, &RetryExhausted{LastValidationError: lastValidationErr}
}

// applyRequestOverrides layers a request's optional ConfigOverrides onto a
// snapshotted cfg. Nil fields leave the process default untouched; the
// shrink and fallback attempt budgets are unaffected, only the standard
// budget scales with MaxRetries.
func applyRequestOverrides(cfg *RetryEngineConfig, overrides *entity.ConfigOverrides) {
	if overrides == nil {
		return
	}
	if overrides.Temperature != nil {
		cfg.Temperature = *overrides.Temperature
	}
	if overrides.MaxTokens != nil {
		cfg.MaxTokens = *overrides.MaxTokens
	}
	if overrides.MaxRetries != nil {
		cfg.MaxRetries = *overrides.MaxRetries
	}
}

func nextState(s LadderState) LadderState {
	switch s {
	case LadderStandard:
		return LadderShrink
	case LadderShrink:
		return LadderFallback
	case LadderFallback:
		return ladderDone
	}
	return ladderDone
}

func containsStrategy(list []entity.RetryStrategy, s entity.RetryStrategy) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// backoff sleeps base^attemptInState seconds, aborting early if ctx is
// cancelled or its deadline would be exceeded by the sleep.
func (e *RetryEngine) backoff(ctx context.Context, base float64, attemptInState int) error {
	d := time.Duration(math.Pow(base, float64(attemptInState))) * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) < d {
			return fmt.Errorf("retry-engine: backoff would exceed deadline")
		}
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
