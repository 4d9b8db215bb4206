package service

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
)

// scriptedGateway replays one GenerateResponse/error pair per call, in
// order, and reports how many calls it received and which models were used.
type scriptedGateway struct {
	responses []scriptedCall
	calls     int
	models    []string
	requests  []GenerateRequest
}

type scriptedCall struct {
	resp GenerateResponse
	err  error
}

func (g *scriptedGateway) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	g.models = append(g.models, req.Model)
	g.requests = append(g.requests, req)
	if g.calls >= len(g.responses) {
		return GenerateResponse{}, &GatewayError{Kind: GatewayGeneration, Message: "scriptedGateway ran out of responses"}
	}
	call := g.responses[g.calls]
	g.calls++
	return call.resp, call.err
}

func (g *scriptedGateway) HealthCheck(ctx context.Context) bool { return true }
func (g *scriptedGateway) ModelInfo(ctx context.Context, model string) (map[string]interface{}, error) {
	return nil, nil
}

func testEngine(t *testing.T, gw Gateway, cfg RetryEngineConfig) *RetryEngine {
	t.Helper()
	assembler := NewPromptAssembler(DefaultAssemblerConfig(), map[string]interface{}{})
	pipeline := NewValidationPipeline(DefaultPipelineConfig(), fakeSchemaChecker{})
	return NewRetryEngine(cfg, assembler, gw, pipeline, zap.NewNop())
}

func testTriageRequest() entity.TriageRequest {
	return entity.TriageRequest{
		Email: entity.EmailDocument{
			UID:  "uid-1",
			Body: "Please send the invoice for order 42 as soon as possible.",
		},
		Candidates: []entity.CandidateKeyword{
			{CandidateID: "cand-1", Term: "invoice", Lemma: "invoice", Score: 0.9},
		},
		DictionaryVersion: 3,
	}
}

func TestRetryEngineHappyPathNoRetries(t *testing.T) {
	gw := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: validResponseJSON(), FinishReason: "stop"}},
	}}
	engine := testEngine(t, gw, DefaultRetryEngineConfig())

	resp, meta, warnings, err := engine.Run(context.Background(), testTriageRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response")
	}
	if meta.TotalAttempts != 1 {
		t.Errorf("TotalAttempts = %d, want 1", meta.TotalAttempts)
	}
	if meta.FinalStrategy != entity.StrategyStandard {
		t.Errorf("FinalStrategy = %v, want standard", meta.FinalStrategy)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestRetryEngineInvalidJSONThenValidSucceedsInStandard(t *testing.T) {
	cfg := DefaultRetryEngineConfig()
	cfg.BackoffBase = 0 // keep the test instant
	gw := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: "not json at all", FinishReason: "stop"}},
		{resp: GenerateResponse{Content: validResponseJSON(), FinishReason: "stop"}},
	}}
	engine := testEngine(t, gw, cfg)

	resp, meta, _, err := engine.Run(context.Background(), testTriageRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response on the second attempt")
	}
	if meta.TotalAttempts != 2 {
		t.Errorf("TotalAttempts = %d, want 2", meta.TotalAttempts)
	}
	if len(meta.ValidationFailures) != 1 {
		t.Errorf("expected one recorded validation failure, got %d", len(meta.ValidationFailures))
	}
}

func TestRetryEngineHallucinatedCandidateEscalatesThroughLadder(t *testing.T) {
	cfg := DefaultRetryEngineConfig()
	cfg.BackoffBase = 0
	cfg.MaxRetries = 1 // standard gets exactly one shot before escalating

	hallucinated := `{
		"dictionaryVersion": 3,
		"sentiment": {"value": "neutral", "confidence": 0.8},
		"priority": {"value": "medium", "confidence": 0.8, "signals": ["x"]},
		"topics": [{
			"labelId": "FATTURAZIONE",
			"confidence": 0.9,
			"keywordsInText": [{"candidateId": "not-a-real-candidate", "lemma": "ghost", "count": 1}],
			"evidence": [{"quote": "send the invoice"}]
		}]
	}`

	gw := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: hallucinated, FinishReason: "stop"}}, // standard attempt 1: fails
		{resp: GenerateResponse{Content: validResponseJSON(), FinishReason: "stop"}}, // shrink attempt 1: succeeds
	}}
	engine := testEngine(t, gw, cfg)

	resp, meta, _, err := engine.Run(context.Background(), testTriageRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response after escalating to shrink mode")
	}
	if meta.FinalStrategy != entity.StrategyShrink {
		t.Errorf("FinalStrategy = %v, want shrink", meta.FinalStrategy)
	}
	if len(meta.StrategiesUsed) != 2 || meta.StrategiesUsed[0] != entity.StrategyStandard || meta.StrategiesUsed[1] != entity.StrategyShrink {
		t.Errorf("StrategiesUsed = %v, want [standard shrink]", meta.StrategiesUsed)
	}
}

func TestRetryEngineTotalExhaustionReturnsRetryExhausted(t *testing.T) {
	cfg := DefaultRetryEngineConfig()
	cfg.BackoffBase = 0
	cfg.MaxRetries = 1

	bad := "not json at all"
	gw := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: bad}}, // standard: 1 attempt
		{resp: GenerateResponse{Content: bad}}, // shrink: 2 attempts
		{resp: GenerateResponse{Content: bad}},
		{resp: GenerateResponse{Content: bad}}, // fallback: no models configured -> 1 attempt
	}}
	engine := testEngine(t, gw, cfg)

	resp, meta, _, err := engine.Run(context.Background(), testTriageRequest())
	if resp != nil {
		t.Fatal("expected no response on total exhaustion")
	}
	if !IsRetryExhausted(err) {
		t.Fatalf("expected RetryExhausted, got %v", err)
	}
	if meta.TotalAttempts != 4 {
		t.Errorf("TotalAttempts = %d, want 4 (1 standard + 2 shrink + 1 fallback)", meta.TotalAttempts)
	}
}

func TestRetryEngineShrinkBudgetIsTwoAttempts(t *testing.T) {
	cfg := DefaultRetryEngineConfig()
	cfg.BackoffBase = 0
	cfg.MaxRetries = 1

	gw := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: "bad"}},                           // standard attempt 1
		{resp: GenerateResponse{Content: "bad"}},                           // shrink attempt 1
		{resp: GenerateResponse{Content: validResponseJSON(), FinishReason: "stop"}}, // shrink attempt 2: succeeds
	}}
	engine := testEngine(t, gw, cfg)

	resp, meta, _, err := engine.Run(context.Background(), testTriageRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response within shrink's two-attempt budget")
	}
	if meta.TotalAttempts != 3 {
		t.Errorf("TotalAttempts = %d, want 3", meta.TotalAttempts)
	}
}

func TestRetryEngineGatewayErrorBubblesUpUnchanged(t *testing.T) {
	cfg := DefaultRetryEngineConfig()
	gwErr := &GatewayError{Kind: GatewayConnection, Message: "connection refused"}
	gw := &scriptedGateway{responses: []scriptedCall{
		{err: gwErr},
	}}
	engine := testEngine(t, gw, cfg)

	_, _, _, err := engine.Run(context.Background(), testTriageRequest())
	ge, ok := AsGatewayError(err)
	if !ok || ge.Kind != GatewayConnection {
		t.Fatalf("expected GatewayConnection error to bubble up unchanged, got %v", err)
	}
}

func TestRetryEngineUpdateConfigTakesEffectOnNextRun(t *testing.T) {
	cfg := DefaultRetryEngineConfig()
	cfg.BackoffBase = 0
	cfg.MaxRetries = 1
	bad := "not json at all"
	gw := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: bad}},
		{resp: GenerateResponse{Content: bad}},
		{resp: GenerateResponse{Content: validResponseJSON(), FinishReason: "stop"}},
	}}
	engine := testEngine(t, gw, cfg)

	updated := engine.Config()
	updated.MaxRetries = 3
	engine.UpdateConfig(updated)

	if got := engine.Config().MaxRetries; got != 3 {
		t.Fatalf("Config().MaxRetries = %d after UpdateConfig, want 3", got)
	}

	// Under the old standard budget of 1 the third attempt would run in
	// shrink mode; under the updated budget of 3 it is still standard.
	_, meta, _, err := engine.Run(context.Background(), testTriageRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.FinalStrategy != entity.StrategyStandard {
		t.Errorf("FinalStrategy = %v, want standard under the updated MaxRetries", meta.FinalStrategy)
	}
}

func TestRetryEngineAppliesRequestConfigOverrides(t *testing.T) {
	cfg := DefaultRetryEngineConfig()
	cfg.BackoffBase = 0
	cfg.MaxRetries = 5 // process default: plenty of standard attempts
	gw := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: "not json at all"}},
		{resp: GenerateResponse{Content: validResponseJSON(), FinishReason: "stop"}},
	}}
	engine := testEngine(t, gw, cfg)

	overrideRetries := 1
	req := testTriageRequest()
	req.ConfigOverrides = &entity.ConfigOverrides{MaxRetries: &overrideRetries}

	_, meta, _, err := engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.FinalStrategy != entity.StrategyShrink || meta.TotalAttempts != 2 {
		t.Errorf("FinalStrategy = %v, TotalAttempts = %d, want shrink after 2 (override should cut standard to 1 attempt)", meta.FinalStrategy, meta.TotalAttempts)
	}

	overrideTemp := 0.7
	overrideTokens := 512
	req2 := testTriageRequest()
	req2.ConfigOverrides = &entity.ConfigOverrides{Temperature: &overrideTemp, MaxTokens: &overrideTokens}
	gw2 := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: validResponseJSON(), FinishReason: "stop"}},
	}}
	engine2 := testEngine(t, gw2, DefaultRetryEngineConfig())
	if _, _, _, err := engine2.Run(context.Background(), req2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw2.requests) != 1 {
		t.Fatalf("expected exactly one gateway call, got %d", len(gw2.requests))
	}
	if gw2.requests[0].Temperature != overrideTemp {
		t.Errorf("Temperature = %v, want override %v", gw2.requests[0].Temperature, overrideTemp)
	}
	if gw2.requests[0].MaxTokens != overrideTokens {
		t.Errorf("MaxTokens = %v, want override %v", gw2.requests[0].MaxTokens, overrideTokens)
	}
}

func TestRetryEngineFallbackSkipsModelNotAvailable(t *testing.T) {
	cfg := DefaultRetryEngineConfig()
	cfg.BackoffBase = 0
	cfg.MaxRetries = 1
	cfg.FallbackModels = []string{"model-a", "model-b"}

	gw := &scriptedGateway{responses: []scriptedCall{
		{resp: GenerateResponse{Content: "bad"}},                                    // standard
		{resp: GenerateResponse{Content: "bad"}},                                    // shrink attempt 1
		{resp: GenerateResponse{Content: "bad"}},                                    // shrink attempt 2
		{err: &GatewayError{Kind: GatewayModelNotAvailable, Message: "gone"}},       // fallback: model-a unavailable
		{resp: GenerateResponse{Content: validResponseJSON(), FinishReason: "stop"}}, // fallback: model-b succeeds
	}}
	engine := testEngine(t, gw, cfg)

	resp, meta, _, err := engine.Run(context.Background(), testTriageRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response after skipping the unavailable fallback model")
	}
	if meta.FinalStrategy != entity.StrategyFallback {
		t.Errorf("FinalStrategy = %v, want fallback", meta.FinalStrategy)
	}
	if len(gw.models) < 5 || gw.models[3] != "model-a" || gw.models[4] != "model-b" {
		t.Errorf("expected fallback models in round-robin order, got %v", gw.models)
	}
}
