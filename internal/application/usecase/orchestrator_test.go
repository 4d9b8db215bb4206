package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/service"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/persistence"
	"github.com/Kepler9870u0987/triage-inference-layer/pkg/errors"
)

// scriptedGateway replays one GenerateResponse/error pair per call, in
// order. Mirrors the fake used in the domain service tests; kept local
// since it is unexported there.
type scriptedGateway struct {
	responses []service.GenerateResponse
	errs      []error
	calls     int
}

func (g *scriptedGateway) Generate(ctx context.Context, req service.GenerateRequest) (service.GenerateResponse, error) {
	i := g.calls
	g.calls++
	if i >= len(g.responses) {
		return service.GenerateResponse{}, &service.GatewayError{Kind: service.GatewayGeneration, Message: "out of script"}
	}
	var err error
	if i < len(g.errs) {
		err = g.errs[i]
	}
	return g.responses[i], err
}

func (g *scriptedGateway) HealthCheck(ctx context.Context) bool { return true }
func (g *scriptedGateway) ModelInfo(ctx context.Context, model string) (map[string]interface{}, error) {
	return nil, nil
}

type passSchemaChecker struct{}

func (passSchemaChecker) Validate(doc interface{}) []service.SchemaViolation { return nil }

func validTriageResponseJSON() string {
	return `{
		"dictionaryVersion": 1,
		"sentiment": {"value": "neutral", "confidence": 0.8},
		"priority": {"value": "medium", "confidence": 0.8, "signals": ["x"]},
		"topics": [{
			"labelId": "FATTURAZIONE",
			"confidence": 0.9,
			"keywordsInText": [{"candidateId": "cand-1", "lemma": "invoice", "count": 1}],
			"evidence": [{"quote": "send the invoice"}]
		}]
	}`
}

func testRequest() entity.TriageRequest {
	return entity.TriageRequest{
		Email: entity.EmailDocument{
			UID:  "uid-orch-1",
			Body: "send the invoice please",
		},
		Candidates: []entity.CandidateKeyword{
			{CandidateID: "cand-1", Term: "invoice", Lemma: "invoice", Score: 0.9},
		},
		DictionaryVersion: 1,
	}
}

// testOrchestrator wires a real RetryEngine (scripted gateway, always-pass
// schema) and a real Store pointed at an address nothing listens on, so
// every Redis call fails fast and the store's best-effort semantics (log +
// swallow) apply, exactly as they would if Redis were briefly unavailable
// in production.
func testOrchestrator(t *testing.T, gw service.Gateway, cfg OrchestratorConfig) *Orchestrator {
	t.Helper()
	logger := zap.NewNop()
	assembler := service.NewPromptAssembler(service.DefaultAssemblerConfig(), map[string]interface{}{})
	pipeline := service.NewValidationPipeline(service.DefaultPipelineConfig(), passSchemaChecker{})
	engineCfg := service.DefaultRetryEngineConfig()
	engineCfg.BackoffBase = 0
	engine := service.NewRetryEngine(engineCfg, assembler, gw, pipeline, logger)

	store := persistence.NewStore(persistence.StoreConfig{
		Addr:      "127.0.0.1:1",
		ResultTTL: time.Minute,
	}, nil, logger)

	return NewOrchestrator(cfg, engine, store, logger)
}

func TestOrchestratorTriageSyncSuccess(t *testing.T) {
	gw := &scriptedGateway{responses: []service.GenerateResponse{
		{Content: validTriageResponseJSON(), FinishReason: "stop"},
	}}
	o := testOrchestrator(t, gw, OrchestratorConfig{})

	result, err := o.Triage(context.Background(), testRequest(), entity.PipelineVersion{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RequestUID != "uid-orch-1" {
		t.Errorf("RequestUID = %q, want uid-orch-1", result.RequestUID)
	}
	if result.RetriesUsed != 0 {
		t.Errorf("RetriesUsed = %d, want 0", result.RetriesUsed)
	}
}

func TestOrchestratorTriageSyncRetryExhaustedPropagates(t *testing.T) {
	gw := &scriptedGateway{responses: []service.GenerateResponse{
		{Content: "bad"}, {Content: "bad"}, {Content: "bad"},
		{Content: "bad"}, {Content: "bad"}, {Content: "bad"},
	}}
	o := testOrchestrator(t, gw, OrchestratorConfig{})

	result, err := o.Triage(context.Background(), testRequest(), entity.PipelineVersion{})
	if result != nil {
		t.Fatal("expected no result on total exhaustion")
	}
	if !service.IsRetryExhausted(err) {
		t.Fatalf("expected RetryExhausted, got %v", err)
	}
}

func TestOrchestratorSubmitBatchRejectsOversizedBatch(t *testing.T) {
	o := testOrchestrator(t, &scriptedGateway{}, OrchestratorConfig{BatchMaxSize: 2})

	_, err := o.SubmitBatch(context.Background(), []entity.TriageRequest{testRequest(), testRequest(), testRequest()}, entity.PipelineVersion{})
	if err == nil {
		t.Fatal("expected an error for a batch exceeding BatchMaxSize")
	}
	if !errors.IsInvalidInput(err) {
		t.Fatalf("expected an invalid-input error, got %v", err)
	}
}

func TestOrchestratorSubmitBatchRunsJobsAsynchronously(t *testing.T) {
	gw := &scriptedGateway{responses: []service.GenerateResponse{
		{Content: validTriageResponseJSON(), FinishReason: "stop"},
	}}
	o := testOrchestrator(t, gw, OrchestratorConfig{WorkerConcurrency: 1, BatchMaxSize: 10})

	batch, err := o.SubmitBatch(context.Background(), []entity.TriageRequest{testRequest()}, entity.PipelineVersion{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.JobIDs) != 1 {
		t.Fatalf("expected 1 job id, got %d", len(batch.JobIDs))
	}

	jobID := batch.JobIDs[0]
	deadline := time.Now().Add(2 * time.Second)
	var state JobState
	var result *entity.TriageResult
	for time.Now().Before(deadline) {
		state, result, err = o.JobStatus(jobID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state == JobSuccess || state == JobFailure {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if state != JobSuccess {
		t.Fatalf("job state = %v, want SUCCESS", state)
	}
	if result == nil || result.RequestUID != "uid-orch-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestOrchestratorAsyncJobReportsFailureOnExhaustion(t *testing.T) {
	gw := &scriptedGateway{responses: []service.GenerateResponse{
		{Content: "bad"}, {Content: "bad"}, {Content: "bad"},
		{Content: "bad"}, {Content: "bad"}, {Content: "bad"},
	}}
	o := testOrchestrator(t, gw, OrchestratorConfig{WorkerConcurrency: 1, BatchMaxSize: 10})

	batch, err := o.SubmitBatch(context.Background(), []entity.TriageRequest{testRequest()}, entity.PipelineVersion{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	jobID := batch.JobIDs[0]
	deadline := time.Now().Add(2 * time.Second)
	var state JobState
	var jobErr error
	for time.Now().Before(deadline) {
		state, _, jobErr = o.JobStatus(jobID)
		if state == JobSuccess || state == JobFailure {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if state != JobFailure {
		t.Fatalf("job state = %v, want FAILURE after ladder exhaustion", state)
	}
	if !service.IsRetryExhausted(jobErr) {
		t.Fatalf("job error = %v, want RetryExhausted", jobErr)
	}
}

func TestOrchestratorJobStatusUnknownJobErrors(t *testing.T) {
	o := testOrchestrator(t, &scriptedGateway{}, OrchestratorConfig{})
	_, _, err := o.JobStatus("does-not-exist")
	if err == nil {
		t.Fatal("expected an error for an unknown job id")
	}
	if !errors.IsNotFound(err) {
		t.Fatalf("expected a not-found error, got %v", err)
	}
}
