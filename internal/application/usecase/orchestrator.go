package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/service"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/persistence"
	"github.com/Kepler9870u0987/triage-inference-layer/pkg/errors"
	"github.com/Kepler9870u0987/triage-inference-layer/pkg/safego"
)

// JobState mirrors the task queue's job-state contract.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobStarted JobState = "STARTED"
	JobSuccess JobState = "SUCCESS"
	JobFailure JobState = "FAILURE"
	JobRetry   JobState = "RETRY"
)

type jobRecord struct {
	mu     sync.RWMutex
	state  JobState
	result *entity.TriageResult
	err    error
}

// OrchestratorConfig carries the worker pool's concurrency knobs and the
// batch size ceiling.
type OrchestratorConfig struct {
	WorkerConcurrency int
	BatchMaxSize      int
}

// Orchestrator is the single entry point for both synchronous and
// asynchronous triage. It owns the per-process singletons (the retry
// engine, which itself wraps the assembler, gateway, and pipeline)
// and a bounded in-process worker pool that stands in for an external task
// queue broker. Job coordination is one goroutine per job gated by a
// weighted semaphore, with successful results reachable through the Store's
// task:{jobId} key so they survive process restarts.
type Orchestrator struct {
	cfg    OrchestratorConfig
	engine *service.RetryEngine
	store  *persistence.Store
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*jobRecord
}

// NewOrchestrator wires the retry engine and store into a bounded worker
// pool. Heavy resources (assembler templates, schema, gateway client,
// validation pipeline) are constructed once by the caller and passed in via
// engine, then reused across every job.
func NewOrchestrator(cfg OrchestratorConfig, engine *service.RetryEngine, store *persistence.Store, logger *zap.Logger) *Orchestrator {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 4
	}
	if cfg.BatchMaxSize <= 0 {
		cfg.BatchMaxSize = 100
	}
	return &Orchestrator{
		cfg:    cfg,
		engine: engine,
		store:  store,
		sem:    semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		logger: logger.With(zap.String("component", "orchestrator")),
		jobs:   make(map[string]*jobRecord),
	}
}

// Triage is the synchronous entry point: it runs the retry ladder in-line
// and reports processingDurationMs measured around the entire invocation.
func (o *Orchestrator) Triage(ctx context.Context, req entity.TriageRequest, pv entity.PipelineVersion) (*entity.TriageResult, error) {
	start := time.Now()
	resp, meta, warnings, err := o.engine.Run(ctx, req)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		// RetryExhausted surfaces as a typed failure here; DLQ persistence
		// is the async worker path's job, not the synchronous caller's.
		return nil, err
	}

	result := entity.TriageResult{
		RequestUID:           req.Email.UID,
		Response:             *resp,
		PipelineVersion:      pv,
		Warnings:             warnings,
		RetriesUsed:          meta.TotalAttempts - 1,
		ProcessingDurationMs: duration,
		CreatedAt:            time.Now().UTC(),
	}
	o.store.SaveResult(ctx, result, "")
	return &result, nil
}

// SubmitBatchResult is returned by SubmitBatch: an opaque batch id and the
// per-request job ids, in request order.
type SubmitBatchResult struct {
	BatchID string
	JobIDs  []string
}

// SubmitBatch implements the asynchronous entry point: it enqueues one job
// per request and returns immediately. Batches over BatchMaxSize are
// rejected at this boundary with an invalid-input error (mapped to a client
// error by whatever surface calls in).
func (o *Orchestrator) SubmitBatch(ctx context.Context, requests []entity.TriageRequest, pv entity.PipelineVersion) (SubmitBatchResult, error) {
	if len(requests) > o.cfg.BatchMaxSize {
		return SubmitBatchResult{}, errors.NewInvalidInputError(fmt.Sprintf("batch of %d requests exceeds max size %d", len(requests), o.cfg.BatchMaxSize))
	}

	jobIDs := make([]string, len(requests))
	batchID := uuid.NewString()

	for i, req := range requests {
		jobID := uuid.NewString()
		jobIDs[i] = jobID

		rec := &jobRecord{state: JobPending}
		o.mu.Lock()
		o.jobs[jobID] = rec
		o.mu.Unlock()

		reqCopy := req
		safego.Go(o.logger, fmt.Sprintf("triage-job-%s", jobID), func() {
			o.runJob(jobID, rec, reqCopy, pv)
		})
	}

	return SubmitBatchResult{BatchID: batchID, JobIDs: jobIDs}, nil
}

// runJob acquires a worker-pool slot (prefetch-one discipline: a worker
// only starts a job once one of its single execution slots is free) and
// runs and persists exactly one job.
func (o *Orchestrator) runJob(jobID string, rec *jobRecord, req entity.TriageRequest, pv entity.PipelineVersion) {
	ctx := context.Background()
	if err := o.sem.Acquire(ctx, 1); err != nil {
		rec.mu.Lock()
		rec.state = JobFailure
		rec.err = err
		rec.mu.Unlock()
		return
	}
	defer o.sem.Release(1)

	rec.mu.Lock()
	rec.state = JobStarted
	rec.mu.Unlock()

	start := time.Now()
	resp, meta, warnings, err := o.engine.Run(ctx, req)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		rec.mu.Lock()
		rec.state = JobFailure
		rec.err = err
		rec.mu.Unlock()

		if service.IsRetryExhausted(err) {
			o.persistDLQ(ctx, req, meta, "RetryExhausted")
		}
		return
	}

	result := entity.TriageResult{
		RequestUID:           req.Email.UID,
		Response:             *resp,
		PipelineVersion:      pv,
		Warnings:             warnings,
		RetriesUsed:          meta.TotalAttempts - 1,
		ProcessingDurationMs: duration,
		CreatedAt:            time.Now().UTC(),
	}
	o.store.SaveResult(ctx, result, jobID)

	rec.mu.Lock()
	rec.state = JobSuccess
	rec.result = &result
	rec.mu.Unlock()
}

func (o *Orchestrator) persistDLQ(ctx context.Context, req entity.TriageRequest, meta entity.RetryMetadata, finalErrorKind string) {
	entry := entity.DLQEntry{
		Request:        req,
		RetryMetadata:  meta,
		FinalErrorKind: finalErrorKind,
		Timestamp:      time.Now().UTC(),
	}
	if err := o.store.SaveDLQ(ctx, entry); err != nil {
		o.logger.Warn("failed to persist DLQ entry", zap.String("uid", req.Email.UID), zap.Error(err))
	}
}

// JobStatus returns a job's current state and, when SUCCESS, the full
// TriageResult.
func (o *Orchestrator) JobStatus(jobID string) (JobState, *entity.TriageResult, error) {
	o.mu.RLock()
	rec, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return "", nil, errors.NewNotFoundError(fmt.Sprintf("unknown job %q", jobID))
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.state, rec.result, rec.err
}
