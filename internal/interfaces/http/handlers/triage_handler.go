package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/application/usecase"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/service"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/persistence"
	"github.com/Kepler9870u0987/triage-inference-layer/pkg/errors"
)

// TriageHandler exposes the orchestrator, the result store, and the LLM
// gateway over HTTP: synchronous triage, batch submission, job status, DLQ
// listing, health, and model introspection.
type TriageHandler struct {
	orchestrator *usecase.Orchestrator
	store        *persistence.Store
	gateway      service.Gateway
	pv           entity.PipelineVersion
	logger       *zap.Logger
}

// NewTriageHandler wires the orchestrator, store, and gateway into a handler.
func NewTriageHandler(orchestrator *usecase.Orchestrator, store *persistence.Store, gateway service.Gateway, pv entity.PipelineVersion, logger *zap.Logger) *TriageHandler {
	return &TriageHandler{orchestrator: orchestrator, store: store, gateway: gateway, pv: pv, logger: logger}
}

// Health handles GET /health: the process is up, and the gateway field
// reports whether the LLM backend currently answers its health probe. A
// dead backend degrades the status but keeps the endpoint at 200, so load
// balancers can distinguish "process down" from "upstream down".
func (h *TriageHandler) Health(c *gin.Context) {
	gatewayUp := h.gateway.HealthCheck(c.Request.Context())
	status := "ok"
	if !gatewayUp {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"gateway": gatewayUp,
		"time":    time.Now().Unix(),
	})
}

// Triage handles POST /api/v1/triage: runs the retry ladder synchronously
// and returns the full TriageResult.
func (h *TriageHandler) Triage(c *gin.Context) {
	var req entity.TriageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orchestrator.Triage(c.Request.Context(), req, h.pv)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// SubmitBatchRequest is the request body for POST /api/v1/triage/batch.
type SubmitBatchRequest struct {
	Requests []entity.TriageRequest `json:"requests" binding:"required"`
}

// SubmitBatch handles POST /api/v1/triage/batch: enqueues each request and
// returns immediately with job ids for later polling.
func (h *TriageHandler) SubmitBatch(c *gin.Context) {
	var req SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orchestrator.SubmitBatch(c.Request.Context(), req.Requests, h.pv)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id": result.BatchID,
		"job_ids":  result.JobIDs,
	})
}

// JobStatus handles GET /api/v1/jobs/:jobId.
func (h *TriageHandler) JobStatus(c *gin.Context) {
	jobID := c.Param("jobId")
	state, result, err := h.orchestrator.JobStatus(jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := gin.H{"job_id": jobID, "status": state}
	if result != nil {
		resp["result"] = result
	}
	c.JSON(http.StatusOK, resp)
}

// GetResult handles GET /api/v1/results/:uid.
func (h *TriageHandler) GetResult(c *gin.Context) {
	uid := c.Param("uid")
	result, err := h.store.GetResult(c.Request.Context(), uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// ModelInfo handles GET /api/v1/models/:name: raw model metadata from the
// gateway, for the audit trail.
func (h *TriageHandler) ModelInfo(c *gin.Context) {
	name := c.Param("name")
	info, err := h.gateway.ModelInfo(c.Request.Context(), name)
	if err != nil {
		if service.IsModelNotAvailable(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": name, "info": info})
}

// ListDLQ handles GET /api/v1/dlq.
func (h *TriageHandler) ListDLQ(c *gin.Context) {
	entries, err := h.store.GetDLQ(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Stats handles GET /api/v1/stats.
func (h *TriageHandler) Stats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// respondError maps typed errors to status codes: 400 for invalid input,
// 404 for not found, 503 for RetryExhausted, 504 for gateway timeout, 502
// for gateway connection errors, 422 for a validation error that somehow
// slipped past the ladder, 500 for anything else.
func (h *TriageHandler) respondError(c *gin.Context, err error) {
	if errors.IsInvalidInput(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if service.IsRetryExhausted(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retry ladder exhausted", "detail": err.Error()})
		return
	}
	if service.IsValidationError(err) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if gwErr, ok := service.AsGatewayError(err); ok {
		switch gwErr.Kind {
		case service.GatewayTimeout:
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		case service.GatewayModelNotAvailable:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	h.logger.Error("triage request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
