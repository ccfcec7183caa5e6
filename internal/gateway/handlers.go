// Package gateway implements the HTTP/WS Gateway (spec.md §4.9): the
// REST surface plus the WebSocket relay for the Event Bus, grounded on
// the teacher's gin + gin-contrib/cors router.
package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alephauto/alephauto/internal/activity"
	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/logger"
	"github.com/alephauto/alephauto/internal/registry"
	"github.com/alephauto/alephauto/internal/retry"
	"github.com/alephauto/alephauto/internal/store"
	"github.com/alephauto/alephauto/internal/worker"
	"github.com/gin-gonic/gin"
)

// Handlers holds the dependencies REST endpoints need.
type Handlers struct {
	Store    *store.Store
	Registry *registry.Registry
	Feed     *activity.Feed
	Workers  map[string]*worker.Worker // pipeline_id -> worker
	Log      *logger.Logger
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func errorResponse(c *gin.Context, status int, errCode, message string) {
	c.JSON(status, gin.H{
		"error":     errCode,
		"message":   message,
		"timestamp": nowISO(),
		"status":    status,
	})
}

// Health handles GET /health. Never requires auth.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": nowISO()})
}

// Status handles GET /api/status.
func (h *Handlers) Status(c *gin.Context) {
	ctx := c.Request.Context()

	pipelines, err := h.Registry.ComposeStatus(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if pipelines == nil {
		pipelines = []registry.Status{}
	}

	var active, queued int64
	capacityPct := 0.0
	retryMetrics := retry.Metrics{}
	var totalCapacity, totalQueueDepth int64
	for _, w := range h.Workers {
		retryMetrics.PendingRetries += w.RetrySnapshot().PendingRetries
		retryMetrics.TotalAttempts += w.RetrySnapshot().TotalAttempts
		totalQueueDepth += int64(w.QueueDepth())
		totalCapacity += int64(w.QueueCapacity())
	}
	for _, p := range pipelines {
		if p.Status == "running" {
			active++
		}
	}
	queued = totalQueueDepth
	if totalCapacity > 0 {
		capacityPct = float64(totalQueueDepth) / float64(totalCapacity) * 100
	}

	recent := h.Feed.Recent(10)
	if recent == nil {
		recent = []activity.Item{}
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp": nowISO(),
		"pipelines": pipelines,
		"queue": gin.H{
			"active":        active,
			"queued":        queued,
			"capacity_pct":  capacityPct,
		},
		"retry_metrics":   retryMetrics,
		"recent_activity": recent,
	})
}

func parseQueryParams(c *gin.Context, pipelineID string) store.QueryParams {
	params := store.QueryParams{PipelineID: pipelineID}
	if status := c.Query("status"); status != "" {
		params.Status = domain.Status(status)
	}
	if tab := c.Query("tab"); tab != "" {
		params.Tab = store.Tab(tab)
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			params.Limit = n
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if n, err := strconv.Atoi(offsetStr); err == nil {
			params.Offset = n
		}
	}
	params.Normalize()
	return params
}

// PipelineJobs handles GET /api/pipelines/:id/jobs.
func (h *Handlers) PipelineJobs(c *gin.Context) {
	pipelineID := c.Param("id")
	params := parseQueryParams(c, pipelineID)

	jobs, total, err := h.Store.Query(c.Request.Context(), params)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	c.JSON(http.StatusOK, gin.H{
		"pipeline_id": pipelineID,
		"jobs":        jobs,
		"total":       total,
		"has_more":    int64(params.Offset+len(jobs)) < total,
		"timestamp":   nowISO(),
	})
}

// Jobs handles GET /api/jobs — the global, cross-pipeline version.
func (h *Handlers) Jobs(c *gin.Context) {
	params := parseQueryParams(c, "")

	jobs, total, err := h.Store.Query(c.Request.Context(), params)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":      jobs,
		"total":     total,
		"has_more":  int64(params.Offset+len(jobs)) < total,
		"timestamp": nowISO(),
	})
}

type startScanRequest struct {
	RepositoryPath string                 `json:"repository_path" binding:"required"`
	Options        map[string]interface{} `json:"options,omitempty"`
}

// StartScan handles POST /api/scans/start.
func (h *Handlers) StartScan(c *gin.Context) {
	var req startScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	pipelineID := c.DefaultQuery("pipeline_id", "repomix")
	w, ok := h.Workers[pipelineID]
	if !ok {
		errorResponse(c, http.StatusBadRequest, "unknown_pipeline", "no worker registered for pipeline "+pipelineID)
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"repository_path": req.RepositoryPath,
		"options":         req.Options,
	})
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	jobID := pipelineID + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := w.Submit(c.Request.Context(), jobID, payload); err != nil {
		errorResponse(c, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"job_id":      jobID,
		"status_url":  "/api/scans/" + jobID + "/status",
		"results_url": "/api/scans/" + jobID + "/results",
		"message":     "scan accepted",
		"timestamp":   nowISO(),
	})
}

type startMultiScanRequest struct {
	RepositoryPaths []string               `json:"repository_paths" binding:"required"`
	Options         map[string]interface{} `json:"options,omitempty"`
}

// StartMultiScan handles POST /api/scans/start-multi.
func (h *Handlers) StartMultiScan(c *gin.Context) {
	var req startMultiScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.RepositoryPaths) == 0 {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "repository_paths must be non-empty")
		return
	}

	pipelineID := c.DefaultQuery("pipeline_id", "repomix")
	w, ok := h.Workers[pipelineID]
	if !ok {
		errorResponse(c, http.StatusBadRequest, "unknown_pipeline", "no worker registered for pipeline "+pipelineID)
		return
	}

	jobIDs := make([]string, 0, len(req.RepositoryPaths))
	for i, path := range req.RepositoryPaths {
		payload, err := json.Marshal(map[string]interface{}{
			"repository_path": path,
			"options":         req.Options,
		})
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		jobID := pipelineID + "-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.Itoa(i)
		if err := w.Submit(c.Request.Context(), jobID, payload); err != nil {
			errorResponse(c, http.StatusInternalServerError, "submit_failed", err.Error())
			return
		}
		jobIDs = append(jobIDs, jobID)
	}

	c.JSON(http.StatusCreated, gin.H{
		"job_ids":          jobIDs,
		"repository_count": len(req.RepositoryPaths),
		"message":          "scans accepted",
		"timestamp":        nowISO(),
	})
}

// ScanStatus handles GET /api/scans/:jobId/status — delegates to the Job
// Store.
func (h *Handlers) ScanStatus(c *gin.Context) {
	jobID := c.Param("jobId")
	job, err := h.Store.Get(c.Request.Context(), jobID)
	if err != nil {
		if err == store.ErrNotFound {
			errorResponse(c, http.StatusNotFound, "not_found", "no job with id "+jobID)
			return
		}
		errorResponse(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":    job.ID,
		"status":    job.Status,
		"progress":  job.Progress,
		"error":     job.Error,
		"timestamp": nowISO(),
	})
}

// ScanResults handles GET /api/scans/:jobId/results — delegates to the
// Job Store.
func (h *Handlers) ScanResults(c *gin.Context) {
	jobID := c.Param("jobId")
	job, err := h.Store.Get(c.Request.Context(), jobID)
	if err != nil {
		if err == store.ErrNotFound {
			errorResponse(c, http.StatusNotFound, "not_found", "no job with id "+jobID)
			return
		}
		errorResponse(c, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":    job.ID,
		"status":    job.Status,
		"result":    job.Result,
		"timestamp": nowISO(),
	})
}
