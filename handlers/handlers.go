package handlers

import (
	"database/sql"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"physique-analyze-pipeline/models"
	"physique-analyze-pipeline/service"
)

// Handlers represents the HTTP handlers
type Handlers struct {
	svc *service.AnalysisService
}

// NewHandlers creates new HTTP handlers
func NewHandlers(svc *service.AnalysisService) *Handlers {
	return &Handlers{svc: svc}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "physique-analyze-pipeline",
	})
}

// Analyze accepts a multipart photo upload and runs the analysis pipeline.
// The response always carries the outcome envelope; HTTP status reflects it.
func (h *Handlers) Analyze(c *gin.Context) {
	imageRef := c.PostForm("image_ref")
	if imageRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_ref is required"})
		return
	}

	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	defer file.Close()

	imageData, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read image"})
		return
	}

	priority := models.PriorityNormal
	switch c.PostForm("priority") {
	case "high":
		priority = models.PriorityHigh
	case "low":
		priority = models.PriorityLow
	}

	outcome := h.svc.Analyze(c.Request.Context(), imageRef, imageData, priority, nil)
	c.JSON(outcomeStatus(outcome), outcome)
}

func outcomeStatus(outcome *models.AnalysisOutcome) int {
	if outcome.Success {
		return http.StatusOK
	}
	if outcome.Error == nil {
		return http.StatusInternalServerError
	}
	switch outcome.Error.Code {
	case models.CodeInvalidImage:
		return http.StatusBadRequest
	case models.CodeAuthError:
		return http.StatusBadGateway
	case models.CodeRateLimit:
		return http.StatusTooManyRequests
	case models.CodeCancelled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

// GetRequestStatus returns the queue status of one request.
func (h *Handlers) GetRequestStatus(c *gin.Context) {
	requestID := c.Param("id")
	status, err := h.svc.RequestStatus(requestID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"status":     status,
	})
}

// GetRequestPosition returns the pending position and estimated wait.
func (h *Handlers) GetRequestPosition(c *gin.Context) {
	requestID := c.Param("id")
	pos, wait := h.svc.RequestPosition(requestID)
	if pos < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request is not pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":       requestID,
		"position":         pos,
		"estimated_wait_s": wait.Seconds(),
	})
}

// CancelRequest cancels a pending request.
func (h *Handlers) CancelRequest(c *gin.Context) {
	requestID := c.Param("id")
	if err := h.svc.CancelRequest(requestID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": requestID,
		"status":     models.StatusCancelled,
	})
}

// ListRequests snapshots all live and terminal queue entries.
func (h *Handlers) ListRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"requests": h.svc.QueueRequests(),
	})
}

// GetAnalysisByRequestID returns a stored analysis.
func (h *Handlers) GetAnalysisByRequestID(c *gin.Context) {
	if !h.svc.HasDatabase() {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Persistence is not configured"})
		return
	}
	requestID := c.Param("id")
	analysis, err := h.svc.StoredAnalysis(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Analysis not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load analysis"})
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// GetCacheStats exposes response cache statistics.
func (h *Handlers) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.CacheStats())
}

// InvalidateCache drops the cached result for one image reference.
func (h *Handlers) InvalidateCache(c *gin.Context) {
	imageRef := c.Query("image_ref")
	if imageRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_ref is required"})
		return
	}
	h.svc.InvalidateCache(imageRef)
	c.JSON(http.StatusOK, gin.H{"invalidated": imageRef})
}

// GetStats returns aggregate statistics over persisted analyses.
func (h *Handlers) GetStats(c *gin.Context) {
	if !h.svc.HasDatabase() {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Persistence is not configured"})
		return
	}
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
