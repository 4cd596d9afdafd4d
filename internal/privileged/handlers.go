package privileged

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fintrust/sentinel/internal/anomaly"
	"github.com/fintrust/sentinel/internal/behavior"
	"github.com/fintrust/sentinel/internal/guard"
)

// Handler provides HTTP endpoints for privileged operations.
type Handler struct {
	authorizer *Authorizer
	detector   *anomaly.Detector
	store      Store
}

// NewHandler creates a new privileged operations handler.
func NewHandler(authorizer *Authorizer, detector *anomaly.Detector, store Store) *Handler {
	return &Handler{authorizer: authorizer, detector: detector, store: store}
}

// RegisterRoutes sets up privileged operation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/privileged/execute", h.Execute)
	r.POST("/privileged/validate", h.Validate)
	r.GET("/privileged/executions/:userId", h.List)
}

type executeRequest struct {
	Operation  string         `json:"operation" binding:"required"`
	Parameters map[string]any `json:"parameters"`
}

// Execute handles POST /api/v1/privileged/execute
//
// The verdict computed by the access gate for this request is reused when
// present; otherwise a fresh one is computed from the request telemetry.
func (h *Handler) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	verdict, ok := h.verdictFor(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_principal",
			"message": "X-User-ID header is required",
		})
		return
	}

	rec := h.authorizer.Authorize(c.Request.Context(), verdict, req.Operation, req.Parameters)

	status := http.StatusOK
	if rec.Status == StatusBlocked {
		status = http.StatusForbidden
	}
	c.JSON(status, rec)
}

// Validate handles POST /api/v1/privileged/validate
//
// Side-effect-free pre-check: no execution record is created and the sink
// is never invoked.
func (h *Handler) Validate(c *gin.Context) {
	verdict, ok := h.verdictFor(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_principal",
			"message": "X-User-ID header is required",
		})
		return
	}

	allowed, reason := h.authorizer.Validate(verdict)
	resp := gin.H{
		"allowed":      allowed,
		"anomalyScore": verdict.OverallScore,
		"riskLevel":    verdict.RiskLevel,
	}
	if !allowed {
		resp["reason"] = reason
	}
	c.JSON(http.StatusOK, resp)
}

// List handles GET /api/v1/privileged/executions/:userId
func (h *Handler) List(c *gin.Context) {
	userID := c.Param("userId")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	records, err := h.store.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":     userID,
		"count":      len(records),
		"executions": records,
	})
}

// verdictFor returns the gate's verdict for this request, computing a
// fresh one from telemetry when the gate did not run.
func (h *Handler) verdictFor(c *gin.Context) (*anomaly.Verdict, bool) {
	if v, ok := guard.VerdictFrom(c); ok {
		return v, true
	}

	rec := behavior.FromRequest(c.Request)
	if rec.UserID == "" {
		return nil, false
	}
	return h.detector.Evaluate(c.Request.Context(), rec), true
}
