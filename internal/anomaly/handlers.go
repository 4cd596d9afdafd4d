package anomaly

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fintrust/sentinel/internal/behavior"
	"github.com/fintrust/sentinel/internal/idgen"
)

// Handler provides HTTP endpoints for explicit anomaly detection.
type Handler struct {
	detector *Detector
	audit    Store
}

// NewHandler creates a new anomaly handler.
func NewHandler(detector *Detector, audit Store) *Handler {
	return &Handler{detector: detector, audit: audit}
}

// RegisterRoutes sets up anomaly routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/anomaly/detect", h.Detect)
	r.GET("/anomaly/history/:userId", h.History)
}

// detectRequest is the explicit-detection payload. The behavioral
// sub-patterns follow the wire schema used in telemetry headers.
type detectRequest struct {
	UserID    string                   `json:"userId" binding:"required"`
	SessionID string                   `json:"sessionId"`
	DeviceID  string                   `json:"deviceId"`
	Latitude  *float64                 `json:"latitude"`
	Longitude *float64                 `json:"longitude"`
	Typing    *behavior.TypingPattern  `json:"typingPattern"`
	Touch     *behavior.TouchPattern   `json:"touchPattern"`
	Session   *behavior.SessionPattern `json:"sessionPattern"`
}

// Detect handles POST /api/v1/anomaly/detect
func (h *Handler) Detect(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	// Coordinates come as a pair or not at all.
	if (req.Latitude == nil) != (req.Longitude == nil) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "latitude and longitude must both be present or both absent",
		})
		return
	}

	rec := &behavior.Record{
		ID:                 idgen.WithPrefix("bhv_"),
		UserID:             req.UserID,
		SessionID:          req.SessionID,
		Timestamp:          time.Now(),
		DeviceID:           req.DeviceID,
		IPAddress:          c.ClientIP(),
		UserAgent:          c.Request.UserAgent(),
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		Typing:             req.Typing,
		Touch:              req.Touch,
		Session:            req.Session,
		ActionType:         "EXPLICIT_DETECTION",
		Endpoint:           c.Request.URL.Path,
		RequestMethod:      c.Request.Method,
		DataAnonymized:     true,
		ConsentLevel:       "EXPLICIT",
		DataRetentionUntil: time.Now().AddDate(1, 0, 0),
	}
	if rec.HasLocation() {
		rec.LocationHash = behavior.LocationHash(*rec.Latitude, *rec.Longitude)
	}

	verdict := h.detector.Evaluate(c.Request.Context(), rec)
	c.JSON(http.StatusOK, verdict)
}

// History handles GET /api/v1/anomaly/history/:userId
func (h *Handler) History(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "audit_disabled",
			"message": "Verdict audit store is not configured",
		})
		return
	}

	userID := c.Param("userId")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	verdicts, err := h.audit.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":   userID,
		"count":    len(verdicts),
		"verdicts": verdicts,
	})
}
