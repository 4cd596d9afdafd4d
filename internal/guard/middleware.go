// Package guard implements the access decision gate: gin middleware that
// scores each authenticated request's behavior and allows, monitors,
// challenges, or blocks it before business logic runs.
package guard

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fintrust/sentinel/internal/anomaly"
	"github.com/fintrust/sentinel/internal/behavior"
	"github.com/fintrust/sentinel/internal/metrics"
)

// Gin context keys set by the middleware for downstream handlers.
const (
	ContextKeyUserID  = "sentinel.user_id"
	ContextKeyVerdict = "sentinel.verdict"
)

// Notifier receives verdicts as they are produced, e.g. for a realtime
// event feed. Calls must not block.
type Notifier interface {
	NotifyVerdict(v *anomaly.Verdict)
	NotifyBlocked(v *anomaly.Verdict)
}

// Gate wires the detector into the request path.
type Gate struct {
	detector *anomaly.Detector
	logger   *slog.Logger
	notifier Notifier
}

// New creates an access decision gate.
func New(detector *anomaly.Detector, logger *slog.Logger) *Gate {
	return &Gate{detector: detector, logger: logger}
}

// WithNotifier attaches a verdict notifier.
func (g *Gate) WithNotifier(n Notifier) *Gate {
	g.notifier = n
	return g
}

// Middleware evaluates behavioral risk for requests that carry a
// principal. Requests without an X-User-ID header pass through
// unevaluated: identity is established elsewhere, and without a
// principal there is no baseline to score against.
//
// Any fault while computing the verdict fails open: the principal is
// already authenticated, so a scoring failure degrades to ALLOW with a
// warning, never to a block or a dropped request.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(behavior.HeaderUserID)
		if userID == "" {
			c.Next()
			return
		}
		c.Set(ContextKeyUserID, userID)

		verdict, ok := g.evaluate(c)
		if !ok {
			metrics.AccessDecisionsTotal.WithLabelValues("fail_open").Inc()
			c.Next()
			return
		}

		c.Set(ContextKeyVerdict, verdict)
		if g.notifier != nil {
			g.notifier.NotifyVerdict(verdict)
		}

		switch verdict.RecommendedAction {
		case anomaly.ActionBlock:
			metrics.AccessDecisionsTotal.WithLabelValues("blocked").Inc()
			if g.notifier != nil {
				g.notifier.NotifyBlocked(verdict)
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":             "ANOMALY_DETECTED",
				"anomalyScore":      verdict.OverallScore,
				"riskLevel":         verdict.RiskLevel,
				"riskFactors":       verdict.RiskFactors,
				"recommendedAction": verdict.RecommendedAction,
				"timestamp":         time.Now().UTC().Format(time.RFC3339),
			})
			return

		case anomaly.ActionChallenge:
			metrics.AccessDecisionsTotal.WithLabelValues("challenged").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "ANOMALY_CHALLENGE",
				"anomalyScore":      verdict.OverallScore,
				"riskLevel":         verdict.RiskLevel,
				"riskFactors":       verdict.RiskFactors,
				"recommendedAction": verdict.RecommendedAction,
				"challengeType":     "MULTI_FACTOR_AUTHENTICATION",
				"timestamp":         time.Now().UTC().Format(time.RFC3339),
			})
			return

		case anomaly.ActionMonitor:
			metrics.AccessDecisionsTotal.WithLabelValues("monitored").Inc()
		default:
			metrics.AccessDecisionsTotal.WithLabelValues("allowed").Inc()
		}

		annotate(c, verdict)
		c.Next()
	}
}

// evaluate builds the behavior record and computes the verdict. A panic
// anywhere in the scoring path is recovered and reported as a fail-open.
func (g *Gate) evaluate(c *gin.Context) (verdict *anomaly.Verdict, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("behavioral evaluation panicked, failing open",
				"user_id", c.GetHeader(behavior.HeaderUserID),
				"path", c.Request.URL.Path,
				"panic", r,
			)
			verdict, ok = nil, false
		}
	}()

	rec := behavior.FromRequest(c.Request)
	return g.detector.Evaluate(c.Request.Context(), rec), true
}

// annotate attaches non-authoritative risk metadata to the response.
func annotate(c *gin.Context, v *anomaly.Verdict) {
	c.Header("X-Anomaly-Score", strconv.FormatFloat(v.OverallScore, 'f', -1, 64))
	c.Header("X-Risk-Level", string(v.RiskLevel))
	c.Header("X-Confidence-Level", string(v.ConfidenceLevel))
	c.Header("X-Security-Measures", strings.Join(v.SecurityMeasures, ","))
}

// VerdictFrom returns the verdict stashed by the middleware, if any.
func VerdictFrom(c *gin.Context) (*anomaly.Verdict, bool) {
	val, exists := c.Get(ContextKeyVerdict)
	if !exists {
		return nil, false
	}
	v, ok := val.(*anomaly.Verdict)
	return v, ok
}

// UserIDFrom returns the principal stashed by the middleware, if any.
func UserIDFrom(c *gin.Context) (string, bool) {
	val, exists := c.Get(ContextKeyUserID)
	if !exists {
		return "", false
	}
	id, ok := val.(string)
	return id, ok
}
