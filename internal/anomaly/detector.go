package anomaly

import (
	"context"
	"log/slog"
	"time"

	"github.com/fintrust/sentinel/internal/behavior"
	"github.com/fintrust/sentinel/internal/metrics"
	"github.com/fintrust/sentinel/internal/retry"
	"github.com/fintrust/sentinel/internal/traces"
)

// Default detector tuning.
const (
	DefaultReadTimeout = 500 * time.Millisecond
	appendAttempts     = 3
	appendBaseDelay    = 100 * time.Millisecond
)

// Detector orchestrates one evaluation: fetch the user's recent window,
// score, classify, then append the record and persist the verdict in the
// background. Scoring itself is pure; the Detector owns all I/O.
type Detector struct {
	history          behavior.Store
	audit            Store
	logger           *slog.Logger
	windowLimit      int
	readTimeout      time.Duration
	overallThreshold float64
}

// NewDetector creates a detector over the given history store.
func NewDetector(history behavior.Store) *Detector {
	return &Detector{
		history:          history,
		logger:           slog.Default(),
		windowLimit:      behavior.BaselineWindow,
		readTimeout:      DefaultReadTimeout,
		overallThreshold: DefaultOverallThreshold,
	}
}

// WithAuditStore attaches a verdict audit store.
func (d *Detector) WithAuditStore(s Store) *Detector {
	d.audit = s
	return d
}

// WithLogger overrides the default logger.
func (d *Detector) WithLogger(l *slog.Logger) *Detector {
	d.logger = l
	return d
}

// WithWindowLimit overrides the baseline window size.
func (d *Detector) WithWindowLimit(n int) *Detector {
	if n > 0 {
		d.windowLimit = n
	}
	return d
}

// WithReadTimeout overrides the history read timeout.
func (d *Detector) WithReadTimeout(t time.Duration) *Detector {
	if t > 0 {
		d.readTimeout = t
	}
	return d
}

// WithOverallThreshold overrides the anomaly-flag threshold.
func (d *Detector) WithOverallThreshold(t float64) *Detector {
	if t > 0 {
		d.overallThreshold = t
	}
	return d
}

// Evaluate scores one record and returns its verdict.
//
// The history read runs under a bounded timeout; a timeout or store error
// degrades to an empty window (baseline verdict), never to a fault. The
// record append and verdict persist happen in the background and survive
// caller cancellation.
func (d *Detector) Evaluate(ctx context.Context, rec *behavior.Record) *Verdict {
	ctx, span := traces.StartSpan(ctx, "anomaly.evaluate",
		traces.UserID(rec.UserID))
	defer span.End()

	window := d.readWindow(ctx, rec.UserID)
	verdict := Classify(rec, window, d.overallThreshold)

	metrics.EvaluationsTotal.WithLabelValues(string(verdict.RecommendedAction)).Inc()
	metrics.AnomalyScore.Observe(verdict.OverallScore)
	metrics.RiskLevelTotal.WithLabelValues(string(verdict.RiskLevel)).Inc()
	for _, f := range verdict.RiskFactors {
		metrics.RiskFactorsTotal.WithLabelValues(f).Inc()
	}

	span.SetAttributes(
		traces.Score(verdict.OverallScore),
		traces.RiskLevel(string(verdict.RiskLevel)),
	)

	if verdict.IsAnomaly {
		d.logger.Warn("anomalous behavior detected",
			"user_id", rec.UserID,
			"score", verdict.OverallScore,
			"risk_level", verdict.RiskLevel,
			"risk_factors", verdict.RiskFactors,
		)
	}

	d.appendAsync(rec)
	d.persistVerdictAsync(verdict)

	return verdict
}

// readWindow fetches the recent window under a bounded timeout. Any
// failure is treated as an empty window.
func (d *Detector) readWindow(ctx context.Context, userID string) []*behavior.Record {
	readCtx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()

	window, err := d.history.RecentWindow(readCtx, userID, d.windowLimit)
	if err != nil {
		metrics.HistoryReadFailures.Inc()
		d.logger.Warn("history window read failed, using empty baseline",
			"user_id", userID, "error", err)
		return nil
	}
	return window
}

// appendAsync appends the record in the background with retries. The
// record represents real observed behavior and is kept even when the
// triggering request was cancelled or blocked.
func (d *Detector) appendAsync(rec *behavior.Record) {
	logger := d.logger
	history := d.history
	go func() {
		err := retry.Do(context.Background(), appendAttempts, appendBaseDelay, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return history.Append(ctx, rec)
		})
		if err != nil {
			metrics.HistoryAppendFailures.Inc()
			logger.Error("behavior record append failed",
				"user_id", rec.UserID, "record_id", rec.ID, "error", err)
		}
	}()
}

// persistVerdictAsync records the verdict for audit, best effort.
func (d *Detector) persistVerdictAsync(v *Verdict) {
	if d.audit == nil {
		return
	}
	audit := d.audit
	logger := d.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := audit.Record(ctx, v); err != nil {
			logger.Warn("verdict audit persist failed",
				"user_id", v.UserID, "verdict_id", v.ID, "error", err)
		}
	}()
}
