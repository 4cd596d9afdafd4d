package privileged

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fintrust/sentinel/internal/anomaly"
	"github.com/fintrust/sentinel/internal/circuitbreaker"
	"github.com/fintrust/sentinel/internal/idgen"
	"github.com/fintrust/sentinel/internal/metrics"
	"github.com/fintrust/sentinel/internal/traces"
)

// Control thresholds derived from the anomaly score.
const (
	MultiSignatureThreshold = 0.7
	TimeLockThreshold       = 0.8
	TimeLockDuration        = 30 * time.Minute
)

// DefaultScoreLimit is the execution refusal threshold, independent of
// the anomaly flag.
const DefaultScoreLimit = 0.8

// breakerKey identifies the sink circuit in the shared breaker.
const breakerKey = "privileged_sink"

// ErrSinkUnavailable is returned when the sink circuit is open.
var ErrSinkUnavailable = fmt.Errorf("privileged sink circuit open")

// Authorizer gates privileged operations on the anomaly verdict. Unlike
// the access gate it fails closed: any internal fault produces a BLOCKED
// or FAILED record, never a permitted execution.
type Authorizer struct {
	sink        Sink
	store       Store
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
	scoreLimit  float64
	sinkTimeout time.Duration
	notify      func(rec *ExecutionRecord)
}

// NewAuthorizer creates a privileged-execution authorizer.
func NewAuthorizer(sink Sink, store Store, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		sink:        sink,
		store:       store,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		logger:      logger,
		scoreLimit:  DefaultScoreLimit,
		sinkTimeout: 30 * time.Second,
	}
}

// WithScoreLimit overrides the execution score limit.
func (a *Authorizer) WithScoreLimit(limit float64) *Authorizer {
	if limit > 0 {
		a.scoreLimit = limit
	}
	return a
}

// WithSinkTimeout overrides the sink call timeout.
func (a *Authorizer) WithSinkTimeout(t time.Duration) *Authorizer {
	if t > 0 {
		a.sinkTimeout = t
	}
	return a
}

// WithNotify attaches a callback invoked with each finalized record.
func (a *Authorizer) WithNotify(fn func(rec *ExecutionRecord)) *Authorizer {
	a.notify = fn
	return a
}

// Validate is the side-effect-free allowance pre-check. It applies the
// same refusal logic as Authorize without creating an execution record.
// The two predicates are independent: a verdict can clear the anomaly
// flag yet still be refused on score or risk level.
func (a *Authorizer) Validate(v *anomaly.Verdict) (allowed bool, reason string) {
	switch {
	case v.IsAnomaly:
		return false, ReasonAnomaly
	case v.OverallScore > a.scoreLimit:
		return false, ReasonScoreLimit
	case v.RiskLevel == anomaly.RiskCritical:
		return false, ReasonCriticalRisk
	default:
		return true, ""
	}
}

// Authorize creates an execution record for the operation, refuses
// without invoking the sink when the verdict disallows it, and otherwise
// submits to the sink and maps the outcome. It never panics and never
// returns an error: every outcome is a finalized record.
func (a *Authorizer) Authorize(ctx context.Context, v *anomaly.Verdict, operation string, parameters map[string]any) *ExecutionRecord {
	ctx, span := traces.StartSpan(ctx, "privileged.authorize",
		traces.UserID(v.UserID),
		traces.Operation(operation),
		traces.Score(v.OverallScore),
	)
	defer span.End()

	rec := a.newRecord(v, operation, parameters)

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("privileged authorization panicked, failing closed",
				"user_id", v.UserID, "operation", operation, "panic", r)
			a.finalize(ctx, rec, StatusFailed, func(rec *ExecutionRecord) {
				rec.Error = fmt.Sprintf("panic: %v", r)
				rec.Reason = ReasonInternalFault
			})
		}
	}()

	if allowed, reason := a.Validate(v); !allowed {
		a.logger.Warn("privileged execution refused",
			"user_id", v.UserID,
			"operation", operation,
			"score", v.OverallScore,
			"risk_level", v.RiskLevel,
			"reason", reason,
		)
		a.finalize(ctx, rec, StatusBlocked, func(rec *ExecutionRecord) {
			rec.Reason = reason
		})
		return rec
	}

	rec.ExecutionAllowed = true

	if !a.breaker.Allow(breakerKey) {
		a.finalize(ctx, rec, StatusFailed, func(rec *ExecutionRecord) {
			rec.Error = ErrSinkUnavailable.Error()
		})
		return rec
	}

	sinkCtx, cancel := context.WithTimeout(ctx, a.sinkTimeout)
	defer cancel()

	reference, err := a.sink.Submit(sinkCtx, operation, parameters, v.OverallScore, string(v.RiskLevel))
	if err != nil {
		a.breaker.RecordFailure(breakerKey)
		a.logger.Error("privileged sink submission failed",
			"user_id", v.UserID, "operation", operation, "error", err)
		a.finalize(ctx, rec, StatusFailed, func(rec *ExecutionRecord) {
			rec.Error = err.Error()
		})
		return rec
	}

	a.breaker.RecordSuccess(breakerKey)
	a.finalize(ctx, rec, StatusSuccess, func(rec *ExecutionRecord) {
		rec.ExternalReference = reference
	})

	a.logger.Info("privileged execution completed",
		"user_id", v.UserID,
		"operation", operation,
		"reference", reference,
	)
	return rec
}

// newRecord builds the PENDING record with score-derived controls. The
// controls are always derived, even for refused executions, so the audit
// trail shows what would have applied.
func (a *Authorizer) newRecord(v *anomaly.Verdict, operation string, parameters map[string]any) *ExecutionRecord {
	rec := &ExecutionRecord{
		ID:                     idgen.WithPrefix("exe_"),
		UserID:                 v.UserID,
		SessionID:              v.SessionID,
		Operation:              operation,
		Parameters:             parameters,
		AnomalyScore:           v.OverallScore,
		RiskLevel:              string(v.RiskLevel),
		RequiresMultiSignature: v.OverallScore > MultiSignatureThreshold,
		RequiresTimeLock:       v.OverallScore > TimeLockThreshold,
		Status:                 StatusPending,
		CreatedAt:              time.Now(),
	}
	if rec.RequiresTimeLock {
		until := rec.CreatedAt.Add(TimeLockDuration)
		rec.TimeLockUntil = &until
	}
	return rec
}

// finalize moves the record to a terminal status and persists it.
// Persistence is best effort: a store failure is logged, not surfaced.
func (a *Authorizer) finalize(ctx context.Context, rec *ExecutionRecord, status Status, mutate func(*ExecutionRecord)) {
	if rec.Status != StatusPending {
		return
	}
	mutate(rec)
	rec.Status = status
	now := time.Now()
	rec.CompletedAt = &now

	metrics.PrivilegedExecutionsTotal.WithLabelValues(string(status)).Inc()

	if a.store != nil {
		if err := a.store.Record(ctx, rec); err != nil {
			a.logger.Error("execution record persist failed",
				"record_id", rec.ID, "error", err)
		}
	}
	if a.notify != nil {
		a.notify(rec)
	}
}
