package privileged

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fintrust/sentinel/internal/anomaly"
)

// fakeSink records submissions and returns a canned outcome.
type fakeSink struct {
	mu        sync.Mutex
	calls     int
	lastOp    string
	lastScore float64
	reference string
	err       error
	panics    bool
}

func (f *fakeSink) Submit(ctx context.Context, operation string, parameters map[string]any, score float64, riskLevel string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("sink exploded")
	}
	f.calls++
	f.lastOp = operation
	f.lastScore = score
	return f.reference, f.err
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func verdict(score float64, isAnomaly bool, level anomaly.RiskLevel) *anomaly.Verdict {
	return &anomaly.Verdict{
		ID:           "vrd_test",
		UserID:       "user1",
		SessionID:    "sess-1",
		OverallScore: score,
		IsAnomaly:    isAnomaly,
		RiskLevel:    level,
	}
}

func TestAuthorize_AnomalousVerdictRefused(t *testing.T) {
	sink := &fakeSink{reference: "0xabc"}
	store := NewMemoryStore()
	auth := NewAuthorizer(sink, store, slog.Default())

	rec := auth.Authorize(context.Background(), verdict(0.85, true, anomaly.RiskHigh), "LEDGER_TRANSFER", nil)

	if rec.Status != StatusBlocked {
		t.Fatalf("status = %s, want BLOCKED", rec.Status)
	}
	if rec.Reason != ReasonAnomaly {
		t.Errorf("reason = %s, want %s", rec.Reason, ReasonAnomaly)
	}
	if rec.ExecutionAllowed {
		t.Error("refused execution must not be marked allowed")
	}
	if sink.callCount() != 0 {
		t.Error("sink must never be invoked for a refused execution")
	}
	if rec.CompletedAt == nil {
		t.Error("refused record not finalized")
	}

	// Controls still derived for the audit trail.
	if !rec.RequiresMultiSignature || !rec.RequiresTimeLock {
		t.Errorf("controls = multisig %v timelock %v, want both true at 0.85",
			rec.RequiresMultiSignature, rec.RequiresTimeLock)
	}
	if rec.TimeLockUntil == nil {
		t.Error("time lock deadline missing")
	}
}

func TestAuthorize_ElevatedScoreExecutesWithControls(t *testing.T) {
	sink := &fakeSink{reference: "0xdef"}
	store := NewMemoryStore()
	auth := NewAuthorizer(sink, store, slog.Default())

	rec := auth.Authorize(context.Background(), verdict(0.75, false, anomaly.RiskHigh), "LEDGER_TRANSFER", map[string]any{"amount": 10})

	if rec.Status != StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS (error %s)", rec.Status, rec.Error)
	}
	if !rec.ExecutionAllowed {
		t.Error("successful execution must be marked allowed")
	}
	if rec.ExternalReference != "0xdef" {
		t.Errorf("reference = %s, want 0xdef", rec.ExternalReference)
	}
	if !rec.RequiresMultiSignature {
		t.Error("score 0.75 must require multi-signature")
	}
	if rec.RequiresTimeLock || rec.TimeLockUntil != nil {
		t.Error("score 0.75 must not require a time lock")
	}
	if sink.callCount() != 1 {
		t.Errorf("sink calls = %d, want 1", sink.callCount())
	}
	if sink.lastOp != "LEDGER_TRANSFER" || sink.lastScore != 0.75 {
		t.Errorf("sink saw %s/%f", sink.lastOp, sink.lastScore)
	}
}

func TestAuthorize_ScoreLimitRefusal(t *testing.T) {
	sink := &fakeSink{}
	auth := NewAuthorizer(sink, NewMemoryStore(), slog.Default())

	// Not flagged anomalous, but over the execution limit.
	rec := auth.Authorize(context.Background(), verdict(0.81, false, anomaly.RiskHigh), "KEY_ROTATION", nil)

	if rec.Status != StatusBlocked || rec.Reason != ReasonScoreLimit {
		t.Errorf("got %s/%s, want BLOCKED/%s", rec.Status, rec.Reason, ReasonScoreLimit)
	}
	if sink.callCount() != 0 {
		t.Error("sink invoked despite refusal")
	}
}

func TestAuthorize_CriticalRiskRefusal(t *testing.T) {
	sink := &fakeSink{}
	auth := NewAuthorizer(sink, NewMemoryStore(), slog.Default())

	// Low score, not anomalous, but classified critical.
	rec := auth.Authorize(context.Background(), verdict(0.3, false, anomaly.RiskCritical), "KEY_ROTATION", nil)

	if rec.Status != StatusBlocked || rec.Reason != ReasonCriticalRisk {
		t.Errorf("got %s/%s, want BLOCKED/%s", rec.Status, rec.Reason, ReasonCriticalRisk)
	}
	if sink.callCount() != 0 {
		t.Error("sink invoked despite refusal")
	}
}

func TestAuthorize_RefusalPrecedence(t *testing.T) {
	auth := NewAuthorizer(&fakeSink{}, nil, slog.Default())

	// All three refusal conditions hold; the anomaly flag wins.
	rec := auth.Authorize(context.Background(), verdict(0.95, true, anomaly.RiskCritical), "OP", nil)
	if rec.Reason != ReasonAnomaly {
		t.Errorf("reason = %s, want %s", rec.Reason, ReasonAnomaly)
	}

	// Score limit outranks risk level.
	rec = auth.Authorize(context.Background(), verdict(0.95, false, anomaly.RiskCritical), "OP", nil)
	if rec.Reason != ReasonScoreLimit {
		t.Errorf("reason = %s, want %s", rec.Reason, ReasonScoreLimit)
	}
}

func TestAuthorize_SinkErrorFailsClosed(t *testing.T) {
	sink := &fakeSink{err: errors.New("rpc unreachable")}
	store := NewMemoryStore()
	auth := NewAuthorizer(sink, store, slog.Default())

	rec := auth.Authorize(context.Background(), verdict(0.2, false, anomaly.RiskLow), "LEDGER_TRANSFER", nil)

	if rec.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", rec.Status)
	}
	if rec.Error != "rpc unreachable" {
		t.Errorf("error = %s", rec.Error)
	}
	if rec.ExternalReference != "" {
		t.Error("failed execution must not carry a reference")
	}
}

func TestAuthorize_SinkPanicFailsClosed(t *testing.T) {
	sink := &fakeSink{panics: true}
	store := NewMemoryStore()
	auth := NewAuthorizer(sink, store, slog.Default())

	rec := auth.Authorize(context.Background(), verdict(0.2, false, anomaly.RiskLow), "LEDGER_TRANSFER", nil)

	if rec.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", rec.Status)
	}
	if rec.Reason != ReasonInternalFault {
		t.Errorf("reason = %s, want %s", rec.Reason, ReasonInternalFault)
	}
	if !strings.Contains(rec.Error, "panic") {
		t.Errorf("error = %s, want panic detail", rec.Error)
	}
}

func TestAuthorize_BreakerOpensAfterFailures(t *testing.T) {
	sink := &fakeSink{err: errors.New("rpc unreachable")}
	auth := NewAuthorizer(sink, NewMemoryStore(), slog.Default())

	v := verdict(0.1, false, anomaly.RiskLow)
	for i := 0; i < 5; i++ {
		auth.Authorize(context.Background(), v, "OP", nil)
	}
	before := sink.callCount()

	rec := auth.Authorize(context.Background(), v, "OP", nil)
	if rec.Status != StatusFailed || rec.Error != ErrSinkUnavailable.Error() {
		t.Errorf("got %s/%q, want FAILED/%q", rec.Status, rec.Error, ErrSinkUnavailable.Error())
	}
	if sink.callCount() != before {
		t.Error("open circuit must not reach the sink")
	}
}

func TestAuthorize_RecordPersisted(t *testing.T) {
	store := NewMemoryStore()
	auth := NewAuthorizer(&fakeSink{reference: "0xabc"}, store, slog.Default())

	rec := auth.Authorize(context.Background(), verdict(0.2, false, anomaly.RiskLow), "LEDGER_TRANSFER", nil)

	listed, err := store.ListByUser(context.Background(), "user1", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != rec.ID {
		t.Fatalf("persisted records = %v", listed)
	}
	if listed[0].Status != StatusSuccess {
		t.Errorf("persisted status = %s", listed[0].Status)
	}
}

func TestAuthorize_NotifyCallbackInvoked(t *testing.T) {
	var mu sync.Mutex
	var notified []*ExecutionRecord

	auth := NewAuthorizer(&fakeSink{reference: "0xabc"}, nil, slog.Default()).
		WithNotify(func(rec *ExecutionRecord) {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, rec)
		})

	auth.Authorize(context.Background(), verdict(0.2, false, anomaly.RiskLow), "OP", nil)
	auth.Authorize(context.Background(), verdict(0.95, true, anomaly.RiskCritical), "OP", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notified))
	}
	if notified[0].Status != StatusSuccess || notified[1].Status != StatusBlocked {
		t.Errorf("statuses = %s/%s", notified[0].Status, notified[1].Status)
	}
}

func TestValidate_SideEffectFree(t *testing.T) {
	sink := &fakeSink{}
	store := NewMemoryStore()
	auth := NewAuthorizer(sink, store, slog.Default())

	tests := []struct {
		v           *anomaly.Verdict
		wantAllowed bool
		wantReason  string
	}{
		{verdict(0.2, false, anomaly.RiskLow), true, ""},
		{verdict(0.85, true, anomaly.RiskHigh), false, ReasonAnomaly},
		{verdict(0.81, false, anomaly.RiskHigh), false, ReasonScoreLimit},
		{verdict(0.3, false, anomaly.RiskCritical), false, ReasonCriticalRisk},
		{verdict(0.8, false, anomaly.RiskHigh), true, ""}, // at the limit, not over
	}
	for _, tt := range tests {
		allowed, reason := auth.Validate(tt.v)
		if allowed != tt.wantAllowed || reason != tt.wantReason {
			t.Errorf("Validate(score=%f anomaly=%v level=%s) = %v/%q, want %v/%q",
				tt.v.OverallScore, tt.v.IsAnomaly, tt.v.RiskLevel,
				allowed, reason, tt.wantAllowed, tt.wantReason)
		}
	}

	if sink.callCount() != 0 {
		t.Error("Validate must not touch the sink")
	}
	listed, err := store.ListByUser(context.Background(), "user1", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(listed) != 0 {
		t.Error("Validate must not create execution records")
	}
}

func TestWithScoreLimit(t *testing.T) {
	auth := NewAuthorizer(&fakeSink{}, nil, slog.Default()).WithScoreLimit(0.5)

	allowed, reason := auth.Validate(verdict(0.6, false, anomaly.RiskMedium))
	if allowed || reason != ReasonScoreLimit {
		t.Errorf("Validate with lowered limit = %v/%s", allowed, reason)
	}
}

func TestNewRecord_ControlDerivation(t *testing.T) {
	auth := NewAuthorizer(&fakeSink{}, nil, slog.Default())

	tests := []struct {
		score        float64
		wantMultiSig bool
		wantTimeLock bool
	}{
		{0.5, false, false},
		{0.7, false, false},
		{0.71, true, false},
		{0.8, true, false},
		{0.81, true, true},
	}
	for _, tt := range tests {
		rec := auth.newRecord(verdict(tt.score, false, anomaly.RiskLow), "OP", nil)
		if rec.RequiresMultiSignature != tt.wantMultiSig || rec.RequiresTimeLock != tt.wantTimeLock {
			t.Errorf("score %f: multisig=%v timelock=%v, want %v/%v",
				tt.score, rec.RequiresMultiSignature, rec.RequiresTimeLock, tt.wantMultiSig, tt.wantTimeLock)
		}
		if tt.wantTimeLock {
			if rec.TimeLockUntil == nil {
				t.Errorf("score %f: time lock deadline missing", tt.score)
			} else if got := rec.TimeLockUntil.Sub(rec.CreatedAt); got != TimeLockDuration {
				t.Errorf("score %f: time lock window = %s, want %s", tt.score, got, TimeLockDuration)
			}
		}
	}
}
