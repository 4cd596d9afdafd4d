// Package privileged implements the privileged-execution gate: stricter,
// fail-closed authorization applied before sensitive operations reach the
// external decision sink.
package privileged

import (
	"context"
	"time"
)

// Status is the lifecycle state of an execution record. Terminal once it
// leaves StatusPending; retries create a new record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusBlocked Status = "BLOCKED"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Refusal reasons attached to blocked records.
const (
	ReasonAnomaly       = "BLOCKED_DUE_TO_ANOMALY"
	ReasonScoreLimit    = "SCORE_EXCEEDS_EXECUTION_LIMIT"
	ReasonCriticalRisk  = "CRITICAL_RISK_LEVEL"
	ReasonInternalFault = "INTERNAL_FAULT"
)

// ExecutionRecord is the auditable decision record for one privileged
// operation request.
type ExecutionRecord struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`

	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters,omitempty"`

	AnomalyScore     float64 `json:"anomalyScore"`
	RiskLevel        string  `json:"riskLevel"`
	ExecutionAllowed bool    `json:"executionAllowed"`

	// Controls for the sink/consumer to honor; the gate derives but does
	// not enforce them.
	RequiresMultiSignature bool       `json:"requiresMultiSignature"`
	RequiresTimeLock       bool       `json:"requiresTimeLock"`
	TimeLockUntil          *time.Time `json:"timeLockUntil,omitempty"`

	Status            Status     `json:"status"`
	Reason            string     `json:"reason,omitempty"`
	ExternalReference string     `json:"externalReference,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// Sink is the external collaborator that executes an approved operation.
// The reference it returns is opaque to this package.
type Sink interface {
	Submit(ctx context.Context, operation string, parameters map[string]any, score float64, riskLevel string) (reference string, err error)
}

// Store persists execution records for audit.
type Store interface {
	Record(ctx context.Context, rec *ExecutionRecord) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*ExecutionRecord, error)
}
