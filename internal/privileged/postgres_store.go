package privileged

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists execution records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed execution record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the privileged_executions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS privileged_executions (
			id                  VARCHAR(40) PRIMARY KEY,
			user_id             VARCHAR(255) NOT NULL,
			session_id          VARCHAR(255),
			operation           VARCHAR(255) NOT NULL,
			parameters          JSONB NOT NULL DEFAULT '{}',
			anomaly_score       NUMERIC(4,3) NOT NULL,
			risk_level          VARCHAR(10) NOT NULL,
			execution_allowed   BOOLEAN NOT NULL,
			requires_multi_sig  BOOLEAN NOT NULL DEFAULT FALSE,
			requires_time_lock  BOOLEAN NOT NULL DEFAULT FALSE,
			time_lock_until     TIMESTAMPTZ,
			status              VARCHAR(10) NOT NULL CHECK (status IN ('PENDING', 'BLOCKED', 'SUCCESS', 'FAILED')),
			reason              VARCHAR(64),
			external_reference  VARCHAR(255),
			error               TEXT,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at        TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_privileged_executions_user
			ON privileged_executions (user_id, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_privileged_executions_blocked
			ON privileged_executions (created_at DESC) WHERE status = 'BLOCKED';
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, rec *ExecutionRecord) error {
	paramsJSON, err := json.Marshal(rec.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO privileged_executions (
			id, user_id, session_id, operation, parameters,
			anomaly_score, risk_level, execution_allowed,
			requires_multi_sig, requires_time_lock, time_lock_until,
			status, reason, external_reference, error, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		rec.ID,
		rec.UserID,
		sql.NullString{String: rec.SessionID, Valid: rec.SessionID != ""},
		rec.Operation,
		paramsJSON,
		rec.AnomalyScore,
		rec.RiskLevel,
		rec.ExecutionAllowed,
		rec.RequiresMultiSignature,
		rec.RequiresTimeLock,
		rec.TimeLockUntil,
		string(rec.Status),
		sql.NullString{String: rec.Reason, Valid: rec.Reason != ""},
		sql.NullString{String: rec.ExternalReference, Valid: rec.ExternalReference != ""},
		sql.NullString{String: rec.Error, Valid: rec.Error != ""},
		rec.CreatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record privileged execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, operation, parameters,
			anomaly_score, risk_level, execution_allowed,
			requires_multi_sig, requires_time_lock, time_lock_until,
			status, reason, external_reference, error, created_at, completed_at
		FROM privileged_executions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list privileged executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*ExecutionRecord{}
	for rows.Next() {
		var (
			rec           ExecutionRecord
			sessionID     sql.NullString
			reason        sql.NullString
			reference     sql.NullString
			execError     sql.NullString
			paramsJSON    []byte
			timeLockUntil sql.NullTime
			createdAt     time.Time
			completedAt   sql.NullTime
		)

		if err := rows.Scan(
			&rec.ID, &rec.UserID, &sessionID, &rec.Operation, &paramsJSON,
			&rec.AnomalyScore, &rec.RiskLevel, &rec.ExecutionAllowed,
			&rec.RequiresMultiSignature, &rec.RequiresTimeLock, &timeLockUntil,
			&rec.Status, &reason, &reference, &execError, &createdAt, &completedAt,
		); err != nil {
			continue
		}

		rec.SessionID = sessionID.String
		rec.Reason = reason.String
		rec.ExternalReference = reference.String
		rec.Error = execError.String
		rec.CreatedAt = createdAt
		if timeLockUntil.Valid {
			t := timeLockUntil.Time
			rec.TimeLockUntil = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		rec.Parameters = make(map[string]any)
		_ = json.Unmarshal(paramsJSON, &rec.Parameters)

		result = append(result, &rec)
	}
	return result, nil
}
