package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists verdicts in PostgreSQL for audit.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed verdict audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the anomaly_verdicts table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS anomaly_verdicts (
			id                 VARCHAR(40) PRIMARY KEY,
			user_id            VARCHAR(255) NOT NULL,
			session_id         VARCHAR(255),
			overall_score      NUMERIC(4,3) NOT NULL CHECK (overall_score >= 0 AND overall_score <= 1),
			is_anomaly         BOOLEAN NOT NULL,
			dimension_scores   JSONB NOT NULL DEFAULT '{}',
			risk_factors       JSONB NOT NULL DEFAULT '[]',
			risk_level         VARCHAR(10) NOT NULL CHECK (risk_level IN ('LOW', 'MEDIUM', 'HIGH', 'CRITICAL')),
			recommended_action VARCHAR(10) NOT NULL CHECK (recommended_action IN ('ALLOW', 'MONITOR', 'CHALLENGE', 'BLOCK')),
			confidence_level   VARCHAR(10) NOT NULL,
			security_measures  JSONB NOT NULL DEFAULT '[]',
			model_confidence   NUMERIC(4,3) NOT NULL DEFAULT 0,
			window_size        INTEGER NOT NULL DEFAULT 0,
			evaluated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_anomaly_verdicts_user
			ON anomaly_verdicts (user_id, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_anomaly_verdicts_anomalies
			ON anomaly_verdicts (evaluated_at DESC) WHERE is_anomaly;
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, v *Verdict) error {
	dimsJSON, err := json.Marshal(v.Dimensions)
	if err != nil {
		return fmt.Errorf("failed to marshal dimension scores: %w", err)
	}
	factorsJSON, err := json.Marshal(v.RiskFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}
	measuresJSON, err := json.Marshal(v.SecurityMeasures)
	if err != nil {
		return fmt.Errorf("failed to marshal security measures: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomaly_verdicts (
			id, user_id, session_id, overall_score, is_anomaly,
			dimension_scores, risk_factors, risk_level, recommended_action,
			confidence_level, security_measures, model_confidence,
			window_size, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		v.ID,
		v.UserID,
		sql.NullString{String: v.SessionID, Valid: v.SessionID != ""},
		v.OverallScore,
		v.IsAnomaly,
		dimsJSON,
		factorsJSON,
		string(v.RiskLevel),
		string(v.RecommendedAction),
		string(v.ConfidenceLevel),
		measuresJSON,
		v.ModelConfidence,
		v.WindowSize,
		v.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record verdict: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Verdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, overall_score, is_anomaly,
			dimension_scores, risk_factors, risk_level, recommended_action,
			confidence_level, security_measures, model_confidence,
			window_size, evaluated_at
		FROM anomaly_verdicts
		WHERE user_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list verdicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Verdict{}
	for rows.Next() {
		var (
			v            Verdict
			sessionID    sql.NullString
			dimsJSON     []byte
			factorsJSON  []byte
			measuresJSON []byte
			evaluatedAt  time.Time
		)

		if err := rows.Scan(
			&v.ID, &v.UserID, &sessionID, &v.OverallScore, &v.IsAnomaly,
			&dimsJSON, &factorsJSON, &v.RiskLevel, &v.RecommendedAction,
			&v.ConfidenceLevel, &measuresJSON, &v.ModelConfidence,
			&v.WindowSize, &evaluatedAt,
		); err != nil {
			continue
		}

		v.SessionID = sessionID.String
		v.EvaluatedAt = evaluatedAt
		v.RiskFactors = []string{}
		v.SecurityMeasures = []string{}
		_ = json.Unmarshal(dimsJSON, &v.Dimensions)
		_ = json.Unmarshal(factorsJSON, &v.RiskFactors)
		_ = json.Unmarshal(measuresJSON, &v.SecurityMeasures)

		result = append(result, &v)
	}
	return result, nil
}
