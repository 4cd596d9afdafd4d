package behavior

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists behavior records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed behavior history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the behavior_records table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS behavior_records (
			id               VARCHAR(40) PRIMARY KEY,
			user_id          VARCHAR(255) NOT NULL,
			session_id       VARCHAR(255),
			device_id        VARCHAR(255),
			device_type      VARCHAR(64),
			device_model     VARCHAR(128),
			ip_address       VARCHAR(64),
			user_agent       TEXT,
			latitude         DOUBLE PRECISION,
			longitude        DOUBLE PRECISION,
			location_hash    VARCHAR(32),
			typing_pattern   JSONB,
			touch_pattern    JSONB,
			session_pattern  JSONB,
			action_type      VARCHAR(64),
			endpoint         TEXT,
			request_method   VARCHAR(16),
			context_data     JSONB NOT NULL DEFAULT '{}',
			data_anonymized  BOOLEAN NOT NULL DEFAULT TRUE,
			consent_level    VARCHAR(32),
			retention_until  TIMESTAMPTZ,
			occurred_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_behavior_records_user
			ON behavior_records (user_id, occurred_at DESC);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	typingJSON, err := marshalPattern(rec.Typing)
	if err != nil {
		return fmt.Errorf("failed to marshal typing pattern: %w", err)
	}
	touchJSON, err := marshalPattern(rec.Touch)
	if err != nil {
		return fmt.Errorf("failed to marshal touch pattern: %w", err)
	}
	sessionJSON, err := marshalPattern(rec.Session)
	if err != nil {
		return fmt.Errorf("failed to marshal session pattern: %w", err)
	}
	contextJSON, err := json.Marshal(rec.ContextData)
	if err != nil {
		return fmt.Errorf("failed to marshal context data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO behavior_records (
			id, user_id, session_id, device_id, device_type, device_model,
			ip_address, user_agent, latitude, longitude, location_hash,
			typing_pattern, touch_pattern, session_pattern,
			action_type, endpoint, request_method, context_data,
			data_anonymized, consent_level, retention_until, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		rec.ID,
		rec.UserID,
		nullString(rec.SessionID),
		nullString(rec.DeviceID),
		nullString(rec.DeviceType),
		nullString(rec.DeviceModel),
		nullString(rec.IPAddress),
		nullString(rec.UserAgent),
		rec.Latitude,
		rec.Longitude,
		nullString(rec.LocationHash),
		typingJSON,
		touchJSON,
		sessionJSON,
		nullString(rec.ActionType),
		nullString(rec.Endpoint),
		nullString(rec.RequestMethod),
		contextJSON,
		rec.DataAnonymized,
		nullString(rec.ConsentLevel),
		rec.DataRetentionUntil,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append behavior record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentWindow(ctx context.Context, userID string, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, device_id, device_type, device_model,
			ip_address, user_agent, latitude, longitude, location_hash,
			typing_pattern, touch_pattern, session_pattern,
			action_type, endpoint, request_method, context_data,
			data_anonymized, consent_level, retention_until, occurred_at
		FROM behavior_records
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query behavior window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Record{}
	for rows.Next() {
		var (
			rec            Record
			sessionID      sql.NullString
			deviceID       sql.NullString
			deviceType     sql.NullString
			deviceModel    sql.NullString
			ipAddress      sql.NullString
			userAgent      sql.NullString
			locationHash   sql.NullString
			actionType     sql.NullString
			endpoint       sql.NullString
			requestMethod  sql.NullString
			consentLevel   sql.NullString
			typingJSON     []byte
			touchJSON      []byte
			sessionJSON    []byte
			contextJSON    []byte
			retentionUntil sql.NullTime
			occurredAt     time.Time
		)

		if err := rows.Scan(
			&rec.ID, &rec.UserID, &sessionID, &deviceID, &deviceType, &deviceModel,
			&ipAddress, &userAgent, &rec.Latitude, &rec.Longitude, &locationHash,
			&typingJSON, &touchJSON, &sessionJSON,
			&actionType, &endpoint, &requestMethod, &contextJSON,
			&rec.DataAnonymized, &consentLevel, &retentionUntil, &occurredAt,
		); err != nil {
			continue
		}

		rec.SessionID = sessionID.String
		rec.DeviceID = deviceID.String
		rec.DeviceType = deviceType.String
		rec.DeviceModel = deviceModel.String
		rec.IPAddress = ipAddress.String
		rec.UserAgent = userAgent.String
		rec.LocationHash = locationHash.String
		rec.ActionType = actionType.String
		rec.Endpoint = endpoint.String
		rec.RequestMethod = requestMethod.String
		rec.ConsentLevel = consentLevel.String
		rec.Timestamp = occurredAt
		if retentionUntil.Valid {
			rec.DataRetentionUntil = retentionUntil.Time
		}

		if len(typingJSON) > 0 {
			var tp TypingPattern
			if json.Unmarshal(typingJSON, &tp) == nil {
				rec.Typing = &tp
			}
		}
		if len(touchJSON) > 0 {
			var tp TouchPattern
			if json.Unmarshal(touchJSON, &tp) == nil {
				rec.Touch = &tp
			}
		}
		if len(sessionJSON) > 0 {
			var sp SessionPattern
			if json.Unmarshal(sessionJSON, &sp) == nil {
				rec.Session = &sp
			}
		}
		rec.ContextData = make(map[string]string)
		_ = json.Unmarshal(contextJSON, &rec.ContextData)

		result = append(result, &rec)
	}
	return result, nil
}

// marshalPattern marshals a pattern to JSON, returning nil for a nil
// pointer so the column stays NULL instead of the JSON literal null.
func marshalPattern[T any](p *T) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
