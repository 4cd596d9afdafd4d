// Package behavior defines the normalized behavioral snapshot captured for
// every authenticated request and the append-only per-user history store
// that accumulates them into a scoring baseline.
package behavior

import (
	"context"
	"time"
)

// BaselineWindow is the number of most recent records fetched when
// building a user's scoring baseline.
const BaselineWindow = 100

// TypingPattern captures keystroke dynamics for one request.
type TypingPattern struct {
	AverageTypingSpeed float64 `json:"averageSpeed"`
	TypingVariance     float64 `json:"variance"`
	PauseDuration      float64 `json:"pauseDuration"`
	BackspaceFrequency float64 `json:"backspaceFreq"`
}

// TouchPattern captures touchscreen dynamics for one request.
type TouchPattern struct {
	TapPressure    float64 `json:"pressure"`
	TapDuration    float64 `json:"duration"`
	SwipeVelocity  float64 `json:"velocity"`
	SwipeDistance  float64 `json:"distance"`
	SwipeDirection string  `json:"direction,omitempty"`
	ScreenSize     string  `json:"screenSize,omitempty"`
	TouchArea      float64 `json:"area"`
}

// SessionPattern captures session shape for one request.
// SessionDuration is in seconds; zero means the duration is unknown.
type SessionPattern struct {
	SessionID       string  `json:"sessionId"`
	SessionDuration float64 `json:"sessionDuration"`
	IsActive        bool    `json:"isActive"`
}

// Record is one request's normalized behavioral telemetry.
// Once appended to a Store it is immutable.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	DeviceID    string `json:"deviceId,omitempty"`
	DeviceType  string `json:"deviceType,omitempty"`
	DeviceModel string `json:"deviceModel,omitempty"`
	IPAddress   string `json:"ipAddress,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`

	// Latitude and Longitude are both present or both absent.
	// LocationHash is a coarse ~1km bucket derived from them.
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	LocationHash string   `json:"locationHash,omitempty"`

	Typing  *TypingPattern  `json:"typingPattern,omitempty"`
	Touch   *TouchPattern   `json:"touchPattern,omitempty"`
	Session *SessionPattern `json:"sessionPattern,omitempty"`

	ActionType    string            `json:"actionType,omitempty"`
	Endpoint      string            `json:"endpoint,omitempty"`
	RequestMethod string            `json:"requestMethod,omitempty"`
	ContextData   map[string]string `json:"contextData,omitempty"`

	DataAnonymized     bool      `json:"dataAnonymized"`
	ConsentLevel       string    `json:"consentLevel,omitempty"`
	DataRetentionUntil time.Time `json:"dataRetentionUntil,omitempty"`
}

// HasLocation reports whether the record carries a usable coordinate pair.
func (r *Record) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Store is the append-only per-user behavior history.
//
// Append never rejects a record except on storage failure. RecentWindow
// returns up to limit most recent records for the user, newest first, and
// an empty slice (not an error) for unknown users.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	RecentWindow(ctx context.Context, userID string, limit int) ([]*Record, error)
}
