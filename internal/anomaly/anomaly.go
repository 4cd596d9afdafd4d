// Package anomaly implements behavioral anomaly scoring and risk
// classification.
//
// Every request is scored against 5 weighted dimensions of the user's
// recent behavior window: typing dynamics, touch dynamics, location,
// session shape, and device familiarity. Scores range from 0.0 (matches
// baseline) to 1.0 (maximally deviant). The classifier maps scores to a
// risk level, a set of named risk factors, and a recommended action.
package anomaly

import (
	"context"
	"time"
)

// RiskLevel classifies the severity of a verdict.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Action is the recommended handling for the scored request.
type Action string

const (
	ActionAllow     Action = "ALLOW"
	ActionMonitor   Action = "MONITOR"
	ActionChallenge Action = "CHALLENGE"
	ActionBlock     Action = "BLOCK"
)

// Confidence reflects how much history backed the verdict.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Named risk factors triggered by per-dimension thresholds.
const (
	FactorUnusualTyping   = "UNUSUAL_TYPING_PATTERN"
	FactorUnusualTouch    = "UNUSUAL_TOUCH_PATTERN"
	FactorUnusualLocation = "UNUSUAL_LOCATION"
	FactorUnusualSession  = "UNUSUAL_SESSION_PATTERN"
	FactorUnknownDevice   = "UNKNOWN_DEVICE"
)

// Dimension weights. Location is weighted highest as the strongest
// behavioral-fraud signal. Weights sum to 1.0.
const (
	WeightTyping   = 0.25
	WeightTouch    = 0.20
	WeightLocation = 0.30
	WeightSession  = 0.15
	WeightDevice   = 0.10
)

// Per-dimension thresholds that trigger named risk factors.
const (
	TypingFactorThreshold   = 0.7
	TouchFactorThreshold    = 0.6
	LocationFactorThreshold = 0.8
	SessionFactorThreshold  = 0.5
	DeviceFactorThreshold   = 0.5
)

// DefaultOverallThreshold is the overall score above which a verdict is
// flagged anomalous. Independent of the BLOCK action threshold.
const DefaultOverallThreshold = 0.6

// DimensionScores holds the five independent per-dimension scores,
// each in [0,1].
type DimensionScores struct {
	Typing   float64 `json:"typing"`
	Touch    float64 `json:"touch"`
	Location float64 `json:"location"`
	Session  float64 `json:"session"`
	Device   float64 `json:"device"`
}

// Verdict is the scored, classified output for one request.
// Computed fresh per request and never mutated after creation.
type Verdict struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	SessionID         string          `json:"sessionId,omitempty"`
	OverallScore      float64         `json:"overallAnomalyScore"`
	IsAnomaly         bool            `json:"isAnomaly"`
	Dimensions        DimensionScores `json:"dimensionScores"`
	RiskFactors       []string        `json:"riskFactors"`
	RiskLevel         RiskLevel       `json:"riskLevel"`
	RecommendedAction Action          `json:"recommendedAction"`
	ConfidenceLevel   Confidence      `json:"confidenceLevel"`
	SecurityMeasures  []string        `json:"securityMeasures"`
	ModelConfidence   float64         `json:"modelConfidence"`
	WindowSize        int             `json:"windowSize"`
	EvaluatedAt       time.Time       `json:"evaluatedAt"`
}

// Store persists verdicts for audit. Verdicts never feed future scoring;
// only raw behavior records build the baseline.
type Store interface {
	Record(ctx context.Context, v *Verdict) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Verdict, error)
}
