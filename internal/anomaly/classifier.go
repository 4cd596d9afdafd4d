package anomaly

import (
	"time"

	"github.com/fintrust/sentinel/internal/behavior"
	"github.com/fintrust/sentinel/internal/idgen"
)

// RiskFactors returns the named factors triggered by per-dimension
// thresholds, in fixed dimension order.
func RiskFactors(dims DimensionScores) []string {
	factors := []string{}
	if dims.Typing > TypingFactorThreshold {
		factors = append(factors, FactorUnusualTyping)
	}
	if dims.Touch > TouchFactorThreshold {
		factors = append(factors, FactorUnusualTouch)
	}
	if dims.Location > LocationFactorThreshold {
		factors = append(factors, FactorUnusualLocation)
	}
	if dims.Session > SessionFactorThreshold {
		factors = append(factors, FactorUnusualSession)
	}
	if dims.Device > DeviceFactorThreshold {
		factors = append(factors, FactorUnknownDevice)
	}
	return factors
}

// ClassifyLevel maps an overall score and factor count to a risk level.
// Higher severities are checked first; either predicate alone qualifies.
func ClassifyLevel(overall float64, factorCount int) RiskLevel {
	switch {
	case overall > 0.9 || factorCount >= 4:
		return RiskCritical
	case overall > 0.7 || factorCount >= 3:
		return RiskHigh
	case overall > 0.5 || factorCount >= 2:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RecommendAction maps a risk level and overall score to the recommended
// handling, first match wins.
func RecommendAction(level RiskLevel, overall float64) Action {
	switch {
	case level == RiskCritical || overall > 0.9:
		return ActionBlock
	case level == RiskHigh || overall > 0.7:
		return ActionChallenge
	case level == RiskMedium || overall > 0.5:
		return ActionMonitor
	default:
		return ActionAllow
	}
}

// ConfidenceFor maps the history window size to a confidence level.
func ConfidenceFor(windowSize int) Confidence {
	switch {
	case windowSize > 50:
		return ConfidenceHigh
	case windowSize > 20:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// SecurityMeasures returns the measures applied for a risk level. These
// are surfaced to callers via response annotations.
func SecurityMeasures(level RiskLevel) []string {
	switch level {
	case RiskCritical:
		return []string{"IMMEDIATE_SESSION_TERMINATION", "ACCOUNT_FREEZE", "ADMIN_NOTIFICATION"}
	case RiskHigh:
		return []string{"MULTI_FACTOR_AUTHENTICATION", "ENHANCED_MONITORING", "USER_NOTIFICATION"}
	case RiskMedium:
		return []string{"INCREASED_MONITORING", "LIMITED_FEATURE_ACCESS"}
	default:
		return []string{"BASIC_MONITORING"}
	}
}

// Classify scores a record against its window and assembles the full
// verdict. An empty window yields the fixed baseline verdict: the user
// has no history to deviate from, so their first record seeds the
// baseline instead of being judged against one.
func Classify(current *behavior.Record, window []*behavior.Record, overallThreshold float64) *Verdict {
	if overallThreshold <= 0 {
		overallThreshold = DefaultOverallThreshold
	}

	if len(window) == 0 {
		return baselineVerdict(current)
	}

	dims, overall := Score(current, window)
	factors := RiskFactors(dims)
	level := ClassifyLevel(overall, len(factors))

	return &Verdict{
		ID:                idgen.WithPrefix("vrd_"),
		UserID:            current.UserID,
		SessionID:         current.SessionID,
		OverallScore:      overall,
		IsAnomaly:         overall > overallThreshold,
		Dimensions:        dims,
		RiskFactors:       factors,
		RiskLevel:         level,
		RecommendedAction: RecommendAction(level, overall),
		ConfidenceLevel:   ConfidenceFor(len(window)),
		SecurityMeasures:  SecurityMeasures(level),
		ModelConfidence:   modelConfidence(len(window)),
		WindowSize:        len(window),
		EvaluatedAt:       time.Now(),
	}
}

// baselineVerdict is the fixed verdict for first-time users.
func baselineVerdict(current *behavior.Record) *Verdict {
	return &Verdict{
		ID:                idgen.WithPrefix("vrd_"),
		UserID:            current.UserID,
		SessionID:         current.SessionID,
		OverallScore:      0.0,
		IsAnomaly:         false,
		Dimensions:        DimensionScores{},
		RiskFactors:       []string{},
		RiskLevel:         RiskLow,
		RecommendedAction: ActionAllow,
		ConfidenceLevel:   ConfidenceLow,
		SecurityMeasures:  SecurityMeasures(RiskLow),
		ModelConfidence:   0.0,
		WindowSize:        0,
		EvaluatedAt:       time.Now(),
	}
}

// modelConfidence grows linearly with history, saturating at a full
// baseline window.
func modelConfidence(windowSize int) float64 {
	c := float64(windowSize) / float64(behavior.BaselineWindow)
	if c > 1.0 {
		c = 1.0
	}
	return c
}
