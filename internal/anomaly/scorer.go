package anomaly

import (
	"math"

	"github.com/fintrust/sentinel/internal/behavior"
)

// earthRadiusKm is the mean radius used for haversine distances.
const earthRadiusKm = 6371.0

// locationScaleKm normalizes great-circle distance; 100km or more from
// the historical centroid scores 1.0.
const locationScaleKm = 100.0

// unknownDevicePenalty is the flat score for a device never seen in the
// user's history window.
const unknownDevicePenalty = 0.8

// Score computes the five dimension scores and the weighted overall score
// for a record against its user's history window. Pure function: identical
// inputs always produce identical scores.
func Score(current *behavior.Record, window []*behavior.Record) (DimensionScores, float64) {
	dims := DimensionScores{
		Typing:   TypingScore(current, window),
		Touch:    TouchScore(current, window),
		Location: LocationScore(current, window),
		Session:  SessionScore(current, window),
		Device:   DeviceScore(current, window),
	}

	overall := dims.Typing*WeightTyping +
		dims.Touch*WeightTouch +
		dims.Location*WeightLocation +
		dims.Session*WeightSession +
		dims.Device*WeightDevice

	return dims, clamp01(overall)
}

// TypingScore is the relative deviation of the current average typing
// speed from the historical mean, clamped to 1.0. Absent typing data on
// either side scores 0.0.
func TypingScore(current *behavior.Record, window []*behavior.Record) float64 {
	if current.Typing == nil {
		return 0.0
	}

	var sum float64
	var n int
	for _, rec := range window {
		if rec.Typing != nil {
			sum += rec.Typing.AverageTypingSpeed
			n++
		}
	}
	if n == 0 {
		return 0.0
	}

	mean := sum / float64(n)
	return relativeDeviation(current.Typing.AverageTypingSpeed, mean)
}

// TouchScore is the relative deviation of the current tap pressure from
// the historical mean, clamped to 1.0.
func TouchScore(current *behavior.Record, window []*behavior.Record) float64 {
	if current.Touch == nil {
		return 0.0
	}

	var sum float64
	var n int
	for _, rec := range window {
		if rec.Touch != nil {
			sum += rec.Touch.TapPressure
			n++
		}
	}
	if n == 0 {
		return 0.0
	}

	mean := sum / float64(n)
	return relativeDeviation(current.Touch.TapPressure, mean)
}

// LocationScore is the haversine distance in km between the current
// coordinate and the centroid of historical coordinates, divided by
// 100km and clamped to 1.0. Absent current location scores 0.0.
func LocationScore(current *behavior.Record, window []*behavior.Record) float64 {
	if !current.HasLocation() {
		return 0.0
	}

	var latSum, lonSum float64
	var n int
	for _, rec := range window {
		if rec.HasLocation() {
			latSum += *rec.Latitude
			lonSum += *rec.Longitude
			n++
		}
	}
	if n == 0 {
		return 0.0
	}

	centroidLat := latSum / float64(n)
	centroidLon := lonSum / float64(n)

	km := haversineKm(*current.Latitude, *current.Longitude, centroidLat, centroidLon)
	return clamp01(km / locationScaleKm)
}

// SessionScore is the relative deviation of the current session duration
// from the historical mean duration, clamped to 1.0. An unknown duration
// (zero or negative) scores 0.0.
func SessionScore(current *behavior.Record, window []*behavior.Record) float64 {
	if current.Session == nil || current.Session.SessionDuration <= 0 {
		return 0.0
	}

	var sum float64
	var n int
	for _, rec := range window {
		if rec.Session != nil && rec.Session.SessionDuration > 0 {
			sum += rec.Session.SessionDuration
			n++
		}
	}
	if n == 0 {
		return 0.0
	}

	mean := sum / float64(n)
	return relativeDeviation(current.Session.SessionDuration, mean)
}

// DeviceScore is 0.0 when the current device appears anywhere in the
// window (or when the window records no devices at all), else a flat 0.8
// penalty for a never-seen device.
func DeviceScore(current *behavior.Record, window []*behavior.Record) float64 {
	if current.DeviceID == "" {
		return 0.0
	}

	seen := false
	for _, rec := range window {
		if rec.DeviceID == "" {
			continue
		}
		seen = true
		if rec.DeviceID == current.DeviceID {
			return 0.0
		}
	}
	if !seen {
		// No known devices yet, nothing to compare against.
		return 0.0
	}
	return unknownDevicePenalty
}

// relativeDeviation returns |current-mean|/mean clamped to [0,1].
// A zero mean carries no baseline signal and scores 0.0 regardless of
// the current value.
func relativeDeviation(current, mean float64) float64 {
	if mean == 0 {
		return 0.0
	}
	return clamp01(math.Abs(current-mean) / math.Abs(mean))
}

// haversineKm computes the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func clamp01(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0.0 {
		return 0.0
	}
	return v
}
