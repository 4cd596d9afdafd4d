package behavior

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fintrust/sentinel/internal/idgen"
)

// Wire headers carrying behavioral telemetry. All optional; a malformed
// value degrades that field to absent, never to a request failure.
const (
	HeaderUserID        = "X-User-ID"
	HeaderSessionID     = "X-Session-ID"
	HeaderDeviceID      = "X-Device-ID"
	HeaderDeviceType    = "X-Device-Type"
	HeaderDeviceModel   = "X-Device-Model"
	HeaderUserLocation  = "X-User-Location"
	HeaderTypingPattern = "X-Typing-Pattern"
	HeaderTouchPattern  = "X-Touch-Pattern"
)

// retentionPeriod is how long raw behavioral records are retained.
const retentionPeriod = 365 * 24 * time.Hour

// FromRequest builds a Record from the request's telemetry headers.
// The principal comes from the X-User-ID header; callers that resolve
// identity elsewhere may overwrite UserID afterwards.
func FromRequest(r *http.Request) *Record {
	now := time.Now()

	rec := &Record{
		ID:          idgen.WithPrefix("bhv_"),
		UserID:      r.Header.Get(HeaderUserID),
		SessionID:   r.Header.Get(HeaderSessionID),
		Timestamp:   now,
		DeviceID:    r.Header.Get(HeaderDeviceID),
		DeviceType:  r.Header.Get(HeaderDeviceType),
		DeviceModel: r.Header.Get(HeaderDeviceModel),
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),

		ActionType:    "API_REQUEST",
		Endpoint:      r.URL.Path,
		RequestMethod: r.Method,
		ContextData: map[string]string{
			"userAgent":      r.UserAgent(),
			"acceptLanguage": r.Header.Get("Accept-Language"),
			"referer":        r.Referer(),
			"requestSize":    strconv.FormatInt(r.ContentLength, 10),
		},

		DataAnonymized:     true,
		ConsentLevel:       "EXPLICIT",
		DataRetentionUntil: now.Add(retentionPeriod),
	}

	if lat, lon, ok := parseLocation(r.Header.Get(HeaderUserLocation)); ok {
		rec.Latitude = &lat
		rec.Longitude = &lon
		rec.LocationHash = LocationHash(lat, lon)
	}

	if raw := r.Header.Get(HeaderTypingPattern); raw != "" {
		var tp TypingPattern
		if err := json.Unmarshal([]byte(raw), &tp); err == nil {
			rec.Typing = &tp
		}
	}

	if raw := r.Header.Get(HeaderTouchPattern); raw != "" {
		var tp TouchPattern
		if err := json.Unmarshal([]byte(raw), &tp); err == nil {
			rec.Touch = &tp
		}
	}

	if rec.SessionID != "" {
		rec.Session = &SessionPattern{SessionID: rec.SessionID, IsActive: true}
	}

	return rec
}

// LocationHash buckets a coordinate into a ~1km cell. The hash is the only
// location value that should leave the scoring path.
func LocationHash(lat, lon float64) string {
	return strconv.Itoa(int(lat*100)) + "," + strconv.Itoa(int(lon*100))
}

// parseLocation parses a "lat,lon" header value.
func parseLocation(raw string) (lat, lon float64, ok bool) {
	if raw == "" {
		return 0, 0, false
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// clientIP resolves the originating client address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
