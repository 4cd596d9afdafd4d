package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/fintrust/sentinel/internal/behavior"
	"github.com/fintrust/sentinel/internal/config"
	"github.com/fintrust/sentinel/internal/privileged"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing: in-memory storage and
// the simulated decision sink.
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		OverallAnomalyThreshold: config.DefaultOverallThreshold,
		ExecutionScoreLimit:     config.DefaultExecutionLimit,
		BaselineWindow:          config.DefaultBaselineWindow,
		RateLimitRPM:            10000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func f64(v float64) *float64 { return &v }

// seedBaseline fills the server's history store with a stable baseline
// for user1.
func seedBaseline(t *testing.T, s *Server, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := &behavior.Record{
			UserID:    "user1",
			DeviceID:  "device-1",
			Latitude:  f64(12.00),
			Longitude: f64(77.00),
			Typing:    &behavior.TypingPattern{AverageTypingSpeed: 5.0},
			Touch:     &behavior.TouchPattern{TapPressure: 0.5},
		}
		if err := s.historyStore.Append(context.Background(), rec); err != nil {
			t.Fatalf("seed append failed: %v", err)
		}
	}
}

// deviantHeaders sets telemetry that deviates on every dimension.
func deviantHeaders(req *http.Request) {
	req.Header.Set(behavior.HeaderUserID, "user1")
	req.Header.Set(behavior.HeaderDeviceID, "device-9")
	req.Header.Set(behavior.HeaderUserLocation, "40.71,-74.00")
	req.Header.Set(behavior.HeaderTypingPattern, `{"averageSpeed":50.0}`)
	req.Header.Set(behavior.HeaderTouchPattern, `{"pressure":5.0}`)
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["service"] != "sentinel" {
		t.Errorf("service = %v", body["service"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Model struct {
			BaselineWindow   int     `json:"baselineWindow"`
			OverallThreshold float64 `json:"overallThreshold"`
			ExecutionLimit   float64 `json:"executionLimit"`
		} `json:"model"`
		ChainEnabled bool `json:"chainEnabled"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body.Model.BaselineWindow != config.DefaultBaselineWindow {
		t.Errorf("baselineWindow = %d", body.Model.BaselineWindow)
	}
	if body.ChainEnabled {
		t.Error("chain must be disabled without credentials")
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health/live status = %d, want 200", w.Code)
	}

	// Readiness flips on only when Run starts serving.
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready status before Run = %d, want 503", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sentinel_") {
		t.Error("metrics output missing sentinel namespace")
	}
}

func TestDetectEndpoint_Baseline(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"userId":"fresh-user","sessionId":"sess-1"}`)
	req := httptest.NewRequest("POST", "/api/v1/anomaly/detect", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var verdict struct {
		OverallScore      float64 `json:"overallAnomalyScore"`
		IsAnomaly         bool    `json:"isAnomaly"`
		RiskLevel         string  `json:"riskLevel"`
		RecommendedAction string  `json:"recommendedAction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if verdict.IsAnomaly || verdict.RiskLevel != "LOW" || verdict.RecommendedAction != "ALLOW" {
		t.Errorf("baseline verdict = %+v", verdict)
	}
}

func TestDetectEndpoint_MissingUser(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/anomaly/detect", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSecureProfile_FirstRequestAllowed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/secure/profile", nil)
	req.Header.Set(behavior.HeaderUserID, "user1")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Risk-Level"); got != "LOW" {
		t.Errorf("X-Risk-Level = %s, want LOW", got)
	}
}

func TestSecureProfile_DeviantRequestBlocked(t *testing.T) {
	s := newTestServer(t)
	seedBaseline(t, s, 30)

	req := httptest.NewRequest("GET", "/api/v1/secure/profile", nil)
	deviantHeaders(req)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["error"] != "ANOMALY_DETECTED" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestTransfer_NormalBehaviorExecutes(t *testing.T) {
	s := newTestServer(t)
	seedBaseline(t, s, 30)

	payload := strings.NewReader(`{"amount":"10.00","recipient":"acct-2"}`)
	req := httptest.NewRequest("POST", "/api/v1/secure/transfer", payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(behavior.HeaderUserID, "user1")
	req.Header.Set(behavior.HeaderDeviceID, "device-1")
	req.Header.Set(behavior.HeaderUserLocation, "12.00,77.00")
	req.Header.Set(behavior.HeaderTypingPattern, `{"averageSpeed":5.0}`)
	req.Header.Set(behavior.HeaderTouchPattern, `{"pressure":0.5}`)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var rec privileged.ExecutionRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if rec.Status != privileged.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS (error %s)", rec.Status, rec.Error)
	}
	if !strings.HasPrefix(rec.ExternalReference, "0x") {
		t.Errorf("reference = %s", rec.ExternalReference)
	}
	if rec.Operation != "LEDGER_TRANSFER" {
		t.Errorf("operation = %s", rec.Operation)
	}
}

func TestPrivilegedExecute_DeviantRequestBlockedByGate(t *testing.T) {
	s := newTestServer(t)
	seedBaseline(t, s, 30)

	payload := strings.NewReader(`{"operation":"KEY_ROTATION"}`)
	req := httptest.NewRequest("POST", "/api/v1/privileged/execute", payload)
	req.Header.Set("Content-Type", "application/json")
	deviantHeaders(req)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	// The access gate blocks before the authorizer runs.
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body %s)", w.Code, w.Body.String())
	}
}

func TestPrivilegedValidate(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/privileged/validate", nil)
	req.Header.Set(behavior.HeaderUserID, "fresh-user")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var body struct {
		Allowed      bool    `json:"allowed"`
		AnomalyScore float64 `json:"anomalyScore"`
		RiskLevel    string  `json:"riskLevel"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if !body.Allowed {
		t.Error("baseline verdict must be allowed")
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	// Existing request IDs are propagated.
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "req-upstream")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-upstream" {
		t.Errorf("X-Request-ID = %s, want req-upstream", got)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/anomaly/detect", strings.NewReader("{}"))
	req.ContentLength = MaxRequestSize + 1
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %s", got)
	}
	if w.Header().Get("Access-Control-Expose-Headers") == "" {
		t.Error("risk annotation headers not exposed for CORS")
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
