package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/profai/server/internal/handler/realtime"
	"github.com/profai/server/internal/model/course"
	"github.com/profai/server/internal/telemetry"
)

func TestHealthReportsActiveSessions(t *testing.T) {
	ws := realtime.NewHandler(realtime.Factories{}, realtime.Options{}, realtime.ConnectionPolicy{}, nil)
	defer ws.Close()
	router := NewRouter(Services{Realtime: ws})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["active_sessions"] != float64(0) {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestChatStatusReflectsServices(t *testing.T) {
	courses := course.NewMemoryStore(map[string]*course.Course{"1": {Title: "ML"}})
	router := NewRouter(Services{Courses: courses})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/status", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	var body map[string]bool
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["services_available"] || body["chat_service"] || body["audio_service"] {
		t.Fatalf("expected services to be unavailable: %+v", body)
	}
	if !body["course_content"] {
		t.Fatalf("expected course content: %+v", body)
	}
}

func TestDisabledServicesRespondUnavailable(t *testing.T) {
	router := NewRouter(Services{})

	for _, path := range []string{"/ask_text", "/api/ask_text", "/api/generate_audio"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"query":"hi","text":"hi"}`))
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, resp.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := telemetry.NewMetrics("profai")
	metrics.RecordProtocolError("unknown_type")
	router := NewRouter(Services{Metrics: metrics})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "profai_") {
		t.Fatal("expected profai metrics in exposition")
	}
}
