package metricsexport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fossabot/otoroshi/internal/stats"
)

func seeded() *stats.Registry {
	r := stats.NewRegistry()
	r.Record("svc-1", 25*time.Millisecond, time.Millisecond, 100, 400)
	r.Record("svc-1", 35*time.Millisecond, time.Millisecond, 100, 400)
	return r
}

func TestJSONFormat(t *testing.T) {
	h := New(seeded(), "")
	r := httptest.NewRequest(http.MethodGet, MetricsPath+"?format=json", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Services []map[string]any `json:"services"`
		Global   map[string]any   `json:"global"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Services) != 1 || body.Services[0]["serviceId"] != "svc-1" {
		t.Errorf("services = %v", body.Services)
	}
	if body.Services[0]["calls"].(float64) != 2 {
		t.Errorf("calls = %v", body.Services[0]["calls"])
	}
	if body.Global["calls"].(float64) != 2 {
		t.Errorf("global calls = %v", body.Global["calls"])
	}
}

func TestOldJSONFormat(t *testing.T) {
	h := New(seeded(), "")
	r := httptest.NewRequest(http.MethodGet, MetricsPath+"?format=old_json", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	var flat []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &flat); err != nil {
		t.Fatalf("old_json should be a flat list: %v", err)
	}
	if len(flat) != 1 {
		t.Errorf("entries = %d", len(flat))
	}
}

func TestPrometheusFormat(t *testing.T) {
	h := New(seeded(), "")
	r := httptest.NewRequest(http.MethodGet, MetricsPath+"?format=prometheus", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	body := rec.Body.String()
	if !strings.Contains(body, `otoroshi_service_calls_total{service="svc-1"} 2`) {
		t.Errorf("prometheus output missing calls counter:\n%s", body)
	}
	if !strings.Contains(body, "otoroshi_concurrent_requests") {
		t.Error("prometheus output missing in-flight gauge")
	}
}

func TestAcceptNegotiation(t *testing.T) {
	h := New(seeded(), "")
	r := httptest.NewRequest(http.MethodGet, MetricsPath, nil)
	r.Header.Set("Accept", "application/prometheus")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if !strings.Contains(rec.Body.String(), "otoroshi_service_calls_total") {
		t.Error("Accept: application/prometheus should render prometheus text")
	}
}

func TestAccessKeyGate(t *testing.T) {
	h := New(seeded(), "s3cret")

	r := httptest.NewRequest(http.MethodGet, MetricsPath, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: status = %d, want 401", rec.Code)
	}

	r = httptest.NewRequest(http.MethodGet, MetricsPath+"?access_key=s3cret", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key: status = %d", rec.Code)
	}
}
