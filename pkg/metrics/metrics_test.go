package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.ObserveEndpoint("POST /v1/policies/{id}/verify", 200, 12*time.Millisecond)
	r.ObserveEndpoint("POST /v1/policies/{id}/verify", 500, 4*time.Millisecond)
	r.ObserveOutcome("GRANTED")
	r.ObserveOutcome("GRANTED")
	r.ObserveOutcome("REVOKED")
	r.ObserveVerifyLatency(8 * time.Millisecond)
	r.SetGauge("policies_active", 3)

	snap := r.Snapshot()
	stat := snap.Endpoints["POST /v1/policies/{id}/verify"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected endpoint stat: %+v", stat)
	}
	if snap.Outcomes["GRANTED"] != 2 || snap.Outcomes["REVOKED"] != 1 {
		t.Fatalf("unexpected outcomes: %+v", snap.Outcomes)
	}
	if snap.VerifyLatencyMS.Count != 1 || snap.VerifyLatencyMS.LastMS != 8 {
		t.Fatalf("unexpected latency stat: %+v", snap.VerifyLatencyMS)
	}
	if snap.Gauges["policies_active"] != 3 {
		t.Fatalf("unexpected gauges: %+v", snap.Gauges)
	}
	if len(snap.Histograms) != 1 || snap.Histograms[0].Name != "verify_and_consume" {
		t.Fatalf("expected verify histogram, got %+v", snap.Histograms)
	}
}

func TestHandlerServesJSON(t *testing.T) {
	r := NewRegistry()
	r.ObserveOutcome("NOT_FOUND")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metricsz", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Outcomes["NOT_FOUND"] != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	r := NewRegistry()
	h := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	snap := r.Snapshot()
	stat, ok := snap.Endpoints["GET /healthz"]
	if !ok || stat.LastStatusCode != http.StatusTeapot {
		t.Fatalf("unexpected endpoint stat: %+v", snap.Endpoints)
	}
}
