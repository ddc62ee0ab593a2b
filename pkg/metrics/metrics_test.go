package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /txns", 200, 12*time.Millisecond)
	r.Observe("POST /txns", 409, 40*time.Millisecond)
	r.SetEndpointCounters("POST /txns", 2, 1, 0)
	r.SetGauge("tx_count", 2)

	snap := r.Snapshot()
	stat, ok := snap.Endpoints["POST /txns"]
	if !ok {
		t.Fatal("missing endpoint stat")
	}
	if stat.Calls != 2 || stat.Errors != 1 || stat.Failures != 0 {
		t.Fatalf("unexpected counters: %+v", stat)
	}
	if stat.TotalMillis != 52 || stat.MaxMillis != 40 {
		t.Fatalf("unexpected latency totals: %+v", stat)
	}
	if stat.LastStatusCode != 409 {
		t.Fatalf("unexpected last status: %d", stat.LastStatusCode)
	}
	if snap.Gauges["tx_count"] != 2 {
		t.Fatalf("unexpected gauge: %v", snap.Gauges)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /status", 200, time.Millisecond)
	rr := httptest.NewRecorder()
	r.Handler()(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if _, ok := snap.Endpoints["GET /status"]; !ok {
		t.Fatalf("missing endpoint in snapshot: %+v", snap.Endpoints)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.SetEndpointCounters("POST /txns", 5, 1, 2)
	r.Observe("POST /txns", 500, 3*time.Millisecond)
	rr := httptest.NewRecorder()
	r.PrometheusHandler()(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`arx_endpoint_calls{endpoint="POST /txns"} 5`,
		`arx_endpoint_errors{endpoint="POST /txns"} 1`,
		`arx_endpoint_failures{endpoint="POST /txns"} 2`,
		"arx_latency_seconds_count",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 1, "a": 2, "c": 3})
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("unexpected order: %v", keys)
	}
}
