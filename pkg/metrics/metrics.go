// Package metrics aggregates node-level operational counters: per-endpoint
// call/error/failure totals fed from the endpoint registry, request
// latency, and consensus statistics gauges surfaced by the frontend tick.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	gauges   map[string]float64

	Histograms *HistogramRegistry
}

// EndpointStat mirrors the registry's per-endpoint counters plus the
// latency the transport observed.
type EndpointStat struct {
	Calls          uint64  `json:"calls"`
	Errors         uint64  `json:"errors"`
	Failures       uint64  `json:"failures"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Gauges      map[string]float64      `json:"gauges"`
	Histograms  []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

// Observe records one completed request against an endpoint key
// ("VERB path").
func (r *Registry) Observe(endpoint string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat := r.statLocked(endpoint)
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	r.Histograms.ObserveDuration(endpoint, d)
}

// SetEndpointCounters overlays the authoritative counters from the
// endpoint registry, typically at tick time.
func (r *Registry) SetEndpointCounters(endpoint string, calls, errors, failures uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stat := r.statLocked(endpoint)
	stat.Calls = calls
	stat.Errors = errors
	stat.Failures = failures
	if stat.Calls > 0 {
		stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Calls)
	}
}

func (r *Registry) statLocked(endpoint string) *EndpointStat {
	stat, ok := r.endpoint[endpoint]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[endpoint] = stat
	}
	return stat
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP arx_endpoint_calls total dispatches by endpoint\n")
		b.WriteString("# TYPE arx_endpoint_calls counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "arx_endpoint_calls{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Calls)
		}
		b.WriteString("# HELP arx_endpoint_errors total 4xx responses by endpoint\n")
		b.WriteString("# TYPE arx_endpoint_errors counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "arx_endpoint_errors{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Errors)
		}
		b.WriteString("# HELP arx_endpoint_failures total 5xx responses by endpoint\n")
		b.WriteString("# TYPE arx_endpoint_failures counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "arx_endpoint_failures{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Failures)
		}
		b.WriteString("# HELP arx_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE arx_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "arx_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP arx_gauge operational gauge metrics\n")
		b.WriteString("# TYPE arx_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "arx_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP arx_latency_seconds latency histogram\n")
			b.WriteString("# TYPE arx_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "arx_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "arx_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "arx_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "arx_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
