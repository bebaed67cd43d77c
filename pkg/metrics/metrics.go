package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/babs0022/shield-privacy-guide/pkg/httpx"
)

// Registry tracks gateway counters: per-endpoint request stats,
// verification outcomes by reason, and verify latency.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	outcomes      map[string]int64
	gauges        map[string]float64
	verifyLatency VerifyLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	Outcomes        map[string]int64        `json:"outcomes"`
	Gauges          map[string]float64      `json:"gauges"`
	VerifyLatencyMS VerifyLatencyStat       `json:"verify_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		outcomes:   map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveEndpoint(endpoint string, status int, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[endpoint]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[endpoint] = stat
	}
	stat.Count++
	if status >= 500 {
		stat.ErrorCount++
	}
	stat.TotalMillis += ms
	if ms > stat.MaxMillis {
		stat.MaxMillis = ms
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

// ObserveOutcome counts verification decisions, keyed by GRANTED or a
// denial reason.
func (r *Registry) ObserveOutcome(outcome string) {
	r.mu.Lock()
	r.outcomes[outcome]++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	r.mu.Lock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
	r.mu.Unlock()
	if r.Histograms != nil {
		r.Histograms.ObserveDuration("verify_and_consume", elapsed)
	}
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       map[string]EndpointStat{},
		Outcomes:        map[string]int64{},
		Gauges:          map[string]float64{},
		VerifyLatencyMS: r.verifyLatency,
	}
	for ep, stat := range r.endpoint {
		snap.Endpoints[ep] = *stat
	}
	for outcome, n := range r.outcomes {
		snap.Outcomes[outcome] = n
	}
	for name, v := range r.gauges {
		snap.Gauges[name] = v
	}
	if r.Histograms != nil {
		snap.Histograms = r.Histograms.Snapshots()
		sort.Slice(snap.Histograms, func(i, j int) bool {
			return snap.Histograms[i].Name < snap.Histograms[j].Name
		})
	}
	return snap
}

// Handler serves the snapshot as JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}

// Middleware records per-endpoint stats for every request.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		r.ObserveEndpoint(req.Method+" "+req.URL.Path, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
