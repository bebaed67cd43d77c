package metrics

import (
	"sync"
	"time"
)

// Latency bucket upper bounds in seconds. The low end is dense because
// a verify is normally a single indexed read plus one CAS update.
var bucketBounds = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

type HistogramBucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// Histogram is a fixed-bucket cumulative latency histogram.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []int64
	sum     float64
	count   int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, buckets: make([]int64, len(bucketBounds))}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.count++
	for i, le := range bucketBounds {
		if sec <= le {
			h.buckets[i]++
		}
	}
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
	P50     float64           `json:"p50"`
	P95     float64           `json:"p95"`
	P99     float64           `json:"p99"`
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	buckets := make([]HistogramBucket, len(bucketBounds))
	for i, le := range bucketBounds {
		buckets[i] = HistogramBucket{Le: le, Count: h.buckets[i]}
	}
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.count,
		P50:     h.quantile(0.50),
		P95:     h.quantile(0.95),
		P99:     h.quantile(0.99),
	}
}

// quantile returns the upper bound of the first bucket covering the
// requested rank. Callers must hold h.mu.
func (h *Histogram) quantile(q float64) float64 {
	if h.count == 0 {
		return 0
	}
	rank := int64(q * float64(h.count))
	if rank < 1 {
		rank = 1
	}
	for i, c := range h.buckets {
		if c >= rank {
			return bucketBounds[i]
		}
	}
	return bucketBounds[len(bucketBounds)-1]
}

// HistogramRegistry lazily creates named histograms.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	return out
}
