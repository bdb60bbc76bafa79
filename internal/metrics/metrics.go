// Package metrics provides a small Prometheus-compatible metrics registry.
//
// Counters, gauges and histograms are safe for concurrent use. A Registry
// renders them in the Prometheus text exposition format or as JSON, sorted
// by name so scrapes are stable.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels are constant labels attached to a metric.
type Labels map[string]string

// String renders labels as {k="v",...} with sorted keys.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	return "{" + l.join() + "}"
}

func (l Labels) join() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s=%q`, k, l[k]))
	}
	return strings.Join(parts, ",")
}

// with returns the label string with one extra pair appended, for
// histogram buckets.
func (l Labels) with(key, value string) string {
	extra := fmt.Sprintf(`%s=%q`, key, value)
	if len(l) == 0 {
		return "{" + extra + "}"
	}
	return "{" + l.join() + "," + extra + "}"
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates an unregistered Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{name: name, help: help, labels: labels}
}

func (c *Counter) Inc()             { c.value.Add(1) }
func (c *Counter) Add(v uint64)     { c.value.Add(v) }
func (c *Counter) Value() uint64    { return c.value.Load() }
func (c *Counter) Name() string     { return c.name }
func (c *Counter) Type() MetricType { return TypeCounter }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates an unregistered Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{name: name, help: help, labels: labels}
}

func (g *Gauge) Set(v int64)      { g.value.Store(v) }
func (g *Gauge) Inc()             { g.value.Add(1) }
func (g *Gauge) Dec()             { g.value.Add(-1) }
func (g *Gauge) Add(v int64)      { g.value.Add(v) }
func (g *Gauge) Value() int64     { return g.value.Load() }
func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Type() MetricType { return TypeGauge }

// SetBool sets the gauge to 1 or 0.
func (g *Gauge) SetBool(b bool) {
	if b {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, last is +Inf
	sum    float64
	count  uint64
}

// GapBuckets cover chatter gaps and hold times, in seconds. Chatter
// normally re-closes a switch within a few milliseconds.
var GapBuckets = []float64{
	0.0005, 0.001, 0.002, 0.005, 0.01, 0.015, 0.02, 0.03, 0.05, 0.1,
}

// DefaultBuckets are general purpose latency buckets, in seconds.
var DefaultBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewHistogram creates an unregistered Histogram. Nil buckets select
// DefaultBuckets.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Mean returns the mean of observed values.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mean()
}

func (h *Histogram) mean() float64 {
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Quantile estimates the p-th percentile (0-100) from the buckets.
func (h *Histogram) Quantile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Percentile(h.buckets, h.cumulative(), p)
}

// cumulative returns running bucket totals. Callers hold mu.
func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.counts))
	var total uint64
	for i, c := range h.counts {
		total += c
		out[i] = total
	}
	return out
}

// Registry holds registered metrics under a common name prefix.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
	subsystem string
}

// NewRegistry creates a Registry whose metric names are prefixed with
// namespace and subsystem, when non-empty.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
		subsystem:  subsystem,
	}
}

func (r *Registry) fullName(name string) string {
	parts := make([]string, 0, 3)
	if r.namespace != "" {
		parts = append(parts, r.namespace)
	}
	if r.subsystem != "" {
		parts = append(parts, r.subsystem)
	}
	return strings.Join(append(parts, name), "_")
}

// RegisterCounter registers a counter, or returns the existing one.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if c, ok := r.counters[full]; ok {
		return c
	}
	c := NewCounter(full, help, labels)
	r.counters[full] = c
	return c
}

// RegisterGauge registers a gauge, or returns the existing one.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if g, ok := r.gauges[full]; ok {
		return g
	}
	g := NewGauge(full, help, labels)
	r.gauges[full] = g
	return g
}

// RegisterHistogram registers a histogram, or returns the existing one.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	if h, ok := r.histograms[full]; ok {
		return h
	}
	h := NewHistogram(full, help, labels, buckets)
	r.histograms[full] = h
	return h
}

// GetCounter returns a counter by its unprefixed name.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[r.fullName(name)]
}

// GetGauge returns a gauge by its unprefixed name.
func (r *Registry) GetGauge(name string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[r.fullName(name)]
}

// GetHistogram returns a histogram by its unprefixed name.
func (r *Registry) GetHistogram(name string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[r.fullName(name)]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes metrics in the Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range sortedKeys(r.counters) {
		c := r.counters[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", name, c.help, name)
		fmt.Fprintf(&b, "%s%s %d\n", name, c.labels, c.Value())
	}
	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n", name, g.help, name)
		fmt.Fprintf(&b, "%s%s %d\n", name, g.labels, g.Value())
	}
	for _, name := range sortedKeys(r.histograms) {
		h := r.histograms[name]
		h.mu.Lock()
		cum := h.cumulative()
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s histogram\n", name, h.help, name)
		for i, bound := range h.buckets {
			fmt.Fprintf(&b, "%s_bucket%s %d\n", name, h.labels.with("le", formatBound(bound)), cum[i])
		}
		fmt.Fprintf(&b, "%s_bucket%s %d\n", name, h.labels.with("le", "+Inf"), cum[len(cum)-1])
		fmt.Fprintf(&b, "%s_sum%s %g\n", name, h.labels, h.sum)
		fmt.Fprintf(&b, "%s_count%s %d\n", name, h.labels, h.count)
		h.mu.Unlock()
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func formatBound(v float64) string {
	return fmt.Sprintf("%g", v)
}

// WriteJSON writes metrics as a JSON object keyed by metric name.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.counters)+len(r.gauges)+len(r.histograms))
	for name, c := range r.counters {
		out[name] = map[string]any{"type": "counter", "help": c.help, "labels": c.labels, "value": c.Value()}
	}
	for name, g := range r.gauges {
		out[name] = map[string]any{"type": "gauge", "help": g.help, "labels": g.labels, "value": g.Value()}
	}
	for name, h := range r.histograms {
		h.mu.Lock()
		cum := h.cumulative()
		buckets := make(map[string]uint64, len(cum))
		for i, bound := range h.buckets {
			buckets[formatBound(bound)] = cum[i]
		}
		buckets["+Inf"] = cum[len(cum)-1]
		out[name] = map[string]any{
			"type":    "histogram",
			"help":    h.help,
			"labels":  h.labels,
			"buckets": buckets,
			"sum":     h.sum,
			"count":   h.count,
			"mean":    h.mean(),
		}
		h.mu.Unlock()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Snapshot returns current values keyed by full metric name. Histograms
// contribute _sum, _count and _mean entries.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]any)
	for name, c := range r.counters {
		snapshot[name] = c.Value()
	}
	for name, g := range r.gauges {
		snapshot[name] = g.Value()
	}
	for name, h := range r.histograms {
		snapshot[name+"_sum"] = h.Sum()
		snapshot[name+"_count"] = h.Count()
		snapshot[name+"_mean"] = h.Mean()
	}
	return snapshot
}

// Reset zeroes every metric.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.counters {
		c.value.Store(0)
	}
	for _, g := range r.gauges {
		g.value.Store(0)
	}
	for _, h := range r.histograms {
		h.mu.Lock()
		h.sum, h.count = 0, 0
		clear(h.counts)
		h.mu.Unlock()
	}
}

// HTTPHandler serves the registry. Clients asking for application/json get
// WriteJSON, everyone else the Prometheus text format.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}

// Percentile estimates the p-th percentile (0-100) from cumulative bucket
// counts, interpolating linearly inside the matching bucket. counts has one
// more entry than buckets, for +Inf.
func Percentile(buckets []float64, counts []uint64, p float64) float64 {
	if len(buckets) == 0 || len(counts) == 0 || counts[len(counts)-1] == 0 {
		return 0
	}

	total := counts[len(counts)-1]
	target := uint64(math.Ceil(float64(total) * p / 100))
	if target == 0 {
		target = 1
	}

	for i, count := range counts {
		if count < target {
			continue
		}
		if i == 0 {
			return buckets[0] / 2
		}
		lower := buckets[i-1]
		upper := lower * 2
		if i < len(buckets) {
			upper = buckets[i]
		}
		prev := counts[i-1]
		ratio := float64(target-prev) / float64(count-prev)
		return lower + (upper-lower)*ratio
	}
	return buckets[len(buckets)-1]
}
