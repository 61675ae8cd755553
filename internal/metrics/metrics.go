// Package metrics provides Prometheus-compatible metrics for stressd.
//
// Features:
//   - Counters for keystrokes, compiles, predictions and interventions
//   - Gauges for monitoring state and predictor health
//   - Histograms for analysis latency and prediction confidence
//   - Optional HTTP endpoint for scraping
//   - Thread-safe operations
//
// A metric name may be registered several times with different labels; each
// label set is its own series and the family shares one HELP/TYPE header.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
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

// String returns the string representation of the metric type.
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

// Labels represents metric labels.
type Labels map[string]string

// String renders the labels in Prometheus form with sorted keys.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	return "{" + l.pairs() + "}"
}

func (l Labels) pairs() string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Quote(l[k]))
	}
	return strings.Join(parts, ",")
}

// with returns the labels plus one extra pair, rendered.
func (l Labels) with(key, value string) string {
	p := l.pairs()
	if p != "" {
		p += ","
	}
	return "{" + p + key + "=" + strconv.Quote(value) + "}"
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{name: name, help: help, labels: labels}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) {
	c.value.Add(v)
}

// Value returns the current value.
func (c *Counter) Value() uint64 {
	return c.value.Load()
}

// Name returns the metric name.
func (c *Counter) Name() string {
	return c.name
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{name: name, help: help, labels: labels}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) {
	g.value.Store(v)
}

// SetBool sets the gauge to 1 or 0.
func (g *Gauge) SetBool(b bool) {
	if b {
		g.value.Store(1)
	} else {
		g.value.Store(0)
	}
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Name returns the metric name.
func (g *Gauge) Name() string {
	return g.name
}

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, not cumulative; last is +Inf
	sum    float64
	count  uint64
}

// DurationBuckets are buckets for duration histograms (in seconds).
var DurationBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// RatioBuckets are buckets for values in [0, 1].
var RatioBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewHistogram creates a new Histogram. Nil buckets mean DurationBuckets.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DurationBuckets
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
	// Buckets are upper-inclusive.
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Name returns the metric name.
func (h *Histogram) Name() string {
	return h.name
}

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Mean returns the mean of observed values.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Quantile estimates the q-th quantile (0 < q <= 1) by linear
// interpolation inside the bucket that holds it. Observations above the
// largest bucket report that bucket's bound.
func (h *Histogram) Quantile(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 || len(h.buckets) == 0 {
		return 0
	}
	target := uint64(math.Ceil(float64(h.count) * q))
	if target == 0 {
		target = 1
	}

	var cumulative uint64
	for i, n := range h.counts {
		if cumulative+n < target {
			cumulative += n
			continue
		}
		if i == len(h.buckets) {
			return h.buckets[len(h.buckets)-1]
		}
		lower := 0.0
		if i > 0 {
			lower = h.buckets[i-1]
		}
		upper := h.buckets[i]
		ratio := float64(target-cumulative) / float64(n)
		return lower + (upper-lower)*ratio
	}
	return h.buckets[len(h.buckets)-1]
}

func (h *Histogram) reset() {
	h.mu.Lock()
	h.sum = 0
	h.count = 0
	clear(h.counts)
	h.mu.Unlock()
}

// Registry holds all registered metrics.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	namespace string
	subsystem string
}

// NewRegistry creates a new Registry.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		namespace:  namespace,
		subsystem:  subsystem,
	}
}

// fullName returns the full metric name with namespace and subsystem.
func (r *Registry) fullName(name string) string {
	var parts []string
	if r.namespace != "" {
		parts = append(parts, r.namespace)
	}
	if r.subsystem != "" {
		parts = append(parts, r.subsystem)
	}
	return strings.Join(append(parts, name), "_")
}

func seriesKey(name string, labels Labels) string {
	return name + labels.String()
}

// RegisterCounter registers a counter series, returning the existing one if
// the name and labels are already registered.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if c, ok := r.counters[key]; ok {
		return c
	}
	c := NewCounter(full, help, labels)
	r.counters[key] = c
	return c
}

// RegisterGauge registers a gauge series.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g := NewGauge(full, help, labels)
	r.gauges[key] = g
	return g
}

// RegisterHistogram registers a histogram series.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := seriesKey(full, labels)
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h := NewHistogram(full, help, labels, buckets)
	r.histograms[key] = h
	return h
}

// GetCounter returns a counter series by name and labels.
func (r *Registry) GetCounter(name string, labels Labels) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[seriesKey(r.fullName(name), labels)]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// header writes HELP and TYPE once per family.
type header struct {
	w    io.Writer
	seen map[string]bool
}

func (h *header) write(name, help string, t MetricType) {
	if h.seen[name] {
		return
	}
	h.seen[name] = true
	fmt.Fprintf(h.w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(h.w, "# TYPE %s %s\n", name, t)
}

// WritePrometheus writes metrics in Prometheus text format, sorted by series.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var buf strings.Builder
	hdr := &header{w: &buf, seen: make(map[string]bool)}

	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		hdr.write(c.name, c.help, TypeCounter)
		fmt.Fprintf(&buf, "%s%s %d\n", c.name, c.labels.String(), c.Value())
	}

	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		hdr.write(g.name, g.help, TypeGauge)
		fmt.Fprintf(&buf, "%s%s %d\n", g.name, g.labels.String(), g.Value())
	}

	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		hdr.write(h.name, h.help, TypeHistogram)

		h.mu.Lock()
		var cumulative uint64
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			le := strconv.FormatFloat(bound, 'g', -1, 64)
			fmt.Fprintf(&buf, "%s_bucket%s %d\n", h.name, h.labels.with("le", le), cumulative)
		}
		cumulative += h.counts[len(h.buckets)]
		fmt.Fprintf(&buf, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf"), cumulative)
		fmt.Fprintf(&buf, "%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
		fmt.Fprintf(&buf, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
		h.mu.Unlock()
	}

	_, err := io.WriteString(w, buf.String())
	return err
}

// WriteJSON writes metrics in JSON format, keyed by series.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	out := make(map[string]any, len(r.counters)+len(r.gauges)+len(r.histograms))

	for k, c := range r.counters {
		out[k] = map[string]any{"type": "counter", "help": c.help, "value": c.Value()}
	}
	for k, g := range r.gauges {
		out[k] = map[string]any{"type": "gauge", "help": g.help, "value": g.Value()}
	}
	for k, h := range r.histograms {
		out[k] = map[string]any{
			"type":  "histogram",
			"help":  h.help,
			"count": h.Count(),
			"sum":   h.Sum(),
			"mean":  h.Mean(),
			"p50":   h.Quantile(0.5),
			"p95":   h.Quantile(0.95),
		}
	}
	r.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
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
		h.reset()
	}
}

// HTTPHandler serves the registry: JSON when the client accepts it,
// Prometheus text otherwise.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

var defaultRegistry = NewRegistry("stressd", "")

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
