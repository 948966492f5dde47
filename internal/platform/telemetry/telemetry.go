// Package telemetry records HTTP and queue metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/domain/intake"
)

// defaultDurationBuckets are the histogram boundaries in seconds for HTTP
// request durations.
var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram. Bucket counts are stored
// non-cumulative and summed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// Gauge is sampled at scrape time. Read returns one value per label value;
// unlabeled gauges return a single entry under "".
type Gauge struct {
	Name  string
	Help  string
	Label string
	Read  func() map[string]int64
}

// Provider holds every metric the server exports.
type Provider struct {
	histMu   sync.RWMutex
	requests map[string]*histogram // method|route|status -> durations

	active int64

	actionMu sync.Mutex
	actions  map[string]int64 // action|clinic -> count

	gaugeMu sync.RWMutex
	gauges  []Gauge
}

func NewProvider() *Provider {
	return &Provider{
		requests: make(map[string]*histogram),
		actions:  make(map[string]int64),
	}
}

// LabelsKey builds the key of a labeled request histogram.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

func (tp *Provider) requestHistogram(key string) *histogram {
	tp.histMu.RLock()
	h, ok := tp.requests[key]
	tp.histMu.RUnlock()
	if ok {
		return h
	}

	tp.histMu.Lock()
	defer tp.histMu.Unlock()
	if h, ok = tp.requests[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		tp.requests[key] = h
	}
	return h
}

// RequestCount returns the number of requests observed for a label set.
func (tp *Provider) RequestCount(method, route, statusCode string) int64 {
	tp.histMu.RLock()
	defer tp.histMu.RUnlock()
	if h, ok := tp.requests[LabelsKey(method, route, statusCode)]; ok {
		return h.Count()
	}
	return 0
}

// ActionCount returns how many transitions of the given kind were audited
// for clinic.
func (tp *Provider) ActionCount(action intake.Action, clinic string) int64 {
	tp.actionMu.Lock()
	defer tp.actionMu.Unlock()
	return tp.actions[string(action)+"|"+clinic]
}

// RegisterGauge adds a gauge sampled on every scrape.
func (tp *Provider) RegisterGauge(g Gauge) {
	tp.gaugeMu.Lock()
	defer tp.gaugeMu.Unlock()
	tp.gauges = append(tp.gauges, g)
}

// Name, Write and Close let the provider count transitions behind the audit
// dispatcher.
func (tp *Provider) Name() string { return "telemetry" }

func (tp *Provider) Write(_ context.Context, entry intake.AuditEntry) error {
	tp.actionMu.Lock()
	tp.actions[string(entry.Action)+"|"+entry.Clinic]++
	tp.actionMu.Unlock()
	return nil
}

func (tp *Provider) Close() error { return nil }

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request durations by method, route and status.
func (tp *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&tp.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&tp.active, -1)
			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}

			tp.requestHistogram(LabelsKey(c.Request().Method, route, fmt.Sprintf("%d", status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves every metric in text exposition format.
func (tp *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		// --- http_server_request_duration_seconds (histogram) ---
		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		tp.histMu.RLock()
		keys := make([]string, 0, len(tp.requests))
		for k := range tp.requests {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			parts := strings.SplitN(key, "|", 3)
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, tp.requests[key])
		}
		tp.histMu.RUnlock()
		b.WriteByte('\n')

		// --- http_server_active_requests (gauge) ---
		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&tp.active))

		// --- intake_transitions_total (counter) ---
		b.WriteString("# HELP intake_transitions_total Committed queue transitions by action and clinic.\n")
		b.WriteString("# TYPE intake_transitions_total counter\n")
		tp.actionMu.Lock()
		keys = keys[:0]
		for k := range tp.actions {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			parts := strings.SplitN(key, "|", 2)
			fmt.Fprintf(&b, "intake_transitions_total{action=%q,clinic=%q} %d\n", parts[0], parts[1], tp.actions[key])
		}
		tp.actionMu.Unlock()
		b.WriteByte('\n')

		// --- Sampled gauges ---
		tp.gaugeMu.RLock()
		gauges := append([]Gauge(nil), tp.gauges...)
		tp.gaugeMu.RUnlock()
		for _, g := range gauges {
			writeGauge(&b, g)
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeGauge(b *strings.Builder, g Gauge) {
	fmt.Fprintf(b, "# HELP %s %s\n", g.Name, g.Help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", g.Name)

	values := g.Read()
	labels := make([]string, 0, len(values))
	for l := range values {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		if g.Label == "" || l == "" {
			fmt.Fprintf(b, "%s %d\n", g.Name, values[l])
			continue
		}
		fmt.Fprintf(b, "%s{%s=%q} %d\n", g.Name, g.Label, l, values[l])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
