// Package telemetry keeps process-local metrics and serves them in the
// Prometheus text exposition format at /metrics.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Metric names.
const (
	MetricSignTotal     = "rx_sign_total"
	MetricVerifyTotal   = "rx_verify_total"
	MetricRevokeTotal   = "rx_revoke_total"
	MetricDownloadTotal = "rx_document_download_total"
	MetricHTTPRequests  = "http_server_requests_total"
	MetricHTTPDuration  = "http_server_request_duration_seconds"
	MetricActiveReqs    = "http_server_active_requests"
	MetricNotifyDropped = "rx_notification_dropped_total"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

var help = map[string]string{
	MetricSignTotal:     "Prescription sign attempts by outcome.",
	MetricVerifyTotal:   "Public verification lookups by result reason.",
	MetricRevokeTotal:   "Prescriptions revoked.",
	MetricDownloadTotal: "Signed documents downloaded.",
	MetricHTTPRequests:  "HTTP requests by method, route and status code.",
	MetricHTTPDuration:  "Duration of HTTP requests in seconds.",
	MetricActiveReqs:    "Number of in-flight HTTP requests.",
	MetricNotifyDropped: "Notifications dropped because the queue was full.",
}

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
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// series identifies one labeled time series: the metric name followed by
// alternating label names and values.
type series struct {
	name   string
	labels string
}

func newSeries(name string, kv ...string) series {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", kv[i], kv[i+1])
	}
	return series{name: name, labels: b.String()}
}

func (s series) String() string {
	if s.labels == "" {
		return s.name
	}
	return s.name + "{" + s.labels + "}"
}

// Registry holds every metric the process exposes.
type Registry struct {
	mu         sync.RWMutex
	counters   map[series]*int64
	histograms map[series]*histogram
	active     int64
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[series]*int64),
		histograms: make(map[series]*histogram),
	}
}

// Inc adds one to the counter name with the given label pairs.
func (r *Registry) Inc(name string, labels ...string) {
	s := newSeries(name, labels...)
	r.mu.RLock()
	p, ok := r.counters[s]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if p, ok = r.counters[s]; !ok {
			p = new(int64)
			r.counters[s] = p
		}
		r.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// Counter returns the current value of a counter series.
func (r *Registry) Counter(name string, labels ...string) int64 {
	r.mu.RLock()
	p, ok := r.counters[newSeries(name, labels...)]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (r *Registry) observe(name string, v float64, labels ...string) {
	s := newSeries(name, labels...)
	r.mu.RLock()
	h, ok := r.histograms[s]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		if h, ok = r.histograms[s]; !ok {
			h = newHistogram(defaultDurationBuckets)
			r.histograms[s] = h
		}
		r.mu.Unlock()
	}
	h.Observe(v)
}

func (r *Registry) SignOutcome(outcome string) { r.Inc(MetricSignTotal, "outcome", outcome) }

func (r *Registry) VerifyResult(reason string) { r.Inc(MetricVerifyTotal, "reason", reason) }

func (r *Registry) Revoked() { r.Inc(MetricRevokeTotal) }

func (r *Registry) DocumentDownloaded() { r.Inc(MetricDownloadTotal) }

func (r *Registry) NotificationDropped() { r.Inc(MetricNotifyDropped) }

// Middleware records request counts and latency per route.
func (r *Registry) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&r.active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&r.active, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			method := c.Request().Method
			code := strconv.Itoa(status)

			r.Inc(MetricHTTPRequests, "method", method, "route", route, "status_code", code)
			r.observe(MetricHTTPDuration, time.Since(start).Seconds(), "method", method, "route", route)
			return err
		}
	}
}

// Handler serves the registry at /metrics.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, r.Expose())
	}
}

// Expose renders the registry. Series are sorted so output is stable.
func (r *Registry) Expose() string {
	r.mu.RLock()
	counters := make(map[series]int64, len(r.counters))
	for s, p := range r.counters {
		counters[s] = atomic.LoadInt64(p)
	}
	histograms := make(map[series]*histogram, len(r.histograms))
	for s, h := range r.histograms {
		histograms[s] = h
	}
	r.mu.RUnlock()

	var b strings.Builder

	byName := make(map[string][]series)
	for s := range counters {
		byName[s.name] = append(byName[s.name], s)
	}
	for _, name := range sortedKeys(byName) {
		writeHeader(&b, name, "counter")
		list := byName[name]
		sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
		for _, s := range list {
			fmt.Fprintf(&b, "%s %d\n", s, counters[s])
		}
		b.WriteByte('\n')
	}

	hByName := make(map[string][]series)
	for s := range histograms {
		hByName[s.name] = append(hByName[s.name], s)
	}
	for _, name := range sortedKeys(hByName) {
		writeHeader(&b, name, "histogram")
		list := hByName[name]
		sort.Slice(list, func(i, j int) bool { return list[i].labels < list[j].labels })
		for _, s := range list {
			writeHistogram(&b, s, histograms[s])
		}
		b.WriteByte('\n')
	}

	writeHeader(&b, MetricActiveReqs, "gauge")
	fmt.Fprintf(&b, "%s %d\n", MetricActiveReqs, atomic.LoadInt64(&r.active))
	return b.String()
}

func writeHeader(b *strings.Builder, name, typ string) {
	if h, ok := help[name]; ok {
		fmt.Fprintf(b, "# HELP %s %s\n", name, h)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, s series, h *histogram) {
	prefix := ""
	suffix := ""
	if s.labels != "" {
		prefix = s.labels + ","
		suffix = "{" + s.labels + "}"
	}

	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", s.name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", s.name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", s.name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", s.name, suffix, h.Count())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
