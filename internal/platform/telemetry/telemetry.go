// Package telemetry keeps in-process counters, gauges and histograms for the
// real-time server and exposes them in Prometheus text format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; export makes them cumulative.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated with CAS
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

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

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

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// series is keyed by metric name plus label values joined with "|".
type series struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newSeries() *series {
	return &series{items: make(map[string]*int64)}
}

func (s *series) ptr(key string) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; !ok {
		p = new(int64)
		s.items[key] = p
	}
	return p
}

func (s *series) add(key string, delta int64) {
	atomic.AddInt64(s.ptr(key), delta)
}

func (s *series) set(key string, val int64) {
	atomic.StoreInt64(s.ptr(key), val)
}

func (s *series) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *series) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type histogramSet struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func (s *histogramSet) get(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramSet) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

func key(parts ...string) string {
	return strings.Join(parts, "|")
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

var durationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// Metric names, as exposed.
const (
	mConnections     = "ehr_ws_connections"
	mRooms           = "ehr_ws_rooms"
	mOnlineUsers     = "ehr_ws_online_users"
	mActiveSessions  = "ehr_simulation_active_sessions"
	mEvents          = "ehr_ws_events_total"
	mRejected        = "ehr_ws_events_rejected_total"
	mDropped         = "ehr_ws_frames_dropped_total"
	mRelayed         = "ehr_relay_events_total"
	mPersistDuration = "ehr_persist_duration_seconds"
	mHTTPDuration    = "http_server_request_duration_seconds"
	mHTTPActive      = "http_server_active_requests"
)

// Metrics is the process-wide metric registry. The zero value is not usable;
// call New.
type Metrics struct {
	gauges   *series
	counters *series
	persist  *histogramSet
	http     *histogramSet
}

func New() *Metrics {
	return &Metrics{
		gauges:   newSeries(),
		counters: newSeries(),
		persist:  &histogramSet{items: make(map[string]*histogram)},
		http:     &histogramSet{items: make(map[string]*histogram)},
	}
}

func (m *Metrics) ConnectionOpened() { m.gauges.add(mConnections, 1) }
func (m *Metrics) ConnectionClosed() { m.gauges.add(mConnections, -1) }
func (m *Metrics) SetRooms(n int)    { m.gauges.set(mRooms, int64(n)) }
func (m *Metrics) SetOnlineUsers(n int) {
	m.gauges.set(mOnlineUsers, int64(n))
}
func (m *Metrics) SetActiveSessions(n int) {
	m.gauges.set(mActiveSessions, int64(n))
}

// EventHandled counts an inbound socket event by kind.
func (m *Metrics) EventHandled(kind string) {
	m.counters.add(key(mEvents, kind), 1)
}

// EventRejected counts an inbound event that produced an error frame.
func (m *Metrics) EventRejected(kind, reason string) {
	m.counters.add(key(mRejected, kind, reason), 1)
}

// FrameDropped counts an outbound frame discarded because the connection's
// send buffer was full.
func (m *Metrics) FrameDropped() {
	m.counters.add(mDropped, 1)
}

// Relayed counts an event received from the cross-process relay.
func (m *Metrics) Relayed(kind string) {
	m.counters.add(key(mRelayed, kind), 1)
}

// ObservePersist records how long a store call took.
func (m *Metrics) ObservePersist(op string, d time.Duration) {
	m.persist.get(op, durationBuckets).Observe(d.Seconds())
}

func (m *Metrics) Gauge(name string) int64 {
	return m.gauges.get(name)
}

func (m *Metrics) Counter(name string, labels ...string) int64 {
	return m.counters.get(key(append([]string{name}, labels...)...))
}

// MetricsMiddleware records request duration per route and the number of
// in-flight requests.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.gauges.add(mHTTPActive, 1)
			start := time.Now()

			err := next(c)

			m.gauges.add(mHTTPActive, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			k := key(c.Request().Method, route, fmt.Sprintf("%d", status))
			m.http.get(k, durationBuckets).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves GET /metrics.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Render())
	}
}

// Render writes every metric in Prometheus text exposition format, with
// series sorted for stable output.
func (m *Metrics) Render() string {
	var b strings.Builder

	gauges := m.gauges.snapshot()
	for _, g := range []struct{ name, help string }{
		{mConnections, "Open WebSocket connections."},
		{mRooms, "Rooms with at least one member."},
		{mOnlineUsers, "Users with at least one open connection."},
		{mActiveSessions, "Simulation sessions held in memory."},
		{mHTTPActive, "Number of active HTTP requests."},
	} {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n\n", g.name, g.help, g.name, g.name, gauges[g.name])
	}

	counters := m.counters.snapshot()
	writeCounter(&b, counters, mEvents, "Inbound socket events by kind.", "kind")
	writeCounter(&b, counters, mRejected, "Inbound socket events answered with an error.", "kind", "reason")
	writeCounter(&b, counters, mRelayed, "Events received from the relay by kind.", "kind")
	fmt.Fprintf(&b, "# HELP %s Outbound frames dropped on a full send buffer.\n# TYPE %s counter\n%s %d\n\n",
		mDropped, mDropped, mDropped, counters[mDropped])

	writeHistograms(&b, mPersistDuration, "Duration of store calls in seconds.", m.persist.snapshot(), "op")
	writeHistograms(&b, mHTTPDuration, "Duration of HTTP requests in seconds.", m.http.snapshot(),
		"method", "route", "status_code")

	return b.String()
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func labelString(names, values []string) string {
	pairs := make([]string, 0, len(names))
	for i, n := range names {
		if i < len(values) {
			pairs = append(pairs, fmt.Sprintf("%s=%q", n, values[i]))
		}
	}
	return strings.Join(pairs, ",")
}

func writeCounter(b *strings.Builder, snap map[string]int64, name, help string, labels ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	prefix := name + "|"
	var keys []string
	for k := range snap {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := strings.Split(strings.TrimPrefix(k, prefix), "|")
		fmt.Fprintf(b, "%s{%s} %d\n", name, labelString(labels, values), snap[k])
	}
	b.WriteByte('\n')
}

func writeHistograms(b *strings.Builder, name, help string, snap map[string]*histogram, labels ...string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s histogram\n", name, help, name)
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h := snap[k]
		ls := labelString(labels, strings.Split(k, "|"))
		cum := h.cumulativeBuckets()
		for i, bound := range h.boundaries {
			fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, ls, bound, cum[i])
		}
		fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, ls, h.Count())
		fmt.Fprintf(b, "%s_sum{%s} %g\n", name, ls, h.Sum())
		fmt.Fprintf(b, "%s_count{%s} %d\n", name, ls, h.Count())
	}
	b.WriteByte('\n')
}
