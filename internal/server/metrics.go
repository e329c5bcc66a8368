package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/httpbridge/internal/websocket"
)

// Exchange outcomes counted by Metrics.
const (
	OutcomeOK           = "ok"
	OutcomeFallback     = "fallback"
	OutcomeUnresolved   = "unresolved"
	OutcomeRuntimeError = "runtime_error"
	OutcomeSendError    = "send_error"
)

// Metrics collects Prometheus-compatible metrics for the listener and the
// admin server.
type Metrics struct {
	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int32

	exchanges sync.Map // "operation:outcome" -> *atomic.Int64
	errors    sync.Map // adapter error kind -> *atomic.Int64

	durationBuckets []float64
	durationCounts  []atomic.Int64
	durationSum     atomic.Int64
	durationCount   atomic.Int64

	adminRequests sync.Map // "method:status" -> *atomic.Int64

	runtime Runtime
	tap     *websocket.Manager
}

// NewMetrics creates a new metrics collector. rt and tap may be nil.
func NewMetrics(rt Runtime, tap *websocket.Manager) *Metrics {
	buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}
	return &Metrics{
		runtime:         rt,
		tap:             tap,
		durationBuckets: buckets,
		durationCounts:  make([]atomic.Int64, len(buckets)),
	}
}

func (m *Metrics) connOpened() {
	m.connectionsTotal.Add(1)
	m.connectionsActive.Add(1)
}

func (m *Metrics) connClosed() {
	m.connectionsActive.Add(-1)
}

func incr(counters *sync.Map, key string) {
	c, _ := counters.LoadOrStore(key, &atomic.Int64{})
	c.(*atomic.Int64).Add(1)
}

// ObserveExchange records one finished exchange.
func (m *Metrics) ObserveExchange(operation, outcome string, d time.Duration) {
	incr(&m.exchanges, operation+":"+outcome)

	m.durationSum.Add(int64(d))
	m.durationCount.Add(1)
	sec := d.Seconds()
	for i, bucket := range m.durationBuckets {
		if sec <= bucket {
			m.durationCounts[i].Add(1)
		}
	}
}

// ObserveError records an adapter failure by kind.
func (m *Metrics) ObserveError(kind string) {
	incr(&m.errors, kind)
}

// Middleware counts admin requests and serves the metrics endpoint.
func (m *Metrics) Middleware(metricsPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == metricsPath {
				m.serveMetrics(w)
				return
			}
			rw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			incr(&m.adminRequests, fmt.Sprintf("%s:%d", r.Method, rw.statusCode))
		})
	}
}

// sortedCounters returns the keys of counters in order with their values.
func sortedCounters(counters *sync.Map) ([]string, map[string]int64) {
	values := make(map[string]int64)
	counters.Range(func(key, value interface{}) bool {
		values[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, values
}

func (m *Metrics) serveMetrics(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Write([]byte(m.render()))
}

func (m *Metrics) render() string {
	var b strings.Builder

	b.WriteString("# HELP httpbridge_connections_total Total number of accepted connections.\n")
	b.WriteString("# TYPE httpbridge_connections_total counter\n")
	fmt.Fprintf(&b, "httpbridge_connections_total %d\n", m.connectionsTotal.Load())

	b.WriteString("# HELP httpbridge_connections_active Current number of open connections.\n")
	b.WriteString("# TYPE httpbridge_connections_active gauge\n")
	fmt.Fprintf(&b, "httpbridge_connections_active %d\n", m.connectionsActive.Load())

	b.WriteString("# HELP httpbridge_exchanges_total Exchanges by operation and outcome.\n")
	b.WriteString("# TYPE httpbridge_exchanges_total counter\n")
	keys, values := sortedCounters(&m.exchanges)
	for _, k := range keys {
		op, outcome, _ := strings.Cut(k, ":")
		fmt.Fprintf(&b, "httpbridge_exchanges_total{operation=%q,outcome=%q} %d\n", op, outcome, values[k])
	}

	b.WriteString("# HELP httpbridge_adapter_errors_total Adapter failures by kind.\n")
	b.WriteString("# TYPE httpbridge_adapter_errors_total counter\n")
	keys, values = sortedCounters(&m.errors)
	for _, k := range keys {
		fmt.Fprintf(&b, "httpbridge_adapter_errors_total{kind=%q} %d\n", k, values[k])
	}

	b.WriteString("# HELP httpbridge_exchange_duration_seconds Exchange duration in seconds.\n")
	b.WriteString("# TYPE httpbridge_exchange_duration_seconds histogram\n")
	total := m.durationCount.Load()
	for i, bucket := range m.durationBuckets {
		fmt.Fprintf(&b, "httpbridge_exchange_duration_seconds_bucket{le=\"%.3f\"} %d\n", bucket, m.durationCounts[i].Load())
	}
	fmt.Fprintf(&b, "httpbridge_exchange_duration_seconds_bucket{le=\"+Inf\"} %d\n", total)
	fmt.Fprintf(&b, "httpbridge_exchange_duration_seconds_sum %.6f\n", float64(m.durationSum.Load())/float64(time.Second))
	fmt.Fprintf(&b, "httpbridge_exchange_duration_seconds_count %d\n", total)

	b.WriteString("# HELP httpbridge_admin_requests_total Admin HTTP requests.\n")
	b.WriteString("# TYPE httpbridge_admin_requests_total counter\n")
	keys, values = sortedCounters(&m.adminRequests)
	for _, k := range keys {
		method, status, _ := strings.Cut(k, ":")
		fmt.Fprintf(&b, "httpbridge_admin_requests_total{method=%q,status=%q} %d\n", method, status, values[k])
	}

	if m.runtime != nil {
		stats := m.runtime.Stats()
		b.WriteString("# HELP httpbridge_workers_total Total number of runtime workers.\n")
		b.WriteString("# TYPE httpbridge_workers_total gauge\n")
		fmt.Fprintf(&b, "httpbridge_workers_total %d\n", stats.TotalWorkers)

		b.WriteString("# HELP httpbridge_workers_busy Number of busy runtime workers.\n")
		b.WriteString("# TYPE httpbridge_workers_busy gauge\n")
		fmt.Fprintf(&b, "httpbridge_workers_busy %d\n", stats.BusyWorkers)

		b.WriteString("# HELP httpbridge_runtime_calls_total Messages forwarded to the runtime.\n")
		b.WriteString("# TYPE httpbridge_runtime_calls_total counter\n")
		fmt.Fprintf(&b, "httpbridge_runtime_calls_total %d\n", stats.TotalRequests)

		b.WriteString("# HELP httpbridge_runtime_failures_total Forwarded messages that failed.\n")
		b.WriteString("# TYPE httpbridge_runtime_failures_total counter\n")
		fmt.Fprintf(&b, "httpbridge_runtime_failures_total %d\n", stats.FailedRequests)
	}

	if m.tap != nil {
		stats := m.tap.Stats()
		b.WriteString("# HELP httpbridge_tap_clients Connected traffic tap clients.\n")
		b.WriteString("# TYPE httpbridge_tap_clients gauge\n")
		fmt.Fprintf(&b, "httpbridge_tap_clients %d\n", stats.TotalConnections)

		b.WriteString("# HELP httpbridge_tap_dropped_total Tap events dropped for slow clients.\n")
		b.WriteString("# TYPE httpbridge_tap_dropped_total counter\n")
		fmt.Fprintf(&b, "httpbridge_tap_dropped_total %d\n", stats.Dropped)
	}

	b.WriteString("# HELP httpbridge_go_goroutines Number of goroutines.\n")
	b.WriteString("# TYPE httpbridge_go_goroutines gauge\n")
	fmt.Fprintf(&b, "httpbridge_go_goroutines %d\n", runtime.NumGoroutine())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	b.WriteString("# HELP httpbridge_go_memstats_alloc_bytes Number of bytes allocated.\n")
	b.WriteString("# TYPE httpbridge_go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(&b, "httpbridge_go_memstats_alloc_bytes %d\n", mem.Alloc)

	return b.String()
}

type statusWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *statusWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Hijack hands the connection to the tap's websocket upgrade.
func (rw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
