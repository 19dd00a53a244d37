package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amoylab/esilink/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	namespace     string
	httpReqCnt    *prometheus.CounterVec
	httpDur       *prometheus.HistogramVec
	httpInfl      *prometheus.GaugeVec
	tickCycles    *prometheus.CounterVec
	upstreamCnt   *prometheus.CounterVec
	upstreamDur   *prometheus.HistogramVec
	tokenRefresh  *prometheus.CounterVec
	skippedFresh  *prometheus.CounterVec
	sessionsAlive prometheus.Gauge
	liveConns     prometheus.Gauge
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	tickCycles := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "tick_cycles_total"}, []string{"result"})
	upstreamCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "upstream_requests_total"}, []string{"op", "status"})
	upstreamDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "upstream_request_duration_seconds", Buckets: cfg.Buckets}, []string{"op"})
	tokenRefresh := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "token_refresh_total"}, []string{"result"})
	skippedFresh := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "upstream_skipped_fresh_total"}, []string{"resource"})
	r.MustRegister(tickCycles, upstreamCnt, upstreamDur, tokenRefresh, skippedFresh)

	sessionsAlive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "sessions_active"})
	liveConns := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "live_connections"})
	r.MustRegister(sessionsAlive, liveConns)

	return &Metrics{
		registry:      r,
		namespace:     ns,
		httpReqCnt:    httpReqCnt,
		httpDur:       httpDur,
		httpInfl:      httpInfl,
		tickCycles:    tickCycles,
		upstreamCnt:   upstreamCnt,
		upstreamDur:   upstreamDur,
		tokenRefresh:  tokenRefresh,
		skippedFresh:  skippedFresh,
		sessionsAlive: sessionsAlive,
		liveConns:     liveConns,
	}
}

// TickDone counts one finished tick cycle; result is ok, failed or idle
func (m *Metrics) TickDone(result string) {
	if m == nil {
		return
	}
	m.tickCycles.WithLabelValues(result).Inc()
}

func (m *Metrics) UpstreamDone(op string, status int, since time.Time) {
	if m == nil {
		return
	}
	m.upstreamCnt.WithLabelValues(op, httpStatus(status)).Inc()
	m.upstreamDur.WithLabelValues(op).Observe(time.Since(since).Seconds())
}

func (m *Metrics) TokenRefreshed(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.tokenRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) SkippedFresh(resource string) {
	if m == nil {
		return
	}
	m.skippedFresh.WithLabelValues(resource).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsAlive.Set(float64(n))
}

func (m *Metrics) LiveConnected() {
	if m == nil {
		return
	}
	m.liveConns.Inc()
}

func (m *Metrics) LiveDisconnected() {
	if m == nil {
		return
	}
	m.liveConns.Dec()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = routeFromURL(c.Request.URL.Path)
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := httpStatus(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

// Handler exposes the registry; it is nil when metrics are disabled
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// routeFromURL collapses character ids so unmatched paths do not explode label cardinality
func routeFromURL(path string) string {
	const prefix = "/api/eve/eve_characters/"
	if strings.HasPrefix(path, prefix) {
		rest := strings.TrimPrefix(path, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			return prefix + ":character_id" + rest[i:]
		}
		return prefix + ":character_id"
	}
	return path
}

func httpStatus(code int) string { return strconv.Itoa(code) }
