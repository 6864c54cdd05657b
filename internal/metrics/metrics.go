// Package metrics 汇总代理的 Prometheus 指标。所有方法对 nil 接收者安全，
// 组件在未注入指标时无需判空。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	resultLabel = "result"
	methodLabel = "method"
	fromLabel   = "from"
	toLabel     = "to"
)

// Metrics 持有独立的 registry，避免多实例（测试）重复注册到全局。
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups     *prometheus.CounterVec
	cacheWrites      prometheus.Counter
	cacheWriteBytes  prometheus.Counter
	lockDegraded     prometheus.Counter
	locksHeld        prometheus.Gauge
	originRequests   *prometheus.CounterVec
	originFetchBytes prometheus.Counter
	conversions      *prometheus.CounterVec
	memoLookups      *prometheus.CounterVec
	capsuleFetches   *prometheus.CounterVec
	histRequestDur   *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csproxy_cache_lookups_total",
			Help: "Changeset cache lookups by result (hit, miss)",
		}, []string{resultLabel}),
		cacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csproxy_cache_writes_total",
			Help: "Changeset cache entries committed",
		}),
		cacheWriteBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csproxy_cache_write_bytes_total",
			Help: "Bytes committed to the changeset cache",
		}),
		lockDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csproxy_lock_degraded_total",
			Help: "Cache lookups that ran unlocked because the lock budget was exhausted",
		}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csproxy_locks_held",
			Help: "Cache key locks currently held by this process",
		}),
		originRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csproxy_origin_requests_total",
			Help: "Origin RPC calls by method and result",
		}, []string{methodLabel, resultLabel}),
		originFetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csproxy_origin_fetch_bytes_total",
			Help: "Changeset bytes downloaded from origins",
		}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csproxy_conversions_total",
			Help: "Changeset format conversions by edge",
		}, []string{fromLabel, toLabel}),
		memoLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csproxy_fingerprint_memo_total",
			Help: "Fingerprint memo lookups by result (hit, miss)",
		}, []string{resultLabel}),
		capsuleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csproxy_capsule_fetches_total",
			Help: "Capsule content downloads by result",
		}, []string{resultLabel}),
		histRequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csproxy_request_duration_seconds",
			Help:    "Histogram of RPC handling time",
			Buckets: []float64{0.01, 0.1, 1.0, 10.0, 100.0, 1000.0},
		}, []string{methodLabel}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheLookups,
		m.cacheWrites,
		m.cacheWriteBytes,
		m.lockDegraded,
		m.locksHeld,
		m.originRequests,
		m.originFetchBytes,
		m.conversions,
		m.memoLookups,
		m.capsuleFetches,
		m.histRequestDur,
	)
	return m
}

// Registry 暴露底层 registry，测试中用于读取指标值。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /-/metrics 使用的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(hitLabel(hit)).Inc()
}

func (m *Metrics) CacheWrite(size int64) {
	if m == nil {
		return
	}
	m.cacheWrites.Inc()
	m.cacheWriteBytes.Add(float64(size))
}

func (m *Metrics) LockDegraded() {
	if m == nil {
		return
	}
	m.lockDegraded.Inc()
}

// LocksHeld 以增量调整当前持有的锁数量。
func (m *Metrics) LocksHeld(delta int) {
	if m == nil {
		return
	}
	m.locksHeld.Add(float64(delta))
}

func (m *Metrics) OriginRequest(method string, err error) {
	if m == nil {
		return
	}
	m.originRequests.WithLabelValues(method, errLabel(err)).Inc()
}

func (m *Metrics) OriginFetch(size int64) {
	if m == nil {
		return
	}
	m.originFetchBytes.Add(float64(size))
}

func (m *Metrics) Conversion(from, to string) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) MemoLookup(hit bool) {
	if m == nil {
		return
	}
	m.memoLookups.WithLabelValues(hitLabel(hit)).Inc()
}

func (m *Metrics) CapsuleFetch(err error) {
	if m == nil {
		return
	}
	m.capsuleFetches.WithLabelValues(errLabel(err)).Inc()
}

func (m *Metrics) ObserveRequest(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.histRequestDur.WithLabelValues(method).Observe(d.Seconds())
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func errLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
