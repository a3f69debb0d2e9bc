package metrics

import (
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	NoticeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notice_total", Help: "Notice requests by kind and result."},
		[]string{"kind", "result"}, // outcome|direct|free x ok|error
	)

	// Dispatch
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_total", Help: "Channel dispatch outcomes."},
		[]string{"channel", "outcome"}, // sent | failed | skipped
	)
	ProviderSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"channel"},
	)

	// WhatsApp session
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "whatsapp_session_state", Help: "1 for the current session state, 0 otherwise."},
		[]string{"state"},
	)
	SessionCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "whatsapp_session_created_total", Help: "Session objects created."},
	)
	SessionTeardown = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsapp_session_teardown_total", Help: "Session teardowns by cause."},
		[]string{"cause"}, // DISCONNECTED | AUTH_FAILED | ERROR | LOGOUT
	)
	ReadyWaitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsapp_ready_wait_total", Help: "Readiness waits by result."},
		[]string{"result"}, // ready | timeout | failed | canceled
	)

	// Delivery log worker
	DeliveryLogTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_log_total", Help: "Delivery events handled by the log worker."},
		[]string{"result"}, // recorded | retried | failed | dropped
	)
	DeliveryLogQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "delivery_log_queue_depth", Help: "Events waiting to be written."},
	)
)

var registerOnce sync.Once

// MustRegister adds our collectors to the default registry, which already
// carries the Go and process collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration, NoticeTotal,
			DispatchTotal, ProviderSendDuration,
			SessionState, SessionCreated, SessionTeardown, ReadyWaitTotal,
			DeliveryLogTotal, DeliveryLogQueue,
		)
	})
}

// SetSessionState flips the state gauge so exactly one label reads 1.
func SetSessionState(current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

// PoolCollector reads pgxpool stats at scrape time.
type PoolCollector struct {
	pool *pgxpool.Pool

	conns, idle, inUse, max *prometheus.Desc
	acquires, acquireWait   *prometheus.Desc
	emptyAcquires           *prometheus.Desc
}

func NewPoolCollector(pool *pgxpool.Pool) *PoolCollector {
	return &PoolCollector{
		pool:          pool,
		conns:         prometheus.NewDesc("db_pool_conns", "Total connections in pool.", nil, nil),
		idle:          prometheus.NewDesc("db_pool_idle_conns", "Idle connections in pool.", nil, nil),
		inUse:         prometheus.NewDesc("db_pool_acquired_conns", "Connections currently checked out.", nil, nil),
		max:           prometheus.NewDesc("db_pool_max_conns", "Configured pool size.", nil, nil),
		acquires:      prometheus.NewDesc("db_pool_acquires_total", "Cumulative pool acquires.", nil, nil),
		acquireWait:   prometheus.NewDesc("db_pool_acquire_seconds_total", "Cumulative acquire latency.", nil, nil),
		emptyAcquires: prometheus.NewDesc("db_pool_empty_acquires_total", "Acquires that had to wait for a connection.", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.conns, c.idle, c.inUse, c.max, c.acquires, c.acquireWait, c.emptyAcquires} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.conns, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.acquireWait, prometheus.CounterValue, s.AcquireDuration().Seconds())
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
}

// RegisterPool exposes pool stats on the default registry.
func RegisterPool(pool *pgxpool.Pool) {
	prometheus.MustRegister(NewPoolCollector(pool))
}
