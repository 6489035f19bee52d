package metrics

import (
	"sync"
	"time"

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
	ScheduleRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_schedule_total", Help: "Schedule request results."},
		[]string{"result"}, // ok | invalid | error
	)

	// Scheduler
	CycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_cycle_total", Help: "Polling cycle outcomes."},
		[]string{"result"}, // ok | empty | error
	)
	DueBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_due_batch_size",
			Help:    "Number of due deliveries per cycle.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_inflight", Help: "Deliveries being processed right now."},
	)
	SlackSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "slack_send_total", Help: "Slack send outcomes."},
		[]string{"outcome"}, // sent | failed | timeout
	)
	SlackSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slack_send_duration_seconds",
			Help:    "Slack postMessage latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Credential lifecycle
	TokenRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "token_renewal_total", Help: "Token refresh outcomes."},
		[]string{"result"}, // ok | error
	)
)

var registerOnce sync.Once

// Register default + our collectors. Safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration, ScheduleRequests,
			CycleTotal, DueBatchSize, InFlight,
			SlackSendTotal, SlackSendDuration, TokenRenewals,
		)
	})
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter

	// last sampled cumulative values; pgx reports running totals, the
	// counters take the per-tick delta.
	lastAcquires int64
	lastLatency  time.Duration
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			m.observe()
		}
	}
}

func (m *PGXPoolStats) observe() {
	s := m.pool.Stat()
	m.conns.Set(float64(s.TotalConns()))
	m.idle.Set(float64(s.IdleConns()))
	m.acquireCount.Add(float64(s.AcquireCount() - m.lastAcquires))
	m.acquireLatency.Add((s.AcquireDuration() - m.lastLatency).Seconds())
	m.lastAcquires = s.AcquireCount()
	m.lastLatency = s.AcquireDuration()
}
