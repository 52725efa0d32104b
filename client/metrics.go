package client

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus collectors.
type Metrics struct {
	statements        *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	lockWait          prometheus.Histogram
	flushes           *prometheus.CounterVec
	affectedRows      *prometheus.CounterVec
	transactions      *prometheus.CounterVec
}

// NewMetrics creates the client collectors and registers them with reg.
// A nil reg leaves them unregistered. Collectors already registered by
// another client on the same registry are shared.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgclient",
				Subsystem: "statement",
				Name:      "total",
				Help:      "Counter of statements sent to the database.",
			}, []string{"type", "result"}),

		statementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pgclient",
				Subsystem: "statement",
				Name:      "duration_seconds",
				Help:      "Bucketed histogram of statement round trip time (s).",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
			}, []string{"type"}),

		lockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pgclient",
				Subsystem: "transaction",
				Name:      "lock_wait_seconds",
				Help:      "Bucketed histogram of time (s) spent waiting for a transaction lock.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
			}),

		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgclient",
				Subsystem: "batch",
				Name:      "flushes_total",
				Help:      "Counter of batched statements sent by collectors.",
			}, []string{"result"}),

		affectedRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgclient",
				Subsystem: "stream",
				Name:      "affected_rows_total",
				Help:      "Counter of server-confirmed rows written by finished streams.",
			}, []string{"type"}),

		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgclient",
				Subsystem: "transaction",
				Name:      "total",
				Help:      "Counter of settled root transactions.",
			}, []string{"result"}),
	}

	if reg != nil {
		m.statements = registerOrReuse(reg, m.statements)
		m.statementDuration = registerOrReuse(reg, m.statementDuration)
		m.lockWait = registerOrReuse(reg, m.lockWait)
		m.flushes = registerOrReuse(reg, m.flushes)
		m.affectedRows = registerOrReuse(reg, m.affectedRows)
		m.transactions = registerOrReuse(reg, m.transactions)
	}
	return m
}

func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeStatement(kind string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.statements.WithLabelValues(kind, result).Inc()
	m.statementDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) observeLockWait(d time.Duration) {
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) observeFlush(err error) {
	if err != nil {
		m.flushes.WithLabelValues("error").Inc()
		return
	}
	m.flushes.WithLabelValues("ok").Inc()
}

func (m *Metrics) observeStreamFinished(kind string, affected int64) {
	m.affectedRows.WithLabelValues(kind).Add(float64(affected))
}

func (m *Metrics) observeTransaction(committed bool) {
	if committed {
		m.transactions.WithLabelValues("committed").Inc()
		return
	}
	m.transactions.WithLabelValues("rolled_back").Inc()
}
