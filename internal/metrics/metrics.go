// Package metrics exposes Prometheus instrumentation for the transaction
// pipeline. Collector implements txpipeline.Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the transaction pipeline.
type Collector struct {
	Registry *prometheus.Registry

	slotsActive *prometheus.GaugeVec
	slotsIdle   *prometheus.GaugeVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec

	rollbacksTotal     *prometheus.CounterVec
	failoversTotal     *prometheus.CounterVec
	serverFatalTotal   *prometheus.CounterVec
	slotReturnFailures *prometheus.CounterVec
	poolExhaustedTotal *prometheus.CounterVec
	serverHealthy      *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		slotsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_slots_active",
				Help: "Number of slots currently borrowed from the pool",
			},
			[]string{"server"},
		),
		slotsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_slots_idle",
				Help: "Number of slots currently idle in the pool",
			},
			[]string{"server"},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_transactions_total",
				Help: "Total completed transactions relayed through the pipeline",
			},
			[]string{"server"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgagroal_transaction_duration_seconds",
				Help:    "Duration from slot acquire to slot return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"server"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgagroal_acquire_duration_seconds",
				Help:    "Time spent waiting for SlotBroker.Acquire",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"server"},
		),
		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_rollbacks_total",
				Help: "ROLLBACK statements issued on client disconnect mid-transaction",
			},
			[]string{"server"},
		),
		failoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_failovers_total",
				Help: "Times the slot broker failed over to the next configured server",
			},
			[]string{"server"},
		),
		serverFatalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_server_fatal_total",
				Help: "FATAL/PANIC ErrorResponse messages observed from a backend",
			},
			[]string{"server"},
		),
		slotReturnFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_slot_return_failures_total",
				Help: "Slot returns to the broker that failed validation",
			},
			[]string{"server"},
		),
		poolExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgagroal_pool_exhausted_total",
				Help: "Times a client was sent pool-full notice after a blocking timeout",
			},
			[]string{"server"},
		),
		serverHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgagroal_server_healthy",
				Help: "1 if the backend server's last health probe succeeded, 0 otherwise",
			},
			[]string{"server"},
		),
	}

	reg.MustRegister(
		c.slotsActive,
		c.slotsIdle,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.rollbacksTotal,
		c.failoversTotal,
		c.serverFatalTotal,
		c.slotReturnFailures,
		c.poolExhaustedTotal,
		c.serverHealthy,
	)

	return c
}

// UpdateSlotStats updates the active/idle slot gauges for a server.
func (c *Collector) UpdateSlotStats(server string, active, idle int) {
	c.slotsActive.WithLabelValues(server).Set(float64(active))
	c.slotsIdle.WithLabelValues(server).Set(float64(idle))
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(server string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(server).Inc()
	c.transactionDuration.WithLabelValues(server).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a slot.
func (c *Collector) AcquireDuration(server string, d time.Duration) {
	c.acquireDuration.WithLabelValues(server).Observe(d.Seconds())
}

// RollbackIssued increments the rollback counter for a server.
func (c *Collector) RollbackIssued(server string) {
	c.rollbacksTotal.WithLabelValues(server).Inc()
}

// FailoverCount increments the failover counter for a server.
func (c *Collector) FailoverCount(server string) {
	c.failoversTotal.WithLabelValues(server).Inc()
}

// ServerFatal increments the server-fatal counter for a server.
func (c *Collector) ServerFatal(server string) {
	c.serverFatalTotal.WithLabelValues(server).Inc()
}

// SlotReturnFailed increments the slot-return-failure counter for a server.
func (c *Collector) SlotReturnFailed(server string) {
	c.slotReturnFailures.WithLabelValues(server).Inc()
}

// PoolExhausted increments the pool-exhausted counter for a server.
func (c *Collector) PoolExhausted(server string) {
	c.poolExhaustedTotal.WithLabelValues(server).Inc()
}

// SetServerHealth records the outcome of the latest health probe for a
// server. Implements health.Recorder.
func (c *Collector) SetServerHealth(server string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.serverHealthy.WithLabelValues(server).Set(v)
}

// RemoveServer removes all metrics for a server, e.g. after config reload
// drops it from the failover list.
func (c *Collector) RemoveServer(server string) {
	c.slotsActive.DeleteLabelValues(server)
	c.slotsIdle.DeleteLabelValues(server)
	c.transactionsTotal.DeleteLabelValues(server)
	c.transactionDuration.DeleteLabelValues(server)
	c.acquireDuration.DeleteLabelValues(server)
	c.rollbacksTotal.DeleteLabelValues(server)
	c.failoversTotal.DeleteLabelValues(server)
	c.serverFatalTotal.DeleteLabelValues(server)
	c.slotReturnFailures.DeleteLabelValues(server)
	c.poolExhaustedTotal.DeleteLabelValues(server)
	c.serverHealthy.DeleteLabelValues(server)
}
