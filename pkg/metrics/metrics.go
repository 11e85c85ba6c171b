package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "near_swap_worker"

type SwapMetrics struct {
	registry *prometheus.Registry

	swaps          *prometheus.CounterVec
	swapDuration   prometheus.Histogram
	states         *prometheus.CounterVec
	quoteAttempts  prometheus.Counter
	settlementWait prometheus.Histogram
	transactions   *prometheus.CounterVec
	ledgerEvents   *prometheus.CounterVec
	pendingSwaps   prometheus.Gauge
}

var (
	swapOnce     sync.Once
	swapRegistry *SwapMetrics
)

// Swap returns the process-wide swap metrics
func Swap() *SwapMetrics {
	swapOnce.Do(func() {
		swapRegistry = New(prometheus.NewRegistry())
	})
	return swapRegistry
}

// New creates swap metrics registered on registry
func New(registry *prometheus.Registry) *SwapMetrics {
	m := &SwapMetrics{
		registry: registry,
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Swaps finished by the worker, by outcome and failure reason.",
		}, []string{"outcome", "reason"}),
		swapDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "swap_duration_seconds",
			Help:      "Wall time from quoting to the terminal state.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
		}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_entered_total",
			Help:      "Orchestrator state entries.",
		}, []string{"state"}),
		quoteAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_requests_total",
			Help:      "Quote requests that produced a quote.",
		}),
		settlementWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_wait_seconds",
			Help:      "Time spent waiting for the relay to settle an intent.",
			Buckets:   prometheus.LinearBuckets(1, 3, 10),
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "NEAR transactions submitted, by method and verified result.",
		}, []string{"method", "result"}),
		ledgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "events_total",
			Help:      "Ledger deposits, payouts, refunds and rejections.",
		}, []string{"event"}),
		pendingSwaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "pending_swaps",
			Help:      "Swaps awaiting a worker callback.",
		}),
	}
	registry.MustRegister(
		m.swaps,
		m.swapDuration,
		m.states,
		m.quoteAttempts,
		m.settlementWait,
		m.transactions,
		m.ledgerEvents,
		m.pendingSwaps,
	)
	return m
}

// Registry exposes the registry the metrics live on
func (m *SwapMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile dumps every metric in the text exposition format, for node
// exporter style collection after a one-shot run.
func (m *SwapMetrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *SwapMetrics) ObserveSwap(success bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
		reason = ""
	} else if reason == "" {
		reason = "unknown"
	}
	m.swaps.WithLabelValues(outcome, reason).Inc()
	m.swapDuration.Observe(elapsed.Seconds())
}

func (m *SwapMetrics) ObserveState(state string) {
	if m == nil {
		return
	}
	m.states.WithLabelValues(state).Inc()
}

func (m *SwapMetrics) ObserveQuote() {
	if m == nil {
		return
	}
	m.quoteAttempts.Inc()
}

func (m *SwapMetrics) ObserveSettlement(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.settlementWait.Observe(elapsed.Seconds())
}

func (m *SwapMetrics) ObserveTransaction(method string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.transactions.WithLabelValues(method, result).Inc()
}

func (m *SwapMetrics) ObserveLedgerEvent(event string) {
	if m == nil {
		return
	}
	m.ledgerEvents.WithLabelValues(event).Inc()
}

func (m *SwapMetrics) SetPendingSwaps(n int) {
	if m == nil {
		return
	}
	m.pendingSwaps.Set(float64(n))
}

// SwapCounterVec exposes the swap counter for tests and exporters
func (m *SwapMetrics) SwapCounterVec() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.swaps
}

// StateCounterVec exposes the state counter for tests and exporters
func (m *SwapMetrics) StateCounterVec() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.states
}

// LedgerCounterVec exposes the ledger event counter for tests and exporters
func (m *SwapMetrics) LedgerCounterVec() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.ledgerEvents
}

// PendingGauge exposes the pending swap gauge for tests and exporters
func (m *SwapMetrics) PendingGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.pendingSwaps
}
