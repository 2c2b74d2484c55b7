package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tradenet"

// StoreMetrics tracks the replicated payload stores.
type StoreMetrics struct {
	puts      *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	size      *prometheus.GaugeVec
	protected *prometheus.CounterVec
}

// TradeMetrics tracks trade protocol execution.
type TradeMetrics struct {
	tasks            *prometheus.CounterVec
	taskLatency      *prometheus.HistogramVec
	resends          *prometheus.CounterVec
	failures         *prometheus.CounterVec
	multisigMismatch prometheus.Counter
	openTrades       prometheus.Gauge
}

// GovernanceMetrics tracks blind vote handling.
type GovernanceMetrics struct {
	blindVotes *prometheus.CounterVec
}

var (
	storeMetricsOnce sync.Once
	storeRegistry    *StoreMetrics

	tradeMetricsOnce sync.Once
	tradeRegistry    *TradeMetrics

	governanceMetricsOnce sync.Once
	governanceRegistry    *GovernanceMetrics
)

// Store returns the lazily-initialised store metrics.
func Store() *StoreMetrics {
	storeMetricsOnce.Do(func() {
		storeRegistry = &StoreMetrics{
			puts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "puts_total",
				Help:      "Payload puts segmented by service and outcome.",
			}, []string{"service", "outcome"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "rejected_total",
				Help:      "Payloads rejected before reaching a store, segmented by reason.",
			}, []string{"reason"}),
			size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "entries",
				Help:      "Entries held per service and tier.",
			}, []string{"service", "tier"}),
			protected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "protected_ops_total",
				Help:      "Protected entry operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
		}
		prometheus.MustRegister(
			storeRegistry.puts,
			storeRegistry.rejected,
			storeRegistry.size,
			storeRegistry.protected,
		)
	})
	return storeRegistry
}

// RecordPut counts a put attempt on a service.
func (m *StoreMetrics) RecordPut(service string, added bool) {
	if m == nil {
		return
	}
	m.puts.WithLabelValues(label(service), outcome(added, "added", "duplicate")).Inc()
}

// RecordRejected counts a payload dropped before storage.
func (m *StoreMetrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(label(reason)).Inc()
}

// SetSize records the number of entries of a service tier.
func (m *StoreMetrics) SetSize(service, tier string, n int) {
	if m == nil {
		return
	}
	m.size.WithLabelValues(label(service), label(tier)).Set(float64(n))
}

// RecordProtected counts an add or remove of a protected entry.
func (m *StoreMetrics) RecordProtected(op string, accepted bool) {
	if m == nil {
		return
	}
	m.protected.WithLabelValues(label(op), outcome(accepted, "accepted", "rejected")).Inc()
}

// Trade returns the lazily-initialised trade protocol metrics.
func Trade() *TradeMetrics {
	tradeMetricsOnce.Do(func() {
		tradeRegistry = &TradeMetrics{
			tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trade",
				Name:      "tasks_total",
				Help:      "Protocol tasks executed segmented by role, task and outcome.",
			}, []string{"role", "task", "outcome"}),
			taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "trade",
				Name:      "task_duration_seconds",
				Help:      "Latency of protocol tasks including their effects.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"role", "task"}),
			resends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trade",
				Name:      "resends_total",
				Help:      "Message resend attempts segmented by message type.",
			}, []string{"message"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trade",
				Name:      "failures_total",
				Help:      "Protocol-fatal failures segmented by the state the trade was left in.",
			}, []string{"state"}),
			multisigMismatch: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trade",
				Name:      "multisig_mismatch_total",
				Help:      "Payout signings where the multisig key differed from the wallet address entry.",
			}),
			openTrades: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "trade",
				Name:      "open",
				Help:      "Trades currently open.",
			}),
		}
		prometheus.MustRegister(
			tradeRegistry.tasks,
			tradeRegistry.taskLatency,
			tradeRegistry.resends,
			tradeRegistry.failures,
			tradeRegistry.multisigMismatch,
			tradeRegistry.openTrades,
		)
	})
	return tradeRegistry
}

// ObserveTask records the outcome and latency of one task.
func (m *TradeMetrics) ObserveTask(role, task string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(label(role), label(task), outcome(err == nil, "success", "error")).Inc()
	m.taskLatency.WithLabelValues(label(role), label(task)).Observe(d.Seconds())
}

// RecordResend counts one resend attempt.
func (m *TradeMetrics) RecordResend(message string) {
	if m == nil {
		return
	}
	m.resends.WithLabelValues(label(message)).Inc()
}

// RecordFailure counts a trade failing in state.
func (m *TradeMetrics) RecordFailure(state string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(state)).Inc()
}

// RecordMultisigMismatch counts a tolerated multisig key mismatch.
func (m *TradeMetrics) RecordMultisigMismatch() {
	if m == nil {
		return
	}
	m.multisigMismatch.Inc()
}

// SetOpenTrades records the number of open trades.
func (m *TradeMetrics) SetOpenTrades(n int) {
	if m == nil {
		return
	}
	m.openTrades.Set(float64(n))
}

// Governance returns the lazily-initialised governance metrics.
func Governance() *GovernanceMetrics {
	governanceMetricsOnce.Do(func() {
		governanceRegistry = &GovernanceMetrics{
			blindVotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "governance",
				Name:      "blind_votes_total",
				Help:      "Blind vote payloads seen segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(governanceRegistry.blindVotes)
	})
	return governanceRegistry
}

// RecordBlindVote counts a blind vote payload outcome such as "added" or "rejected_phase".
func (m *GovernanceMetrics) RecordBlindVote(result string) {
	if m == nil {
		return
	}
	m.blindVotes.WithLabelValues(label(result)).Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
