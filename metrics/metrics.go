// Package metrics collects prometheus metrics for channel orchestration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespaceChannel = "channel"

// Collector receives measurements from the dispatcher, the ledger client and
// the channel agents.
type Collector interface {
	EventDispatched(contract string, event string)
	TransactionSubmitted(method string)
	TransactionFailed(method string)
	TransactionMined(method string, duration time.Duration)
	PhaseChanged(phase string)
	DigestComputed(encoding string)
}

// ChannelCollector implements Collector with prometheus vectors.
type ChannelCollector struct {
	eventsDispatched      *prometheus.CounterVec
	transactionsSubmitted *prometheus.CounterVec
	transactionsFailed    *prometheus.CounterVec
	miningDuration        *prometheus.HistogramVec
	phaseChanges          *prometheus.CounterVec
	digestsComputed       *prometheus.CounterVec
}

var _ Collector = (*ChannelCollector)(nil)

func NewChannelCollector(registerer prometheus.Registerer) *ChannelCollector {
	eventsDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceChannel,
		Name:      "events_dispatched_total",
		Help:      "the number of contract events delivered to subscribers",
	}, []string{"contract", "event"})
	transactionsSubmitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceChannel,
		Name:      "transactions_submitted_total",
		Help:      "the number of transactions submitted to the ledger",
	}, []string{"method"})
	transactionsFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceChannel,
		Name:      "transactions_failed_total",
		Help:      "the number of transactions that were rejected, reverted or timed out",
	}, []string{"method"})
	miningDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespaceChannel,
		Name:      "transaction_mining_seconds",
		Help:      "time from submission until a receipt was observed",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"method"})
	phaseChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceChannel,
		Name:      "phase_changes_total",
		Help:      "the number of channel phase transitions, by the phase entered",
	}, []string{"phase"})
	digestsComputed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceChannel,
		Name:      "digests_computed_total",
		Help:      "the number of state commitment digests computed",
	}, []string{"encoding"})
	registerer.MustRegister(
		eventsDispatched,
		transactionsSubmitted,
		transactionsFailed,
		miningDuration,
		phaseChanges,
		digestsComputed,
	)

	return &ChannelCollector{
		eventsDispatched:      eventsDispatched,
		transactionsSubmitted: transactionsSubmitted,
		transactionsFailed:    transactionsFailed,
		miningDuration:        miningDuration,
		phaseChanges:          phaseChanges,
		digestsComputed:       digestsComputed,
	}
}

func (c *ChannelCollector) EventDispatched(contract string, event string) {
	c.eventsDispatched.WithLabelValues(contract, event).Inc()
}

func (c *ChannelCollector) TransactionSubmitted(method string) {
	c.transactionsSubmitted.WithLabelValues(method).Inc()
}

func (c *ChannelCollector) TransactionFailed(method string) {
	c.transactionsFailed.WithLabelValues(method).Inc()
}

func (c *ChannelCollector) TransactionMined(method string, duration time.Duration) {
	c.miningDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (c *ChannelCollector) PhaseChanged(phase string) {
	c.phaseChanges.WithLabelValues(phase).Inc()
}

func (c *ChannelCollector) DigestComputed(encoding string) {
	c.digestsComputed.WithLabelValues(encoding).Inc()
}

type NoopCollector struct{}

func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

func (nc *NoopCollector) EventDispatched(contract string, event string)         {}
func (nc *NoopCollector) TransactionSubmitted(method string)                    {}
func (nc *NoopCollector) TransactionFailed(method string)                       {}
func (nc *NoopCollector) TransactionMined(method string, duration time.Duration) {}
func (nc *NoopCollector) PhaseChanged(phase string)                             {}
func (nc *NoopCollector) DigestComputed(encoding string)                        {}
