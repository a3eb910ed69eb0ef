package albatross

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "albatross"

const (
	subsystemProducer = "producer"
	subsystemFinality = "finality"
	subsystemChain    = "chain"
)

// metrics are the engine's Prometheus instruments, registered on the
// Config's Registerer.
type metrics struct {
	blocksProduced *prometheus.CounterVec
	blocksAccepted prometheus.Counter
	blocksRejected *prometheus.CounterVec
	commits        prometheus.Counter
	viewChanges    prometheus.Counter
	evidence       *prometheus.CounterVec
	stateFailures  prometheus.Counter

	headHeight      prometheus.Gauge
	finalizedHeight prometheus.Gauge
	epoch           prometheus.Gauge
	round           prometheus.Gauge
	forkTips        prometheus.Gauge

	validationSeconds *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		blocksProduced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemProducer,
			Name:      "blocks_produced_total",
			Help:      "Blocks produced by the local validator.",
		}, []string{"kind"}),
		blocksAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "micro_blocks_accepted_total",
			Help:      "Micro blocks that passed validation and joined the fork set.",
		}),
		blocksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "blocks_rejected_total",
			Help:      "Blocks rejected by validation, by reason.",
		}, []string{"reason"}),
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemFinality,
			Name:      "commits_total",
			Help:      "Macro blocks finalized.",
		}),
		viewChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemFinality,
			Name:      "view_changes_total",
			Help:      "Finality rounds abandoned for a later round.",
		}),
		evidence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "evidence_total",
			Help:      "Equivocation evidence collected, by kind.",
		}, []string{"kind"}),
		stateFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "state_failures_total",
			Help:      "State store failures other than invalid transitions.",
		}),
		headHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "head_height",
			Help:      "Height of the fork choice head.",
		}),
		finalizedHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "finalized_height",
			Help:      "Height of the last finalized macro block.",
		}),
		epoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "epoch",
			Help:      "Current epoch number.",
		}),
		round: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemFinality,
			Name:      "round",
			Help:      "Current finality round.",
		}),
		forkTips: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "fork_tips",
			Help:      "Competing tips in the fork set.",
		}),
		validationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystemChain,
			Name:      "validation_seconds",
			Help:      "Time spent validating blocks and proposals.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
	}
}

// rejectReason maps a validation error to a low-cardinality label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, ErrInvalidLeader):
		return "invalid_leader"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidBlock):
		return "invalid_block"
	case errors.Is(err, ErrEquivocation):
		return "equivocation"
	case errors.Is(err, ErrFinalizedConflict):
		return "finalized_conflict"
	case errors.Is(err, ErrStateUnavailable):
		return "state_unavailable"
	default:
		return "other"
	}
}
