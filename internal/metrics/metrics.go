package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Drop reasons (bounded set)
	DropValidation = "validation"
	DropDuplicate  = "duplicate"
	DropQuality    = "quality_floor"
	DropDeadline   = "deadline"
	DropOverflow   = "queue_overflow"
	DropLateTick   = "late_tick"
	DropOther      = "other"

	// Phase names (bounded set)
	PhaseGenerator = "generator"
	PhasePreEval   = "preeval"
	PhasePolicy    = "policy"
	PhaseDispatch  = "dispatch"
	PhaseLearning  = "learning"

	// Lanes (bounded set)
	LaneExpress  = "express"
	LaneStandard = "standard"
	LaneDeep     = "deep"
)

// NormalizeDropReason maps arbitrary drop causes to the bounded set
func NormalizeDropReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "valid") || strings.Contains(lower, "range"):
		return DropValidation
	case strings.Contains(lower, "dup"):
		return DropDuplicate
	case strings.Contains(lower, "quality") || strings.Contains(lower, "floor"):
		return DropQuality
	case strings.Contains(lower, "deadline") || strings.Contains(lower, "budget"):
		return DropDeadline
	case strings.Contains(lower, "overflow") || strings.Contains(lower, "full"):
		return DropOverflow
	case strings.Contains(lower, "late") || strings.Contains(lower, "grace"):
		return DropLateTick
	default:
		return DropOther
	}
}

// Pipeline throughput metrics
var (
	CandidatesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_candidates_emitted_total",
		Help: "Signal candidates emitted by phase",
	}, []string{"phase"})

	CandidatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_candidates_dropped_total",
		Help: "Candidates dropped by phase and reason",
	}, []string{"phase", "reason"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalforge_queue_depth",
		Help: "Current depth of each inter-phase queue",
	}, []string{"queue"})

	LaneUtilization = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_lane_candidates_total",
		Help: "Candidates routed per pre-evaluation lane",
	}, []string{"lane"})

	LaneDegradations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_lane_degradations_total",
		Help: "Lane degradation events by cause",
	}, []string{"cause"})

	EndToEndLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalforge_end_to_end_latency_ms",
		Help:    "Latency from candidate emission to terminal dispatch state in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
)

// Market data metrics
var (
	TicksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_ticks_received_total",
		Help: "Market ticks received per exchange",
	}, []string{"exchange"})

	TicksDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_ticks_deduplicated_total",
		Help: "Duplicate ticks discarded per exchange",
	}, []string{"exchange"})

	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_feed_reconnects_total",
		Help: "Feed reconnect attempts per exchange",
	}, []string{"exchange"})

	FeedHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalforge_feed_healthy",
		Help: "Feed health (1 = healthy, 0 = silent or down)",
	}, []string{"exchange"})

	LateTicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_late_ticks_dropped_total",
		Help: "Out-of-order ticks older than the bar grace interval",
	})

	BarsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_bars_closed_total",
		Help: "Bars closed per timeframe",
	}, []string{"timeframe"})

	IndicatorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_indicator_errors_total",
		Help: "Indicator computations that yielded NaN due to errors",
	}, []string{"indicator"})

	StrategyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_strategy_errors_total",
		Help: "Strategy evaluations suppressed due to errors",
	}, []string{"strategy"})

	StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalforge_stream_state",
		Help: "Per (symbol, timeframe) stream state (0=warmup 1=active 2=stale 3=failed)",
	}, []string{"symbol", "timeframe"})
)

// Decision and position metrics
var (
	DecisionVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_decision_verdicts_total",
		Help: "Execution decisions by verdict",
	}, []string{"verdict"})

	DecisionRationales = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_decision_rationales_total",
		Help: "Execution decisions by rationale code",
	}, []string{"rationale"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalforge_open_positions",
		Help: "Number of currently open positions",
	})

	ContentionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_contention_timeouts_total",
		Help: "Decisions downgraded to IGNORE after lock contention",
	})
)

// Notification metrics
var (
	NotificationsByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalforge_notifications_total",
		Help: "Notification transitions by terminal state",
	}, []string{"state", "band"})

	NotificationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_notification_retries_total",
		Help: "Notification dispatch retries",
	})

	SinkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalforge_sink_latency_ms",
		Help:    "Notification sink dispatch latency in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	})
)

// Learning metrics
var (
	OutcomesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_outcomes_recorded_total",
		Help: "Outcome records ingested by the learning phase",
	})

	ParameterVersions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalforge_parameter_version",
		Help: "Currently active parameter set version",
	})

	PatternsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_patterns_discovered_total",
		Help: "Patterns surfaced by the discovery stage",
	})

	OptimizationsAdopted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalforge_optimizations_adopted_total",
		Help: "Parameter perturbations adopted into a new version",
	})
)

// RecordDrop records a dropped candidate with a normalized reason
func RecordDrop(phase, reason string) {
	CandidatesDropped.WithLabelValues(phase, NormalizeDropReason(reason)).Inc()
}

// RecordVerdict records an execution decision
func RecordVerdict(verdict, rationale string) {
	DecisionVerdicts.WithLabelValues(verdict).Inc()
	DecisionRationales.WithLabelValues(rationale).Inc()
}

// RecordNotification records a notification state transition
func RecordNotification(state, band string) {
	NotificationsByState.WithLabelValues(state, band).Inc()
}

// SetStreamState sets the per-stream state gauge
func SetStreamState(symbol, timeframe string, state int) {
	StreamState.WithLabelValues(symbol, timeframe).Set(float64(state))
}
