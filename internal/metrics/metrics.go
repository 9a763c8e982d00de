package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "agent_"

// Dispatcher transition results.
const (
	TransitionActivated    = "activated"
	TransitionNoop         = "noop"
	TransitionForceStopped = "force_stopped"
	TransitionRejected     = "rejected"
	TransitionFailed       = "failed"
)

// Oracle call results.
const (
	OracleSelected = "selected"
	OracleNoChange = "no_change"
	OracleTimeout  = "timeout"
	OracleError    = "error"
	OracleInvalid  = "invalid"
)

// Observation drop reasons.
const (
	DropStale     = "stale"
	DropMalformed = "malformed"
)

var (
	registerOnce sync.Once

	observationsAccepted *prometheus.CounterVec
	observationsDropped  *prometheus.CounterVec
	virtualFills         *prometheus.CounterVec
	transitions          *prometheus.CounterVec
	workerRestarts       *prometheus.CounterVec
	oracleResults        *prometheus.CounterVec
	oracleLatency        prometheus.Histogram
	snapshotLatency      *prometheus.HistogramVec
	calendarMalformed    prometheus.Counter
	sessionTradable      prometheus.Gauge
)

// Init registers the agent metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		observationsAccepted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "observations_accepted_total",
				Help: "Observations delivered to the strategy pool",
			},
			[]string{"instrument"},
		)
		observationsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "observations_dropped_total",
				Help: "Observations rejected by the strategy pool by reason",
			},
			[]string{"instrument", "reason"},
		)
		virtualFills = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "virtual_fills_total",
				Help: "Virtual fills produced per strategy",
			},
			[]string{"instrument", "strategy"},
		)
		transitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dispatcher_transitions_total",
				Help: "Dispatcher operations by result",
			},
			[]string{"instrument", "result"},
		)
		workerRestarts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "worker_restarts_total",
				Help: "Instrument worker restarts after a fatal error",
			},
			[]string{"instrument"},
		)
		oracleResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "oracle_results_total",
				Help: "Decision oracle calls by result",
			},
			[]string{"instrument", "result"},
		)
		oracleLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "oracle_latency_seconds",
				Help:    "Decision oracle call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		snapshotLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "snapshot_latency_seconds",
				Help:    "Performance matrix computation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instrument"},
		)
		calendarMalformed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "calendar_malformed_entries_total",
				Help: "Calendar rows skipped because they could not be parsed",
			},
		)
		sessionTradable = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "session_tradable",
				Help: "1 while the session clock reports a tradable phase",
			},
		)

		prometheus.MustRegister(
			observationsAccepted,
			observationsDropped,
			virtualFills,
			transitions,
			workerRestarts,
			oracleResults,
			oracleLatency,
			snapshotLatency,
			calendarMalformed,
			sessionTradable,
		)
	})
}

// IncObservationAccepted counts an observation delivered to the pool.
func IncObservationAccepted(instrument string) {
	if observationsAccepted != nil {
		observationsAccepted.WithLabelValues(instrument).Inc()
	}
}

// IncObservationDropped counts a rejected observation.
func IncObservationDropped(instrument, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if observationsDropped != nil {
		observationsDropped.WithLabelValues(instrument, reason).Inc()
	}
}

// IncVirtualFill counts a fill produced by a strategy.
func IncVirtualFill(instrument, strategyID string) {
	if virtualFills != nil {
		virtualFills.WithLabelValues(instrument, strategyID).Inc()
	}
}

// IncTransition counts a dispatcher operation.
func IncTransition(instrument, result string) {
	if result == "" {
		result = "unknown"
	}
	if transitions != nil {
		transitions.WithLabelValues(instrument, result).Inc()
	}
}

// IncWorkerRestart counts a supervised worker restart.
func IncWorkerRestart(instrument string) {
	if workerRestarts != nil {
		workerRestarts.WithLabelValues(instrument).Inc()
	}
}

// ObserveOracle records an oracle call result and its duration.
func ObserveOracle(instrument, result string, duration time.Duration) {
	if result == "" {
		result = "unknown"
	}
	if oracleResults != nil {
		oracleResults.WithLabelValues(instrument, result).Inc()
	}
	if oracleLatency != nil {
		oracleLatency.Observe(duration.Seconds())
	}
}

// ObserveSnapshot records how long a performance matrix took to compute.
func ObserveSnapshot(instrument string, duration time.Duration) {
	if snapshotLatency != nil {
		snapshotLatency.WithLabelValues(instrument).Observe(duration.Seconds())
	}
}

// AddCalendarMalformed counts skipped calendar rows.
func AddCalendarMalformed(count int) {
	if count <= 0 {
		return
	}
	if calendarMalformed != nil {
		calendarMalformed.Add(float64(count))
	}
}

// SetSessionTradable publishes the current session gate.
func SetSessionTradable(tradable bool) {
	if sessionTradable == nil {
		return
	}
	if tradable {
		sessionTradable.Set(1)
	} else {
		sessionTradable.Set(0)
	}
}
