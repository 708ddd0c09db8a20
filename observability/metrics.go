// Package observability exposes the orchestrator's Prometheus metrics
// registries: lazily-initialised singletons, mirroring the teacher's
// module-metrics idiom, one registry per subsystem.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type runMetrics struct {
	transitions  *prometheus.CounterVec
	totalPool    *prometheus.GaugeVec
	lobbySize    *prometheus.GaugeVec
	unsyncedRuns prometheus.Gauge
}

type roundMetrics struct {
	decisions  *prometheus.CounterVec
	degraded   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	voteCounts *prometheus.GaugeVec
}

type tradeMetrics struct {
	executed     *prometheus.CounterVec
	pnl          *prometheus.HistogramVec
	leverage     prometheus.Histogram
	chainFailure *prometheus.CounterVec
}

type oracleMetrics struct {
	sampleAge   *prometheus.GaugeVec
	staleEvents *prometheus.CounterVec
}

var (
	runOnce   sync.Once
	runReg    *runMetrics
	roundOnce sync.Once
	roundReg  *roundMetrics
	tradeOnce sync.Once
	tradeReg  *tradeMetrics
	oracleOnce sync.Once
	oracleReg  *oracleMetrics
)

// Runs returns the singleton metrics registry for run lifecycle events.
func Runs() *runMetrics {
	runOnce.Do(func() {
		runReg = &runMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "poolrund",
				Subsystem: "run",
				Name:      "status_transitions_total",
				Help:      "Count of run status transitions segmented by destination status.",
			}, []string{"status"}),
			totalPool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "poolrund",
				Subsystem: "run",
				Name:      "total_pool",
				Help:      "Current total_pool for the run in smallest collateral units.",
			}, []string{"run_id"}),
			lobbySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "poolrund",
				Subsystem: "run",
				Name:      "lobby_participants",
				Help:      "Participant count for a run currently in WAITING.",
			}, []string{"run_id"}),
			unsyncedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "poolrund",
				Subsystem: "run",
				Name:      "unsynced_total",
				Help:      "Number of runs currently flagged unsynced, awaiting chain self-heal.",
			}),
		}
		prometheus.MustRegister(runReg.transitions, runReg.totalPool, runReg.lobbySize, runReg.unsyncedRuns)
	})
	return runReg
}

// RecordTransition increments the transition counter for the destination status.
func (m *runMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOrUnknown(status)).Inc()
}

// SetTotalPool updates the total_pool gauge for a run.
func (m *runMetrics) SetTotalPool(runID string, amount int64) {
	if m == nil {
		return
	}
	m.totalPool.WithLabelValues(runID).Set(float64(amount))
}

// SetLobbySize updates the lobby participant gauge for a run.
func (m *runMetrics) SetLobbySize(runID string, count int) {
	if m == nil {
		return
	}
	m.lobbySize.WithLabelValues(runID).Set(float64(count))
}

// SetUnsyncedCount updates the unsynced-runs gauge.
func (m *runMetrics) SetUnsyncedCount(count int) {
	if m == nil {
		return
	}
	m.unsyncedRuns.Set(float64(count))
}

// Rounds returns the singleton metrics registry for the round controller.
func Rounds() *roundMetrics {
	roundOnce.Do(func() {
		roundReg = &roundMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "poolrund",
				Subsystem: "round",
				Name:      "decisions_total",
				Help:      "Count of round decisions segmented by direction (long, short, skip).",
			}, []string{"direction"}),
			degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "poolrund",
				Subsystem: "round",
				Name:      "degraded_total",
				Help:      "Count of rounds degraded to SKIP segmented by reason.",
			}, []string{"reason"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "poolrund",
				Subsystem: "round",
				Name:      "execute_duration_seconds",
				Help:      "Latency distribution for the executing-to-settled phase of a round.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"direction"}),
			voteCounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "poolrund",
				Subsystem: "round",
				Name:      "vote_distribution",
				Help:      "Vote tally at close, segmented by choice.",
			}, []string{"run_id", "choice"}),
		}
		prometheus.MustRegister(roundReg.decisions, roundReg.degraded, roundReg.duration, roundReg.voteCounts)
	})
	return roundReg
}

// RecordDecision increments the decision counter for a round.
func (m *roundMetrics) RecordDecision(direction string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(labelOrUnknown(direction)).Inc()
}

// RecordDegraded increments the degradation counter for a reason.
func (m *roundMetrics) RecordDegraded(reason string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(labelOrUnknown(reason)).Inc()
}

// ObserveExecuteDuration records how long a round spent between
// EXECUTING and SETTLED.
func (m *roundMetrics) ObserveExecuteDuration(direction string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(labelOrUnknown(direction)).Observe(d.Seconds())
}

// SetVoteDistribution records the tallied vote counts for a run's round close.
func (m *roundMetrics) SetVoteDistribution(runID string, long, short, skip int) {
	if m == nil {
		return
	}
	m.voteCounts.WithLabelValues(runID, "long").Set(float64(long))
	m.voteCounts.WithLabelValues(runID, "short").Set(float64(short))
	m.voteCounts.WithLabelValues(runID, "skip").Set(float64(skip))
}

// Trades returns the singleton metrics registry for the trade executor.
func Trades() *tradeMetrics {
	tradeOnce.Do(func() {
		tradeReg = &tradeMetrics{
			executed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "poolrund",
				Subsystem: "trade",
				Name:      "executed_total",
				Help:      "Count of trades executed segmented by direction and outcome.",
			}, []string{"direction", "outcome"}),
			pnl: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "poolrund",
				Subsystem: "trade",
				Name:      "pnl_smallest_unit",
				Help:      "Distribution of realized pnl in smallest collateral units.",
				Buckets:   prometheus.LinearBuckets(-1_000_000, 100_000, 21),
			}, []string{"direction"}),
			leverage: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "poolrund",
				Subsystem: "trade",
				Name:      "leverage_tenths",
				Help:      "Distribution of drawn leverage in integer tenths of a times multiplier.",
				Buckets:   prometheus.LinearBuckets(10, 20, 10),
			}),
			chainFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "poolrund",
				Subsystem: "trade",
				Name:      "record_trade_failures_total",
				Help:      "Count of non-fatal record_trade on-chain write failures.",
			}, []string{"run_id"}),
		}
		prometheus.MustRegister(tradeReg.executed, tradeReg.pnl, tradeReg.leverage, tradeReg.chainFailure)
	})
	return tradeReg
}

// RecordExecution records a completed trade's outcome and pnl.
func (m *tradeMetrics) RecordExecution(direction string, outcome string, pnl int64, leverageTenths int) {
	if m == nil {
		return
	}
	dir := labelOrUnknown(direction)
	m.executed.WithLabelValues(dir, labelOrUnknown(outcome)).Inc()
	m.pnl.WithLabelValues(dir).Observe(float64(pnl))
	if leverageTenths > 0 {
		m.leverage.Observe(float64(leverageTenths))
	}
}

// RecordChainFailure increments the record_trade failure counter for a run.
func (m *tradeMetrics) RecordChainFailure(runID string) {
	if m == nil {
		return
	}
	m.chainFailure.WithLabelValues(runID).Inc()
}

// Oracle returns the singleton metrics registry for the price oracle.
func Oracle() *oracleMetrics {
	oracleOnce.Do(func() {
		oracleReg = &oracleMetrics{
			sampleAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "poolrund",
				Subsystem: "oracle",
				Name:      "sample_age_seconds",
				Help:      "Age of the most recent price sample at read time, segmented by symbol.",
			}, []string{"symbol", "source"}),
			staleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "poolrund",
				Subsystem: "oracle",
				Name:      "stale_total",
				Help:      "Count of reads that exceeded the staleness bound, segmented by symbol.",
			}, []string{"symbol"}),
		}
		prometheus.MustRegister(oracleReg.sampleAge, oracleReg.staleEvents)
	})
	return oracleReg
}

// RecordSample updates the sample-age gauge for a symbol read.
func (m *oracleMetrics) RecordSample(symbol, source string, age time.Duration) {
	if m == nil {
		return
	}
	m.sampleAge.WithLabelValues(labelOrUnknown(symbol), labelOrUnknown(source)).Set(age.Seconds())
}

// RecordStale increments the staleness counter for a symbol.
func (m *oracleMetrics) RecordStale(symbol string) {
	if m == nil {
		return
	}
	m.staleEvents.WithLabelValues(labelOrUnknown(symbol)).Inc()
}

func labelOrUnknown(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
