package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

// Reporter records run metrics, checks the composed records against the
// count invariants, and pushes the metrics to a Pushgateway when configured.
// Metrics live on a private registry so every run reports in isolation.
type Reporter struct {
	cfg      config.MetricsConfig
	registry *prometheus.Registry
	logger   *zap.Logger

	eventsReceived      prometheus.Counter
	eventsDropped       *prometheus.CounterVec
	recordsComposed     prometheus.Gauge
	rowsWritten         prometheus.Counter
	stationEvents       *prometheus.GaugeVec
	invariantViolations *prometheus.CounterVec
	runDuration         prometheus.Gauge
	lastSuccess         prometheus.Gauge
	runFailures         prometheus.Counter
}

// NewReporter creates a Reporter with its own registry.
func NewReporter(cfg config.MetricsConfig, logger *zap.Logger) *Reporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Reporter{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		eventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollstats_events_received_total",
			Help: "Raw events read from the source in the run.",
		}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollstats_events_dropped_total",
			Help: "Events excluded from aggregation, by reason.",
		}, []string{"reason"}),
		recordsComposed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tollstats_records",
			Help: "Number of (station, window) records composed in the run.",
		}),
		rowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollstats_rows_written_total",
			Help: "Rows handed to the sink successfully.",
		}),
		stationEvents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollstats_station_events",
			Help: "Events aggregated per station in the run.",
		}, []string{"station_id"}),
		invariantViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tollstats_invariant_violations_total",
			Help: "Composed records that failed a count invariant, by check.",
		}, []string{"check"}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tollstats_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tollstats_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}),
		runFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tollstats_run_failures_total",
			Help: "Runs that ended with an error.",
		}),
	}
}

// Registry exposes the registry, mainly for tests.
func (r *Reporter) Registry() *prometheus.Registry { return r.registry }

// ObserveReceived records events read but never handed to the engine.
func (r *Reporter) ObserveReceived(n int64) {
	r.eventsReceived.Add(float64(n))
}

// ObserveDropped records events excluded before or during aggregation.
func (r *Reporter) ObserveDropped(reason string, n int64) {
	if n > 0 {
		r.eventsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveResult records the aggregation outcome and checks every record.
// It returns the number of invariant violations found.
func (r *Reporter) ObserveResult(res *stats.Result) int {
	r.eventsReceived.Add(float64(res.Received))
	for reason, n := range res.Dropped {
		r.ObserveDropped(string(reason), n)
	}
	r.recordsComposed.Set(float64(len(res.Records)))

	perStation := make(map[string]int64)
	violations := 0
	for _, rec := range res.Records {
		perStation[rec.StationID] += rec.TotalCount
		violations += r.checkRecord(rec)
		r.logStats(rec)
	}
	for station, n := range perStation {
		r.stationEvents.WithLabelValues(station).Set(float64(n))
	}
	return violations
}

func (r *Reporter) checkRecord(rec stats.AggregateRecord) int {
	violations := 0
	check := func(name string, ok bool, fields ...zap.Field) {
		if ok {
			return
		}
		violations++
		r.invariantViolations.WithLabelValues(name).Inc()
		r.logger.Error("Record invariant violated", append([]zap.Field{
			zap.String("check", name),
			zap.String("station_id", rec.StationID),
			zap.Time("window_start", rec.WindowStart),
		}, fields...)...)
	}

	check("by_direction_sum", sumCounts(rec.ByDirection) == rec.TotalCount,
		zap.Int64("sum", sumCounts(rec.ByDirection)), zap.Int64("total", rec.TotalCount))
	check("by_type_sum", sumCounts(rec.ByType) == rec.TotalCount,
		zap.Int64("sum", sumCounts(rec.ByType)), zap.Int64("total", rec.TotalCount))
	check("unique_le_total", rec.UniqueCount >= 0 && rec.UniqueCount <= rec.TotalCount,
		zap.Int64("unique", rec.UniqueCount), zap.Int64("total", rec.TotalCount))
	return violations
}

func sumCounts(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

func (r *Reporter) logStats(rec stats.AggregateRecord) {
	if ce := r.logger.Check(zap.DebugLevel, "Window stats composed"); ce != nil {
		ce.Write(
			zap.String("station_id", rec.StationID),
			zap.Time("window_start", rec.WindowStart),
			zap.Time("window_end", rec.WindowEnd),
			zap.Int64("count", rec.TotalCount),
			zap.Int64("unique", rec.UniqueCount),
			zap.Int("directions", len(rec.ByDirection)),
			zap.Int("types", len(rec.ByType)),
		)
	}
}

// ObserveWritten records rows accepted by the sink.
func (r *Reporter) ObserveWritten(rows int) {
	r.rowsWritten.Add(float64(rows))
}

// Finish records the run outcome and pushes metrics if a Pushgateway is
// configured. Push failures are logged, never returned: metrics must not fail
// a run whose output is already written.
func (r *Reporter) Finish(ctx context.Context, runID string, elapsed time.Duration, runErr error) {
	r.runDuration.Set(elapsed.Seconds())
	if runErr != nil {
		r.runFailures.Inc()
	} else {
		r.lastSuccess.SetToCurrentTime()
	}

	if r.cfg.PushgatewayURL == "" {
		return
	}
	err := push.New(r.cfg.PushgatewayURL, r.cfg.JobName).
		Gatherer(r.registry).
		PushContext(ctx)
	if err != nil {
		r.logger.Warn("Failed to push metrics", zap.String("url", r.cfg.PushgatewayURL), zap.String("run_id", runID), zap.Error(err))
		return
	}
	r.logger.Debug("Metrics pushed", zap.String("url", r.cfg.PushgatewayURL), zap.String("run_id", runID))
}
