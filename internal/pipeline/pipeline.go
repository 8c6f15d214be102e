package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/sink"
	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

const (
	dropParseError = "parse_error"
	dropOutOfRange = "out_of_range"

	defaultChannelBuffer = 1024
)

// Job is one bounded batch pass: read the source, aggregate, write the sink.
// A Job is single use; build a new one for every run.
type Job struct {
	runID    string
	source   Source
	engine   *stats.Engine
	sink     sink.Sink
	reporter *Reporter
	from, to time.Time
	mode     stats.WriteMode
	buffer   int
	logger   *zap.Logger
}

// RunSummary describes a successful run.
type RunSummary struct {
	RunID    string
	Received int64
	Retained int64
	Dropped  map[string]int64
	Records  int
	Duration time.Duration
}

// New creates and wires up a job from the validated configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Job, error) {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	initLogger := logger.Named("job.init")

	src, err := NewSource(cfg.Source, logger.Named("source"))
	if err != nil {
		initLogger.Error("Failed to create source", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSourceCreationFailed, err)
	}

	engine, err := stats.NewEngine(stats.Options{
		WindowLength: cfg.Job.WindowLength,
		Parallelism:  cfg.Job.Parallelism,
	}, logger.Named("engine"))
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	snk, err := sink.New(cfg.Sink, runID, logger.Named("sink"))
	if err != nil {
		_ = src.Close()
		initLogger.Error("Failed to create sink", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSinkCreationFailed, err)
	}

	job := NewJob(runID, src, engine, snk, NewReporter(cfg.Metrics, logger.Named("reporter")), cfg.Job.WriteMode, logger)
	job.from, job.to = cfg.Source.FromTime, cfg.Source.ToTime
	if cfg.Source.BatchSize > 0 {
		job.buffer = cfg.Source.BatchSize
	}

	initLogger.Info("Job created",
		zap.String("source", src.Name()),
		zap.String("sink", snk.Kind()),
		zap.Duration("window", cfg.Job.WindowLength),
		zap.String("mode", string(cfg.Job.WriteMode)),
		zap.Int("parallelism", cfg.Job.Parallelism),
	)
	return job, nil
}

// NewJob assembles a job from already built components.
func NewJob(runID string, src Source, engine *stats.Engine, snk sink.Sink, reporter *Reporter, mode stats.WriteMode, logger *zap.Logger) *Job {
	return &Job{
		runID:    runID,
		source:   src,
		engine:   engine,
		sink:     snk,
		reporter: reporter,
		mode:     mode,
		buffer:   defaultChannelBuffer,
		logger:   logger.Named("job"),
	}
}

// WithRange restricts the run to events in [from, to). Zero bounds are open.
func (j *Job) WithRange(from, to time.Time) *Job {
	j.from, j.to = from, to
	return j
}

func (j *Job) RunID() string { return j.runID }

// Run executes the job. The sink is written only after the whole aggregate set
// is computed; a failed or cancelled run writes nothing.
func (j *Job) Run(ctx context.Context) (*RunSummary, error) {
	started := time.Now()
	summary, err := j.run(ctx)
	elapsed := time.Since(started)

	// metrics are pushed even for a cancelled run, so use a fresh context
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	j.reporter.Finish(pushCtx, j.runID, elapsed, err)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			j.logger.Info("Job cancelled, nothing written", zap.Duration("elapsed", elapsed))
		} else {
			j.logger.Error("Job failed, nothing written", zap.Duration("elapsed", elapsed), zap.Error(err))
		}
		return nil, err
	}

	summary.Duration = elapsed
	j.logger.Info("Job completed",
		zap.Int64("received", summary.Received),
		zap.Int64("retained", summary.Retained),
		zap.Any("dropped", summary.Dropped),
		zap.Int("records", summary.Records),
		zap.Duration("elapsed", elapsed),
	)
	return summary, nil
}

func (j *Job) run(ctx context.Context) (*RunSummary, error) {
	raw := make(chan stats.RawEvent, j.buffer)
	filtered := make(chan stats.RawEvent, j.buffer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(raw)
		if err := j.source.Read(gctx, raw); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("%w: %s: %w", ErrSourceReadFailed, j.source.Name(), err)
		}
		return nil
	})

	var outOfRange int64
	g.Go(func() error {
		defer close(filtered)
		for ev := range raw {
			if !j.inRange(ev) {
				outOfRange++
				continue
			}
			select {
			case filtered <- ev:
			case <-gctx.Done():
				// drain so the source can observe cancellation and return
				for range raw {
				}
				return gctx.Err()
			}
		}
		return nil
	})

	var res *stats.Result
	g.Go(func() error {
		var err error
		res, err = j.engine.Run(gctx, filtered)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrAggregationFailed, err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	skipped := j.source.Skipped()
	received := res.Received + outOfRange + skipped
	dropped := make(map[string]int64, len(res.Dropped)+2)
	for reason, n := range res.Dropped {
		dropped[string(reason)] = n
	}
	if outOfRange > 0 {
		dropped[dropOutOfRange] = outOfRange
	}
	if skipped > 0 {
		dropped[dropParseError] = skipped
	}

	violations := j.reporter.ObserveResult(res)
	j.reporter.ObserveDropped(dropOutOfRange, outOfRange)
	j.reporter.ObserveDropped(dropParseError, skipped)
	j.reporter.ObserveReceived(outOfRange + skipped)
	if violations > 0 {
		j.logger.Warn("Composed records failed invariant checks", zap.Int("violations", violations))
	}

	rows := stats.Rows(res.Records)
	if err := j.sink.Write(ctx, rows, j.mode); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSinkWriteFailed, j.sink.Kind(), err)
	}
	j.reporter.ObserveWritten(len(rows))

	return &RunSummary{
		RunID:    j.runID,
		Received: received,
		Retained: res.Retained,
		Dropped:  dropped,
		Records:  len(res.Records),
	}, nil
}

// inRange passes events without a time through so the engine can count them
// as dropped for the right reason.
func (j *Job) inRange(ev stats.RawEvent) bool {
	if ev.EventTime == nil {
		return true
	}
	t := *ev.EventTime
	if !j.from.IsZero() && t.Before(j.from) {
		return false
	}
	if !j.to.IsZero() && !t.Before(j.to) {
		return false
	}
	return true
}

// Close releases the source and the sink.
func (j *Job) Close() error {
	return multierr.Combine(j.source.Close(), j.sink.Close())
}
