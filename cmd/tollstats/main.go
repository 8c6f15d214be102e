package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/logging"
	"github.com/sanspareilsmyn/tollstats/internal/pipeline"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	command := &cobra.Command{
		Use:           "tollstats",
		Short:         "Aggregate toll pass-through events into per-station tumbling-window statistics",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration from %q: %v\n", configFile, err)
				return err
			}

			logger, err := logging.NewLogger(cfg.Log)
			if err != nil {
				fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logger: %v\n", err)
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			logger.Info("Configuration loaded",
				zap.String("path", configFile),
				zap.String("source", cfg.Source.Kind),
				zap.String("sink", cfg.Sink.Kind),
				zap.String("window", cfg.Job.Window),
				zap.String("mode", string(cfg.Job.WriteMode)),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Job.Schedule != "" {
				err = runScheduled(ctx, cfg, logger)
			} else {
				err = runOnce(ctx, cfg, logger)
			}
			logOutcome(logger, err)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	flags := command.Flags()
	flags.StringVar(&configFile, "config", "", "Path to the configuration file")
	flags.String("source", "", "Source kind: kafka, jsonl, csv or parquet")
	flags.String("input", "", "Input file for file sources")
	flags.String("from", "", "Inclusive lower bound on event time")
	flags.String("to", "", "Exclusive upper bound on event time")
	flags.StringSlice("brokers", nil, "Kafka brokers for the kafka source")
	flags.String("topic", "", "Kafka topic for the kafka source")
	flags.Int("fetch-bytes", 0, "Maximum bytes per Kafka fetch")
	flags.String("window", "", `Window length, e.g. "5 minutes" or "1h"`)
	flags.String("mode", "", "Write mode: overwrite or append")
	flags.Int("partitions", 0, "Number of aggregation workers")
	flags.String("schedule", "", "Cron expression to repeat the batch pass")
	flags.String("sink", "", "Sink kind: parquet, csv, jsonl, redis or kafka")
	flags.String("output", "", "Output destination (file, directory or table name)")
	flags.String("redis-addr", "", "Redis address for the redis sink")
	flags.String("pushgateway", "", "Prometheus Pushgateway URL")
	flags.String("log-level", "", "Log level")
	flags.String("log-format", "", "Log format: console, json or none")
	return command
}

// runOnce builds a fresh job and runs it to completion.
func runOnce(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	job, err := pipeline.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := job.Close(); cerr != nil {
			logger.Warn("Failed to close job", zap.String("run_id", job.RunID()), zap.Error(cerr))
		}
	}()

	_, err = job.Run(ctx)
	return err
}

// runScheduled repeats the batch pass on the cron schedule until ctx is done.
// A tick that fires while the previous run is still going is skipped.
func runScheduled(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	cronLogger := cronZapLogger{log: logger.Named("scheduler")}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	_, err := c.AddFunc(cfg.Job.Schedule, func() {
		if err := runOnce(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Scheduled run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Job.Schedule, err)
	}

	logger.Info("Scheduler started", zap.String("schedule", cfg.Job.Schedule))
	c.Start()
	<-ctx.Done()

	logger.Info("Shutdown signal received, waiting for the running job...")
	<-c.Stop().Done()
	return ctx.Err()
}

func logOutcome(logger *zap.Logger, err error) {
	level := zapcore.InfoLevel
	reason := "gracefully"
	errField := zap.Skip()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		reason = "on signal"
	default:
		level = zapcore.ErrorLevel
		reason = "due to error"
		errField = zap.Error(err)
	}
	logger.Log(level, fmt.Sprintf("tollstats finished %s.", reason), zap.String("reason", reason), errField)
}

type cronZapLogger struct {
	log *zap.Logger
}

func (l cronZapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronZapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
