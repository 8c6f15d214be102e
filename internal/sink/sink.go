package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

var (
	ErrModeUnsupported = errors.New("sink does not support write mode")
	ErrUnknownKind     = errors.New("unknown sink kind")
)

// Sink persists composed rows. Write is called once per run with the complete
// row set. None of the implementations makes overwrite atomic: a failure in
// the middle of a write can leave the destination partially written.
type Sink interface {
	Write(ctx context.Context, rows []stats.OutputRow, mode stats.WriteMode) error
	Close() error
	Kind() string
}

// New creates the sink selected by cfg.Kind. runID names per-run artifacts
// such as parquet part files.
func New(cfg config.SinkConfig, runID string, logger *zap.Logger) (Sink, error) {
	switch cfg.Kind {
	case "parquet":
		return NewParquetSink(cfg.Destination, runID, logger), nil
	case "csv":
		return NewCSVSink(cfg.Destination, logger), nil
	case "jsonl":
		return NewJSONLSink(cfg.Destination, logger), nil
	case "redis":
		return NewRedisSink(cfg.Redis, logger), nil
	case "kafka":
		return NewKafkaSink(cfg.Kafka, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// openFile opens path for writing under mode and reports whether the file
// already held data, so text sinks know whether to emit a header.
func openFile(path string, mode stats.WriteMode) (*os.File, bool, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	switch mode {
	case stats.ModeOverwrite:
		flags |= os.O_TRUNC
	case stats.ModeAppend:
		flags |= os.O_APPEND
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrModeUnsupported, mode)
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, false, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, false, err
	}
	return f, info.Size() > 0, nil
}
