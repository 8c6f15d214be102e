package sink

import (
	"bufio"
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

// JSONLSink writes one JSON object per row to a file.
type JSONLSink struct {
	path   string
	logger *zap.Logger
}

// NewJSONLSink creates a sink writing the JSONL file at path.
func NewJSONLSink(path string, logger *zap.Logger) *JSONLSink {
	return &JSONLSink{path: path, logger: logger}
}

// Kind implements Sink.
func (s *JSONLSink) Kind() string { return "jsonl" }

// Write encodes one row per line under mode.
func (s *JSONLSink) Write(_ context.Context, rows []stats.OutputRow, mode stats.WriteMode) error {
	f, _, err := openFile(s.path, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	s.logger.Debug("Wrote JSONL rows", zap.String("path", s.path), zap.Int("rows", len(rows)), zap.String("mode", string(mode)))
	return f.Sync()
}

// Close is a no-op; the file is closed after every write.
func (s *JSONLSink) Close() error { return nil }
