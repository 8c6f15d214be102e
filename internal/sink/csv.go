package sink

import (
	"context"
	"encoding/csv"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

var csvHeader = []string{"station_id", "window_start", "window_end", "cnt", "unique_cnt", "by_dir", "by_type"}

// CSVSink writes rows to a single CSV file. Overwrite truncates the file;
// append adds rows and only writes the header into an empty file.
type CSVSink struct {
	path   string
	logger *zap.Logger
}

// NewCSVSink creates a sink writing the CSV file at path.
func NewCSVSink(path string, logger *zap.Logger) *CSVSink {
	return &CSVSink{path: path, logger: logger}
}

// Kind implements Sink.
func (s *CSVSink) Kind() string { return "csv" }

// Write writes rows under mode. Window bounds are RFC 3339 with nanoseconds.
func (s *CSVSink) Write(_ context.Context, rows []stats.OutputRow, mode stats.WriteMode) error {
	f, hasData, err := openFile(s.path, mode)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if !hasData {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := w.Write([]string{
			r.StationID,
			r.WindowStart.UTC().Format(time.RFC3339Nano),
			r.WindowEnd.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(r.Cnt, 10),
			strconv.FormatInt(r.UniqueCnt, 10),
			r.ByDir,
			r.ByType,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	s.logger.Debug("Wrote CSV rows", zap.String("path", s.path), zap.Int("rows", len(rows)), zap.String("mode", string(mode)))
	return f.Sync()
}

// Close is a no-op; the file is closed after every write.
func (s *CSVSink) Close() error { return nil }
