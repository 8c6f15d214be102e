package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

const partPattern = "part-*.parquet"

// ParquetRow is the on-disk layout of an output row. Window bounds are Unix
// nanoseconds so windows shorter than a millisecond stay distinct.
type ParquetRow struct {
	StationID   string `parquet:"station_id"`
	WindowStart int64  `parquet:"window_start"`
	WindowEnd   int64  `parquet:"window_end"`
	Cnt         int64  `parquet:"cnt"`
	UniqueCnt   int64  `parquet:"unique_cnt"`
	ByDir       string `parquet:"by_dir"`
	ByType      string `parquet:"by_type"`
}

func toParquetRow(r stats.OutputRow) ParquetRow {
	return ParquetRow{
		StationID:   r.StationID,
		WindowStart: r.WindowStart.UnixNano(),
		WindowEnd:   r.WindowEnd.UnixNano(),
		Cnt:         r.Cnt,
		UniqueCnt:   r.UniqueCnt,
		ByDir:       r.ByDir,
		ByType:      r.ByType,
	}
}

// OutputRow converts the stored row back to the output contract.
func (p ParquetRow) OutputRow() stats.OutputRow {
	return stats.OutputRow{
		StationID:   p.StationID,
		WindowStart: time.Unix(0, p.WindowStart).UTC(),
		WindowEnd:   time.Unix(0, p.WindowEnd).UTC(),
		Cnt:         p.Cnt,
		UniqueCnt:   p.UniqueCnt,
		ByDir:       p.ByDir,
		ByType:      p.ByType,
	}
}

// ParquetSink treats its destination as a dataset directory holding one part
// file per run. Append adds a part; overwrite writes the new part and then
// removes every older part.
type ParquetSink struct {
	dir    string
	runID  string
	logger *zap.Logger
}

// NewParquetSink creates a sink writing part files for runID into dir.
func NewParquetSink(dir, runID string, logger *zap.Logger) *ParquetSink {
	return &ParquetSink{dir: dir, runID: runID, logger: logger}
}

// Kind implements Sink.
func (s *ParquetSink) Kind() string { return "parquet" }

func (s *ParquetSink) partPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("part-%s.parquet", s.runID))
}

// Write publishes this run's part file, then removes older parts on
// overwrite.
func (s *ParquetSink) Write(_ context.Context, rows []stats.OutputRow, mode stats.WriteMode) error {
	if mode != stats.ModeOverwrite && mode != stats.ModeAppend {
		return fmt.Errorf("%w: %q", ErrModeUnsupported, mode)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create dataset directory %s: %w", s.dir, err)
	}

	var stale []string
	if mode == stats.ModeOverwrite {
		var err error
		if stale, err = filepath.Glob(filepath.Join(s.dir, partPattern)); err != nil {
			return err
		}
	}

	out := make([]ParquetRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, toParquetRow(r))
	}

	// write under a name the part glob does not match, then publish
	final := s.partPath()
	tmp := filepath.Join(s.dir, "."+filepath.Base(final)+".tmp")
	if err := parquet.WriteFile(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write parquet %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return err
	}

	for _, p := range stale {
		if p == final {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale part %s: %w", p, err)
		}
	}

	s.logger.Debug("Wrote parquet part",
		zap.String("path", final),
		zap.Int("rows", len(rows)),
		zap.Int("removed_parts", len(stale)),
		zap.String("mode", string(mode)),
	)
	return nil
}

// Close is a no-op.
func (s *ParquetSink) Close() error { return nil }

// ReadDataset reads every part file of a parquet dataset directory.
func ReadDataset(dir string) ([]stats.OutputRow, error) {
	parts, err := filepath.Glob(filepath.Join(dir, partPattern))
	if err != nil {
		return nil, err
	}
	var rows []stats.OutputRow
	for _, p := range parts {
		stored, err := parquet.ReadFile[ParquetRow](p)
		if err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", p, err)
		}
		for _, r := range stored {
			rows = append(rows, r.OutputRow())
		}
	}
	return rows, nil
}
