package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/message"
	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

const maxJSONLineBytes = 1 << 20

// Source produces the raw events of one bounded batch. Read sends every event
// to out and returns when the input is exhausted; it does not close out.
type Source interface {
	Read(ctx context.Context, out chan<- stats.RawEvent) error
	// Skipped reports records that could not be decoded.
	Skipped() int64
	Name() string
	Close() error
}

// NewSource creates the source selected by cfg.Kind.
func NewSource(cfg config.SourceConfig, logger *zap.Logger) (Source, error) {
	switch cfg.Kind {
	case "kafka":
		return NewKafkaSource(cfg.Kafka, logger)
	case "jsonl":
		return NewJSONLSource(cfg.Path, logger), nil
	case "csv":
		return NewCSVSource(cfg.Path, logger), nil
	case "parquet":
		return NewParquetSource(cfg.Path, cfg.BatchSize, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceKind, cfg.Kind)
	}
}

func send(ctx context.Context, out chan<- stats.RawEvent, ev stats.RawEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toRawEvent maps a decoded record onto a RawEvent, noting event times that
// are present but unparsable since normalization will drop those events.
func toRawEvent(msg message.DynamicMessage, logger *zap.Logger) stats.RawEvent {
	ev := msg.ToRawEvent()
	if ev.EventTime == nil && msg.HasNonNull(message.EventTimeKeys...) {
		for _, key := range message.EventTimeKeys {
			if _, ok := msg[key]; ok {
				logger.Debug("Unparsable event time",
					zap.String("column", key),
					zap.String("value", msg.GetFieldSnippet(key, 64)),
					zap.String("station_id", msg.GetFieldSnippet("station_id", 32)),
				)
				break
			}
		}
	}
	return ev
}

// JSONLSource reads one JSON record per line.
type JSONLSource struct {
	path    string
	logger  *zap.Logger
	skipped atomic.Int64
}

// NewJSONLSource creates a source reading the JSONL file at path.
func NewJSONLSource(path string, logger *zap.Logger) *JSONLSource {
	return &JSONLSource{path: path, logger: logger}
}

// Name, Skipped and Close implement Source.
func (s *JSONLSource) Name() string   { return "jsonl:" + s.path }
func (s *JSONLSource) Skipped() int64 { return s.skipped.Load() }
func (s *JSONLSource) Close() error   { return nil }

// Read sends one event per non-blank line. Lines that are not JSON are
// skipped and counted.
func (s *JSONLSource) Read(ctx context.Context, out chan<- stats.RawEvent) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxJSONLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		msg, err := message.ParseDynamicJSON(raw)
		if err != nil {
			s.skipped.Inc()
			s.logger.Warn("Failed to parse line, skipping", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := send(ctx, out, toRawEvent(msg, s.logger)); err != nil {
			return err
		}
	}
	return sc.Err()
}

// CSVSource reads a CSV file whose header names the columns. Empty cells are
// nulls. Legacy column names are accepted.
type CSVSource struct {
	path    string
	logger  *zap.Logger
	skipped atomic.Int64
}

// NewCSVSource creates a source reading the CSV file at path.
func NewCSVSource(path string, logger *zap.Logger) *CSVSource {
	return &CSVSource{path: path, logger: logger}
}

// Name, Skipped and Close implement Source.
func (s *CSVSource) Name() string   { return "csv:" + s.path }
func (s *CSVSource) Skipped() int64 { return s.skipped.Load() }
func (s *CSVSource) Close() error   { return nil }

// Read sends one event per record, mapping cells by header name.
func (s *CSVSource) Read(ctx context.Context, out chan<- stats.RawEvent) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				s.skipped.Inc()
				s.logger.Warn("Failed to parse csv record, skipping", zap.Error(err))
				continue
			}
			return err
		}

		msg := make(message.DynamicMessage, len(header))
		for i, col := range header {
			if i < len(record) && record[i] != "" {
				msg[col] = record[i]
			}
		}
		if err := send(ctx, out, toRawEvent(msg, s.logger)); err != nil {
			return err
		}
	}
}

// ParquetEvent is the parquet layout of a raw event. EventTime is Unix
// milliseconds.
type ParquetEvent struct {
	StationID         *string `parquet:"station_id,optional"`
	EventTime         *int64  `parquet:"event_time,optional"`
	DirectionCode     *string `parquet:"direction_code,optional"`
	VehicleTypeCode   *string `parquet:"vehicle_type_code,optional"`
	VehicleIdentifier *string `parquet:"vehicle_identifier,optional"`
}

func (p ParquetEvent) rawEvent() stats.RawEvent {
	ev := stats.RawEvent{
		StationID:         p.StationID,
		DirectionCode:     p.DirectionCode,
		VehicleTypeCode:   p.VehicleTypeCode,
		VehicleIdentifier: p.VehicleIdentifier,
	}
	if p.EventTime != nil {
		t := msToTime(*p.EventTime)
		ev.EventTime = &t
	}
	return ev
}

// ParquetSource reads a parquet file in batches of batchSize rows.
type ParquetSource struct {
	path      string
	batchSize int
	logger    *zap.Logger
}

// NewParquetSource creates a source reading the parquet file at path.
// A non-positive batchSize falls back to 1024 rows.
func NewParquetSource(path string, batchSize int, logger *zap.Logger) *ParquetSource {
	if batchSize <= 0 {
		batchSize = 1024
	}
	return &ParquetSource{path: path, batchSize: batchSize, logger: logger}
}

// Name, Skipped and Close implement Source. Parquet rows are typed, so
// nothing is ever skipped.
func (s *ParquetSource) Name() string   { return "parquet:" + s.path }
func (s *ParquetSource) Skipped() int64 { return 0 }
func (s *ParquetSource) Close() error   { return nil }

// Read sends every row of the file.
func (s *ParquetSource) Read(ctx context.Context, out chan<- stats.RawEvent) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[ParquetEvent](f)
	defer reader.Close()

	batch := make([]ParquetEvent, s.batchSize)
	for {
		// events already sent keep pointers into the batch, so never let
		// the reader fill previously used values
		clear(batch)
		n, err := reader.Read(batch)
		for i := 0; i < n; i++ {
			if sendErr := send(ctx, out, batch[i].rawEvent()); sendErr != nil {
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read parquet %s: %w", s.path, err)
		}
	}
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
