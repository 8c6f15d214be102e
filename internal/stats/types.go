package stats

import (
	"fmt"
	"strings"
	"time"
)

// UnknownCode is the breakdown bucket for events whose direction or vehicle-type
// code is missing after normalization.
const UnknownCode = "UNKNOWN"

// RawEvent is a single toll-station pass-through as read from the source.
// Nil pointers are null columns.
type RawEvent struct {
	StationID         *string
	EventTime         *time.Time
	DirectionCode     *string
	VehicleTypeCode   *string
	VehicleIdentifier *string
}

// NormalizedEvent is a RawEvent that survived normalization, carrying the
// canonical codes used for grouping.
type NormalizedEvent struct {
	StationID         string
	EventTime         time.Time
	DirectionCode     string
	VehicleTypeCode   string
	VehicleIdentifier *string
}

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano))
}

// WindowKey is the grouping key of every reduction.
// Windows are stored as Unix nanoseconds so the key is comparable and
// independent of time.Location.
type WindowKey struct {
	StationID string
	Start     int64
	End       int64
}

func newWindowKey(stationID string, w Window) WindowKey {
	return WindowKey{StationID: stationID, Start: w.Start.UnixNano(), End: w.End.UnixNano()}
}

// Window returns the key's window in UTC.
func (k WindowKey) Window() Window {
	return Window{Start: time.Unix(0, k.Start).UTC(), End: time.Unix(0, k.End).UTC()}
}

// AggregateRecord is the composed statistic for one (station, window).
type AggregateRecord struct {
	StationID   string
	WindowStart time.Time
	WindowEnd   time.Time
	TotalCount  int64
	UniqueCount int64
	ByDirection map[string]int64
	ByType      map[string]int64
}

// Row projects the record onto the output contract, encoding both breakdown
// maps canonically.
func (r AggregateRecord) Row() OutputRow {
	return OutputRow{
		StationID:   r.StationID,
		WindowStart: r.WindowStart,
		WindowEnd:   r.WindowEnd,
		Cnt:         r.TotalCount,
		UniqueCnt:   r.UniqueCount,
		ByDir:       EncodeBreakdown(r.ByDirection),
		ByType:      EncodeBreakdown(r.ByType),
	}
}

// OutputRow is a single row as consumed by the stats store.
type OutputRow struct {
	StationID   string    `json:"station_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Cnt         int64     `json:"cnt"`
	UniqueCnt   int64     `json:"unique_cnt"`
	ByDir       string    `json:"by_dir"`
	ByType      string    `json:"by_type"`
}

// Rows converts records to output rows, preserving order.
func Rows(records []AggregateRecord) []OutputRow {
	rows := make([]OutputRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Row())
	}
	return rows
}

// WriteMode is the logical write intent handed to a sink.
type WriteMode string

const (
	// ModeOverwrite replaces all existing rows at the destination.
	ModeOverwrite WriteMode = "overwrite"
	// ModeAppend adds rows without deduplication.
	ModeAppend WriteMode = "append"
)

// ParseWriteMode accepts "overwrite" or "append", case-insensitively.
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeOverwrite:
		return ModeOverwrite, nil
	case ModeAppend:
		return ModeAppend, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWriteMode, s)
	}
}
