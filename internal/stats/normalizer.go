package stats

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const vehicleTypeWidth = 2

// DropReason says why Normalize rejected an event.
type DropReason string

const (
	DropMissingTime    DropReason = "missing_event_time"
	DropMissingStation DropReason = "missing_station_id"
)

// Normalize cleans a raw event for grouping. Events without an event time or
// station id cannot be grouped and are rejected with the reason. Missing
// direction and vehicle-type codes are kept under UnknownCode so they still
// add up to the total.
func Normalize(e RawEvent) (NormalizedEvent, DropReason, bool) {
	if e.EventTime == nil {
		return NormalizedEvent{}, DropMissingTime, false
	}
	if e.StationID == nil {
		return NormalizedEvent{}, DropMissingStation, false
	}
	station := validUTF8(strings.TrimSpace(*e.StationID))
	if station == "" {
		return NormalizedEvent{}, DropMissingStation, false
	}

	return NormalizedEvent{
		StationID:         station,
		EventTime:         *e.EventTime,
		DirectionCode:     normalizeDirection(e.DirectionCode),
		VehicleTypeCode:   normalizeVehicleType(e.VehicleTypeCode),
		VehicleIdentifier: e.VehicleIdentifier,
	}, "", true
}

// normalizeDirection upper-cases the code. A literal "unknown" direction
// therefore lands in the UnknownCode bucket together with missing codes.
func normalizeDirection(code *string) string {
	if code == nil {
		return UnknownCode
	}
	c := strings.ToUpper(validUTF8(strings.TrimSpace(*code)))
	if c == "" {
		return UnknownCode
	}
	return c
}

// normalizeVehicleType left-pads short codes with zeros. Longer codes are kept
// whole rather than truncated, so distinct classes never collapse.
func normalizeVehicleType(code *string) string {
	if code == nil {
		return UnknownCode
	}
	c := validUTF8(strings.TrimSpace(*code))
	if c == "" {
		return UnknownCode
	}
	if n := len(c); n < vehicleTypeWidth {
		c = strings.Repeat("0", vehicleTypeWidth-n) + c
	}
	return c
}

// validUTF8 replaces every byte that is not part of a valid UTF-8 sequence
// with its \xHH spelling. Codes from legacy encodings stay distinct and
// survive JSON encoding unchanged.
func validUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			fmt.Fprintf(&b, "\\x%02x", s[i])
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}
