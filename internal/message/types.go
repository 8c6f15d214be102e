package message

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goccy/go-json"

	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

// Column names of a pass-through record. Each column also accepts the column
// name used by the legacy traffic_pass_dev table.
var (
	StationIDKeys         = []string{"station_id"}
	EventTimeKeys         = []string{"event_time", "gcsj"}
	DirectionCodeKeys     = []string{"direction_code", "fxlx"}
	VehicleTypeCodeKeys   = []string{"vehicle_type_code", "hpzl"}
	VehicleIdentifierKeys = []string{"vehicle_identifier", "hphm_mask"}
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds in
// numeric timestamps (about year 2001 when read as milliseconds).
const epochMillisThreshold = 1e12

// DynamicMessage represents a message with arbitrary key-value pairs,
// typically parsed from JSON.
type DynamicMessage map[string]interface{}

// lookup returns the first non-null value among keys.
func (dm DynamicMessage) lookup(keys []string) (interface{}, bool) {
	for _, k := range keys {
		if val, exists := dm[k]; exists && val != nil {
			return val, true
		}
	}
	return nil, false
}

// GetString retrieves the first non-null value among keys as a string.
// Numbers are formatted without a trailing fraction so a vehicle type of 1
// reads as "1".
func (dm DynamicMessage) GetString(keys ...string) (*string, bool) {
	val, ok := dm.lookup(keys)
	if !ok {
		return nil, false
	}

	var s string
	switch v := val.(type) {
	case string:
		s = v
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		s = v.String()
	case int:
		s = strconv.Itoa(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case bool:
		s = strconv.FormatBool(v)
	default:
		return nil, false
	}
	return &s, true
}

// HasNonNull checks if any of the keys exists with a non-null value.
func (dm DynamicMessage) HasNonNull(keys ...string) bool {
	_, ok := dm.lookup(keys)
	return ok
}

// GetTime retrieves a timestamp for the first non-null key. Strings are parsed
// with dateparse (naive values are taken as UTC); numbers are epoch seconds or,
// above epochMillisThreshold, epoch milliseconds.
func (dm DynamicMessage) GetTime(keys ...string) (*time.Time, bool) {
	val, ok := dm.lookup(keys)
	if !ok {
		return nil, false
	}

	switch v := val.(type) {
	case string:
		t, err := dateparse.ParseIn(v, time.UTC)
		if err != nil {
			return nil, false
		}
		return &t, true
	case float64:
		t := epochToTime(v)
		return &t, true
	case json.Number:
		if i, err := v.Int64(); err == nil && (i >= epochMillisThreshold || i <= -epochMillisThreshold) {
			t := time.UnixMilli(i).UTC()
			return &t, true
		}
		f, err := v.Float64()
		if err != nil {
			return nil, false
		}
		t := epochToTime(f)
		return &t, true
	case int64:
		t := epochToTime(float64(v))
		return &t, true
	case time.Time:
		return &v, true
	}
	return nil, false
}

func epochToTime(v float64) time.Time {
	if math.Abs(v) >= epochMillisThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// ToRawEvent maps the message onto a RawEvent. Missing or unparsable columns
// become nil and are handled by normalization.
func (dm DynamicMessage) ToRawEvent() stats.RawEvent {
	var ev stats.RawEvent
	ev.StationID, _ = dm.GetString(StationIDKeys...)
	ev.EventTime, _ = dm.GetTime(EventTimeKeys...)
	ev.DirectionCode, _ = dm.GetString(DirectionCodeKeys...)
	ev.VehicleTypeCode, _ = dm.GetString(VehicleTypeCodeKeys...)
	ev.VehicleIdentifier, _ = dm.GetString(VehicleIdentifierKeys...)
	return ev
}

// GetFieldSnippet returns a string snippet of a field's value, useful for logging.
// It handles missing keys and truncates long values.
func (dm DynamicMessage) GetFieldSnippet(fieldName string, maxLength int) string {
	value, exists := dm[fieldName]
	if !exists {
		return "<missing>"
	}

	strValue := fmt.Sprintf("%v", value)

	if maxLength <= 0 {
		return "..."
	}
	if len(strValue) > maxLength {
		return strValue[:maxLength] + "..."
	}
	return strValue
}
