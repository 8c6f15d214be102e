package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

func parseRawEvent(data []byte) (stats.RawEvent, error) {
	msg, err := ParseDynamicJSON(data)
	if err != nil {
		return stats.RawEvent{}, err
	}
	return msg.ToRawEvent(), nil
}

func TestParseRawEvent(t *testing.T) {
	ev, err := parseRawEvent([]byte(`{
		"station_id": "S1",
		"event_time": "2024-05-01T09:00:01Z",
		"direction_code": "n",
		"vehicle_type_code": 1,
		"vehicle_identifier": "A***1"
	}`))
	require.NoError(t, err)

	require.NotNil(t, ev.StationID)
	assert.Equal(t, "S1", *ev.StationID)
	require.NotNil(t, ev.EventTime)
	assert.True(t, ev.EventTime.Equal(time.Date(2024, 5, 1, 9, 0, 1, 0, time.UTC)))
	require.NotNil(t, ev.DirectionCode)
	assert.Equal(t, "n", *ev.DirectionCode)
	require.NotNil(t, ev.VehicleTypeCode)
	assert.Equal(t, "1", *ev.VehicleTypeCode)
	require.NotNil(t, ev.VehicleIdentifier)
	assert.Equal(t, "A***1", *ev.VehicleIdentifier)
}

func TestParseRawEvent_LegacyColumns(t *testing.T) {
	ev, err := parseRawEvent([]byte(`{"station_id":"S7","gcsj":"2024-05-01 09:06:10","fxlx":"s","hpzl":"02","hphm_mask":"B"}`))
	require.NoError(t, err)

	require.NotNil(t, ev.EventTime)
	assert.True(t, ev.EventTime.Equal(time.Date(2024, 5, 1, 9, 6, 10, 0, time.UTC)))
	assert.Equal(t, "s", *ev.DirectionCode)
	assert.Equal(t, "02", *ev.VehicleTypeCode)
	assert.Equal(t, "B", *ev.VehicleIdentifier)
}

func TestParseRawEvent_NullsStayNil(t *testing.T) {
	ev, err := parseRawEvent([]byte(`{"station_id":null,"event_time":"not a time","direction_code":null}`))
	require.NoError(t, err)
	assert.Nil(t, ev.StationID)
	assert.Nil(t, ev.EventTime)
	assert.Nil(t, ev.DirectionCode)
	assert.Nil(t, ev.VehicleTypeCode)
	assert.Nil(t, ev.VehicleIdentifier)
}

func TestParseRawEvent_Malformed(t *testing.T) {
	_, err := parseRawEvent([]byte(`{"station_id":`))
	assert.ErrorIs(t, err, ErrJSONUnmarshalFailed)
}

func TestDynamicMessage_GetTimeEpoch(t *testing.T) {
	want := time.Date(2024, 5, 1, 9, 0, 1, 0, time.UTC)

	msg := DynamicMessage{"seconds": float64(want.Unix()), "millis": float64(want.UnixMilli())}

	got, ok := msg.GetTime("seconds")
	require.True(t, ok)
	assert.True(t, got.Equal(want))

	got, ok = msg.GetTime("millis")
	require.True(t, ok)
	assert.True(t, got.Equal(want))
}

func TestDynamicMessage_HasNonNull(t *testing.T) {
	msg := DynamicMessage{"event_time": nil, "gcsj": "bad"}
	assert.True(t, msg.HasNonNull(EventTimeKeys...))
	assert.False(t, msg.HasNonNull("event_time"))
	assert.False(t, msg.HasNonNull(StationIDKeys...))
}

func TestDynamicMessage_GetFieldSnippet(t *testing.T) {
	msg := DynamicMessage{"station_id": "S1234567890"}
	assert.Equal(t, "S1234...", msg.GetFieldSnippet("station_id", 5))
	assert.Equal(t, "S1234567890", msg.GetFieldSnippet("station_id", 50))
	assert.Equal(t, "<missing>", msg.GetFieldSnippet("fxlx", 5))
}

func TestParseDynamicJSON_KeepsLargeNumbersExact(t *testing.T) {
	a, err := parseRawEvent([]byte(`{"station_id":"S1","event_time":1714554001,"vehicle_identifier":9007199254740993}`))
	require.NoError(t, err)
	b, err := parseRawEvent([]byte(`{"station_id":"S1","event_time":1714554001000,"vehicle_identifier":9007199254740992}`))
	require.NoError(t, err)

	require.NotNil(t, a.VehicleIdentifier)
	require.NotNil(t, b.VehicleIdentifier)
	assert.Equal(t, "9007199254740993", *a.VehicleIdentifier)
	assert.Equal(t, "9007199254740992", *b.VehicleIdentifier)

	want := time.Date(2024, 5, 1, 9, 0, 1, 0, time.UTC)
	assert.True(t, a.EventTime.Equal(want))
	assert.True(t, b.EventTime.Equal(want))
}

func TestParseDynamicJSON_Numbers(t *testing.T) {
	msg, err := ParseDynamicJSON([]byte(`{"hpzl":1,"fraction":1.5}`))
	require.NoError(t, err)

	typ, ok := msg.GetString(VehicleTypeCodeKeys...)
	require.True(t, ok)
	assert.Equal(t, "1", *typ)

	frac, ok := msg.GetString("fraction")
	require.True(t, ok)
	assert.Equal(t, "1.5", *frac)
}
