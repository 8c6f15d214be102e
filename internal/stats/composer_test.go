package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompose_LeftJoin(t *testing.T) {
	w1 := AssignWindow(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), 5*time.Minute)
	w2 := AssignWindow(time.Date(2024, 5, 1, 9, 5, 0, 0, time.UTC), 5*time.Minute)
	k1 := newWindowKey("S2", w1)
	k2 := newWindowKey("S1", w2)
	k3 := newWindowKey("S1", w1)
	orphan := newWindowKey("S9", w1)

	totals := map[WindowKey]TotalUnique{
		k1: {Total: 3, Unique: 2},
		k2: {Total: 1, Unique: 1},
		k3: {Total: 2, Unique: 2},
	}
	directions := map[WindowKey]map[string]int64{
		k1:     {"N": 3},
		k3:     {"S": 2},
		orphan: {"N": 1},
	}
	types := map[WindowKey]map[string]int64{
		k1: {"01": 3},
	}

	records := Compose(totals, directions, types)
	require.Len(t, records, 3)

	// ordered by station, then window start
	assert.Equal(t, "S1", records[0].StationID)
	assert.True(t, records[0].WindowStart.Equal(w1.Start))
	assert.Equal(t, "S1", records[1].StationID)
	assert.True(t, records[1].WindowStart.Equal(w2.Start))
	assert.Equal(t, "S2", records[2].StationID)

	// breakdowns missing for a key become empty maps
	assert.NotNil(t, records[1].ByDirection)
	assert.Empty(t, records[1].ByDirection)
	assert.NotNil(t, records[0].ByType)
	assert.Empty(t, records[0].ByType)
	assert.Equal(t, "{}", records[1].Row().ByDir)

	assert.Equal(t, map[string]int64{"N": 3}, records[2].ByDirection)
	assert.Equal(t, map[string]int64{"01": 3}, records[2].ByType)
}

func TestCompose_DoesNotAliasInputMaps(t *testing.T) {
	w := AssignWindow(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), time.Minute)
	k := newWindowKey("S1", w)
	dirs := map[WindowKey]map[string]int64{k: {"N": 1}}

	records := Compose(map[WindowKey]TotalUnique{k: {Total: 1}}, dirs, nil)
	records[0].ByDirection["N"] = 99
	assert.Equal(t, int64(1), dirs[k]["N"])
}

func TestFoldBreakdown(t *testing.T) {
	w := AssignWindow(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), time.Minute)
	k1, k2 := newWindowKey("S1", w), newWindowKey("S2", w)

	folded := foldBreakdown(map[breakdownKey]int64{
		{key: k1, code: "N"}: 2,
		{key: k1, code: "S"}: 1,
		{key: k2, code: "N"}: 4,
	})
	assert.Equal(t, map[WindowKey]map[string]int64{
		k1: {"N": 2, "S": 1},
		k2: {"N": 4},
	}, folded)
}

func TestEncodeBreakdown(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]int64
		want string
	}{
		{name: "nil", in: nil, want: "{}"},
		{name: "empty", in: map[string]int64{}, want: "{}"},
		{name: "single", in: map[string]int64{"N": 2}, want: `{"N":2}`},
		{name: "sorted_keys", in: map[string]int64{"S": 1, "N": 2, "E": 3}, want: `{"E":3,"N":2,"S":1}`},
		{name: "byte_order", in: map[string]int64{"UNKNOWN": 1, "01": 4, "12": 2, "a": 1}, want: `{"01":4,"12":2,"UNKNOWN":1,"a":1}`},
		{name: "escaped_key", in: map[string]int64{`x"y`: 1}, want: `{"x\"y":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeBreakdown(tt.in)
			assert.Equal(t, tt.want, got)

			decoded, err := DecodeBreakdown(got)
			require.NoError(t, err)
			assert.Len(t, decoded, len(tt.in))
		})
	}
}

func TestEncodeBreakdown_Reproducible(t *testing.T) {
	m := map[string]int64{}
	for i := 0; i < 50; i++ {
		m[string(rune('A'+i%26))+string(rune('a'+i))] = int64(i)
	}
	first := EncodeBreakdown(m)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, EncodeBreakdown(m))
	}
}
