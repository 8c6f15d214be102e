package stats

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, length time.Duration, parallelism int) *Engine {
	t.Helper()
	e, err := NewEngine(Options{WindowLength: length, Parallelism: parallelism}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func ev(station string, at time.Time, dir, typ, id *string) RawEvent {
	return RawEvent{StationID: strp(station), EventTime: timep(at), DirectionCode: dir, VehicleTypeCode: typ, VehicleIdentifier: id}
}

func TestEngine_Scenario(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	at := func(h, m, s int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second) }

	events := []RawEvent{
		ev("S1", at(9, 0, 1), strp("n"), strp("1"), strp("A")),
		ev("S1", at(9, 2, 30), strp("N"), strp("01"), strp("A")),
		ev("S1", at(9, 6, 10), strp("s"), strp("2"), strp("B")),
	}

	res, err := newTestEngine(t, 5*time.Minute, 4).Aggregate(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	first, second := res.Records[0], res.Records[1]

	assert.Equal(t, "S1", first.StationID)
	assert.True(t, first.WindowStart.Equal(at(9, 0, 0)))
	assert.True(t, first.WindowEnd.Equal(at(9, 5, 0)))
	assert.Equal(t, int64(2), first.TotalCount)
	assert.Equal(t, int64(1), first.UniqueCount)
	assert.Equal(t, map[string]int64{"N": 2}, first.ByDirection)
	assert.Equal(t, map[string]int64{"01": 2}, first.ByType)

	assert.True(t, second.WindowStart.Equal(at(9, 5, 0)))
	assert.True(t, second.WindowEnd.Equal(at(9, 10, 0)))
	assert.Equal(t, int64(1), second.TotalCount)
	assert.Equal(t, int64(1), second.UniqueCount)
	assert.Equal(t, map[string]int64{"S": 1}, second.ByDirection)
	assert.Equal(t, map[string]int64{"02": 1}, second.ByType)

	row := first.Row()
	assert.Equal(t, `{"N":2}`, row.ByDir)
	assert.Equal(t, `{"01":2}`, row.ByType)
	assert.Equal(t, int64(2), row.Cnt)
	assert.Equal(t, int64(1), row.UniqueCnt)
}

func TestEngine_NullTypeGoesToSentinel(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 1, 0, time.UTC)
	events := []RawEvent{
		ev("S1", at, strp("N"), nil, strp("A")),
		ev("S1", at.Add(time.Second), strp("N"), strp("3"), strp("B")),
	}

	res, err := newTestEngine(t, 5*time.Minute, 2).Aggregate(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	r := res.Records[0]
	assert.Equal(t, int64(2), r.TotalCount)
	assert.Equal(t, map[string]int64{UnknownCode: 1, "03": 1}, r.ByType)
	assert.Equal(t, `{"03":1,"UNKNOWN":1}`, EncodeBreakdown(r.ByType))
}

func TestEngine_DropsUngroupableEvents(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 1, 0, time.UTC)
	events := []RawEvent{
		{StationID: strp("S1")},
		{EventTime: timep(at)},
		ev("S1", at, nil, nil, nil),
	}

	res, err := newTestEngine(t, time.Minute, 1).Aggregate(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Received)
	assert.Equal(t, int64(1), res.Retained)
	assert.Equal(t, int64(1), res.Dropped[DropMissingTime])
	assert.Equal(t, int64(1), res.Dropped[DropMissingStation])
	require.Len(t, res.Records, 1)
	// nil identifiers never reach the distinct set
	assert.Equal(t, int64(0), res.Records[0].UniqueCount)
	assert.Equal(t, int64(1), res.Records[0].TotalCount)
}

func randomEvents(rng *rand.Rand, n int) []RawEvent {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	dirs := []*string{strp("n"), strp("N"), strp("s"), strp("e"), nil}
	types := []*string{strp("1"), strp("01"), strp("2"), strp("12"), nil}

	events := make([]RawEvent, 0, n)
	for i := 0; i < n; i++ {
		var id *string
		if rng.Intn(10) > 0 {
			id = strp(fmt.Sprintf("V%03d", rng.Intn(40)))
		}
		e := ev(
			fmt.Sprintf("S%d", rng.Intn(5)),
			base.Add(time.Duration(rng.Int63n(int64(3*time.Hour)))),
			dirs[rng.Intn(len(dirs))],
			types[rng.Intn(len(types))],
			id,
		)
		if rng.Intn(50) == 0 {
			e.EventTime = nil
		}
		events = append(events, e)
	}
	return events
}

func sum(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

func TestEngine_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	events := randomEvents(rng, 5000)
	length := 5 * time.Minute

	res, err := newTestEngine(t, length, 8).Aggregate(context.Background(), events)
	require.NoError(t, err)
	require.NotEmpty(t, res.Records)

	var total int64
	seen := make(map[WindowKey]bool)
	for _, r := range res.Records {
		assert.Equal(t, r.TotalCount, sum(r.ByDirection), "by_direction for %s %s", r.StationID, r.WindowStart)
		assert.Equal(t, r.TotalCount, sum(r.ByType), "by_type for %s %s", r.StationID, r.WindowStart)
		assert.GreaterOrEqual(t, r.UniqueCount, int64(0))
		assert.LessOrEqual(t, r.UniqueCount, r.TotalCount)
		assert.Zero(t, r.WindowStart.UnixNano()%int64(length))
		assert.Equal(t, length, r.WindowEnd.Sub(r.WindowStart))

		key := newWindowKey(r.StationID, Window{Start: r.WindowStart, End: r.WindowEnd})
		assert.False(t, seen[key], "duplicate record for %v", key)
		seen[key] = true
		total += r.TotalCount
	}
	assert.Equal(t, res.Retained, total)
}

func TestEngine_DeterministicUnderReorderingAndParallelism(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	events := randomEvents(rng, 2000)

	want, err := newTestEngine(t, 5*time.Minute, 1).Aggregate(context.Background(), events)
	require.NoError(t, err)
	wantRows := Rows(want.Records)

	for _, parallelism := range []int{1, 3, 16} {
		shuffled := append([]RawEvent(nil), events...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got, err := newTestEngine(t, 5*time.Minute, parallelism).Aggregate(context.Background(), shuffled)
		require.NoError(t, err)
		assert.Equal(t, wantRows, Rows(got.Records), "parallelism %d", parallelism)
	}
}

func TestEngine_CancelledRunProducesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestEngine(t, time.Minute, 4).Aggregate(ctx, randomEvents(rand.New(rand.NewSource(1)), 100))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestEngine_RunCancelledMidStream(t *testing.T) {
	e := newTestEngine(t, time.Minute, 2)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan RawEvent)

	done := make(chan struct{})
	var (
		res *Result
		err error
	)
	go func() {
		defer close(done)
		res, err = e.Run(ctx, in)
	}()

	in <- ev("S1", time.Now(), nil, nil, nil)
	cancel()
	<-done

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestEngine_EmptyInput(t *testing.T) {
	res, err := newTestEngine(t, time.Minute, 3).Aggregate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.NotNil(t, res.Records)
}

func TestNewEngine_InvalidOptions(t *testing.T) {
	_, err := NewEngine(Options{WindowLength: 0, Parallelism: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidWindowLength)

	_, err = NewEngine(Options{WindowLength: time.Minute, Parallelism: 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidParallelism)
}

func TestPartial_MergeIsOrderIndependent(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	key := newWindowKey("S1", AssignWindow(at, time.Minute))
	mk := func(dir, typ, id string) keyedEvent {
		return keyedEvent{key: key, event: NormalizedEvent{StationID: "S1", EventTime: at, DirectionCode: dir, VehicleTypeCode: typ, VehicleIdentifier: strp(id)}}
	}

	a, b := newPartial(), newPartial()
	a.add(mk("N", "01", "A"))
	a.add(mk("S", "02", "B"))
	b.add(mk("N", "01", "A"))
	b.add(mk("N", "03", "C"))

	ab, ba := newPartial(), newPartial()
	ab.merge(a)
	ab.merge(b)
	ba.merge(b)
	ba.merge(a)

	assert.Equal(t, ab.totalUnique(), ba.totalUnique())
	assert.Equal(t, ab.directions, ba.directions)
	assert.Equal(t, ab.types, ba.types)
	assert.Equal(t, TotalUnique{Total: 4, Unique: 3}, ab.totalUnique()[key])
}

func TestParseWriteMode(t *testing.T) {
	m, err := ParseWriteMode(" Overwrite ")
	require.NoError(t, err)
	assert.Equal(t, ModeOverwrite, m)

	m, err = ParseWriteMode("append")
	require.NoError(t, err)
	assert.Equal(t, ModeAppend, m)

	_, err = ParseWriteMode("upsert")
	assert.ErrorIs(t, err, ErrInvalidWriteMode)
}

func TestEngine_InvalidUTF8CodesKeepBreakdownSum(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 1, 0, time.UTC)
	events := []RawEvent{
		ev("S1", at, strp("\xff"), strp("1"), strp("A")),
		ev("S1", at, strp("\xfe"), strp("1"), strp("B")),
		ev("S1", at, strp("\xfe"), strp("1"), strp("C")),
	}

	res, err := newTestEngine(t, time.Minute, 2).Aggregate(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	encoded := res.Records[0].Row().ByDir
	assert.Equal(t, `{"\\XFE":2,"\\XFF":1}`, encoded)

	decoded, err := DecodeBreakdown(encoded)
	require.NoError(t, err)
	assert.Len(t, decoded, 2)
	assert.Equal(t, int64(3), sum(decoded))
}
