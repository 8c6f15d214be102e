package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

// fakeReader hands out queued messages and then blocks like a reader waiting
// on a fetch that never returns data.
type fakeReader struct {
	mu     sync.Mutex
	queue  []kafka.Message
	offset int64
	reads  int
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	f.reads++
	if len(f.queue) > 0 {
		m := f.queue[0]
		f.queue = f.queue[1:]
		f.offset = m.Offset + 1
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

func tollMessage(offset int64, station string) kafka.Message {
	return kafka.Message{
		Offset: offset,
		Value:  []byte(`{"station_id":"` + station + `","event_time":"2024-05-01T09:00:01Z"}`),
	}
}

func newSnapshotSource(t *testing.T) *KafkaSource {
	t.Helper()
	src, err := NewKafkaSource(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "toll-events"}, zap.NewNop())
	require.NoError(t, err)
	src.idleTimeout = 20 * time.Millisecond
	return src
}

func collect(out chan stats.RawEvent) []stats.RawEvent {
	close(out)
	var events []stats.RawEvent
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func TestDrainSnapshot_StopsAtLastOffset(t *testing.T) {
	src := newSnapshotSource(t)
	r := &fakeReader{queue: []kafka.Message{
		tollMessage(0, "S1"),
		{Offset: 1, Value: []byte("not json")},
		tollMessage(2, "S2"),
		tollMessage(3, "S3"),
	}}
	out := make(chan stats.RawEvent, 8)

	require.NoError(t, src.drainSnapshot(context.Background(), r, 3, out, zap.NewNop()))

	events := collect(out)
	require.Len(t, events, 2)
	assert.Equal(t, "S2", *events[1].StationID)
	assert.Equal(t, int64(1), src.Skipped())
	assert.Equal(t, 3, r.reads)
}

func TestDrainSnapshot_EndsWhenTailHoldsNoMessages(t *testing.T) {
	src := newSnapshotSource(t)
	// offset 2 is a transaction marker: the watermark is 3 but no message
	// with offset 2 is ever delivered
	r := &fakeReader{queue: []kafka.Message{tollMessage(0, "S1"), tollMessage(1, "S1")}}
	out := make(chan stats.RawEvent, 8)

	done := make(chan error, 1)
	go func() { done <- src.drainSnapshot(context.Background(), r, 3, out, zap.NewNop()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot read did not finish")
	}
	assert.Len(t, collect(out), 2)
}

func TestDrainSnapshot_Cancelled(t *testing.T) {
	src := newSnapshotSource(t)
	src.idleTimeout = time.Minute
	r := &fakeReader{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := src.drainSnapshot(ctx, r, 3, make(chan stats.RawEvent), zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
}
