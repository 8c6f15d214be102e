package stats

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultWorkerBuffer = 256

// Options configures an Engine for one job run.
type Options struct {
	// WindowLength is the tumbling window size.
	WindowLength time.Duration
	// Parallelism is the number of partition workers.
	Parallelism int
	// WorkerBuffer sizes each worker's input channel. Zero uses a default.
	WorkerBuffer int
}

// Engine runs the normalize, window, aggregate and compose stages over a
// bounded event set. An Engine holds no state between runs.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// Result is the outcome of a complete run.
type Result struct {
	Records  []AggregateRecord
	Received int64
	Retained int64
	Dropped  map[DropReason]int64
}

// TotalUnique is the output of the total/unique reduction for one key.
type TotalUnique struct {
	Total  int64
	Unique int64
}

type breakdownKey struct {
	key  WindowKey
	code string
}

type keyedEvent struct {
	key   WindowKey
	event NormalizedEvent
}

type totalState struct {
	count    int64
	vehicles map[string]struct{}
}

// partial holds the three reductions for the keys one worker has seen.
// All three are counts or set unions, so partials merge in any order.
type partial struct {
	totals     map[WindowKey]*totalState
	directions map[breakdownKey]int64
	types      map[breakdownKey]int64
}

func newPartial() *partial {
	return &partial{
		totals:     make(map[WindowKey]*totalState),
		directions: make(map[breakdownKey]int64),
		types:      make(map[breakdownKey]int64),
	}
}

func (p *partial) add(ke keyedEvent) {
	st, ok := p.totals[ke.key]
	if !ok {
		st = &totalState{vehicles: make(map[string]struct{})}
		p.totals[ke.key] = st
	}
	st.count++
	// nil identifiers count towards the total but not the distinct set
	if id := ke.event.VehicleIdentifier; id != nil {
		st.vehicles[*id] = struct{}{}
	}

	p.directions[breakdownKey{key: ke.key, code: ke.event.DirectionCode}]++
	p.types[breakdownKey{key: ke.key, code: ke.event.VehicleTypeCode}]++
}

func (p *partial) merge(other *partial) {
	for k, o := range other.totals {
		st, ok := p.totals[k]
		if !ok {
			st = &totalState{vehicles: make(map[string]struct{}, len(o.vehicles))}
			p.totals[k] = st
		}
		st.count += o.count
		for v := range o.vehicles {
			st.vehicles[v] = struct{}{}
		}
	}
	for k, c := range other.directions {
		p.directions[k] += c
	}
	for k, c := range other.types {
		p.types[k] += c
	}
}

func (p *partial) totalUnique() map[WindowKey]TotalUnique {
	out := make(map[WindowKey]TotalUnique, len(p.totals))
	for k, st := range p.totals {
		out[k] = TotalUnique{Total: st.count, Unique: int64(len(st.vehicles))}
	}
	return out
}

// NewEngine validates the options and returns an Engine.
func NewEngine(opts Options, logger *zap.Logger) (*Engine, error) {
	if opts.WindowLength <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindowLength, opts.WindowLength)
	}
	if opts.Parallelism <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidParallelism, opts.Parallelism)
	}
	if opts.WorkerBuffer <= 0 {
		opts.WorkerBuffer = defaultWorkerBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{opts: opts, logger: logger}, nil
}

// Aggregate runs the engine over an in-memory event slice.
func (e *Engine) Aggregate(ctx context.Context, events []RawEvent) (*Result, error) {
	in := make(chan RawEvent)
	g, gctx := errgroup.WithContext(ctx)

	var res *Result
	g.Go(func() error {
		var err error
		res, err = e.Run(gctx, in)
		return err
	})
	g.Go(func() error {
		defer close(in)
		for _, ev := range events {
			select {
			case in <- ev:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// Run consumes events from in until it is closed and returns the composed
// records. Events are routed by key hash to Parallelism workers that each own
// their partial state. The run is all or nothing: on cancellation it returns
// the context error and no records.
func (e *Engine) Run(ctx context.Context, in <-chan RawEvent) (*Result, error) {
	started := time.Now()
	workers := e.opts.Parallelism

	queues := make([]chan keyedEvent, workers)
	partials := make([]*partial, workers)
	for i := range queues {
		queues[i] = make(chan keyedEvent, e.opts.WorkerBuffer)
		partials[i] = newPartial()
	}

	res := &Result{Dropped: make(map[DropReason]int64)}
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		queue, part := queues[i], partials[i]
		g.Go(func() error {
			for ke := range queue {
				part.add(ke)
			}
			return nil
		})
	}

	g.Go(func() error {
		return e.dispatch(gctx, in, queues, res)
	})

	if err := g.Wait(); err != nil {
		e.logger.Warn("Aggregation aborted", zap.Error(err))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := newPartial()
	for _, p := range partials {
		merged.merge(p)
	}
	res.Records = Compose(
		merged.totalUnique(),
		foldBreakdown(merged.directions),
		foldBreakdown(merged.types),
	)

	e.logger.Info("Aggregation completed",
		zap.Int64("received", res.Received),
		zap.Int64("retained", res.Retained),
		zap.Int("records", len(res.Records)),
		zap.Int("workers", workers),
		zap.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

// dispatch normalizes and windows each event and hands it to the worker that
// owns its key. It closes every worker queue on return.
func (e *Engine) dispatch(ctx context.Context, in <-chan RawEvent, queues []chan keyedEvent, res *Result) error {
	defer func() {
		for _, q := range queues {
			close(q)
		}
	}()

	h := xxhash.New()
	var buf [8]byte
	n := uint64(len(queues))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			res.Received++

			ev, reason, kept := Normalize(raw)
			if !kept {
				res.Dropped[reason]++
				continue
			}
			res.Retained++

			key := newWindowKey(ev.StationID, AssignWindow(ev.EventTime, e.opts.WindowLength))

			h.Reset()
			_, _ = h.WriteString(key.StationID)
			binary.LittleEndian.PutUint64(buf[:], uint64(key.Start))
			_, _ = h.Write(buf[:])

			select {
			case queues[h.Sum64()%n] <- keyedEvent{key: key, event: ev}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
