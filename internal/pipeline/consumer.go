package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/message"
	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

const defaultSnapshotIdleTimeout = 10 * time.Second

type kafkaZapLogger struct {
	log *zap.Logger
}

func (l kafkaZapLogger) Printf(msg string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(msg, args...))
}

type kafkaZapErrorLogger struct {
	log *zap.Logger
}

func (l kafkaZapErrorLogger) Printf(msg string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(msg, args...))
}

// KafkaSource reads a bounded snapshot of a topic: for every partition it
// reads from the first retained offset up to the high watermark observed when
// the run starts. No consumer group is used and no offsets are committed, so
// re-running reads the same snapshot plus anything appended since.
type KafkaSource struct {
	cfg         config.KafkaConfig
	logger      *zap.Logger
	skipped     atomic.Int64
	idleTimeout time.Duration
}

// NewKafkaSource validates the configuration and creates the source.
func NewKafkaSource(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		logger.Error("Kafka configuration validation failed",
			zap.Strings("brokers", cfg.Brokers),
			zap.String("topic", cfg.Topic),
		)
		return nil, ErrInvalidKafkaConfig
	}

	logger.Info("Kafka source created",
		zap.String("topic", cfg.Topic),
		zap.Strings("brokers", cfg.Brokers),
		zap.Int("fetch_bytes", cfg.FetchBytes),
	)
	return &KafkaSource{cfg: cfg, logger: logger, idleTimeout: defaultSnapshotIdleTimeout}, nil
}

// Name identifies the source in logs.
func (k *KafkaSource) Name() string { return "kafka:" + k.cfg.Topic }

// Skipped returns the number of messages that were not valid JSON.
func (k *KafkaSource) Skipped() int64 { return k.skipped.Load() }

// Read reads every partition concurrently and sends parsed events to out.
func (k *KafkaSource) Read(ctx context.Context, out chan<- stats.RawEvent) error {
	partitions, err := k.partitions(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range partitions {
		partition := p
		g.Go(func() error {
			return k.readPartition(gctx, partition, out)
		})
	}
	return g.Wait()
}

func (k *KafkaSource) partitions(ctx context.Context) ([]int, error) {
	conn, err := kafka.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKafkaMetadataFailed, err)
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(k.cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKafkaMetadataFailed, err)
	}
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// offsets returns the [first, last) offset range currently held by a partition.
func (k *KafkaSource) offsets(ctx context.Context, partition int) (int64, int64, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", k.cfg.Brokers[0], k.cfg.Topic, partition)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: partition %d: %w", ErrKafkaMetadataFailed, partition, err)
	}
	defer conn.Close()

	first, last, err := conn.ReadOffsets()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: partition %d: %w", ErrKafkaMetadataFailed, partition, err)
	}
	return first, last, nil
}

func (k *KafkaSource) readPartition(ctx context.Context, partition int, out chan<- stats.RawEvent) error {
	log := k.logger.With(zap.Int("partition", partition))

	first, last, err := k.offsets(ctx, partition)
	if err != nil {
		return err
	}
	if last <= first {
		log.Debug("Partition is empty, skipping")
		return nil
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       k.cfg.Topic,
		Partition:   partition,
		MaxBytes:    k.cfg.FetchBytes,
		Logger:      kafkaZapLogger{k.logger.Named("kafka-reader").WithOptions(zap.AddCallerSkip(1))},
		ErrorLogger: kafkaZapErrorLogger{k.logger.Named("kafka-reader-error").WithOptions(zap.AddCallerSkip(1))},
	}
	r := kafka.NewReader(readerCfg)
	defer func() {
		if err := r.Close(); err != nil {
			log.Error("Failed to close Kafka reader cleanly", zap.Error(err))
		}
	}()

	if err := r.SetOffset(first); err != nil {
		return fmt.Errorf("%w: partition %d: %w", ErrKafkaFetchFailed, partition, err)
	}
	log.Debug("Reading partition snapshot", zap.Int64("first_offset", first), zap.Int64("last_offset", last))

	if err := k.drainSnapshot(ctx, r, last, out, log); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("partition %d: %w", partition, err)
	}
	return nil
}

// messageReader is the part of *kafka.Reader the snapshot loop uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Offset() int64
}

// drainSnapshot reads messages until the reader passes last. A read that sees
// nothing for idleTimeout also ends the snapshot: the offsets left below last
// then hold only transaction markers or compacted records, which are never
// delivered as messages.
func (k *KafkaSource) drainSnapshot(ctx context.Context, r messageReader, last int64, out chan<- stats.RawEvent, log *zap.Logger) error {
	for r.Offset() < last {
		readCtx, cancel := context.WithTimeout(ctx, k.idleTimeout)
		m, err := r.ReadMessage(readCtx)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, context.DeadlineExceeded) {
				log.Debug("No more messages below snapshot end",
					zap.Int64("next_offset", r.Offset()),
					zap.Int64("last_offset", last),
				)
				return nil
			}
			return fmt.Errorf("%w: %w", ErrKafkaFetchFailed, err)
		}

		msg, err := message.ParseDynamicJSON(m.Value)
		if err != nil {
			k.skipped.Inc()
			log.Warn("Failed to parse message, skipping", zap.Int64("offset", m.Offset), zap.Error(err))
		} else {
			select {
			case out <- toRawEvent(msg, log):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if m.Offset+1 >= last {
			break
		}
	}
	log.Debug("Reached snapshot end", zap.Int64("last_offset", last))
	return nil
}

// Close is a no-op; readers are closed as each partition finishes.
func (k *KafkaSource) Close() error { return nil }
