package sink

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

// KafkaSink publishes one message per row, keyed by station id. A topic
// cannot be truncated, so only append is supported.
type KafkaSink struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaSink creates a sink producing to cfg.Topic. Writes wait for all
// in-sync replicas.
func NewKafkaSink(cfg config.KafkaSinkConfig, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		logger: logger,
	}
}

// Kind implements Sink.
func (s *KafkaSink) Kind() string { return "kafka" }

// Write publishes rows; any mode but append is rejected.
func (s *KafkaSink) Write(ctx context.Context, rows []stats.OutputRow, mode stats.WriteMode) error {
	if mode != stats.ModeAppend {
		return fmt.Errorf("%w: %q on kafka", ErrModeUnsupported, mode)
	}
	if len(rows) == 0 {
		return nil
	}

	msgs, err := kafkaMessages(rows)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write kafka messages: %w", err)
	}

	s.logger.Debug("Published rows", zap.String("topic", s.writer.Topic), zap.Int("rows", len(rows)))
	return nil
}

func kafkaMessages(rows []stats.OutputRow) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(rows))
	for _, r := range rows {
		value, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.StationID), Value: value})
	}
	return msgs, nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	s.logger.Info("Closing kafka writer...")
	return s.writer.Close()
}
