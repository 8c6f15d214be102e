package sink

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sanspareilsmyn/tollstats/internal/config"
	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

// RedisSink keeps rows in one list per station, <prefix>:rows:<station_id>, and
// tracks the stations it has written in the set <prefix>:stations. A write
// runs in a single MULTI/EXEC; overwrite deletes the lists of every known
// station first.
type RedisSink struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisSink creates a sink with its own client for cfg.Addr.
func NewRedisSink(cfg config.RedisConfig, logger *zap.Logger) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisSinkWithClient(client, cfg.KeyPrefix, logger)
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisSink {
	return &RedisSink{client: client, prefix: prefix, logger: logger}
}

// Kind implements Sink.
func (s *RedisSink) Kind() string { return "redis" }

func (s *RedisSink) stationsKey() string { return s.prefix + ":stations" }

func (s *RedisSink) rowsKey(stationID string) string {
	return fmt.Sprintf("%s:rows:%s", s.prefix, stationID)
}

// Write stores rows under mode in one transaction.
func (s *RedisSink) Write(ctx context.Context, rows []stats.OutputRow, mode stats.WriteMode) error {
	var stale []string
	switch mode {
	case stats.ModeOverwrite:
		known, err := s.client.SMembers(ctx, s.stationsKey()).Result()
		if err != nil {
			return fmt.Errorf("list stations: %w", err)
		}
		stale = append(stale, s.stationsKey())
		for _, station := range known {
			stale = append(stale, s.rowsKey(station))
		}
	case stats.ModeAppend:
	default:
		return fmt.Errorf("%w: %q", ErrModeUnsupported, mode)
	}

	payloads := make([][]byte, len(rows))
	for i, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		payloads[i] = b
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(stale) > 0 {
			pipe.Del(ctx, stale...)
		}
		for i, r := range rows {
			pipe.RPush(ctx, s.rowsKey(r.StationID), payloads[i])
			pipe.SAdd(ctx, s.stationsKey(), r.StationID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis transaction: %w", err)
	}

	s.logger.Debug("Wrote rows to redis",
		zap.String("prefix", s.prefix),
		zap.Int("rows", len(rows)),
		zap.Int("deleted_keys", len(stale)),
		zap.String("mode", string(mode)),
	)
	return nil
}

// ReadStation returns the rows stored for one station, in insertion order.
func (s *RedisSink) ReadStation(ctx context.Context, stationID string) ([]stats.OutputRow, error) {
	raw, err := s.client.LRange(ctx, s.rowsKey(stationID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	rows := make([]stats.OutputRow, 0, len(raw))
	for _, item := range raw {
		var r stats.OutputRow
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
