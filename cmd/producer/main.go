package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// TollEvent matches the input record tollstats expects.
type TollEvent struct {
	StationID         string  `json:"station_id"`
	EventTime         *string `json:"event_time"`
	DirectionCode     *string `json:"direction_code"`
	VehicleTypeCode   *string `json:"vehicle_type_code"`
	VehicleIdentifier *string `json:"vehicle_identifier"`
}

type producerOptions struct {
	brokers  []string
	topic    string
	output   string
	stations int
	count    int
	interval time.Duration
	seed     int64
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "producer: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := producerOptions{}
	command := &cobra.Command{
		Use:          "producer",
		Short:        "Produce synthetic toll pass-through events to Kafka or a JSONL file",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, logger)
		},
	}
	flags := command.Flags()
	flags.StringSliceVar(&opts.brokers, "brokers", []string{"localhost:9092"}, "Kafka brokers")
	flags.StringVar(&opts.topic, "topic", "toll-events", "Kafka topic; empty disables Kafka output")
	flags.StringVar(&opts.output, "output", "", "Also write events to this JSONL file")
	flags.IntVar(&opts.stations, "stations", 20, "Number of distinct stations")
	flags.IntVar(&opts.count, "count", 0, "Stop after this many events; 0 runs until interrupted")
	flags.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "Delay between events; 0 produces as fast as possible")
	flags.Int64Var(&opts.seed, "seed", 0, "Random seed; 0 uses the clock")
	return command
}

func run(ctx context.Context, opts producerOptions, logger *zap.Logger) error {
	var writer *kafka.Writer
	if opts.topic != "" {
		writer = &kafka.Writer{
			Addr:     kafka.TCP(opts.brokers...),
			Topic:    opts.topic,
			Balancer: &kafka.Hash{},
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("Error closing kafka writer", zap.Error(err))
			}
		}()
		logger.Info("Producing to Kafka", zap.String("topic", opts.topic), zap.Strings("brokers", opts.brokers))
	}

	var file *bufio.Writer
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer f.Close()
		file = bufio.NewWriter(f)
		defer file.Flush()
		logger.Info("Writing JSONL", zap.String("path", opts.output))
	}

	if writer == nil && file == nil {
		return fmt.Errorf("nothing to produce to: set --topic or --output")
	}

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen := newGenerator(rand.New(rand.NewSource(seed)), opts.stations)

	var ticker *time.Ticker
	if opts.interval > 0 {
		ticker = time.NewTicker(opts.interval)
		defer ticker.Stop()
	}

	for produced := 0; opts.count == 0 || produced < opts.count; produced++ {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				logger.Info("Producer loop stopped", zap.Int("produced", produced))
				return nil
			}
		} else if ctx.Err() != nil {
			return nil
		}

		ev := gen.next(time.Now())
		payload, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("Error marshalling event", zap.Error(err))
			continue
		}

		if file != nil {
			if _, err := file.Write(append(payload, '\n')); err != nil {
				return err
			}
		}
		if writer != nil {
			err := writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.StationID), Value: payload})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("Error writing message", zap.Error(err))
				continue
			}
		}
		logger.Debug("Produced event", zap.ByteString("event", payload))
	}
	logger.Info("Produced all events", zap.Int("count", opts.count))
	return nil
}

type generator struct {
	rng      *rand.Rand
	stations int
	plates   []string
}

func newGenerator(rng *rand.Rand, stations int) *generator {
	if stations <= 0 {
		stations = 1
	}
	// a small plate pool makes repeat passes, and so distinct counts, realistic
	plates := make([]string, 200)
	for i := range plates {
		plates[i] = fmt.Sprintf("%c***%d", 'A'+rng.Intn(26), rng.Intn(10))
	}
	return &generator{rng: rng, stations: stations, plates: plates}
}

// next returns an event near now with occasional nulls and malformed codes.
func (g *generator) next(now time.Time) TollEvent {
	ev := TollEvent{StationID: fmt.Sprintf("S%03d", g.rng.Intn(g.stations))}

	// ~1% missing time; otherwise up to a minute late
	if g.rng.Float64() > 0.01 {
		ts := now.Add(-time.Duration(g.rng.Intn(60_000)) * time.Millisecond).UTC().Format(time.RFC3339Nano)
		ev.EventTime = &ts
	}

	directions := []string{"N", "S", "e", "w", " n "}
	if g.rng.Float64() > 0.05 {
		d := directions[g.rng.Intn(len(directions))]
		ev.DirectionCode = &d
	}

	if g.rng.Float64() > 0.05 {
		t := fmt.Sprint(1 + g.rng.Intn(12))
		if g.rng.Intn(2) == 0 && len(t) == 1 {
			t = "0" + t
		}
		ev.VehicleTypeCode = &t
	}

	if g.rng.Float64() > 0.02 {
		p := g.plates[g.rng.Intn(len(g.plates))]
		ev.VehicleIdentifier = &p
	}
	return ev
}
