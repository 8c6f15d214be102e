package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sanspareilsmyn/tollstats/internal/stats"
)

const (
	defaultSourceKind      = "jsonl"
	defaultSourceBatchSize = 20000
	defaultKafkaFetchBytes = 10 << 20
	defaultJobWindow       = "5 minutes"
	defaultJobMode         = "overwrite"
	defaultJobParallelism  = 8
	defaultSinkKind        = "parquet"
	defaultSinkDestination = "stats_realtime"
	defaultRedisKeyPrefix  = "stats_realtime"
	defaultMetricsJobName  = "tollstats"
	defaultLogLevel        = "info"
	defaultLogFormat       = "console"
	defaultLogFileEnabled  = false
	defaultLogDirectory    = "log"
	defaultLogFilename     = "tollstats.log"
	defaultLogMaxSizeMB    = 100
	defaultLogMaxBackups   = 3
	defaultLogMaxAgeDays   = 7
	defaultLogCompress     = false

	// Environment variable prefix
	envPrefix = "TOLLSTATS"
)

type Config struct {
	Source  SourceConfig  `mapstructure:"source"`
	Job     JobConfig     `mapstructure:"job"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type SourceConfig struct {
	Kind      string      `mapstructure:"kind"` // kafka, jsonl, csv, parquet
	Path      string      `mapstructure:"path"`
	BatchSize int         `mapstructure:"batchSize"`
	From      string      `mapstructure:"from"` // optional inclusive lower bound on event time
	To        string      `mapstructure:"to"`   // optional exclusive upper bound on event time
	Kafka     KafkaConfig `mapstructure:"kafka"`

	FromTime time.Time `mapstructure:"-"`
	ToTime   time.Time `mapstructure:"-"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	FetchBytes int      `mapstructure:"fetchBytes"`
}

type JobConfig struct {
	Window      string `mapstructure:"window"` // e.g. "5 minutes", "1 hour", "90s"
	Mode        string `mapstructure:"mode"`   // overwrite or append
	Parallelism int    `mapstructure:"parallelism"`
	Schedule    string `mapstructure:"schedule"` // optional cron expression for repeated runs

	WindowLength time.Duration   `mapstructure:"-"`
	WriteMode    stats.WriteMode `mapstructure:"-"`
}

type SinkConfig struct {
	Kind        string          `mapstructure:"kind"` // parquet, csv, jsonl, redis, kafka
	Destination string          `mapstructure:"destination"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Kafka       KafkaSinkConfig `mapstructure:"kafka"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

type KafkaSinkConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgatewayURL"`
	JobName        string `mapstructure:"jobName"`
}

type LogConfig struct {
	Level              string `mapstructure:"level"`
	Format             string `mapstructure:"format"`
	FileLoggingEnabled bool   `mapstructure:"fileLoggingEnabled"`
	Directory          string `mapstructure:"directory"`
	Filename           string `mapstructure:"filename"`
	MaxSize            int    `mapstructure:"maxSize"`    // Max size in MB
	MaxBackups         int    `mapstructure:"maxBackups"` // Max backup files
	MaxAge             int    `mapstructure:"maxAge"`     // Max days to retain
	Compress           bool   `mapstructure:"compress"`   // Compress rotated files?
}

// Load initializes viper, reads config, applies defaults, binds flags,
// unmarshals, and validates. configPath may be empty, in which case only
// defaults, environment and flags are used. flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	configureViper(v, configPath)

	// Set default values before reading config source .yaml
	setDefaults(v)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBindingFlags, err)
		}
	}

	if configPath != "" {
		if err := readConfigFile(v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnmarshallingConfig, err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// configureViper sets up viper instance for file and environment variables.
func configureViper(v *viper.Viper, configPath string) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults applies default configuration values using Viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("source.kind", defaultSourceKind)
	v.SetDefault("source.batchSize", defaultSourceBatchSize)
	v.SetDefault("source.kafka.fetchBytes", defaultKafkaFetchBytes)
	v.SetDefault("job.window", defaultJobWindow)
	v.SetDefault("job.mode", defaultJobMode)
	v.SetDefault("job.parallelism", defaultJobParallelism)
	v.SetDefault("sink.kind", defaultSinkKind)
	v.SetDefault("sink.destination", defaultSinkDestination)
	v.SetDefault("sink.redis.keyPrefix", defaultRedisKeyPrefix)
	v.SetDefault("metrics.jobName", defaultMetricsJobName)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("log.fileLoggingEnabled", defaultLogFileEnabled)
	v.SetDefault("log.directory", defaultLogDirectory)
	v.SetDefault("log.filename", defaultLogFilename)
	v.SetDefault("log.maxSize", defaultLogMaxSizeMB)
	v.SetDefault("log.maxBackups", defaultLogMaxBackups)
	v.SetDefault("log.maxAge", defaultLogMaxAgeDays)
	v.SetDefault("log.compress", defaultLogCompress)
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"source":      "source.kind",
	"input":       "source.path",
	"from":        "source.from",
	"to":          "source.to",
	"brokers":     "source.kafka.brokers",
	"topic":       "source.kafka.topic",
	"fetch-bytes": "source.kafka.fetchBytes",
	"window":      "job.window",
	"mode":        "job.mode",
	"partitions":  "job.parallelism",
	"schedule":    "job.schedule",
	"sink":        "sink.kind",
	"output":      "sink.destination",
	"redis-addr":  "sink.redis.addr",
	"pushgateway": "metrics.pushgatewayURL",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

// bindFlags binds only the flags that exist in the set, so callers can
// register a subset.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// readConfigFile attempts to read the configuration file specified in viper.
func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) || errors.Is(err, fs.ErrNotExist) {
			return ErrConfigFileMissing
		}
		return fmt.Errorf("%w: %w", ErrReadingConfigFile, err)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	length, err := ParseWindowLength(cfg.Job.Window)
	if err != nil {
		return err
	}
	cfg.Job.WindowLength = length

	mode, err := stats.ParseWriteMode(cfg.Job.Mode)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWriteMode, err)
	}
	cfg.Job.WriteMode = mode

	if cfg.Job.Parallelism <= 0 {
		return ErrInvalidParallelism
	}

	if err := validateSource(&cfg.Source); err != nil {
		return err
	}
	return validateSink(&cfg.Sink, mode)
}

func validateSource(src *SourceConfig) error {
	src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
	switch src.Kind {
	case "kafka":
		if len(src.Kafka.Brokers) == 0 {
			return ErrEmptyKafkaBrokers
		}
		if src.Kafka.Topic == "" {
			return ErrEmptyKafkaTopic
		}
	case "jsonl", "csv", "parquet":
		if src.Path == "" {
			return ErrEmptySourcePath
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSourceKind, src.Kind)
	}

	if src.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}

	var err error
	if src.From != "" {
		if src.FromTime, err = dateparse.ParseIn(src.From, time.UTC); err != nil {
			return fmt.Errorf("%w: from %q: %w", ErrInvalidRange, src.From, err)
		}
	}
	if src.To != "" {
		if src.ToTime, err = dateparse.ParseIn(src.To, time.UTC); err != nil {
			return fmt.Errorf("%w: to %q: %w", ErrInvalidRange, src.To, err)
		}
	}
	if !src.FromTime.IsZero() && !src.ToTime.IsZero() && !src.FromTime.Before(src.ToTime) {
		return fmt.Errorf("%w: from %s is not before to %s", ErrInvalidRange, src.From, src.To)
	}
	return nil
}

func validateSink(sink *SinkConfig, mode stats.WriteMode) error {
	sink.Kind = strings.ToLower(strings.TrimSpace(sink.Kind))
	switch sink.Kind {
	case "parquet", "csv", "jsonl":
		if sink.Destination == "" {
			return ErrEmptySinkDestination
		}
	case "redis":
		if sink.Redis.Addr == "" {
			return ErrEmptyRedisAddr
		}
	case "kafka":
		if len(sink.Kafka.Brokers) == 0 {
			return ErrEmptyKafkaBrokers
		}
		if sink.Kafka.Topic == "" {
			return ErrEmptyKafkaTopic
		}
		// a topic cannot be truncated
		if mode != stats.ModeAppend {
			return fmt.Errorf("%w: kafka sink requires append", ErrSinkModeUnsupported)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSinkKind, sink.Kind)
	}
	return nil
}

var windowUnits = map[string]time.Duration{
	"ms":           time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"s":            time.Second,
	"sec":          time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"m":            time.Minute,
	"min":          time.Minute,
	"mins":         time.Minute,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"h":            time.Hour,
	"hour":         time.Hour,
	"hours":        time.Hour,
	"d":            24 * time.Hour,
	"day":          24 * time.Hour,
	"days":         24 * time.Hour,
	"week":         7 * 24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
}

// ParseWindowLength accepts an interval of the form "<n> <unit>" ("5 minutes",
// "1 hour") or a Go duration ("5m", "90s"). The result must be positive.
func ParseWindowLength(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidWindowLength)
	}

	if d, err := time.ParseDuration(trimmed); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidWindowLength, s)
		}
		return d, nil
	}

	fields := strings.Fields(strings.ToLower(trimmed))
	if len(fields) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindowLength, s)
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindowLength, s)
	}
	unit, ok := windowUnits[fields[1]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidWindowLength, s)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidWindowLength, s)
	}
	d := time.Duration(n) * unit
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidWindowLength, s)
	}
	return d, nil
}
