package config

import "errors"

var (
	ErrReadingConfigFile    = errors.New("failed to read config file")
	ErrUnmarshallingConfig  = errors.New("failed to unmarshal config")
	ErrBindingFlags         = errors.New("failed to bind command-line flags")
	ErrConfigFileMissing    = errors.New("config file not found")
	ErrInvalidWindowLength  = errors.New("job window must be a positive interval such as \"5 minutes\"")
	ErrInvalidWriteMode     = errors.New("job mode must be overwrite or append")
	ErrInvalidParallelism   = errors.New("job parallelism must be positive")
	ErrUnknownSourceKind    = errors.New("unknown source kind")
	ErrEmptySourcePath      = errors.New("source path cannot be empty")
	ErrInvalidBatchSize     = errors.New("source batchSize must be positive")
	ErrInvalidRange         = errors.New("invalid source time range")
	ErrEmptyKafkaBrokers    = errors.New("kafka brokers list cannot be empty")
	ErrEmptyKafkaTopic      = errors.New("kafka topic cannot be empty")
	ErrUnknownSinkKind      = errors.New("unknown sink kind")
	ErrEmptySinkDestination = errors.New("sink destination cannot be empty")
	ErrEmptyRedisAddr       = errors.New("redis addr cannot be empty")
	ErrSinkModeUnsupported  = errors.New("sink does not support the requested write mode")
)
