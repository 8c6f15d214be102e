package pipeline

import "errors"

var (
	ErrInvalidKafkaConfig   = errors.New("invalid Kafka configuration provided")
	ErrKafkaFetchFailed     = errors.New("failed to fetch message from Kafka")
	ErrKafkaMetadataFailed  = errors.New("failed to read Kafka topic metadata")
	ErrUnknownSourceKind    = errors.New("unknown source kind")
	ErrSourceCreationFailed = errors.New("failed to create source")
	ErrSinkCreationFailed   = errors.New("failed to create sink")
	ErrSourceReadFailed     = errors.New("source component failed")
	ErrAggregationFailed    = errors.New("aggregation failed")
	ErrSinkWriteFailed      = errors.New("sink write failed")
)
