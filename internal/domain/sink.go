package domain

import (
	"context"
	"time"
)

// RecordKind routes records to the sinks that accept them.
type RecordKind string

const (
	RecordAggregate RecordKind = "aggregate"
	RecordAnomaly   RecordKind = "anomaly"
	RecordEvent     RecordKind = "event"
)

// Record is the uniform unit handed to the sink boundary.
type Record struct {
	Kind      RecordKind
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// EventEnvelope is the payload shape of RecordEvent records: the canonical
// event together with its enrichment context.
type EventEnvelope struct {
	Event   *CanonicalEvent  `json:"event"`
	Context *EnrichedContext `json:"context,omitempty"`
}

// Sink is a pluggable storage adapter. Write returns nil on ack, a
// TransientError when the store is temporarily unavailable, and a
// PermanentError when the record is malformed for this store.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Accepts reports whether this sink stores the given record kind.
	Accepts(kind RecordKind) bool

	// Write stores one record.
	Write(ctx context.Context, rec Record) error

	// Ping checks sink reachability.
	Ping(ctx context.Context) error

	// Close releases sink resources.
	Close() error
}

// SinkConfig holds configuration for the sink fan-out.
type SinkConfig struct {
	// Driver is "sqlite" or "postgres" for the SQL-backed adapters.
	Driver      string `json:"driver"`
	SQLitePath  string `json:"sqlitePath"`
	PostgresDSN string `json:"postgresDSN"`

	// DeadLetterPath is where diverted records are appended.
	DeadLetterPath string `json:"deadLetterPath"`

	// WriteTimeout bounds one sink write.
	WriteTimeout time.Duration `json:"writeTimeout"`

	// Retry budget for transient sink failures, per sink.
	MaxRetries   int           `json:"maxRetries"`
	RetryBackoff time.Duration `json:"retryBackoff"`
}
