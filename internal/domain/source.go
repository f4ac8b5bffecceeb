package domain

import "context"

// BatchHandler processes one partition-ordered batch of raw messages.
// Returning nil acknowledges the batch and allows the source to commit its
// offsets. Returning an error leaves the offsets uncommitted so the batch is
// redelivered after a restart or rebalance.
type BatchHandler func(ctx context.Context, batch []RawMessage) error

// MessageSource is the broker boundary. Implementations pull bounded batches
// per topic partition, preserve arrival order within a partition, and commit
// offsets only after the handler accepts the batch.
type MessageSource interface {
	// Run consumes until ctx is cancelled. On cancellation the in-flight
	// batch is drained, progress is committed, and Run returns.
	Run(ctx context.Context, handler BatchHandler) error

	// Ping checks broker reachability.
	Ping(ctx context.Context) error

	// Close releases broker resources.
	Close() error
}

// BrokerConfig holds configuration for the ingestion consumer.
type BrokerConfig struct {
	// Type is the source type: "kafka" or "channel".
	Type string `json:"type"`

	Brokers       []string `json:"brokers"`
	Topics        []string `json:"topics"`
	ConsumerGroup string   `json:"consumerGroup"`

	// MaxBatchSize caps messages dispatched per handler call.
	MaxBatchSize int `json:"maxBatchSize"`

	// PollTimeoutMs flushes a partial batch after this idle period.
	PollTimeoutMs int `json:"pollTimeoutMs"`

	// ChannelBufferSize applies to the in-process source.
	ChannelBufferSize int `json:"channelBufferSize"`
}

// Default topic names consumed by the pipeline.
const (
	TopicInventory = "warehouse.inventory"
	TopicOrders    = "warehouse.orders"
	TopicShipments = "warehouse.shipments"
)

// TopicEventType maps a topic to the event family it carries.
func TopicEventType(topic string) EventType {
	switch topic {
	case TopicOrders:
		return EventOrder
	case TopicShipments:
		return EventShipment
	default:
		return EventInventory
	}
}
