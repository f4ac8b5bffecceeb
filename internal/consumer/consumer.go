// Package consumer implements the broker boundary: a Kafka consumer-group
// source for production and an in-process channel source for tests and
// single-binary deployments. Both deliver partition-ordered batches and
// commit only after the handler accepts a batch.
package consumer

import (
	"fmt"
	"log/slog"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// New builds the configured message source.
func New(cfg domain.BrokerConfig, log *slog.Logger) (domain.MessageSource, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaSource(cfg, log)
	case "channel", "":
		return NewChannelSource(cfg, log), nil
	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Type)
	}
}
