package consumer

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

const channelPartitions = 4

// ChannelSource is the in-process message source. Producers publish through
// Publish; Run delivers partition-ordered batches with the same commit
// semantics as the Kafka source. Used for tests and single-binary runs.
type ChannelSource struct {
	mu      sync.Mutex
	offsets [channelPartitions]int64
	ch      chan domain.RawMessage
	closed  bool

	maxBatch    int
	pollTimeout time.Duration
	log         *slog.Logger
}

// NewChannelSource builds an in-process source.
func NewChannelSource(cfg domain.BrokerConfig, log *slog.Logger) *ChannelSource {
	buf := cfg.ChannelBufferSize
	if buf <= 0 {
		buf = 1000
	}
	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 50
	}
	pollTimeout := time.Duration(cfg.PollTimeoutMs) * time.Millisecond
	if pollTimeout <= 0 {
		pollTimeout = 100 * time.Millisecond
	}
	return &ChannelSource{
		ch:          make(chan domain.RawMessage, buf),
		maxBatch:    maxBatch,
		pollTimeout: pollTimeout,
		log:         log,
	}
}

// Publish enqueues one message. The partition is derived from the key so
// messages for the same key stay ordered, mirroring broker semantics.
func (s *ChannelSource) Publish(topic string, key, payload []byte) error {
	h := fnv.New32a()
	h.Write(key)
	partition := int32(h.Sum32() % channelPartitions)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("source is closed")
	}
	offset := s.offsets[partition]
	s.offsets[partition]++
	s.mu.Unlock()

	s.ch <- domain.RawMessage{
		Topic:      topic,
		Partition:  partition,
		Offset:     offset,
		Key:        key,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	return nil
}

// Run batches queued messages and dispatches them until ctx is cancelled.
// A rejected batch is retried in place; the in-process source has no
// redelivery-on-restart, so retrying is how nothing gets lost.
func (s *ChannelSource) Run(ctx context.Context, handler domain.BatchHandler) error {
	batch := make([]domain.RawMessage, 0, s.maxBatch)
	timer := time.NewTimer(s.pollTimeout)
	defer timer.Stop()

	flush := func() {
		for len(batch) > 0 {
			err := handler(ctx, batch)
			if err == nil {
				batch = batch[:0]
				return
			}
			s.log.Warn("batch rejected, retrying", "size", len(batch), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	for {
		select {
		case msg := <-s.ch:
			batch = append(batch, msg)
			if len(batch) >= s.maxBatch {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(s.pollTimeout)
		case <-ctx.Done():
			// Drain whatever is already queued, then the current batch.
			for {
				select {
				case msg := <-s.ch:
					batch = append(batch, msg)
					continue
				default:
				}
				break
			}
			flush()
			return nil
		}
	}
}

// Ping reports whether the source still accepts messages.
func (s *ChannelSource) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("source is closed")
	}
	return nil
}

// Close stops accepting new messages.
func (s *ChannelSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
