package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// KafkaSource consumes the warehouse topics through a sarama consumer group.
// Each claimed partition is drained by one goroutine, so batches preserve
// partition order; offsets are marked only after the handler accepts the
// whole batch.
type KafkaSource struct {
	group   sarama.ConsumerGroup
	client  sarama.Client
	topics  []string
	cfg     domain.BrokerConfig
	log     *slog.Logger
	onBatch func(topic string, n int)
}

// NewKafkaSource connects the consumer group.
func NewKafkaSource(cfg domain.BrokerConfig, log *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka source requires at least one broker")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka source requires a consumer group")
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.ClientID = "conveyor"
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Return.Errors = true
	// Commits go through MarkMessage + the interval flush; the handler
	// controls when marking happens.
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.ConsumerGroup, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.Info("kafka source connected",
		"brokers", cfg.Brokers,
		"group", cfg.ConsumerGroup,
		"topics", cfg.Topics,
	)

	return &KafkaSource{
		group:  group,
		client: client,
		topics: cfg.Topics,
		cfg:    cfg,
		log:    log,
	}, nil
}

// SetBatchHook installs a per-batch metrics callback.
func (s *KafkaSource) SetBatchHook(fn func(topic string, n int)) { s.onBatch = fn }

// Run joins the consumer group and dispatches batches until ctx is
// cancelled. Consume returns on every rebalance, so it runs in a loop.
func (s *KafkaSource) Run(ctx context.Context, handler domain.BatchHandler) error {
	go func() {
		for err := range s.group.Errors() {
			s.log.Error("consumer group error", "error", err)
		}
	}()

	h := &groupHandler{source: s, handler: handler}
	for {
		if err := s.group.Consume(ctx, s.topics, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("consume session failed, rejoining", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Ping checks broker reachability.
func (s *KafkaSource) Ping(context.Context) error {
	brokers := s.client.Brokers()
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers known")
	}
	for _, b := range brokers {
		if ok, _ := b.Connected(); ok {
			return nil
		}
	}
	return fmt.Errorf("no kafka broker connected")
}

// Close leaves the group and closes the client.
func (s *KafkaSource) Close() error {
	err := s.group.Close()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// groupHandler adapts the sarama claim loop to batch dispatch.
type groupHandler struct {
	source  *KafkaSource
	handler domain.BatchHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim drains one partition. Messages accumulate into a batch until
// MaxBatchSize or the poll timeout, then the whole batch goes to the
// handler. A handler error aborts the session without marking, so the batch
// is redelivered.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	maxBatch := h.source.cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 50
	}
	pollTimeout := time.Duration(h.source.cfg.PollTimeoutMs) * time.Millisecond
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}

	batch := make([]domain.RawMessage, 0, maxBatch)
	var marks []*sarama.ConsumerMessage
	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := h.handler(sess.Context(), batch); err != nil {
			return fmt.Errorf("batch %s[%d] at %d rejected: %w",
				claim.Topic(), claim.Partition(), marks[0].Offset, err)
		}
		for _, m := range marks {
			sess.MarkMessage(m, "")
		}
		if h.source.onBatch != nil {
			h.source.onBatch(claim.Topic(), len(batch))
		}
		batch = batch[:0]
		marks = marks[:0]
		return nil
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				// Claim closed on rebalance or shutdown; drain what we have.
				return flush()
			}
			batch = append(batch, domain.RawMessage{
				Topic:      msg.Topic,
				Partition:  msg.Partition,
				Offset:     msg.Offset,
				Key:        msg.Key,
				Payload:    msg.Value,
				ReceivedAt: time.Now().UTC(),
			})
			marks = append(marks, msg)
			if len(batch) >= maxBatch {
				if err := flush(); err != nil {
					return err
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(pollTimeout)
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(pollTimeout)
		case <-sess.Context().Done():
			return flush()
		}
	}
}
