package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func channelCfg(maxBatch int) domain.BrokerConfig {
	return domain.BrokerConfig{
		Type:              "channel",
		MaxBatchSize:      maxBatch,
		PollTimeoutMs:     20,
		ChannelBufferSize: 256,
	}
}

func TestChannelSourceDeliversAll(t *testing.T) {
	src := NewChannelSource(channelCfg(10), testLogger())

	var mu sync.Mutex
	var got []domain.RawMessage
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		src.Run(ctx, func(_ context.Context, batch []domain.RawMessage) error {
			mu.Lock()
			got = append(got, batch...)
			mu.Unlock()
			return nil
		})
	}()

	for i := 0; i < 25; i++ {
		key := []byte(fmt.Sprintf("item-%d", i%3))
		if err := src.Publish(domain.TopicInventory, key, []byte(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 25 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d of 25", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestChannelSourcePartitionOrder(t *testing.T) {
	src := NewChannelSource(channelCfg(5), testLogger())

	var mu sync.Mutex
	lastOffset := map[int32]int64{}
	var violations int

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Run(ctx, func(_ context.Context, batch []domain.RawMessage) error {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range batch {
				if last, ok := lastOffset[m.Partition]; ok && m.Offset <= last {
					violations++
				}
				lastOffset[m.Partition] = m.Offset
			}
			return nil
		})
	}()

	// Same key lands on the same partition; offsets must arrive ascending.
	for i := 0; i < 50; i++ {
		if err := src.Publish(domain.TopicInventory, []byte("item-A"), []byte(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if violations != 0 {
		t.Fatalf("offset order violations: %d", violations)
	}
}

func TestChannelSourceRetriesRejectedBatch(t *testing.T) {
	src := NewChannelSource(channelCfg(10), testLogger())

	var mu sync.Mutex
	attempts := 0
	delivered := 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Run(ctx, func(_ context.Context, batch []domain.RawMessage) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("downstream saturated")
			}
			delivered += len(batch)
			return nil
		})
	}()

	if err := src.Publish(domain.TopicInventory, []byte("k"), []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		d, a := delivered, attempts
		mu.Unlock()
		if d == 1 {
			if a != 3 {
				t.Fatalf("attempts = %d, want 3", a)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch never accepted (attempts=%d)", a)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestChannelSourceDrainsOnCancel(t *testing.T) {
	// Long poll timeout so delivery can only happen through the drain path.
	cfg := channelCfg(100)
	cfg.PollTimeoutMs = 60_000
	src := NewChannelSource(cfg, testLogger())

	for i := 0; i < 10; i++ {
		if err := src.Publish(domain.TopicInventory, []byte("k"), []byte(`{}`)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var mu sync.Mutex
	delivered := 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Run(ctx, func(_ context.Context, batch []domain.RawMessage) error {
			mu.Lock()
			delivered += len(batch)
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if delivered != 10 {
		t.Fatalf("delivered = %d, want 10 (drained on cancel)", delivered)
	}
}

func TestClosedSourceRejectsPublish(t *testing.T) {
	src := NewChannelSource(channelCfg(10), testLogger())
	if err := src.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	src.Close()
	if err := src.Publish(domain.TopicInventory, []byte("k"), nil); err == nil {
		t.Fatal("expected publish to fail after close")
	}
	if err := src.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail after close")
	}
}

func TestNewUnsupportedSource(t *testing.T) {
	if _, err := New(domain.BrokerConfig{Type: "pulsar"}, testLogger()); err == nil {
		t.Fatal("expected error for unsupported source type")
	}
}
