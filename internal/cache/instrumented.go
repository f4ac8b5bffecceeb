package cache

import (
	"context"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// Instrumented wraps a cache and reports every operation outcome through a
// callback, keeping the cache implementations metric-free.
type Instrumented struct {
	next domain.Cache
	onOp func(operation, status string)
}

// NewInstrumented wraps next. onOp must not be nil.
func NewInstrumented(next domain.Cache, onOp func(operation, status string)) *Instrumented {
	return &Instrumented{next: next, onOp: onOp}
}

func (i *Instrumented) observe(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	i.onOp(op, status)
}

func (i *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := i.next.Get(ctx, key)
	if err == nil && v == nil {
		i.onOp("get", "miss")
		return nil, nil
	}
	i.observe("get", err)
	return v, err
}

func (i *Instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := i.next.Set(ctx, key, value, ttl)
	i.observe("set", err)
	return err
}

func (i *Instrumented) Delete(ctx context.Context, key string) error {
	err := i.next.Delete(ctx, key)
	i.observe("delete", err)
	return err
}

func (i *Instrumented) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := i.next.IncrementCounter(ctx, key, window)
	i.observe("incr", err)
	return n, err
}

func (i *Instrumented) Ping(ctx context.Context) error {
	return i.next.Ping(ctx)
}

func (i *Instrumented) Close() error {
	return i.next.Close()
}
