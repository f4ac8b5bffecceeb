// Package window maintains concurrent tumbling windows per dimension and
// emits aggregate records when the event-time watermark, or a wall-clock
// sweep, moves past a window's end plus the grace period.
package window

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// EmitFunc receives a finalized aggregate. The aggregate is immutable from
// this point on; the callback owns it.
type EmitFunc func(*domain.WindowAggregate)

type entry struct {
	agg   *domain.WindowAggregate
	state domain.WindowState
	// lastTouch is wall clock, for force-closing low-traffic windows.
	lastTouch time.Time
}

// shard holds a slice of the live-window map under its own lock. Dimensions
// hash to shards so contention tracks key cardinality, not a global lock.
type shard struct {
	mu   sync.Mutex
	live map[string]*entry
	// emitted remembers closed window keys long enough to classify a
	// late event as late instead of re-opening the window.
	emitted map[string]time.Time
}

// Aggregator is the multi-size tumbling window state machine. Safe for use
// by concurrent partition workers.
type Aggregator struct {
	sizes         []time.Duration
	grace         time.Duration
	sweepInterval time.Duration
	largest       time.Duration

	shards []*shard
	nshard uint32

	// watermark is the max observed event time, unix nanos.
	watermark atomic.Int64
	late      atomic.Int64
	emitted   atomic.Int64

	emit   EmitFunc
	onLate func()
	log    *slog.Logger
}

// Option tweaks aggregator construction.
type Option func(*Aggregator)

// WithLateHook installs a callback invoked once per late event.
func WithLateHook(fn func()) Option {
	return func(a *Aggregator) { a.onLate = fn }
}

// New builds an aggregator from window configuration. emit must not be nil.
func New(cfg domain.WindowConfig, emit EmitFunc, log *slog.Logger, opts ...Option) *Aggregator {
	n := cfg.Shards
	if n <= 0 {
		n = 32
	}
	a := &Aggregator{
		sizes:         cfg.Sizes,
		grace:         cfg.Grace,
		sweepInterval: cfg.SweepInterval,
		shards:        make([]*shard, n),
		nshard:        uint32(n),
		emit:          emit,
		log:           log,
	}
	for i := range a.shards {
		a.shards[i] = &shard{
			live:    make(map[string]*entry),
			emitted: make(map[string]time.Time),
		}
	}
	for _, s := range cfg.Sizes {
		if s > a.largest {
			a.largest = s
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) shardFor(dimension string) *shard {
	h := fnv.New32a()
	h.Write([]byte(dimension))
	return a.shards[h.Sum32()%a.nshard]
}

// Watermark returns the max event time observed so far.
func (a *Aggregator) Watermark() time.Time {
	ns := a.watermark.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// LateCount returns the number of events attributed past their own window.
func (a *Aggregator) LateCount() int64 { return a.late.Load() }

// EmittedCount returns the number of aggregates emitted so far.
func (a *Aggregator) EmittedCount() int64 { return a.emitted.Load() }

// OpenWindows returns the current live-window count across all shards.
func (a *Aggregator) OpenWindows() int {
	var n int
	for _, sh := range a.shards {
		sh.mu.Lock()
		n += len(sh.live)
		sh.mu.Unlock()
	}
	return n
}

// Admit folds one event into every configured window size. Admission also
// advances the watermark and closes any same-shard windows the new watermark
// has left behind; cross-shard closing is handled by the sweep.
func (a *Aggregator) Admit(ev *domain.CanonicalEvent, anomalies []domain.AnomalyRecord) {
	a.advanceWatermark(ev.Timestamp)
	wm := a.Watermark()

	dim := ev.Dimension()
	sh := a.shardFor(dim)
	now := time.Now()

	var closed []*domain.WindowAggregate

	sh.mu.Lock()
	for _, size := range a.sizes {
		key := domain.WindowKey{
			Size:      size,
			Start:     domain.AlignWindowStart(ev.Timestamp, size),
			Dimension: dim,
		}
		mapKey := key.String()

		if _, done := sh.emitted[mapKey]; done {
			// The window already emitted; attribute the event to the
			// window the watermark currently points at. The watermark
			// window itself may have emitted too (the sweep force-closes
			// stale windows), so keep advancing until a key that has not
			// emitted yet. An emitted key must never hold a live entry.
			a.late.Add(1)
			if a.onLate != nil {
				a.onLate()
			}
			start := domain.AlignWindowStart(wm, size)
			key = domain.WindowKey{Size: size, Start: start, Dimension: dim}
			mapKey = key.String()
			for {
				if _, done := sh.emitted[mapKey]; !done {
					break
				}
				start = start.Add(size)
				key.Start = start
				mapKey = key.String()
			}
			a.log.Debug("late event rerouted",
				"event_id", ev.EventID, "dimension", dim,
				"size", size.String(), "rerouted_to", key.Start)
		}

		e, ok := sh.live[mapKey]
		if !ok {
			e = &entry{agg: domain.NewWindowAggregate(key)}
			sh.live[mapKey] = e
		}
		e.agg.Observe(ev, anomalies)
		e.lastTouch = now
	}
	closed = a.closeEligibleLocked(sh, wm, now, false)
	sh.mu.Unlock()

	a.emitAll(closed)
}

// Sweep force-closes windows the watermark or the wall clock has passed.
// Low-traffic dimensions whose watermark never advances are closed once a
// window's wall age exceeds the largest size plus grace.
func (a *Aggregator) Sweep(now time.Time) {
	wm := a.Watermark()
	for _, sh := range a.shards {
		sh.mu.Lock()
		closed := a.closeEligibleLocked(sh, wm, now, true)
		// Drop emitted markers old enough that no plausible late event
		// still references them.
		horizon := now.Add(-2 * (a.largest + a.grace))
		for k, at := range sh.emitted {
			if at.Before(horizon) {
				delete(sh.emitted, k)
			}
		}
		sh.mu.Unlock()
		a.emitAll(closed)
	}
}

// Flush closes and emits every live window regardless of watermark. Used on
// graceful shutdown so aggregates are never lost.
func (a *Aggregator) Flush() {
	for _, sh := range a.shards {
		sh.mu.Lock()
		var closed []*domain.WindowAggregate
		for k, e := range sh.live {
			closed = append(closed, a.finalizeLocked(sh, k, e))
		}
		sh.mu.Unlock()
		a.emitAll(closed)
	}
	a.log.Info("window aggregator flushed", "emitted_total", a.emitted.Load())
}

// Run drives the periodic sweep until ctx is cancelled, then flushes.
func (a *Aggregator) Run(ctx context.Context) {
	interval := a.sweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush()
			return
		case now := <-ticker.C:
			a.Sweep(now)
		}
	}
}

func (a *Aggregator) advanceWatermark(t time.Time) {
	ns := t.UnixNano()
	for {
		cur := a.watermark.Load()
		if ns <= cur {
			return
		}
		if a.watermark.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// closeEligibleLocked finalizes every live entry the watermark has passed.
// When wallClock is set, windows untouched longer than largest+grace close
// too. Caller holds sh.mu; emission happens after the lock is released.
func (a *Aggregator) closeEligibleLocked(sh *shard, wm, now time.Time, wallClock bool) []*domain.WindowAggregate {
	var closed []*domain.WindowAggregate
	for k, e := range sh.live {
		deadline := e.agg.Key.End().Add(a.grace)
		expired := !wm.IsZero() && wm.After(deadline)
		if !expired && wallClock {
			expired = now.Sub(e.lastTouch) > a.largest+a.grace
		}
		if expired {
			closed = append(closed, a.finalizeLocked(sh, k, e))
		}
	}
	return closed
}

func (a *Aggregator) finalizeLocked(sh *shard, mapKey string, e *entry) *domain.WindowAggregate {
	e.state = domain.WindowClosing
	e.agg.Finalize()
	delete(sh.live, mapKey)
	sh.emitted[mapKey] = time.Now()
	e.state = domain.WindowEmitted
	return e.agg
}

func (a *Aggregator) emitAll(aggs []*domain.WindowAggregate) {
	for _, agg := range aggs {
		a.emitted.Add(1)
		a.log.Debug("window emitted",
			"dimension", agg.Dimension,
			"size", agg.WindowSize.String(),
			"start", agg.WindowStart,
			"count", agg.Count)
		a.emit(agg)
	}
}
