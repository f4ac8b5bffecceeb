package window

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

type capture struct {
	mu   sync.Mutex
	aggs []*domain.WindowAggregate
}

func (c *capture) emit(a *domain.WindowAggregate) {
	c.mu.Lock()
	c.aggs = append(c.aggs, a)
	c.mu.Unlock()
}

func (c *capture) byKey(k domain.WindowKey) *domain.WindowAggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.aggs {
		if a.Key == k {
			return a
		}
	}
	return nil
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.aggs)
}

func testAggregator(sizes []time.Duration, emit EmitFunc) *Aggregator {
	cfg := domain.WindowConfig{
		Sizes:         sizes,
		Grace:         30 * time.Second,
		SweepInterval: 10 * time.Second,
		Shards:        4,
	}
	return New(cfg, emit, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func moveEvent(ts time.Time, zone string, qty float64, outbound bool) *domain.CanonicalEvent {
	action := domain.ActionStockIn
	normalized := domain.ActionInbound
	if outbound {
		action = domain.ActionStockOut
		normalized = domain.ActionOutbound
	}
	abs := qty
	norm := qty
	if outbound {
		norm = -qty
	}
	return &domain.CanonicalEvent{
		EventID:            "ev-" + ts.Format(time.RFC3339Nano),
		Type:               domain.EventInventory,
		Timestamp:          ts,
		WarehouseZone:      zone,
		Action:             action,
		NormalizedAction:   normalized,
		Quantity:           qty,
		QuantityAbs:        abs,
		QuantityNormalized: norm,
		Valid:              true,
	}
}

func TestWindowAccumulatesAndCloses(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a.Admit(moveEvent(base.Add(5*time.Second), "A", 10, false), nil)
	a.Admit(moveEvent(base.Add(20*time.Second), "A", 20, false), nil)
	a.Admit(moveEvent(base.Add(40*time.Second), "A", 5, false), nil)
	a.Admit(moveEvent(base.Add(50*time.Second), "A", 8, true), nil)

	if cap.len() != 0 {
		t.Fatalf("window emitted before watermark passed: %d", cap.len())
	}

	// An event past end+grace on the same dimension advances the watermark
	// and closes the window.
	a.Admit(moveEvent(base.Add(time.Minute+31*time.Second), "A", 1, false), nil)

	key := domain.WindowKey{Size: time.Minute, Start: base, Dimension: "inventory:A"}
	agg := cap.byKey(key)
	if agg == nil {
		t.Fatalf("window %v not emitted; emitted=%d", key, cap.len())
	}
	if agg.Count != 4 {
		t.Fatalf("count = %d, want 4", agg.Count)
	}
	if agg.Sum != 27 {
		t.Fatalf("sum = %v, want 27 (35 inbound - 8 outbound)", agg.Sum)
	}
	if agg.Inbound != 3 || agg.Outbound != 1 {
		t.Fatalf("inbound/outbound = %d/%d, want 3/1", agg.Inbound, agg.Outbound)
	}
	if agg.Min != 5 || agg.Max != 20 {
		t.Fatalf("min/max = %v/%v, want 5/20", agg.Min, agg.Max)
	}
	if agg.SuccessRate != 1 {
		t.Fatalf("success rate = %v, want 1", agg.SuccessRate)
	}
	if agg.ActionCounts[domain.ActionStockIn] != 3 {
		t.Fatalf("stock_in count = %d", agg.ActionCounts[domain.ActionStockIn])
	}
}

func TestEventUpdatesEverySize(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute, 5 * time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a.Admit(moveEvent(base.Add(time.Second), "A", 10, false), nil)

	if got := a.OpenWindows(); got != 2 {
		t.Fatalf("open windows = %d, want one per size", got)
	}
}

func TestWindowEmitsOnce(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a.Admit(moveEvent(base, "A", 10, false), nil)
	a.Admit(moveEvent(base.Add(2*time.Minute), "A", 1, false), nil)

	key := domain.WindowKey{Size: time.Minute, Start: base, Dimension: "inventory:A"}
	if cap.byKey(key) == nil {
		t.Fatal("first window not emitted")
	}
	emitted := cap.len()

	// Repeated sweeps must not re-emit.
	a.Sweep(time.Now())
	a.Sweep(time.Now())
	if cap.len() != emitted {
		t.Fatalf("emitted grew from %d to %d on sweep", emitted, cap.len())
	}
}

func TestLateEventReroutedNotDropped(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a.Admit(moveEvent(base, "A", 10, false), nil)
	// Advance watermark far enough to emit the first window.
	a.Admit(moveEvent(base.Add(3*time.Minute), "A", 1, false), nil)

	first := domain.WindowKey{Size: time.Minute, Start: base, Dimension: "inventory:A"}
	if cap.byKey(first) == nil {
		t.Fatal("first window not emitted")
	}

	// An event for the already-emitted window reroutes to the window the
	// watermark points at, and bumps the late counter.
	a.Admit(moveEvent(base.Add(30*time.Second), "A", 7, false), nil)
	if a.LateCount() != 1 {
		t.Fatalf("late count = %d, want 1", a.LateCount())
	}

	// The original aggregate is untouched.
	if agg := cap.byKey(first); agg.Count != 1 {
		t.Fatalf("emitted window mutated: count = %d", agg.Count)
	}

	// The rerouted event lives in the current watermark's window.
	wmKey := domain.WindowKey{
		Size:      time.Minute,
		Start:     domain.AlignWindowStart(base.Add(3*time.Minute), time.Minute),
		Dimension: "inventory:A",
	}
	a.Flush()
	agg := cap.byKey(wmKey)
	if agg == nil {
		t.Fatalf("watermark window not found after flush")
	}
	if agg.Count != 2 {
		t.Fatalf("watermark window count = %d, want watermark event + rerouted", agg.Count)
	}
}

func TestLateEventAfterSweepDoesNotReemitWindow(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a.Admit(moveEvent(base, "Z", 10, false), nil)

	// The sweep force-closes the window while the watermark still points
	// inside it.
	a.Sweep(time.Now().Add(2 * time.Minute))

	first := domain.WindowKey{Size: time.Minute, Start: base, Dimension: "inventory:Z"}
	if cap.byKey(first) == nil {
		t.Fatal("window not force-closed by sweep")
	}

	// A late event for that window cannot reroute onto it, nor onto the
	// watermark-aligned window, because both resolve to the emitted key.
	a.Admit(moveEvent(base.Add(10*time.Second), "Z", 7, false), nil)
	if a.LateCount() != 1 {
		t.Fatalf("late count = %d, want 1", a.LateCount())
	}
	a.Flush()

	var firstEmits int
	keySeen := map[domain.WindowKey]int{}
	cap.mu.Lock()
	for _, agg := range cap.aggs {
		keySeen[agg.Key]++
		if agg.Key == first {
			firstEmits++
		}
	}
	cap.mu.Unlock()

	if firstEmits != 1 {
		t.Fatalf("window %v emitted %d times, want exactly once", first, firstEmits)
	}
	for k, n := range keySeen {
		if n != 1 {
			t.Fatalf("window %v emitted %d times, want exactly once", k, n)
		}
	}

	// The late event landed in the next window after the emitted one.
	next := domain.WindowKey{Size: time.Minute, Start: base.Add(time.Minute), Dimension: "inventory:Z"}
	agg := cap.byKey(next)
	if agg == nil {
		t.Fatal("rerouted window not emitted on flush")
	}
	if agg.Count != 1 || agg.Sum != 7 {
		t.Fatalf("rerouted window count/sum = %d/%v, want 1/7", agg.Count, agg.Sum)
	}
}

func TestSweepForceClosesIdleWindows(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a.Admit(moveEvent(base, "quiet-zone", 10, false), nil)

	// Watermark never advances past end+grace, but wall age exceeds the
	// largest size plus grace.
	a.Sweep(time.Now().Add(2 * time.Minute))

	key := domain.WindowKey{Size: time.Minute, Start: base, Dimension: "inventory:quiet-zone"}
	if cap.byKey(key) == nil {
		t.Fatal("idle window not force-closed by sweep")
	}
}

func TestFlushEmitsEverything(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute, 5 * time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a.Admit(moveEvent(base, "A", 10, false), nil)
	a.Admit(moveEvent(base, "B", 3, false), nil)

	a.Flush()
	if cap.len() != 4 {
		t.Fatalf("flush emitted %d aggregates, want 4 (2 dims x 2 sizes)", cap.len())
	}
	if a.OpenWindows() != 0 {
		t.Fatalf("open windows after flush = %d", a.OpenWindows())
	}
}

func TestAnomalyCountsAccumulate(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	records := []domain.AnomalyRecord{
		{EventID: "e1", Score: 0.9},
		{EventID: "e1", Score: 0.85},
	}
	a.Admit(moveEvent(base, "A", 10, false), records)
	a.Flush()

	key := domain.WindowKey{Size: time.Minute, Start: base, Dimension: "inventory:A"}
	agg := cap.byKey(key)
	if agg == nil {
		t.Fatal("window not emitted")
	}
	if agg.AnomalyCount != 2 {
		t.Fatalf("anomaly count = %d, want 2", agg.AnomalyCount)
	}
	if agg.AnomalyScoreSum != 1.75 {
		t.Fatalf("anomaly score sum = %v, want 1.75", agg.AnomalyScoreSum)
	}
}

func TestConcurrentAdmission(t *testing.T) {
	cap := &capture{}
	a := testAggregator([]time.Duration{time.Minute}, cap.emit)

	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	zones := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				zone := zones[(w+i)%len(zones)]
				a.Admit(moveEvent(base.Add(time.Duration(i)*time.Millisecond), zone, 1, false), nil)
			}
		}(w)
	}
	wg.Wait()
	a.Flush()

	var total int64
	cap.mu.Lock()
	for _, agg := range cap.aggs {
		total += agg.Count
	}
	cap.mu.Unlock()
	if total != 8*200 {
		t.Fatalf("total observed = %d, want %d", total, 8*200)
	}
}
