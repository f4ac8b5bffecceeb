package enricher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warehouse-ops/conveyor/internal/cache"
	"github.com/warehouse-ops/conveyor/internal/domain"
	"github.com/warehouse-ops/conveyor/internal/processor"
	"github.com/warehouse-ops/conveyor/internal/stats"
)

// downCache fails every operation, simulating an unreachable cache service.
type downCache struct{}

func (downCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (downCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (downCache) Delete(context.Context, string) error { return errors.New("connection refused") }
func (downCache) IncrementCounter(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (downCache) Ping(context.Context) error { return errors.New("connection refused") }
func (downCache) Close() error               { return nil }

func testConfig() (domain.CacheConfig, domain.DetectorConfig) {
	cfg := domain.DefaultConfig()
	return cfg.Cache, cfg.Detector
}

func testCalendar() *processor.Calendar {
	return processor.NewCalendar(domain.DefaultConfig().Calendar)
}

func inventoryEvent(qty float64, at time.Time) *domain.CanonicalEvent {
	return &domain.CanonicalEvent{
		EventID:            "ev-1",
		Type:               domain.EventInventory,
		Timestamp:          at,
		ItemID:             "SKU-100",
		LocationID:         "LOC-7",
		WarehouseZone:      "A",
		Action:             domain.ActionStockOut,
		NormalizedAction:   domain.ActionOutbound,
		Quantity:           qty,
		QuantityAbs:        qty,
		QuantityNormalized: -qty,
		Valid:              true,
	}
}

func TestEnrichPopulatesContext(t *testing.T) {
	cacheCfg, detCfg := testConfig()
	e := New(cache.NewLRUCache(100), StaticReference{}, testCalendar(), stats.New(4, 100), cacheCfg, detCfg)

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) // Tuesday noon
	ec := e.Enrich(context.Background(), inventoryEvent(50, at))

	if ec.Degraded {
		t.Error("context should not be degraded with a healthy cache")
	}
	if !ec.BusinessHours || ec.Shift != domain.ShiftMorning {
		t.Errorf("calendar classification wrong: %+v", ec)
	}
	if ec.ItemRef == nil || ec.LocationRef == nil {
		t.Fatal("reference metadata missing")
	}
	if ec.VolumeCategory != "medium" {
		t.Errorf("volume category = %s, want medium", ec.VolumeCategory)
	}
}

func TestEnrichCacheAside(t *testing.T) {
	cacheCfg, detCfg := testConfig()
	lru := cache.NewLRUCache(100)
	e := New(lru, StaticReference{}, testCalendar(), stats.New(4, 100), cacheCfg, detCfg)
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	e.Enrich(ctx, inventoryEvent(5, at))

	// The miss should have populated the cache.
	data, err := lru.Get(ctx, "item:SKU-100")
	if err != nil || data == nil {
		t.Fatalf("expected item reference cached, got data=%v err=%v", data, err)
	}

	// Second enrichment hits the cache and yields identical metadata.
	first, _ := StaticReference{}.Item(ctx, "SKU-100")
	ec := e.Enrich(ctx, inventoryEvent(5, at))
	if ec.ItemRef == nil || ec.ItemRef.Category != first.Category {
		t.Errorf("cache hit returned different metadata: %+v", ec.ItemRef)
	}
}

func TestEnrichDegradesOnCacheOutage(t *testing.T) {
	cacheCfg, detCfg := testConfig()
	e := New(downCache{}, StaticReference{}, testCalendar(), stats.New(4, 100), cacheCfg, detCfg)

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	start := time.Now()
	ec := e.Enrich(context.Background(), inventoryEvent(5, at))
	elapsed := time.Since(start)

	if !ec.Degraded {
		t.Error("expected enrichment_degraded with a down cache")
	}
	if ec.ItemRef == nil {
		t.Error("reference data should still come from the backing source")
	}
	if elapsed > 3*cacheCfg.OpTimeout {
		t.Errorf("cache outage added %v latency, budget %v per op", elapsed, cacheCfg.OpTimeout)
	}
}

func TestRiskFactors(t *testing.T) {
	cacheCfg, detCfg := testConfig()
	e := New(cache.NewLRUCache(100), StaticReference{}, testCalendar(), stats.New(4, 100), cacheCfg, detCfg)

	// Saturday 23:00: after hours. Quantity above the bulk threshold.
	at := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	ec := e.Enrich(context.Background(), inventoryEvent(1500, at))

	has := func(f string) bool {
		for _, rf := range ec.RiskFactors {
			if rf == f {
				return true
			}
		}
		return false
	}
	if !has(domain.RiskBulkTransaction) {
		t.Error("expected bulk_transaction risk factor")
	}
	if !has(domain.RiskAfterHours) {
		t.Error("expected after_hours risk factor")
	}
	if ec.RiskScore < 3 || ec.RiskLevel == "low" {
		t.Errorf("risk = %d/%s, want at least medium", ec.RiskScore, ec.RiskLevel)
	}
}

func TestVelocityRiskFactor(t *testing.T) {
	cacheCfg, detCfg := testConfig()
	detCfg.VelocityThreshold = 10
	st := stats.New(4, 100)
	e := New(cache.NewLRUCache(100), StaticReference{}, testCalendar(), st, cacheCfg, detCfg)

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 15; i++ {
		st.Observe("item:SKU-100", "quantity", 5, at.Add(-time.Duration(i)*time.Minute))
	}

	ec := e.Enrich(context.Background(), inventoryEvent(5, at))
	found := false
	for _, f := range ec.RiskFactors {
		if f == domain.RiskHighVelocity {
			found = true
		}
	}
	if !found {
		t.Error("expected high_velocity risk factor after 15 recent transactions")
	}
}
