// Package enricher attaches external context to canonical events: reference
// metadata via cache-aside lookups, business-calendar classification, and
// risk factors. Cache or reference failures degrade the context instead of
// blocking the pipeline.
package enricher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
	"github.com/warehouse-ops/conveyor/internal/processor"
	"github.com/warehouse-ops/conveyor/internal/stats"
)

// Enricher builds EnrichedContext records for canonical events.
type Enricher struct {
	cache    domain.Cache
	ref      ReferenceStore
	calendar *processor.Calendar
	stats    *stats.Store

	refTTL    time.Duration
	opTimeout time.Duration

	largeQuantity     float64
	velocityWindow    time.Duration
	velocityThreshold int64
}

// New creates an enricher. cache may be nil, in which case every lookup goes
// straight to the reference store.
func New(c domain.Cache, ref ReferenceStore, cal *processor.Calendar, st *stats.Store, cacheCfg domain.CacheConfig, detCfg domain.DetectorConfig) *Enricher {
	refTTL := cacheCfg.ReferenceTTL
	if refTTL <= 0 {
		refTTL = time.Hour
	}
	opTimeout := cacheCfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Enricher{
		cache:             c,
		ref:               ref,
		calendar:          cal,
		stats:             st,
		refTTL:            refTTL,
		opTimeout:         opTimeout,
		largeQuantity:     detCfg.LargeQuantityThreshold,
		velocityWindow:    detCfg.VelocityWindow,
		velocityThreshold: detCfg.VelocityThreshold,
	}
}

// Enrich builds the context for one event. It never fails: a down cache or
// reference source yields a partially-populated context with Degraded set.
func (e *Enricher) Enrich(ctx context.Context, ev *domain.CanonicalEvent) *domain.EnrichedContext {
	ec := &domain.EnrichedContext{
		BusinessHours:  e.calendar.BusinessHours(ev.Timestamp),
		Weekend:        e.calendar.Weekend(ev.Timestamp),
		Shift:          e.calendar.Shift(ev.Timestamp),
		Season:         processor.Season(ev.Timestamp),
		VolumeCategory: volumeCategory(ev.QuantityAbs),
		ValueCategory:  valueCategory(ev.TotalValue),
	}

	if ev.ItemID != "" {
		item, degraded := lookupRef(ctx, e, "item:"+ev.ItemID, func(c context.Context) (*domain.ItemMetadata, error) {
			return e.ref.Item(c, ev.ItemID)
		})
		ec.ItemRef = item
		ec.Degraded = ec.Degraded || degraded
	}
	if ev.LocationID != "" {
		loc, degraded := lookupRef(ctx, e, "location:"+ev.LocationID, func(c context.Context) (*domain.LocationMetadata, error) {
			return e.ref.Location(c, ev.LocationID)
		})
		ec.LocationRef = loc
		ec.Degraded = ec.Degraded || degraded
	}

	e.assessRisk(ctx, ev, ec)
	return ec
}

// assessRisk combines the large-quantity threshold, the after-hours flag,
// reference attributes, and the trailing-window velocity check.
func (e *Enricher) assessRisk(ctx context.Context, ev *domain.CanonicalEvent, ec *domain.EnrichedContext) {
	add := func(factor string, weight int) {
		ec.RiskFactors = append(ec.RiskFactors, factor)
		ec.RiskScore += weight
	}

	if ec.ItemRef != nil && ec.ItemRef.HighValue {
		add(domain.RiskHighValueItem, 3)
	}
	if ev.QuantityAbs >= e.largeQuantity {
		add(domain.RiskBulkTransaction, 2)
	}
	if !ec.BusinessHours {
		add(domain.RiskAfterHours, 1)
	}
	if ec.ItemRef != nil && ec.ItemRef.Perishable {
		add(domain.RiskPerishableItem, 1)
	}

	if ev.ItemID != "" && e.velocityThreshold > 0 {
		// Velocity reads the per-item rolling statistics; the shared cache
		// counter is bumped as well so other pipeline instances see it.
		recent := e.stats.RecentCount("item:"+ev.ItemID, "quantity", ev.Timestamp, e.velocityWindow)
		if e.cache != nil {
			cctx, cancel := context.WithTimeout(ctx, e.opTimeout)
			if _, err := e.cache.IncrementCounter(cctx, "velocity:"+ev.ItemID, e.velocityWindow); err != nil {
				slog.Warn("velocity counter increment failed", "item_id", ev.ItemID, "error", err)
				ec.Degraded = true
			}
			cancel()
		}
		if recent >= e.velocityThreshold {
			add(domain.RiskHighVelocity, 2)
		}
	}

	switch {
	case ec.RiskScore >= 5:
		ec.RiskLevel = "high"
	case ec.RiskScore >= 3:
		ec.RiskLevel = "medium"
	default:
		ec.RiskLevel = "low"
	}
}

// lookupRef is the cache-aside path: cache hit, else reference fetch and
// cache populate. Failures report degraded=true with whatever was fetched.
func lookupRef[T any](ctx context.Context, e *Enricher, key string, fetch func(context.Context) (*T, error)) (*T, bool) {
	degraded := false

	if e.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, e.opTimeout)
		data, err := e.cache.Get(cctx, key)
		cancel()
		if err != nil {
			slog.Warn("cache read failed", "key", key, "error", err)
			degraded = true
		} else if data != nil {
			var out T
			if err := json.Unmarshal(data, &out); err == nil {
				return &out, false
			}
			slog.Warn("cache entry corrupt, refetching", "key", key)
		}
	}

	fctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	val, err := fetch(fctx)
	if err != nil {
		slog.Warn("reference lookup failed", "key", key, "error", err)
		return nil, true
	}
	if val == nil {
		return nil, degraded
	}

	if e.cache != nil && !degraded {
		if data, err := json.Marshal(val); err == nil {
			cctx, cancel := context.WithTimeout(ctx, e.opTimeout)
			if err := e.cache.Set(cctx, key, data, e.refTTL); err != nil {
				slog.Warn("cache populate failed", "key", key, "error", err)
				degraded = true
			}
			cancel()
		}
	}

	return val, degraded
}

func volumeCategory(qty float64) string {
	switch {
	case qty < 10:
		return "low"
	case qty < 100:
		return "medium"
	case qty < 1000:
		return "high"
	default:
		return "bulk"
	}
}

func valueCategory(value float64) string {
	switch {
	case value == 0:
		return "unknown"
	case value < 100:
		return "low"
	case value < 1000:
		return "medium"
	case value < 10000:
		return "high"
	default:
		return "critical"
	}
}
