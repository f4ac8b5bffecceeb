package detector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// fieldFn projects one addressable field out of an event and its context.
type fieldFn func(ev *domain.CanonicalEvent, ec *domain.EnrichedContext) any

// fieldRegistry is the closed set of fields a rule condition may reference.
// Rules naming anything else are rejected at load time.
var fieldRegistry = map[string]fieldFn{
	"event_type": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return string(ev.Type)
	},
	"action": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.Action
	},
	"normalized_action": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.NormalizedAction
	},
	"quantity": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.Quantity
	},
	"quantity_abs": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.QuantityAbs
	},
	"unit_price": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.UnitPrice
	},
	"total_value": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.TotalValue
	},
	"item_id": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.ItemID
	},
	"location_id": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.LocationID
	},
	"warehouse_zone": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.WarehouseZone
	},
	"source": func(ev *domain.CanonicalEvent, _ *domain.EnrichedContext) any {
		return ev.Source
	},
	"business_hours": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return ec.BusinessHours
	},
	"weekend": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return ec.Weekend
	},
	"shift": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return string(ec.Shift)
	},
	"season": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return ec.Season
	},
	"volume_category": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return ec.VolumeCategory
	},
	"value_category": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return ec.ValueCategory
	},
	"risk_score": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return float64(ec.RiskScore)
	},
	"risk_level": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return ec.RiskLevel
	},
	"risk_factors": func(_ *domain.CanonicalEvent, ec *domain.EnrichedContext) any {
		return ec.RiskFactors
	},
}

// ValidateRules checks every rule against the field registry in addition to
// the structural checks in RuleConfig.Validate. Called once at startup.
func ValidateRules(rules []domain.RuleConfig) error {
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return &domain.ConfigError{Item: "rule " + r.ID, Reason: "duplicate rule id"}
		}
		seen[r.ID] = true
		for _, c := range r.Conditions {
			if _, ok := fieldRegistry[c.Field]; !ok {
				return &domain.ConfigError{
					Item:   "rule " + r.ID,
					Reason: fmt.Sprintf("unknown field %q", c.Field),
				}
			}
		}
	}
	return nil
}

// ruleEngine evaluates the fixed-shape condition rules. Evaluation failures
// on a single rule are logged and that rule is skipped for the event; one
// bad comparison never suppresses the other rules.
type ruleEngine struct {
	rules []domain.RuleConfig
	log   *slog.Logger
}

func (e *ruleEngine) detect(ev *domain.CanonicalEvent, ec *domain.EnrichedContext) []domain.AnomalyRecord {
	var out []domain.AnomalyRecord
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Enabled {
			continue
		}
		matched, err := e.evaluate(r, ev, ec)
		if err != nil {
			e.log.Warn("rule evaluation failed, skipping rule",
				"rule", r.ID, "event_id", ev.EventID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		out = append(out, domain.AnomalyRecord{
			EventID:     ev.EventID,
			Detector:    domain.DetectorRules,
			Rule:        r.ID,
			Score:       r.Score,
			Severity:    severityForScore(r.Score, r.Severity),
			Explanation: r.Title,
			Dimension:   ev.Dimension(),
			ItemID:      ev.ItemID,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return out
}

func (e *ruleEngine) evaluate(r *domain.RuleConfig, ev *domain.CanonicalEvent, ec *domain.EnrichedContext) (bool, error) {
	for _, c := range r.Conditions {
		fn := fieldRegistry[c.Field]
		got := fn(ev, ec)
		ok, err := compare(got, c.Operator, c.Value)
		if err != nil {
			return false, fmt.Errorf("condition %s %s: %w", c.Field, c.Operator, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// compare applies one operator. gt/lt are numeric only; eq covers strings,
// numbers and booleans; contains is substring on strings and membership on
// string slices.
func compare(got any, op domain.Operator, want any) (bool, error) {
	switch op {
	case domain.OpGT, domain.OpLT:
		gn, ok := asNumber(got)
		if !ok {
			return false, fmt.Errorf("field value %T is not numeric", got)
		}
		wn, ok := asNumber(want)
		if !ok {
			return false, fmt.Errorf("rule value %T is not numeric", want)
		}
		if op == domain.OpGT {
			return gn > wn, nil
		}
		return gn < wn, nil

	case domain.OpEQ:
		if gn, ok := asNumber(got); ok {
			if wn, ok := asNumber(want); ok {
				return gn == wn, nil
			}
			return false, fmt.Errorf("rule value %T is not numeric", want)
		}
		switch g := got.(type) {
		case string:
			w, ok := want.(string)
			if !ok {
				return false, fmt.Errorf("rule value %T is not a string", want)
			}
			return g == w, nil
		case bool:
			w, ok := want.(bool)
			if !ok {
				return false, fmt.Errorf("rule value %T is not a boolean", want)
			}
			return g == w, nil
		}
		return false, fmt.Errorf("field value %T is not comparable", got)

	case domain.OpContains:
		w, ok := want.(string)
		if !ok {
			return false, fmt.Errorf("rule value %T is not a string", want)
		}
		switch g := got.(type) {
		case string:
			return strings.Contains(g, w), nil
		case []string:
			for _, s := range g {
				if s == w {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("field value %T does not support contains", got)
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// asNumber coerces the numeric shapes JSON decoding produces.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
