// Package processor turns raw broker messages into canonical events. It
// validates required fields, maps field aliases to canonical names, parses
// timestamps under a small set of accepted formats, and normalizes quantity
// direction. A message failing required-field validation is terminal; soft
// problems become warnings on a still-valid event.
package processor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// quantityBound is the declared numeric bound for quantity-like fields.
const quantityBound = 1e9

// fieldAliases maps wire-format field names to canonical names.
var fieldAliases = map[string]string{
	"sku":         "item_id",
	"item":        "item_id",
	"qty":         "quantity",
	"amount":      "quantity",
	"ts":          "timestamp",
	"time":        "timestamp",
	"event_time":  "timestamp",
	"zone":        "warehouse_zone",
	"location":    "location_id",
	"price":       "unit_price",
	"order":       "order_id",
	"shipment":    "shipment_id",
	"corr_id":     "correlation_id",
	"operation":   "action",
	"status":      "action",
	"movement":    "action",
	"origin":      "source",
	"produced_by": "source",
}

// validActions enumerates allowed action values per event family.
var validActions = map[domain.EventType]map[string]bool{
	domain.EventInventory: {
		domain.ActionStockIn:    true,
		domain.ActionStockOut:   true,
		domain.ActionAdjustment: true,
		domain.ActionTransfer:   true,
	},
	domain.EventOrder: {
		"created": true, "updated": true, "cancelled": true, "fulfilled": true,
	},
	domain.EventShipment: {
		"dispatched": true, "in_transit": true, "delivered": true, "delayed": true, "returned": true,
	},
}

// requiredFields lists the hard-required canonical fields per event family.
var requiredFields = map[domain.EventType][]string{
	domain.EventInventory: {"item_id", "action", "quantity"},
	domain.EventOrder:     {"order_id", "action"},
	domain.EventShipment:  {"shipment_id", "action"},
}

// timeLayouts are the accepted timestamp formats, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Processor validates and normalizes raw messages.
type Processor struct{}

// New creates a processor.
func New() *Processor {
	return &Processor{}
}

// Process converts one raw message into a canonical event. A returned error
// is always a *domain.ValidationError: terminal for the message, which is
// then routed to dead-letter while its offset still advances.
func (p *Processor) Process(msg domain.RawMessage) (*domain.CanonicalEvent, error) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("payload is not valid JSON: %v", err)}
	}

	fields := canonicalize(payload)
	eventType := resolveEventType(fields, msg.Topic)

	ev := &domain.CanonicalEvent{
		EventID:    msg.EventID(),
		Type:       eventType,
		Source:     stringField(fields, "source"),
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		ReceivedAt: msg.ReceivedAt,
		Valid:      true,
	}

	for _, name := range requiredFields[eventType] {
		if _, ok := fields[name]; !ok {
			return nil, &domain.ValidationError{Field: name, Reason: "required field missing"}
		}
	}

	ev.ItemID = stringField(fields, "item_id")
	ev.LocationID = stringField(fields, "location_id")
	ev.WarehouseZone = stringField(fields, "warehouse_zone")
	ev.CorrelationID = stringField(fields, "correlation_id")
	if ev.CorrelationID == "" {
		switch eventType {
		case domain.EventOrder:
			ev.CorrelationID = stringField(fields, "order_id")
		case domain.EventShipment:
			ev.CorrelationID = stringField(fields, "shipment_id")
		}
	}
	if ev.ItemID == "" {
		// Orders and shipments key statistics by their correlation entity.
		ev.ItemID = ev.CorrelationID
	}

	action := strings.ToLower(stringField(fields, "action"))
	if action != "" {
		if !validActions[eventType][action] {
			return nil, &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q for %s event", action, eventType)}
		}
		ev.Action = action
		ev.NormalizedAction = normalizeAction(eventType, action)
	}

	if raw, ok := fields["quantity"]; ok {
		qty, err := numericField(raw)
		if err != nil {
			return nil, &domain.ValidationError{Field: "quantity", Reason: err.Error()}
		}
		if math.Abs(qty) > quantityBound {
			return nil, &domain.ValidationError{Field: "quantity", Reason: fmt.Sprintf("out of bounds: %v", qty)}
		}
		if qty < 0 && action == domain.ActionStockIn {
			// Suspicious but not malformed. The event stays valid so the
			// negative_quantity_inbound rule can flag it downstream.
			ev.Warnings = append(ev.Warnings, "negative quantity for stock_in")
		}
		ev.Quantity = qty
		ev.QuantityAbs = math.Abs(qty)
		if ev.NormalizedAction == domain.ActionOutbound {
			ev.QuantityNormalized = -ev.QuantityAbs
		} else {
			ev.QuantityNormalized = ev.QuantityAbs
		}
	}

	if raw, ok := fields["unit_price"]; ok {
		price, err := numericField(raw)
		if err != nil || price < 0 {
			ev.Warnings = append(ev.Warnings, "unparseable unit_price ignored")
		} else {
			ev.UnitPrice = price
			ev.TotalValue = ev.QuantityAbs * price
		}
	}

	ts, derived := parseTimestamp(fields["timestamp"], msg.ReceivedAt)
	ev.Timestamp = ts
	if derived {
		ev.Warnings = append(ev.Warnings, "derived timestamp")
	}

	slog.Debug("processed message",
		"event_id", ev.EventID,
		"type", ev.Type,
		"item_id", ev.ItemID,
		"action", ev.Action,
		"warnings", len(ev.Warnings),
	)

	return ev, nil
}

// canonicalize lowercases keys and resolves aliases. A directly-named
// canonical field wins over an aliased one.
func canonicalize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		name := strings.ToLower(k)
		if alias, ok := fieldAliases[name]; ok {
			out[alias] = v
		}
	}
	for k, v := range payload {
		name := strings.ToLower(k)
		if _, aliased := fieldAliases[name]; !aliased {
			out[name] = v
		}
	}
	return out
}

func resolveEventType(fields map[string]any, topic string) domain.EventType {
	if raw := stringField(fields, "event_type"); raw != "" {
		t := domain.EventType(strings.ToLower(raw))
		if domain.ValidEventType(t) {
			return t
		}
	}
	return domain.TopicEventType(topic)
}

func normalizeAction(t domain.EventType, action string) string {
	if t != domain.EventInventory {
		return action
	}
	switch action {
	case domain.ActionStockIn:
		return domain.ActionInbound
	case domain.ActionStockOut:
		return domain.ActionOutbound
	default:
		return action
	}
}

func stringField(fields map[string]any, name string) string {
	if v, ok := fields[name]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func numericField(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %v", raw)
	}
}

// parseTimestamp tries the accepted formats plus unix seconds/millis and
// falls back to the receive time. The second return reports the fallback.
func parseTimestamp(raw any, receivedAt time.Time) (time.Time, bool) {
	switch v := raw.(type) {
	case nil:
		return receivedAt, true
	case float64:
		return fromUnix(v), false
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), false
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(f), false
		}
		return receivedAt, true
	default:
		return receivedAt, true
	}
}

func fromUnix(v float64) time.Time {
	// Values above ~1e12 are interpreted as milliseconds.
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
