package processor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

func rawMessage(topic, payload string) domain.RawMessage {
	return domain.RawMessage{
		Topic:      topic,
		Partition:  0,
		Offset:     42,
		Key:        []byte("SKU-100"),
		Payload:    []byte(payload),
		ReceivedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcessValidInventoryEvent(t *testing.T) {
	p := New()

	ev, err := p.Process(rawMessage(domain.TopicInventory,
		`{"item_id":"SKU-100","action":"stock_out","quantity":25,"warehouse_zone":"A","timestamp":"2026-03-10T11:30:00Z","unit_price":4.5}`))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if ev.Type != domain.EventInventory {
		t.Errorf("type = %s, want inventory", ev.Type)
	}
	if !ev.Valid || len(ev.Warnings) != 0 {
		t.Errorf("expected clean valid event, got valid=%v warnings=%v", ev.Valid, ev.Warnings)
	}
	if ev.NormalizedAction != domain.ActionOutbound {
		t.Errorf("normalized action = %s, want outbound", ev.NormalizedAction)
	}
	if ev.QuantityNormalized != -25 {
		t.Errorf("normalized quantity = %f, want -25", ev.QuantityNormalized)
	}
	if ev.TotalValue != 25*4.5 {
		t.Errorf("total value = %f, want %f", ev.TotalValue, 25*4.5)
	}
	if got := ev.Timestamp.Format(time.RFC3339); got != "2026-03-10T11:30:00Z" {
		t.Errorf("timestamp = %s", got)
	}
}

func TestProcessStableEventID(t *testing.T) {
	p := New()
	msg := rawMessage(domain.TopicInventory, `{"item_id":"SKU-100","action":"stock_in","quantity":1}`)

	a, err := p.Process(msg)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	b, err := p.Process(msg)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if a.EventID != b.EventID {
		t.Errorf("event ID not stable across redelivery: %s vs %s", a.EventID, b.EventID)
	}
}

func TestProcessFieldAliases(t *testing.T) {
	p := New()

	ev, err := p.Process(rawMessage(domain.TopicInventory,
		`{"sku":"SKU-7","operation":"stock_in","qty":"12","zone":"B"}`))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if ev.ItemID != "SKU-7" || ev.Action != "stock_in" || ev.Quantity != 12 || ev.WarehouseZone != "B" {
		t.Errorf("alias mapping failed: %+v", ev)
	}
}

func TestProcessMissingRequiredField(t *testing.T) {
	p := New()

	_, err := p.Process(rawMessage(domain.TopicInventory, `{"action":"stock_in","quantity":5}`))
	if err == nil {
		t.Fatal("expected validation error for missing item_id")
	}
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error is %T, want *domain.ValidationError", err)
	}
	if ve.Field != "item_id" {
		t.Errorf("field = %s, want item_id", ve.Field)
	}
}

func TestProcessInvalidAction(t *testing.T) {
	p := New()

	_, err := p.Process(rawMessage(domain.TopicInventory,
		`{"item_id":"SKU-1","action":"teleport","quantity":5}`))
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProcessNegativeStockIn(t *testing.T) {
	p := New()

	// Negative inbound stock is suspicious, not malformed: the event stays
	// valid (warned) so the detector can flag it.
	ev, err := p.Process(rawMessage(domain.TopicInventory,
		`{"item_id":"SKU-1","action":"stock_in","quantity":-5}`))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !ev.Valid {
		t.Fatal("expected a valid event")
	}
	if ev.Quantity != -5 {
		t.Fatalf("quantity = %v, want -5 preserved for detection", ev.Quantity)
	}
	if ev.QuantityAbs != 5 {
		t.Fatalf("quantity abs = %v, want 5", ev.QuantityAbs)
	}
	warned := false
	for _, w := range ev.Warnings {
		if strings.Contains(w, "negative quantity") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a negative-quantity warning, got %v", ev.Warnings)
	}
}

func TestProcessMalformedPayload(t *testing.T) {
	p := New()

	_, err := p.Process(rawMessage(domain.TopicInventory, `{not json`))
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProcessTimestampFallback(t *testing.T) {
	p := New()

	tests := []struct {
		name        string
		payload     string
		wantDerived bool
		wantTime    string
	}{
		{"rfc3339", `{"item_id":"a","action":"stock_in","quantity":1,"timestamp":"2026-03-09T08:00:00Z"}`, false, "2026-03-09T08:00:00Z"},
		{"space separated", `{"item_id":"a","action":"stock_in","quantity":1,"timestamp":"2026-03-09 08:00:00"}`, false, "2026-03-09T08:00:00Z"},
		{"unix seconds", `{"item_id":"a","action":"stock_in","quantity":1,"timestamp":1770624000}`, false, "2026-02-09T08:00:00Z"},
		{"absent", `{"item_id":"a","action":"stock_in","quantity":1}`, true, "2026-03-10T12:00:00Z"},
		{"garbage", `{"item_id":"a","action":"stock_in","quantity":1,"timestamp":"yesterday-ish"}`, true, "2026-03-10T12:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := p.Process(rawMessage(domain.TopicInventory, tt.payload))
			if err != nil {
				t.Fatalf("process failed: %v", err)
			}
			derived := false
			for _, w := range ev.Warnings {
				if w == "derived timestamp" {
					derived = true
				}
			}
			if derived != tt.wantDerived {
				t.Errorf("derived = %v, want %v (warnings %v)", derived, tt.wantDerived, ev.Warnings)
			}
			if !ev.Valid {
				t.Error("timestamp fallback must not invalidate the event")
			}
			if got := ev.Timestamp.UTC().Format(time.RFC3339); got != tt.wantTime {
				t.Errorf("timestamp = %s, want %s", got, tt.wantTime)
			}
		})
	}
}

func TestProcessOrderEvent(t *testing.T) {
	p := New()

	ev, err := p.Process(rawMessage(domain.TopicOrders,
		`{"order_id":"ORD-55","status":"created","quantity":3}`))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if ev.Type != domain.EventOrder {
		t.Errorf("type = %s, want order", ev.Type)
	}
	if ev.CorrelationID != "ORD-55" {
		t.Errorf("correlation = %s, want ORD-55", ev.CorrelationID)
	}
	if ev.QuantityNormalized != 3 {
		t.Errorf("normalized quantity = %f, want 3", ev.QuantityNormalized)
	}
}

func TestCalendarClassification(t *testing.T) {
	cal := NewCalendar(domain.CalendarConfig{
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: 8,
		EndHour:   18,
	})

	tuesdayNoon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tuesdayNight := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	if !cal.BusinessHours(tuesdayNoon) {
		t.Error("tuesday noon should be business hours")
	}
	if cal.BusinessHours(tuesdayNight) {
		t.Error("tuesday 23:00 should not be business hours")
	}
	if cal.BusinessHours(saturday) {
		t.Error("saturday should not be business hours")
	}
	if !cal.Weekend(saturday) {
		t.Error("saturday should be a weekend")
	}
	if cal.Shift(tuesdayNoon) != domain.ShiftMorning {
		t.Errorf("shift at noon = %s, want morning", cal.Shift(tuesdayNoon))
	}
	if cal.Shift(tuesdayNight) != domain.ShiftNight {
		t.Errorf("shift at 23:00 = %s, want night", cal.Shift(tuesdayNight))
	}
	if Season(tuesdayNoon) != "spring" {
		t.Errorf("season = %s, want spring", Season(tuesdayNoon))
	}
}
