package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// EventType discriminates the warehouse event families carried on the broker.
type EventType string

const (
	EventInventory EventType = "inventory"
	EventOrder     EventType = "order"
	EventShipment  EventType = "shipment"
)

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventInventory, EventOrder, EventShipment:
		return true
	}
	return false
}

// RawMessage is a single record pulled from a broker partition.
// It is owned by the ingestion consumer until handed to the pipeline.
type RawMessage struct {
	Topic      string
	Partition  int32
	Offset     int64
	Key        []byte
	Payload    []byte
	ReceivedAt time.Time
}

// EventID derives the stable identifier used for idempotent aggregation.
// The same broker coordinates always hash to the same ID, so a redelivered
// message produces the same event.
func (m *RawMessage) EventID() string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s/%d/%d/%s", m.Topic, m.Partition, m.Offset, m.Key)))
	return hex.EncodeToString(h[:])
}

// Inventory action names as they arrive on the wire.
const (
	ActionStockIn    = "stock_in"
	ActionStockOut   = "stock_out"
	ActionAdjustment = "adjustment"
	ActionTransfer   = "transfer"
)

// Normalized action names.
const (
	ActionInbound  = "inbound"
	ActionOutbound = "outbound"
)

// CanonicalEvent is the validated, normalized form of a raw message.
// Canonical fields are never mutated after creation; enrichment output is
// attached as a separate EnrichedContext so the original event survives for
// audit and export.
type CanonicalEvent struct {
	EventID       string    `json:"eventId"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`

	// Typed field set. Order and shipment events reuse the quantity and
	// zone fields with their own semantics (units ordered, packages moved).
	ItemID           string  `json:"itemId,omitempty"`
	LocationID       string  `json:"locationId,omitempty"`
	WarehouseZone    string  `json:"warehouseZone,omitempty"`
	Action           string  `json:"action,omitempty"`
	NormalizedAction string  `json:"normalizedAction,omitempty"`
	Quantity         float64 `json:"quantity"`
	// QuantityAbs is |Quantity|; QuantityNormalized is signed by direction
	// (outbound movements are negative regardless of wire sign).
	QuantityAbs        float64 `json:"quantityAbs"`
	QuantityNormalized float64 `json:"quantityNormalized"`
	UnitPrice          float64 `json:"unitPrice,omitempty"`
	TotalValue         float64 `json:"totalValue,omitempty"`

	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`

	// Broker coordinates, kept for export and dead-letter attribution.
	Topic      string    `json:"topic"`
	Partition  int32     `json:"partition"`
	Offset     int64     `json:"offset"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Dimension returns the aggregation dimension tuple for this event.
func (e *CanonicalEvent) Dimension() string {
	zone := e.WarehouseZone
	if zone == "" {
		zone = "unknown"
	}
	return string(e.Type) + ":" + zone
}

// Shift classifies an hour of day into a working shift.
type Shift string

const (
	ShiftMorning   Shift = "morning"
	ShiftAfternoon Shift = "afternoon"
	ShiftNight     Shift = "night"
)

// ItemMetadata is reference data looked up for an item.
type ItemMetadata struct {
	Name         string  `json:"name"`
	Category     string  `json:"category"`
	Supplier     string  `json:"supplier"`
	UnitCost     float64 `json:"unitCost"`
	Perishable   bool    `json:"perishable"`
	HighValue    bool    `json:"highValue"`
	ReorderPoint int     `json:"reorderPoint"`
}

// LocationMetadata is reference data looked up for a storage location.
type LocationMetadata struct {
	Zone                  string `json:"zone"`
	Type                  string `json:"type"`
	Capacity              int    `json:"capacity"`
	TemperatureControlled bool   `json:"temperatureControlled"`
}

// EnrichedContext carries everything the enricher attaches to an event.
// Degraded is set when a reference lookup or the cache was unavailable and
// the context is only partially populated.
type EnrichedContext struct {
	BusinessHours bool   `json:"businessHours"`
	Weekend       bool   `json:"weekend"`
	Shift         Shift  `json:"shift"`
	Season        string `json:"season"`

	VolumeCategory string `json:"volumeCategory"`
	ValueCategory  string `json:"valueCategory"`

	RiskFactors []string `json:"riskFactors,omitempty"`
	RiskScore   int      `json:"riskScore"`
	RiskLevel   string   `json:"riskLevel"`

	ItemRef     *ItemMetadata     `json:"itemRef,omitempty"`
	LocationRef *LocationMetadata `json:"locationRef,omitempty"`

	Degraded bool `json:"enrichmentDegraded"`
}

// Risk factor tags.
const (
	RiskHighValueItem   = "high_value_item"
	RiskBulkTransaction = "bulk_transaction"
	RiskAfterHours      = "after_hours"
	RiskPerishableItem  = "perishable_item"
	RiskHighVelocity    = "high_velocity"
)
