package enricher

import (
	"context"
	"hash/fnv"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// ReferenceStore is the backing source consulted on cache miss.
type ReferenceStore interface {
	Item(ctx context.Context, itemID string) (*domain.ItemMetadata, error)
	Location(ctx context.Context, locationID string) (*domain.LocationMetadata, error)
}

// StaticReference derives deterministic reference metadata from the entity
// ID. It stands in for the warehouse master-data service: the same ID always
// yields the same metadata, which keeps enrichment and tests reproducible.
type StaticReference struct{}

var (
	categories    = []string{"Electronics", "Clothing", "Food", "Tools", "Books"}
	suppliers     = []string{"Supplier_A", "Supplier_B", "Supplier_C", "Supplier_D"}
	zones         = []string{"A", "B", "C", "D"}
	locationTypes = []string{"storage", "picking", "shipping", "receiving"}
)

func idHash(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}

// Item returns synthetic item metadata for the ID.
func (StaticReference) Item(_ context.Context, itemID string) (*domain.ItemMetadata, error) {
	if itemID == "" {
		return nil, nil
	}
	n := idHash(itemID) % 1000
	return &domain.ItemMetadata{
		Name:         "Item_" + itemID,
		Category:     categories[n%uint32(len(categories))],
		Supplier:     suppliers[n%uint32(len(suppliers))],
		UnitCost:     float64(10 + n%100),
		Perishable:   n%4 == 0,
		HighValue:    n%10 == 0,
		ReorderPoint: int(50 + n%100),
	}, nil
}

// Location returns synthetic location metadata for the ID.
func (StaticReference) Location(_ context.Context, locationID string) (*domain.LocationMetadata, error) {
	if locationID == "" {
		return nil, nil
	}
	n := idHash(locationID) % 100
	return &domain.LocationMetadata{
		Zone:                  zones[n%uint32(len(zones))],
		Type:                  locationTypes[n%uint32(len(locationTypes))],
		Capacity:              int(1000 + n%5000),
		TemperatureControlled: n%5 == 0,
	}, nil
}
