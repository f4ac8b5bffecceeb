package alert

import (
	"context"
	"testing"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

type recording struct {
	forwarded []domain.AnomalyRecord
}

func (r *recording) Forward(_ context.Context, rec domain.AnomalyRecord) error {
	r.forwarded = append(r.forwarded, rec)
	return nil
}
func (r *recording) Ping(context.Context) error { return nil }
func (r *recording) Close() error               { return nil }

func TestFilteredDropsBelowMinimum(t *testing.T) {
	rec := &recording{}
	f := NewFiltered(rec, domain.SeverityError)
	ctx := context.Background()

	records := []domain.AnomalyRecord{
		{EventID: "e1", Severity: domain.SeverityInfo},
		{EventID: "e2", Severity: domain.SeverityWarning},
		{EventID: "e3", Severity: domain.SeverityError},
		{EventID: "e4", Severity: domain.SeverityCritical},
	}
	for _, r := range records {
		if err := f.Forward(ctx, r); err != nil {
			t.Fatalf("Forward: %v", err)
		}
	}

	if len(rec.forwarded) != 2 {
		t.Fatalf("forwarded = %d, want 2", len(rec.forwarded))
	}
	if rec.forwarded[0].EventID != "e3" || rec.forwarded[1].EventID != "e4" {
		t.Fatalf("forwarded wrong records: %+v", rec.forwarded)
	}
}

func TestNewUnsupportedType(t *testing.T) {
	if _, err := New(domain.AlertConfig{Type: "pager"}); err == nil {
		t.Fatal("expected error for unsupported alerter type")
	}
}

func TestNewDefaultsToNoop(t *testing.T) {
	a, err := New(domain.AlertConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.(*NoopAlerter); !ok {
		t.Fatalf("alerter = %T, want NoopAlerter", a)
	}
	if err := a.Forward(context.Background(), domain.AnomalyRecord{}); err != nil {
		t.Fatalf("noop Forward: %v", err)
	}
}
