// Package alert forwards anomaly records to the downstream alert manager.
// The pipeline filters by minimum severity; deduplication and notification
// fan-out are the alert manager's job, not ours.
package alert

import (
	"context"
	"fmt"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// New builds the configured alerter.
func New(cfg domain.AlertConfig) (domain.Alerter, error) {
	switch cfg.Type {
	case "nats":
		return NewNATSAlerter(cfg)
	case "none", "":
		return &NoopAlerter{}, nil
	default:
		return nil, fmt.Errorf("unsupported alerter type: %s", cfg.Type)
	}
}

// Filtered wraps an alerter with the minimum-severity gate.
type Filtered struct {
	next domain.Alerter
	min  domain.Severity
}

// NewFiltered applies cfg.MinSeverity in front of next.
func NewFiltered(next domain.Alerter, min domain.Severity) *Filtered {
	return &Filtered{next: next, min: min}
}

// Forward drops records below the minimum severity.
func (f *Filtered) Forward(ctx context.Context, rec domain.AnomalyRecord) error {
	if !rec.Severity.AtLeast(f.min) {
		return nil
	}
	return f.next.Forward(ctx, rec)
}

func (f *Filtered) Ping(ctx context.Context) error { return f.next.Ping(ctx) }
func (f *Filtered) Close() error                   { return f.next.Close() }

// NoopAlerter discards every record. Used when no alert transport is wired.
type NoopAlerter struct{}

func (NoopAlerter) Forward(context.Context, domain.AnomalyRecord) error { return nil }
func (NoopAlerter) Ping(context.Context) error                          { return nil }
func (NoopAlerter) Close() error                                        { return nil }
