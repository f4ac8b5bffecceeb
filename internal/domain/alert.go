package domain

import "context"

// Alerter forwards anomaly records to the external alert lifecycle manager.
// Deduplication, rate limiting, and notification fan-out happen downstream;
// this pipeline only filters by minimum severity before forwarding.
type Alerter interface {
	// Forward sends one anomaly record.
	Forward(ctx context.Context, rec AnomalyRecord) error

	// Ping checks alert transport reachability.
	Ping(ctx context.Context) error

	// Close releases transport resources.
	Close() error
}

// AlertConfig holds configuration for the alert boundary.
type AlertConfig struct {
	// Type is the alerter type: "nats" or "none".
	Type string `json:"type"`

	// MinSeverity filters which anomaly records are forwarded.
	MinSeverity Severity `json:"minSeverity"`

	// NATS settings.
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds

	// Subject anomaly records are published to.
	Subject string `json:"subject"`
}
