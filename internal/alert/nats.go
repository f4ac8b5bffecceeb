package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// NATSAlerter publishes anomaly records to a NATS subject with reconnect
// resilience.
type NATSAlerter struct {
	conn    *nats.Conn
	subject string
}

// NewNATSAlerter connects to NATS with retry.
func NewNATSAlerter(cfg domain.AlertConfig) (*NATSAlerter, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	if cfg.Subject == "" {
		cfg.Subject = "conveyor.anomalies"
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected",
				"error", err,
				"will_reconnect", !nc.IsClosed(),
			)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	var conn *nats.Conn
	var err error
	for i := 0; i < cfg.NATSMaxReconnects; i++ {
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", i+1,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		time.Sleep(time.Duration(cfg.NATSReconnectWait) * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"subject", cfg.Subject,
	)

	return &NATSAlerter{conn: conn, subject: cfg.Subject}, nil
}

// Forward publishes one anomaly record. A publish failure is transient; the
// caller decides whether to retry.
func (a *NATSAlerter) Forward(_ context.Context, rec domain.AnomalyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly record: %w", err)
	}
	if err := a.conn.Publish(a.subject, data); err != nil {
		return &domain.TransientError{Op: "alert publish", Err: err}
	}
	return nil
}

// Ping checks NATS connectivity.
func (a *NATSAlerter) Ping(ctx context.Context) error {
	if !a.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return a.conn.FlushWithContext(ctx)
}

// Close closes the NATS connection.
func (a *NATSAlerter) Close() error {
	a.conn.Close()
	return nil
}
