package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

func errUnsupportedKind(kind domain.RecordKind) error {
	return fmt.Errorf("unsupported record kind: %s", kind)
}

func errBadEnvelope(err error) error {
	if err == nil {
		err = errors.New("missing event")
	}
	return fmt.Errorf("malformed event envelope: %w", err)
}

// TimeseriesSink stores emitted window aggregates, one row per window,
// keyed so a redelivered aggregate overwrites rather than duplicates.
type TimeseriesSink struct {
	store *Store
}

func NewTimeseriesSink(store *Store) *TimeseriesSink {
	return &TimeseriesSink{store: store}
}

func (s *TimeseriesSink) Name() string { return "timeseries" }

func (s *TimeseriesSink) Accepts(kind domain.RecordKind) bool {
	return kind == domain.RecordAggregate
}

func (s *TimeseriesSink) Write(ctx context.Context, rec domain.Record) error {
	var agg domain.WindowAggregate
	if err := json.Unmarshal(rec.Payload, &agg); err != nil {
		return &domain.PermanentError{Sink: s.Name(), Err: err}
	}
	actionCounts, _ := json.Marshal(agg.ActionCounts)

	query := `
		INSERT INTO window_aggregates (
			window_key, dimension, window_size_ms, window_start, window_end,
			event_count, quantity_sum, quantity_min, quantity_max,
			quantity_mean, quantity_stddev, p50, p95,
			inbound_count, outbound_count, error_count, success_rate,
			anomaly_count, anomaly_score_sum, action_counts, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_key) DO UPDATE SET
			event_count = excluded.event_count,
			quantity_sum = excluded.quantity_sum,
			anomaly_count = excluded.anomaly_count,
			created_at = excluded.created_at
	`

	_, err := s.store.db.ExecContext(ctx, s.store.rebind(query),
		rec.Key, agg.Dimension, agg.WindowSize.Milliseconds(),
		agg.WindowStart, agg.WindowEnd,
		agg.Count, agg.Sum, agg.Min, agg.Max,
		agg.Mean, agg.StdDev, agg.P50, agg.P95,
		agg.Inbound, agg.Outbound, agg.ErrorCount, agg.SuccessRate,
		agg.AnomalyCount, agg.AnomalyScoreSum,
		string(actionCounts), time.Now().UTC(),
	)
	if err != nil {
		return &domain.TransientError{Op: "timeseries write", Err: err}
	}
	return nil
}

func (s *TimeseriesSink) Ping(ctx context.Context) error {
	return s.store.db.PingContext(ctx)
}

func (s *TimeseriesSink) Close() error { return nil }

// ColumnarSink appends a slim historical row per aggregate for long-range
// scans. Append-only; redelivery may duplicate rows, the upstream window
// key disambiguates.
type ColumnarSink struct {
	store *Store
}

func NewColumnarSink(store *Store) *ColumnarSink {
	return &ColumnarSink{store: store}
}

func (s *ColumnarSink) Name() string { return "columnar" }

func (s *ColumnarSink) Accepts(kind domain.RecordKind) bool {
	return kind == domain.RecordAggregate
}

func (s *ColumnarSink) Write(ctx context.Context, rec domain.Record) error {
	var agg domain.WindowAggregate
	if err := json.Unmarshal(rec.Payload, &agg); err != nil {
		return &domain.PermanentError{Sink: s.Name(), Err: err}
	}

	query := `
		INSERT INTO aggregate_history (
			dimension, window_size_ms, window_start,
			event_count, quantity_sum, quantity_mean, anomaly_count, inserted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.store.db.ExecContext(ctx, s.store.rebind(query),
		agg.Dimension, agg.WindowSize.Milliseconds(), agg.WindowStart,
		agg.Count, agg.Sum, agg.Mean, agg.AnomalyCount, time.Now().UTC(),
	)
	if err != nil {
		return &domain.TransientError{Op: "columnar write", Err: err}
	}
	return nil
}

func (s *ColumnarSink) Ping(ctx context.Context) error {
	return s.store.db.PingContext(ctx)
}

func (s *ColumnarSink) Close() error { return nil }

// DocumentSink stores anomalies and processed events as JSON documents with
// a few indexed columns for lookup.
type DocumentSink struct {
	store *Store
}

func NewDocumentSink(store *Store) *DocumentSink {
	return &DocumentSink{store: store}
}

func (s *DocumentSink) Name() string { return "document" }

func (s *DocumentSink) Accepts(kind domain.RecordKind) bool {
	return kind == domain.RecordAnomaly || kind == domain.RecordEvent
}

func (s *DocumentSink) Write(ctx context.Context, rec domain.Record) error {
	switch rec.Kind {
	case domain.RecordAnomaly:
		return s.writeAnomaly(ctx, rec)
	case domain.RecordEvent:
		return s.writeEvent(ctx, rec)
	}
	return &domain.PermanentError{Sink: s.Name(), Err: errUnsupportedKind(rec.Kind)}
}

func (s *DocumentSink) writeAnomaly(ctx context.Context, rec domain.Record) error {
	var an domain.AnomalyRecord
	if err := json.Unmarshal(rec.Payload, &an); err != nil {
		return &domain.PermanentError{Sink: s.Name(), Err: err}
	}

	query := `
		INSERT INTO anomalies (
			event_id, detector, rule, score, severity, dimension, item_id,
			created_at, document
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.store.db.ExecContext(ctx, s.store.rebind(query),
		an.EventID, an.Detector, an.Rule, an.Score, an.Severity,
		an.Dimension, an.ItemID, an.CreatedAt, string(rec.Payload),
	)
	if err != nil {
		return &domain.TransientError{Op: "document anomaly write", Err: err}
	}
	return nil
}

func (s *DocumentSink) writeEvent(ctx context.Context, rec domain.Record) error {
	var env domain.EventEnvelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil || env.Event == nil {
		return &domain.PermanentError{Sink: s.Name(), Err: errBadEnvelope(err)}
	}
	ev := env.Event

	// Redelivered events overwrite by EventID; the export stays exactly-once
	// even though delivery is at-least-once.
	query := `
		INSERT INTO processed_events (
			event_id, event_type, item_id, warehouse_zone, action,
			event_time, document, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			document = excluded.document,
			created_at = excluded.created_at
	`

	_, err := s.store.db.ExecContext(ctx, s.store.rebind(query),
		ev.EventID, ev.Type, ev.ItemID, ev.WarehouseZone, ev.Action,
		ev.Timestamp, string(rec.Payload), time.Now().UTC(),
	)
	if err != nil {
		return &domain.TransientError{Op: "document event write", Err: err}
	}
	return nil
}

func (s *DocumentSink) Ping(ctx context.Context) error {
	return s.store.db.PingContext(ctx)
}

func (s *DocumentSink) Close() error { return nil }
