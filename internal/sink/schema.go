package sink

// Schema definitions for the sink stores.
// Compatible with both SQLite and PostgreSQL.

// window_aggregates is the time-series table: one row per emitted window,
// queried by dimension and time range.
const schemaWindowAggregates = `
CREATE TABLE IF NOT EXISTS window_aggregates (
    window_key TEXT PRIMARY KEY,
    dimension TEXT NOT NULL,
    window_size_ms BIGINT NOT NULL,
    window_start TIMESTAMP NOT NULL,
    window_end TIMESTAMP NOT NULL,
    event_count BIGINT NOT NULL,
    quantity_sum REAL NOT NULL,
    quantity_min REAL NOT NULL,
    quantity_max REAL NOT NULL,
    quantity_mean REAL NOT NULL,
    quantity_stddev REAL NOT NULL,
    p50 REAL NOT NULL,
    p95 REAL NOT NULL,
    inbound_count BIGINT NOT NULL,
    outbound_count BIGINT NOT NULL,
    error_count BIGINT NOT NULL,
    success_rate REAL NOT NULL,
    anomaly_count BIGINT NOT NULL,
    anomaly_score_sum REAL NOT NULL,
    action_counts TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_window_aggregates_dimension ON window_aggregates(dimension, window_start);
CREATE INDEX IF NOT EXISTS idx_window_aggregates_start ON window_aggregates(window_start);
`

// aggregate_history is the columnar-style historical table: append-only,
// flat numeric columns for long-range scans.
const schemaAggregateHistory = `
CREATE TABLE IF NOT EXISTS aggregate_history (
    dimension TEXT NOT NULL,
    window_size_ms BIGINT NOT NULL,
    window_start TIMESTAMP NOT NULL,
    event_count BIGINT NOT NULL,
    quantity_sum REAL NOT NULL,
    quantity_mean REAL NOT NULL,
    anomaly_count BIGINT NOT NULL,
    inserted_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_aggregate_history_scan ON aggregate_history(dimension, window_size_ms, window_start);
`

// anomalies and processed_events form the document store: the full JSON
// document is kept alongside a few indexed columns.
const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS anomalies (
    event_id TEXT NOT NULL,
    detector TEXT NOT NULL,
    rule TEXT,
    score REAL NOT NULL,
    severity TEXT NOT NULL,
    dimension TEXT NOT NULL,
    item_id TEXT,
    created_at TIMESTAMP NOT NULL,
    document TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomalies_event ON anomalies(event_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies(severity, created_at);
CREATE INDEX IF NOT EXISTS idx_anomalies_dimension ON anomalies(dimension, created_at);
`

const schemaProcessedEvents = `
CREATE TABLE IF NOT EXISTS processed_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    item_id TEXT,
    warehouse_zone TEXT,
    action TEXT,
    event_time TIMESTAMP NOT NULL,
    document TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_events_item ON processed_events(item_id, event_time);
CREATE INDEX IF NOT EXISTS idx_processed_events_time ON processed_events(event_time);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaWindowAggregates,
		schemaAggregateHistory,
		schemaAnomalies,
		schemaProcessedEvents,
	}
}
