package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := domain.SinkConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "sinks.db"),
	}
	store, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleAggregate() *domain.WindowAggregate {
	key := domain.WindowKey{
		Size:      time.Minute,
		Start:     time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		Dimension: "inventory:A",
	}
	agg := domain.NewWindowAggregate(key)
	agg.Count = 4
	agg.Sum = 27
	agg.Min = 5
	agg.Max = 20
	agg.Mean = 10.75
	agg.Inbound = 3
	agg.Outbound = 1
	agg.SuccessRate = 1
	agg.ActionCounts["stock_in"] = 3
	return agg
}

func aggregateRecord(t *testing.T, agg *domain.WindowAggregate) domain.Record {
	t.Helper()
	payload, err := json.Marshal(agg)
	if err != nil {
		t.Fatalf("marshal aggregate: %v", err)
	}
	return domain.Record{
		Kind:      domain.RecordAggregate,
		Key:       agg.Key.String(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func TestTimeseriesSinkWrite(t *testing.T) {
	store := testStore(t)
	s := NewTimeseriesSink(store)
	ctx := context.Background()

	if !s.Accepts(domain.RecordAggregate) || s.Accepts(domain.RecordAnomaly) {
		t.Fatal("timeseries sink accepts wrong kinds")
	}

	rec := aggregateRecord(t, sampleAggregate())
	if err := s.Write(ctx, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Redelivery of the same window key must not duplicate the row.
	if err := s.Write(ctx, rec); err != nil {
		t.Fatalf("redelivered Write: %v", err)
	}

	var count int64
	var sum float64
	err := store.db.QueryRow(
		`SELECT COUNT(*), MAX(quantity_sum) FROM window_aggregates`,
	).Scan(&count, &sum)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("rows = %d, want 1 (idempotent by window key)", count)
	}
	if sum != 27 {
		t.Fatalf("quantity_sum = %v, want 27", sum)
	}
}

func TestTimeseriesSinkRejectsMalformedPayload(t *testing.T) {
	s := NewTimeseriesSink(testStore(t))

	err := s.Write(context.Background(), domain.Record{
		Kind:    domain.RecordAggregate,
		Key:     "bad",
		Payload: []byte("not json"),
	})
	if !domain.IsPermanent(err) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
}

func TestColumnarSinkWrite(t *testing.T) {
	store := testStore(t)
	s := NewColumnarSink(store)

	if err := s.Write(context.Background(), aggregateRecord(t, sampleAggregate())); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var dim string
	if err := store.db.QueryRow(`SELECT dimension FROM aggregate_history`).Scan(&dim); err != nil {
		t.Fatalf("query: %v", err)
	}
	if dim != "inventory:A" {
		t.Fatalf("dimension = %q", dim)
	}
}

func TestDocumentSinkWritesAnomalyAndEvent(t *testing.T) {
	store := testStore(t)
	s := NewDocumentSink(store)
	ctx := context.Background()

	an := domain.AnomalyRecord{
		EventID:   "ev-1",
		Detector:  domain.DetectorRules,
		Rule:      "large_quantity_movement",
		Score:     0.85,
		Severity:  domain.SeverityWarning,
		Dimension: "inventory:A",
		CreatedAt: time.Now().UTC(),
	}
	payload, _ := json.Marshal(an)
	if err := s.Write(ctx, domain.Record{Kind: domain.RecordAnomaly, Key: "ev-1", Payload: payload}); err != nil {
		t.Fatalf("anomaly Write: %v", err)
	}

	env := domain.EventEnvelope{
		Event: &domain.CanonicalEvent{
			EventID:   "ev-1",
			Type:      domain.EventInventory,
			Timestamp: time.Now().UTC(),
			ItemID:    "SKU-1",
			Valid:     true,
		},
		Context: &domain.EnrichedContext{RiskLevel: "low"},
	}
	payload, _ = json.Marshal(env)
	rec := domain.Record{Kind: domain.RecordEvent, Key: "ev-1", Payload: payload}
	if err := s.Write(ctx, rec); err != nil {
		t.Fatalf("event Write: %v", err)
	}
	// Redelivered event overwrites rather than duplicates.
	if err := s.Write(ctx, rec); err != nil {
		t.Fatalf("redelivered event Write: %v", err)
	}

	var events, anomalies int64
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM processed_events`).Scan(&events); err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM anomalies`).Scan(&anomalies); err != nil {
		t.Fatalf("query: %v", err)
	}
	if events != 1 || anomalies != 1 {
		t.Fatalf("events/anomalies = %d/%d, want 1/1", events, anomalies)
	}
}

func TestDocumentSinkRejectsEmptyEnvelope(t *testing.T) {
	s := NewDocumentSink(testStore(t))

	err := s.Write(context.Background(), domain.Record{
		Kind:    domain.RecordEvent,
		Key:     "ev-x",
		Payload: []byte(`{}`),
	})
	if !domain.IsPermanent(err) {
		t.Fatalf("err = %v, want PermanentError", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := OpenStore(domain.SinkConfig{Driver: "mysql"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	s := &Store{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		if got := s.rebind(tt.input); got != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestDeadLetterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.jsonl")
	d, err := NewDeadLetter(path)
	if err != nil {
		t.Fatalf("NewDeadLetter: %v", err)
	}
	defer d.Close()

	rec := domain.Record{Kind: domain.RecordAnomaly, Key: "ev-1", Payload: []byte(`{"a":1}`)}
	if err := d.Divert(rec, "document: rejected"); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if err := d.Divert(domain.Record{Kind: domain.RecordEvent, Key: "ev-2", Payload: []byte("not json")}, "bad payload"); err != nil {
		t.Fatalf("Divert raw payload: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var line deadLetterLine
	if err := json.Unmarshal([]byte(splitLines(t, data)[0]), &line); err != nil {
		t.Fatalf("first line not valid JSON: %v", err)
	}
	if line.Key != "ev-1" || line.Reason != "document: rejected" {
		t.Fatalf("unexpected line: %+v", line)
	}
	if len(splitLines(t, data)) != 2 {
		t.Fatalf("lines = %d, want 2", len(splitLines(t, data)))
	}
}

func splitLines(t *testing.T, data []byte) []string {
	t.Helper()
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	return lines
}
