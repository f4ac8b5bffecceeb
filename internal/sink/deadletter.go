package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// DeadLetter appends diverted records to a JSON-lines file so nothing is
// discarded silently. It accepts every record kind.
type DeadLetter struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// deadLetterLine is one appended entry: the record plus why it was diverted.
type deadLetterLine struct {
	Kind       domain.RecordKind `json:"kind"`
	Key        string            `json:"key"`
	Reason     string            `json:"reason"`
	Payload    json.RawMessage   `json:"payload"`
	DivertedAt time.Time         `json:"divertedAt"`
}

// NewDeadLetter opens (or creates) the dead-letter file for appending.
func NewDeadLetter(path string) (*DeadLetter, error) {
	if path == "" {
		path = "./deadletter.jsonl"
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	return &DeadLetter{file: f, path: path}, nil
}

// Divert appends one record with the divert reason.
func (d *DeadLetter) Divert(rec domain.Record, reason string) error {
	line := deadLetterLine{
		Kind:       rec.Kind,
		Key:        rec.Key,
		Reason:     reason,
		Payload:    json.RawMessage(rec.Payload),
		DivertedAt: time.Now().UTC(),
	}
	if !json.Valid(rec.Payload) {
		// Keep the raw bytes readable even when the payload itself is the
		// problem.
		quoted, _ := json.Marshal(string(rec.Payload))
		line.Payload = quoted
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter line: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append dead-letter line: %w", err)
	}
	return nil
}

// Name implements domain.Sink.
func (d *DeadLetter) Name() string { return "deadletter" }

// Accepts implements domain.Sink; the dead-letter takes everything.
func (d *DeadLetter) Accepts(domain.RecordKind) bool { return true }

// Write implements domain.Sink for direct use as a diversion target.
func (d *DeadLetter) Write(_ context.Context, rec domain.Record) error {
	return d.Divert(rec, "direct write")
}

// Ping reports whether the file is still writable.
func (d *DeadLetter) Ping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.file.Stat()
	return err
}

func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
