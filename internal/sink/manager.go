package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// Manager fans one record out to every sink that accepts its kind. Each
// sink carries its own retry budget so one failing sink never blocks writes
// to the others. A permanent rejection diverts the record to the dead-letter
// and does not fail the dispatch; an exhausted transient budget does.
type Manager struct {
	sinks      []domain.Sink
	dead       *DeadLetter
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
	log        *slog.Logger

	onWrite func(sink, status string)
}

// NewManager wires the fan-out. dead must not be nil; it is the diversion
// target for permanent failures.
func NewManager(cfg domain.SinkConfig, sinks []domain.Sink, dead *DeadLetter, log *slog.Logger) *Manager {
	return &Manager{
		sinks:      sinks,
		dead:       dead,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		timeout:    cfg.WriteTimeout,
		log:        log,
	}
}

// SetWriteHook installs a per-write metrics callback.
func (m *Manager) SetWriteHook(fn func(sink, status string)) { m.onWrite = fn }

// Sinks returns the managed sinks, for health reporting.
func (m *Manager) Sinks() []domain.Sink { return m.sinks }

// Dispatch writes rec to every accepting sink. It returns a TransientError
// if any sink exhausted its retry budget; the record still reached every
// other sink that could take it.
func (m *Manager) Dispatch(ctx context.Context, rec domain.Record) error {
	var failed error
	for _, s := range m.sinks {
		if !s.Accepts(rec.Kind) {
			continue
		}
		if err := m.writeWithRetry(ctx, s, rec); err != nil {
			if domain.IsPermanent(err) {
				m.divert(s, rec, err)
				continue
			}
			// Remember the first exhausted sink but keep fanning out.
			if failed == nil {
				failed = err
			}
		}
	}
	return failed
}

func (m *Manager) writeWithRetry(ctx context.Context, s domain.Sink, rec domain.Record) error {
	var err error
	backoff := m.backoff
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &domain.TransientError{Op: s.Name() + " write", Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = m.write(ctx, s, rec)
		if err == nil {
			m.observe(s, "ok")
			return nil
		}
		if domain.IsPermanent(err) {
			m.observe(s, "permanent")
			return err
		}
		m.observe(s, "retry")
		m.log.Warn("sink write failed",
			"sink", s.Name(), "kind", rec.Kind, "key", rec.Key,
			"attempt", attempt+1, "error", err)
	}
	m.observe(s, "exhausted")
	return &domain.TransientError{
		Op:  s.Name() + " write",
		Err: fmt.Errorf("retry budget exhausted after %d attempts: %w", m.maxRetries+1, err),
	}
}

func (m *Manager) write(ctx context.Context, s domain.Sink, rec domain.Record) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return s.Write(ctx, rec)
}

func (m *Manager) divert(s domain.Sink, rec domain.Record, cause error) {
	m.log.Error("sink rejected record, diverting to dead-letter",
		"sink", s.Name(), "kind", rec.Kind, "key", rec.Key, "error", cause)
	if err := m.dead.Divert(rec, fmt.Sprintf("%s: %v", s.Name(), cause)); err != nil {
		m.log.Error("dead-letter append failed", "key", rec.Key, "error", err)
	}
	m.observe(m.dead, "diverted")
}

func (m *Manager) observe(s domain.Sink, status string) {
	if m.onWrite != nil {
		m.onWrite(s.Name(), status)
	}
}

// Ping checks every sink and returns the per-sink results.
func (m *Manager) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error, len(m.sinks)+1)
	for _, s := range m.sinks {
		out[s.Name()] = s.Ping(ctx)
	}
	out[m.dead.Name()] = m.dead.Ping(ctx)
	return out
}

// Close closes every sink and the dead-letter.
func (m *Manager) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := m.dead.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
