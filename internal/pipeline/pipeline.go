// Package pipeline coordinates the per-message flow: process, enrich,
// detect, admit to windows, then hand off to sinks and alerts. It owns the
// commit gate: a batch is acknowledged to the source only after every
// message reached aggregation admission and the sinks accepted its outputs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warehouse-ops/conveyor/internal/detector"
	"github.com/warehouse-ops/conveyor/internal/domain"
	"github.com/warehouse-ops/conveyor/internal/enricher"
	"github.com/warehouse-ops/conveyor/internal/metrics"
	"github.com/warehouse-ops/conveyor/internal/processor"
	"github.com/warehouse-ops/conveyor/internal/sink"
	"github.com/warehouse-ops/conveyor/internal/window"
)

// Options wires the pipeline's collaborators.
type Options struct {
	Processor *processor.Processor
	Enricher  *enricher.Enricher
	Detector  *detector.Detector
	Sinks     *sink.Manager
	Dead      *sink.DeadLetter
	Alerts    domain.Alerter
	Metrics   *metrics.Metrics

	Config  domain.PipelineConfig
	Windows domain.WindowConfig
	Logger  *slog.Logger
}

// Pipeline is the coordinator. One instance serves all partition workers;
// the shared stages (statistics, windows) synchronize internally.
type Pipeline struct {
	proc    *processor.Processor
	enr     *enricher.Enricher
	det     *detector.Detector
	sinks   *sink.Manager
	dead    *sink.DeadLetter
	alerts  domain.Alerter
	met     *metrics.Metrics
	windows *window.Aggregator
	cfg     domain.PipelineConfig
	log     *slog.Logger
	tracer  trace.Tracer

	mu          sync.Mutex
	lastCommit  map[string]time.Time
	emitFailure error
}

// New builds the coordinator and its window aggregator.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		proc:       opts.Processor,
		enr:        opts.Enricher,
		det:        opts.Detector,
		sinks:      opts.Sinks,
		dead:       opts.Dead,
		alerts:     opts.Alerts,
		met:        opts.Metrics,
		cfg:        opts.Config,
		log:        opts.Logger,
		tracer:     otel.Tracer("conveyor/pipeline"),
		lastCommit: make(map[string]time.Time),
	}

	var windowOpts []window.Option
	if p.met != nil {
		windowOpts = append(windowOpts, window.WithLateHook(func() {
			p.met.LateEvents.Inc()
		}))
	}
	p.windows = window.New(opts.Windows, p.emitAggregate, opts.Logger, windowOpts...)
	return p
}

// Windows exposes the aggregator for health reporting.
func (p *Pipeline) Windows() *window.Aggregator { return p.windows }

// LastCommits returns a copy of the last successful commit time per
// topic/partition.
func (p *Pipeline) LastCommits() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.lastCommit))
	for k, v := range p.lastCommit {
		out[k] = v
	}
	return out
}

// Run consumes from the source until ctx is cancelled, then drains: the
// source commits its in-flight batch, open windows are flushed to the
// sinks, and Run returns.
func (p *Pipeline) Run(ctx context.Context, source domain.MessageSource) error {
	aggCtx, aggCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.windows.Run(aggCtx)
	}()

	err := source.Run(ctx, p.HandleBatch)

	// The source has drained; close out every open window before exit.
	aggCancel()
	wg.Wait()
	return err
}

// HandleBatch runs the per-message pipeline over one partition-ordered
// batch. Any transient escalation rejects the whole batch so the source
// leaves its offsets uncommitted.
func (p *Pipeline) HandleBatch(ctx context.Context, batch []domain.RawMessage) error {
	if p.met != nil {
		p.met.ActiveWorkers.Inc()
		defer p.met.ActiveWorkers.Dec()
	}

	for i := range batch {
		if err := p.handleMessage(ctx, &batch[i]); err != nil {
			return err
		}
	}

	// Windows admitted everything and the sinks acked. Before the commit,
	// surface any sink failure from the async emit path: the aggregate was
	// already dead-lettered, but rejecting this batch turns a degraded
	// aggregate sink into visible backpressure rather than only a log line.
	p.mu.Lock()
	emitErr := p.emitFailure
	p.emitFailure = nil
	if emitErr == nil {
		for i := range batch {
			p.lastCommit[commitKey(&batch[i])] = time.Now().UTC()
		}
	}
	p.mu.Unlock()

	if emitErr != nil {
		p.log.Error("window emission degraded, rejecting batch", "error", emitErr)
		return fmt.Errorf("window emission degraded: %w", emitErr)
	}

	if p.met != nil && len(batch) > 0 {
		p.met.ConsumerCommits.WithLabelValues(batch[0].Topic).Inc()
	}
	return nil
}

func commitKey(msg *domain.RawMessage) string {
	return fmt.Sprintf("%s/%d", msg.Topic, msg.Partition)
}

func (p *Pipeline) handleMessage(ctx context.Context, msg *domain.RawMessage) error {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.message",
		trace.WithAttributes(
			attribute.String("topic", msg.Topic),
			attribute.Int64("offset", msg.Offset),
		))
	defer span.End()

	ev, err := p.proc.Process(*msg)
	if err != nil {
		// Validation failures are terminal for the message: divert the raw
		// payload and let the offset advance.
		p.divertRaw(msg, err)
		p.observeMessage(msg.Topic, "invalid", start)
		return nil
	}

	enrichCtx := ctx
	if p.cfg.EnrichTimeout > 0 {
		var cancel context.CancelFunc
		enrichCtx, cancel = context.WithTimeout(ctx, p.cfg.EnrichTimeout)
		defer cancel()
	}
	ec := p.enr.Enrich(enrichCtx, ev)

	records := p.det.Detect(ev, ec)
	if p.met != nil {
		for i := range records {
			p.met.AnomaliesDetected.WithLabelValues(records[i].Detector).Inc()
		}
	}

	// Aggregation admission: from here on the message counts as accepted.
	p.windows.Admit(ev, records)

	if err := p.dispatchOutputs(ctx, ev, ec, records); err != nil {
		p.observeMessage(msg.Topic, "failed", start)
		return err
	}

	p.forwardAlerts(ctx, records)
	p.observeMessage(msg.Topic, "processed", start)
	return nil
}

// dispatchOutputs sends the processed-event export and any anomaly records
// through the sink fan-out. A transient sink failure escalates to a batch
// rejection; the sink writes are idempotent by event ID, so redelivery is
// safe.
func (p *Pipeline) dispatchOutputs(ctx context.Context, ev *domain.CanonicalEvent, ec *domain.EnrichedContext, records []domain.AnomalyRecord) error {
	envelope, err := json.Marshal(domain.EventEnvelope{Event: ev, Context: ec})
	if err != nil {
		return fmt.Errorf("failed to encode event envelope: %w", err)
	}
	if err := p.sinks.Dispatch(ctx, domain.Record{
		Kind:      domain.RecordEvent,
		Key:       ev.EventID,
		Payload:   envelope,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	for i := range records {
		payload, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("failed to encode anomaly record: %w", err)
		}
		if err := p.sinks.Dispatch(ctx, domain.Record{
			Kind:      domain.RecordAnomaly,
			Key:       ev.EventID,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// forwardAlerts is best effort: the alert manager owns durability on its
// side, so a forward failure logs and moves on instead of blocking the
// partition.
func (p *Pipeline) forwardAlerts(ctx context.Context, records []domain.AnomalyRecord) {
	for i := range records {
		if err := p.alerts.Forward(ctx, records[i]); err != nil {
			p.log.Warn("alert forward failed",
				"event_id", records[i].EventID,
				"severity", records[i].Severity,
				"error", err)
		}
	}
}

// emitAggregate is the window close callback. It may run on a partition
// worker's stack or on the sweep goroutine, so it retries transient sink
// failures itself with the pipeline backoff and dead-letters as a last
// resort; losing an emitted aggregate silently is never an option.
func (p *Pipeline) emitAggregate(agg *domain.WindowAggregate) {
	if p.met != nil {
		p.met.WindowsEmitted.WithLabelValues(agg.WindowSize.String()).Inc()
	}

	payload, err := json.Marshal(agg)
	if err != nil {
		p.log.Error("failed to encode aggregate", "key", agg.Key.String(), "error", err)
		return
	}
	rec := domain.Record{
		Kind:      domain.RecordAggregate,
		Key:       agg.Key.String(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	err = p.retryTransient(context.Background(), func(ctx context.Context) error {
		return p.sinks.Dispatch(ctx, rec)
	})
	if err == nil {
		return
	}

	p.log.Error("aggregate dispatch failed, diverting", "key", rec.Key, "error", err)
	if derr := p.dead.Divert(rec, fmt.Sprintf("aggregate dispatch: %v", err)); derr != nil {
		p.log.Error("dead-letter append failed", "key", rec.Key, "error", derr)
	}
	if p.met != nil {
		p.met.DeadLetters.Inc()
	}
	p.mu.Lock()
	p.emitFailure = err
	p.mu.Unlock()
}

// retryTransient runs fn with exponential backoff while it keeps returning
// transient errors, up to the configured ceiling.
func (p *Pipeline) retryTransient(ctx context.Context, fn func(context.Context) error) error {
	backoff := p.cfg.RetryBase
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(backoff):
			}
			backoff *= 2
			if p.cfg.RetryMax > 0 && backoff > p.cfg.RetryMax {
				backoff = p.cfg.RetryMax
			}
		}
		err = fn(ctx)
		if err == nil || !domain.IsTransient(err) {
			return err
		}
	}
	return err
}

func (p *Pipeline) divertRaw(msg *domain.RawMessage, cause error) {
	var ve *domain.ValidationError
	reason := cause.Error()
	if errors.As(cause, &ve) {
		reason = "validation: " + reason
	}

	rec := domain.Record{
		Kind:      domain.RecordEvent,
		Key:       msg.EventID(),
		Payload:   msg.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.dead.Divert(rec, reason); err != nil {
		p.log.Error("dead-letter append failed", "key", rec.Key, "error", err)
	}
	if p.met != nil {
		p.met.DeadLetters.Inc()
	}
	p.log.Warn("message rejected",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"reason", reason)
}

func (p *Pipeline) observeMessage(topic, status string, start time.Time) {
	if p.met == nil {
		return
	}
	p.met.MessagesProcessed.WithLabelValues(topic, status).Inc()
	p.met.ProcessingSeconds.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	p.met.OpenWindows.Set(float64(p.windows.OpenWindows()))
}
