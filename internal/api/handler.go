package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
	"github.com/warehouse-ops/conveyor/internal/pipeline"
	"github.com/warehouse-ops/conveyor/internal/sink"
	"github.com/warehouse-ops/conveyor/internal/stats"
)

// healthCacheKey is where the latest health snapshot is stored for external
// monitors that read the cache directly instead of polling /health.
const healthCacheKey = "conveyor:health"

// healthCacheTTL bounds staleness of the cached snapshot.
const healthCacheTTL = 30 * time.Second

// staleCommitThreshold is how long a partition may go without a committed
// batch before /ready reports it as lagging.
const staleCommitThreshold = 2 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	cache   domain.Cache
	sinks   *sink.Manager
	alerter domain.Alerter
	source  domain.MessageSource
	pipe    *pipeline.Pipeline
	stats   *stats.Store
	version string
}

// NewHandler creates a new API handler.
func NewHandler(cache domain.Cache, sinks *sink.Manager, alerter domain.Alerter, source domain.MessageSource, pipe *pipeline.Pipeline, st *stats.Store, version string) *Handler {
	return &Handler{
		cache:   cache,
		sinks:   sinks,
		alerter: alerter,
		source:  source,
		pipe:    pipe,
		stats:   st,
		version: version,
	}
}

// HealthSnapshot is the /health response body.
type HealthSnapshot struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

// Health reports component reachability. Degradation never turns into a
// non-200 here; /ready is the gate for traffic decisions.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.healthSnapshot(r.Context())
	h.cacheSnapshot(r.Context(), snap)
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) healthSnapshot(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{
		Status:     "healthy",
		Version:    h.version,
		Components: map[string]string{},
		CheckedAt:  time.Now().UTC(),
	}

	if h.cache != nil {
		snap.Components["cache"] = componentStatus(h.cache.Ping(ctx))
	}
	if h.source != nil {
		snap.Components["broker"] = componentStatus(h.source.Ping(ctx))
	}
	if h.alerter != nil {
		snap.Components["alerts"] = componentStatus(h.alerter.Ping(ctx))
	}
	if h.sinks != nil {
		for name, err := range h.sinks.Ping(ctx) {
			snap.Components["sink:"+name] = componentStatus(err)
		}
	}

	for _, st := range snap.Components {
		if st != "ok" {
			snap.Status = "degraded"
			break
		}
	}
	return snap
}

// cacheSnapshot publishes the health snapshot for out-of-band monitors.
// Best effort: a down cache is already reflected in the snapshot itself.
func (h *Handler) cacheSnapshot(ctx context.Context, snap HealthSnapshot) {
	if h.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := h.cache.Set(ctx, healthCacheKey, data, healthCacheTTL); err != nil {
		slog.Debug("health snapshot cache write failed", "error", err)
	}
}

// ReadyResponse is the /ready response body.
type ReadyResponse struct {
	Ready      bool              `json:"ready"`
	Reason     string            `json:"reason,omitempty"`
	Partitions map[string]string `json:"partitions,omitempty"`
}

// Ready returns whether the pipeline is ready to serve. It fails when the
// broker or every sink is unreachable, and reports per-partition commit lag
// so a scheduler can distinguish "starting up" from "stuck".
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := ReadyResponse{Ready: true, Partitions: map[string]string{}}

	if h.source != nil {
		if err := h.source.Ping(ctx); err != nil {
			resp.Ready = false
			resp.Reason = "broker unreachable"
		}
	}

	if h.sinks != nil {
		healthy := 0
		results := h.sinks.Ping(ctx)
		for _, err := range results {
			if err == nil {
				healthy++
			}
		}
		if len(results) > 0 && healthy == 0 {
			resp.Ready = false
			resp.Reason = "all sinks unreachable"
		}
	}

	if h.pipe != nil {
		now := time.Now()
		for part, last := range h.pipe.LastCommits() {
			age := now.Sub(last)
			if age > staleCommitThreshold {
				resp.Partitions[part] = "stale: " + age.Round(time.Second).String()
			} else {
				resp.Partitions[part] = "committed " + age.Round(time.Second).String() + " ago"
			}
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// StatsResponse is the /stats response body.
type StatsResponse struct {
	TrackedSeries  int       `json:"trackedSeries"`
	OpenWindows    int       `json:"openWindows"`
	Watermark      time.Time `json:"watermark"`
	WindowsEmitted int64     `json:"windowsEmitted"`
	LateEvents     int64     `json:"lateEvents"`
}

// Stats exposes live pipeline counters for operators.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{}
	if h.stats != nil {
		resp.TrackedSeries = h.stats.Keys()
	}
	if h.pipe != nil {
		win := h.pipe.Windows()
		resp.OpenWindows = win.OpenWindows()
		resp.Watermark = win.Watermark()
		resp.WindowsEmitted = win.EmittedCount()
		resp.LateEvents = win.LateCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func componentStatus(err error) string {
	if err != nil {
		return "down: " + err.Error()
	}
	return "ok"
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
