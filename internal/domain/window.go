package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// WindowState is the lifecycle of a tumbling window.
// OPEN accepts updates; CLOSING means the watermark passed window end plus
// grace and the aggregate is being finalized; EMITTED is terminal.
type WindowState int

const (
	WindowOpen WindowState = iota
	WindowClosing
	WindowEmitted
)

func (s WindowState) String() string {
	switch s {
	case WindowOpen:
		return "open"
	case WindowClosing:
		return "closing"
	case WindowEmitted:
		return "emitted"
	}
	return "unknown"
}

// WindowKey identifies one tumbling window instance.
type WindowKey struct {
	Size      time.Duration
	Start     time.Time
	Dimension string
}

// String renders a stable map/export key.
func (k WindowKey) String() string {
	return fmt.Sprintf("%s|%d|%s", k.Dimension, k.Start.UnixMilli(), k.Size)
}

// AlignWindowStart floors t to the window boundary for the given size.
func AlignWindowStart(t time.Time, size time.Duration) time.Time {
	return t.Truncate(size)
}

// End returns the exclusive end of the window.
func (k WindowKey) End() time.Time {
	return k.Start.Add(k.Size)
}

// WindowAggregate accumulates per-window metrics. It is mutated only while
// the window is OPEN and becomes immutable once emitted.
type WindowAggregate struct {
	Key WindowKey `json:"-"`

	Dimension   string        `json:"dimension"`
	WindowSize  time.Duration `json:"windowSize"`
	WindowStart time.Time     `json:"windowStart"`
	WindowEnd   time.Time     `json:"windowEnd"`

	Count      int64   `json:"count"`
	Sum        float64 `json:"sum"`
	SumSquares float64 `json:"sumSquares"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`

	// Category breakdowns.
	ActionCounts map[string]int64 `json:"actionCounts,omitempty"`
	Inbound      int64            `json:"inboundTransactions"`
	Outbound     int64            `json:"outboundTransactions"`

	ErrorCount      int64   `json:"errorCount"`
	AnomalyCount    int64   `json:"anomalyCount"`
	AnomalyScoreSum float64 `json:"anomalyScoreSum"`

	// Finalized on close.
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stdDev"`
	P50         float64 `json:"p50"`
	P95         float64 `json:"p95"`
	SuccessRate float64 `json:"successRate"`

	samples []float64
}

// NewWindowAggregate creates an empty aggregate for the key.
func NewWindowAggregate(key WindowKey) *WindowAggregate {
	return &WindowAggregate{
		Key:          key,
		Dimension:    key.Dimension,
		WindowSize:   key.Size,
		WindowStart:  key.Start,
		WindowEnd:    key.End(),
		ActionCounts: make(map[string]int64),
	}
}

// Observe folds one event into the aggregate.
func (a *WindowAggregate) Observe(ev *CanonicalEvent, anomalies []AnomalyRecord) {
	v := ev.QuantityAbs

	if a.Count == 0 || v < a.Min {
		a.Min = v
	}
	if a.Count == 0 || v > a.Max {
		a.Max = v
	}
	a.Count++
	a.Sum += ev.QuantityNormalized
	a.SumSquares += v * v
	a.samples = append(a.samples, v)

	if ev.Action != "" {
		a.ActionCounts[ev.Action]++
	}
	switch ev.NormalizedAction {
	case ActionInbound:
		a.Inbound++
	case ActionOutbound:
		a.Outbound++
	}
	if !ev.Valid {
		a.ErrorCount++
	}

	a.AnomalyCount += int64(len(anomalies))
	for _, an := range anomalies {
		a.AnomalyScoreSum += an.Score
	}
}

// Finalize computes the derived fields before emission.
func (a *WindowAggregate) Finalize() {
	if a.Count > 0 {
		a.Mean = a.sumAbs() / float64(a.Count)
		variance := a.SumSquares/float64(a.Count) - a.Mean*a.Mean
		if variance > 0 {
			a.StdDev = math.Sqrt(variance)
		}
		a.SuccessRate = 1 - float64(a.ErrorCount)/float64(a.Count)
	}
	a.P50 = Percentile(a.samples, 50)
	a.P95 = Percentile(a.samples, 95)
	a.samples = nil
}

func (a *WindowAggregate) sumAbs() float64 {
	var s float64
	for _, v := range a.samples {
		s += v
	}
	return s
}

// Percentile returns the pth percentile of values with linear interpolation
// between ranks. values may be unsorted; a copy is sorted.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
