package detector

import (
	"fmt"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
	"github.com/warehouse-ops/conveyor/internal/stats"
)

// statistical scores an event's quantity against the rolling statistics for
// its dimension. The store is updated first and the post-update snapshot is
// scored, so the detector is self-referential but convergent over volume.
type statistical struct {
	stats         *stats.Store
	zThreshold    float64
	minSamples    int
	iqrMultiplier float64
}

func (d *statistical) detect(ev *domain.CanonicalEvent) []domain.AnomalyRecord {
	v := ev.QuantityAbs

	// Per-item series feeds the enricher's velocity check.
	if ev.ItemID != "" {
		d.stats.Observe("item:"+ev.ItemID, "quantity", v, ev.Timestamp)
	}

	snap := d.stats.Observe(ev.Dimension(), "quantity", v, ev.Timestamp)
	if snap.Count < int64(d.minSamples) {
		// Thin statistics after a cold start; abstain rather than misfire.
		return nil
	}

	z := snap.ZScore(v)
	outlier := snap.IQROutlier(v, d.iqrMultiplier)
	if z <= d.zThreshold && !outlier {
		return nil
	}

	// Blend: the z excess dominates, the IQR check tops it up. A firing
	// score always lands in [0.8, 1.0] so the severity mapping applies.
	score := 0.8
	if z > d.zThreshold {
		excess := (z - d.zThreshold) / d.zThreshold
		if excess > 1 {
			excess = 1
		}
		score += 0.15 * excess
	}
	if outlier {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}

	var explanation string
	switch {
	case z > d.zThreshold && outlier:
		explanation = fmt.Sprintf("z-score %.2f exceeds %.1f and value %.1f is outside the interquartile fences (mean %.2f, stddev %.2f, n=%d)",
			z, d.zThreshold, v, snap.Mean, snap.StdDev, snap.Count)
	case z > d.zThreshold:
		explanation = fmt.Sprintf("z-score %.2f exceeds %.1f (mean %.2f, stddev %.2f, n=%d)",
			z, d.zThreshold, snap.Mean, snap.StdDev, snap.Count)
	default:
		explanation = fmt.Sprintf("value %.1f is outside the interquartile fences (n=%d)", v, snap.Count)
	}

	return []domain.AnomalyRecord{{
		EventID:     ev.EventID,
		Detector:    domain.DetectorStatistical,
		Score:       score,
		Severity:    severityForScore(score, domain.SeverityWarning),
		Explanation: explanation,
		Dimension:   ev.Dimension(),
		ItemID:      ev.ItemID,
		CreatedAt:   time.Now().UTC(),
	}}
}

// severityForScore applies the score thresholds on top of a declared floor:
// 0.95 and above is critical, 0.8 and above is at least warning.
func severityForScore(score float64, declared domain.Severity) domain.Severity {
	if score >= 0.95 {
		return domain.SeverityCritical
	}
	if score >= 0.8 && !declared.AtLeast(domain.SeverityWarning) {
		return domain.SeverityWarning
	}
	return declared
}
