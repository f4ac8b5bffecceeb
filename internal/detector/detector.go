// Package detector flags anomalous warehouse events. Two families run over
// every valid event: a statistical detector scoring quantities against
// rolling per-dimension statistics, and a declarative rule interpreter over
// fixed-shape (field, operator, value) conditions.
package detector

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/warehouse-ops/conveyor/internal/domain"
	"github.com/warehouse-ops/conveyor/internal/stats"
)

// Detector runs all detection families on an enriched event.
type Detector struct {
	stat  *statistical
	rules *ruleEngine
	log   *slog.Logger
}

// New builds a detector from configuration. Rules from the inline list and
// the optional rules file are merged and validated up front; a bad rule
// fails startup instead of surfacing as a silent runtime skip.
func New(cfg domain.DetectorConfig, store *stats.Store, log *slog.Logger) (*Detector, error) {
	rules := make([]domain.RuleConfig, 0, len(cfg.Rules))
	rules = append(rules, cfg.Rules...)

	if cfg.RulesPath != "" {
		loaded, err := loadRulesFile(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}

	return &Detector{
		stat: &statistical{
			stats:         store,
			zThreshold:    cfg.ZScoreThreshold,
			minSamples:    cfg.MinSamples,
			iqrMultiplier: cfg.IQRMultiplier,
		},
		rules: &ruleEngine{rules: rules, log: log},
		log:   log,
	}, nil
}

// Detect updates the rolling statistics with the event and returns every
// anomaly record the families produced. Invalid events never reach the
// statistics and never fire rules.
func (d *Detector) Detect(ev *domain.CanonicalEvent, ec *domain.EnrichedContext) []domain.AnomalyRecord {
	if ev == nil || !ev.Valid {
		return nil
	}

	records := d.stat.detect(ev)
	records = append(records, d.rules.detect(ev, ec)...)

	for i := range records {
		d.log.Info("anomaly detected",
			"event_id", ev.EventID,
			"detector", records[i].Detector,
			"rule", records[i].Rule,
			"score", records[i].Score,
			"severity", records[i].Severity,
			"dimension", records[i].Dimension)
	}
	return records
}

func loadRulesFile(path string) ([]domain.RuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Item: "rules file", Reason: err.Error()}
	}
	var rules []domain.RuleConfig
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, &domain.ConfigError{Item: "rules file", Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return rules, nil
}
