package domain

import (
	"fmt"
	"time"
)

// Severity grades an anomaly record.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for minimum-severity filtering.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is min or more severe.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Detector family names.
const (
	DetectorStatistical = "statistical"
	DetectorRules       = "rules"
)

// AnomalyRecord is emitted when a detector flags an enriched event.
// Immutable once emitted; ownership passes to the sink boundary.
type AnomalyRecord struct {
	EventID     string    `json:"eventId"`
	Detector    string    `json:"detector"`
	Rule        string    `json:"rule,omitempty"`
	Score       float64   `json:"score"`
	Severity    Severity  `json:"severity"`
	Explanation string    `json:"explanation"`
	Dimension   string    `json:"dimension"`
	ItemID      string    `json:"itemId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Operator is the bounded set of comparisons a rule condition may use.
type Operator string

const (
	OpGT       Operator = "gt"
	OpLT       Operator = "lt"
	OpEQ       Operator = "eq"
	OpContains Operator = "contains"
)

// Condition is one fixed-shape (field, operator, value) tuple. All of a
// rule's conditions must hold for the rule to fire.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// RuleConfig is a declarative anomaly rule.
type RuleConfig struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Conditions  []Condition `json:"conditions"`
	Severity    Severity    `json:"severity"`
	Score       float64     `json:"score"`
	Enabled     bool        `json:"enabled"`
}

// Validate checks a rule definition at load time. A bad rule is a
// ConfigError: startup fails rather than skipping silently at runtime.
func (r *RuleConfig) Validate() error {
	if r.ID == "" {
		return &ConfigError{Item: "rule", Reason: "rule id is required"}
	}
	if len(r.Conditions) == 0 {
		return &ConfigError{Item: "rule " + r.ID, Reason: "at least one condition is required"}
	}
	for _, c := range r.Conditions {
		switch c.Operator {
		case OpGT, OpLT, OpEQ, OpContains:
		default:
			return &ConfigError{Item: "rule " + r.ID, Reason: fmt.Sprintf("unknown operator %q", c.Operator)}
		}
		if c.Field == "" {
			return &ConfigError{Item: "rule " + r.ID, Reason: "condition field is required"}
		}
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return &ConfigError{Item: "rule " + r.ID, Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	return nil
}
