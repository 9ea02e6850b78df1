package domain

import (
	"fmt"
	"time"
)

type AlertType struct {
	ID          int64
	Title       string
	Description string
}

type Alert struct {
	ID               int64
	VIN              int64
	FleetID          int64
	AlertTypeID      int64
	Rule             string
	Value            float64
	ReadingTimestamp time.Time
	CreatedAt        time.Time
}

const (
	RuleSpeedExceeded = "speed-exceeded"
	RuleLowFuel       = "low-fuel"
)

// AlertRule is one compiled (predicate, alert type) pair.
type AlertRule struct {
	Name        string
	AlertTypeID int64
	Evaluator   func(r *Reading) bool
	Value       func(r *Reading) float64
}

// RuleDefinition is the configuration form of an AlertRule.
type RuleDefinition struct {
	Name        string  `yaml:"name"`
	AlertTypeID int64   `yaml:"alert_type_id"`
	Field       string  `yaml:"field"`
	Operator    string  `yaml:"operator"`
	Threshold   float64 `yaml:"threshold"`
}

func DefaultRuleDefinitions(speedExceededTypeID, lowFuelTypeID int64) []RuleDefinition {
	return []RuleDefinition{
		{
			Name:        RuleSpeedExceeded,
			AlertTypeID: speedExceededTypeID,
			Field:       "speed",
			Operator:    "gt",
			Threshold:   120,
		},
		{
			Name:        RuleLowFuel,
			AlertTypeID: lowFuelTypeID,
			Field:       "fuel",
			Operator:    "lt",
			Threshold:   0.15,
		},
	}
}

var ruleFields = map[string]func(r *Reading) float64{
	"speed":           func(r *Reading) float64 { return r.Speed },
	"fuel":            func(r *Reading) float64 { return r.Fuel },
	"odometer":        func(r *Reading) float64 { return r.Odometer },
	"diagnostic_code": func(r *Reading) float64 { return float64(r.DiagnosticCode) },
}

var ruleOperators = map[string]func(v, threshold float64) bool{
	"gt":  func(v, t float64) bool { return v > t },
	"gte": func(v, t float64) bool { return v >= t },
	"lt":  func(v, t float64) bool { return v < t },
	"lte": func(v, t float64) bool { return v <= t },
	"eq":  func(v, t float64) bool { return v == t },
}

func (d RuleDefinition) Compile() (AlertRule, error) {
	if d.Name == "" {
		return AlertRule{}, fmt.Errorf("alert rule name is required")
	}
	if d.AlertTypeID <= 0 {
		return AlertRule{}, fmt.Errorf("alert rule %s: alert_type_id must be positive", d.Name)
	}
	value, ok := ruleFields[d.Field]
	if !ok {
		return AlertRule{}, fmt.Errorf("alert rule %s: unknown field %q", d.Name, d.Field)
	}
	op, ok := ruleOperators[d.Operator]
	if !ok {
		return AlertRule{}, fmt.Errorf("alert rule %s: unknown operator %q", d.Name, d.Operator)
	}

	threshold := d.Threshold
	return AlertRule{
		Name:        d.Name,
		AlertTypeID: d.AlertTypeID,
		Evaluator: func(r *Reading) bool {
			return op(value(r), threshold)
		},
		Value: value,
	}, nil
}

func CompileRules(defs []RuleDefinition) ([]AlertRule, error) {
	rules := make([]AlertRule, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate alert rule %q", d.Name)
		}
		seen[d.Name] = true

		rule, err := d.Compile()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
