package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fleet-monitor/telemetry/internal/domain"
)

type rulesFile struct {
	Rules []domain.RuleDefinition `yaml:"rules"`
}

// LoadAlertRules returns the compiled alert rules in evaluation order. Without
// ALERT_RULES_FILE the built-in speed and fuel rules are used, bound to the
// configured alert type ids.
func LoadAlertRules(cfg *Config) ([]domain.AlertRule, error) {
	if cfg.AlertRulesFile == "" {
		return domain.CompileRules(domain.DefaultRuleDefinitions(cfg.SpeedExceededAlertTypeID, cfg.LowFuelAlertTypeID))
	}

	raw, err := os.ReadFile(cfg.AlertRulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read alert rules file: %w", err)
	}
	return ParseAlertRules(raw)
}

func ParseAlertRules(raw []byte) ([]domain.AlertRule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse alert rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("alert rules file defines no rules")
	}
	return domain.CompileRules(f.Rules)
}
