package sim

import (
	"fmt"
	"strings"

	appconfig "marketsim/config"
	"marketsim/models"

	"github.com/shopspring/decimal"
)

// RulesProvider supplies static trading-rule metadata per symbol.
type RulesProvider interface {
	GetSymbolRules(symbol string) (models.SymbolRules, error)
}

// ConfigRules serves symbol rules from the loaded configuration. The decimal
// fields are parsed once at construction; config validation already
// guarantees they parse.
type ConfigRules struct {
	rules map[string]models.SymbolRules
}

// NewConfigRules builds the provider from the rules section of the config.
func NewConfigRules(cfg *appconfig.Config) (*ConfigRules, error) {
	rules := make(map[string]models.SymbolRules, len(cfg.Rules))
	for symbol, entry := range cfg.Rules {
		parsed, err := parseRuleEntry(symbol, entry)
		if err != nil {
			return nil, err
		}
		rules[strings.ToUpper(symbol)] = parsed
	}
	return &ConfigRules{rules: rules}, nil
}

// GetSymbolRules returns the rules for a symbol, case-insensitively.
func (c *ConfigRules) GetSymbolRules(symbol string) (models.SymbolRules, error) {
	rules, ok := c.rules[strings.ToUpper(symbol)]
	if !ok {
		return models.SymbolRules{}, fmt.Errorf("no trading rules for symbol %s", symbol)
	}
	return rules, nil
}

func parseRuleEntry(symbol string, entry appconfig.RuleEntry) (models.SymbolRules, error) {
	out := models.SymbolRules{
		Symbol:     strings.ToUpper(symbol),
		BaseAsset:  entry.BaseAsset,
		QuoteAsset: entry.QuoteAsset,
	}

	var err error
	for _, field := range []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"tick_size", entry.TickSize, &out.TickSize},
		{"step_size", entry.StepSize, &out.StepSize},
		{"min_qty", entry.MinQty, &out.MinQty},
		{"max_qty", entry.MaxQty, &out.MaxQty},
		{"min_notional", entry.MinNotional, &out.MinNotional},
	} {
		if *field.dst, err = decimal.NewFromString(field.value); err != nil {
			return models.SymbolRules{}, fmt.Errorf("rules.%s.%s: %w", symbol, field.name, err)
		}
	}
	return out, nil
}
