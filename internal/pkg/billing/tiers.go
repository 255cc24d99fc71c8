package billing

import (
	"fmt"
	"os"

	"github.com/ManuelReschke/billingfox/app/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TierRule matches an amount in minor units and a billing interval. Bounds
// are inclusive, Max 0 means unbounded and an empty Interval matches any.
type TierRule struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Tier     string `yaml:"tier" json:"tier" validate:"required,oneof=Basic Gold Platinum"`
	Interval string `yaml:"interval" json:"interval,omitempty" validate:"omitempty,oneof=month year"`
	Min      int64  `yaml:"min" json:"min" validate:"gte=0"`
	Max      int64  `yaml:"max" json:"max,omitempty" validate:"gte=0"`
}

func (r TierRule) Matches(amount int64, interval string) bool {
	if r.Interval != "" && r.Interval != normalizeInterval(interval) {
		return false
	}
	if amount < r.Min {
		return false
	}
	return r.Max == 0 || amount <= r.Max
}

// DefaultTierRules is the production band table. Order matters: the yearly
// Platinum band overlaps the Platinum floor and both are kept as observed.
func DefaultTierRules() []TierRule {
	return []TierRule{
		{Name: "platinum_monthly", Tier: models.PlanTierPlatinum, Interval: intervalMonth, Min: 9500, Max: 10500},
		{Name: "platinum_yearly", Tier: models.PlanTierPlatinum, Interval: intervalYear, Min: 9000, Max: 11000},
		{Name: "gold_monthly", Tier: models.PlanTierGold, Interval: intervalMonth, Min: 400, Max: 700},
		{Name: "gold_yearly", Tier: models.PlanTierGold, Interval: intervalYear, Min: 4500, Max: 5500},
		{Name: "platinum_floor", Tier: models.PlanTierPlatinum, Min: 1000},
		{Name: "gold_floor", Tier: models.PlanTierGold, Min: 500},
	}
}

// TierResolver evaluates an ordered rule list, first match wins.
type TierResolver struct {
	rules []TierRule
}

func NewTierResolver(rules []TierRule) *TierResolver {
	copied := make([]TierRule, len(rules))
	copy(copied, rules)
	return &TierResolver{rules: copied}
}

// Match returns the first matching rule.
func (r *TierResolver) Match(amount int64, interval string) (TierRule, bool) {
	for _, rule := range r.rules {
		if rule.Matches(amount, interval) {
			return rule, true
		}
	}
	return TierRule{}, false
}

// Resolve returns the tier of the first matching rule, or Basic.
func (r *TierResolver) Resolve(amount int64, interval string) string {
	if rule, ok := r.Match(amount, interval); ok {
		return rule.Tier
	}
	return models.PlanTierBasic
}

func (r *TierResolver) Rules() []TierRule {
	out := make([]TierRule, len(r.rules))
	copy(out, r.rules)
	return out
}

type tierRuleFile struct {
	Rules []TierRule `yaml:"rules" validate:"required,min=1,dive"`
}

// ParseTierRules decodes a YAML document of the form `rules: [...]`.
func ParseTierRules(data []byte) ([]TierRule, error) {
	var file tierRuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode tier rules: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid tier rules: %w", err)
	}
	for _, rule := range file.Rules {
		if rule.Max != 0 && rule.Max < rule.Min {
			return nil, fmt.Errorf("invalid tier rules: rule %q max %d below min %d", rule.Name, rule.Max, rule.Min)
		}
	}
	return file.Rules, nil
}

// LoadTierRules reads rules from path, or returns the defaults when path is empty.
func LoadTierRules(path string) ([]TierRule, error) {
	if path == "" {
		return DefaultTierRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier rules: %w", err)
	}
	return ParseTierRules(data)
}
