package billing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierResolverDefaultTable(t *testing.T) {
	resolver := NewTierResolver(DefaultTierRules())

	tests := []struct {
		name     string
		amount   int64
		interval string
		want     string
		rule     string
	}{
		{name: "gold monthly", amount: 500, interval: "month", want: "Gold", rule: "gold_monthly"},
		{name: "gold monthly lower bound", amount: 400, interval: "month", want: "Gold", rule: "gold_monthly"},
		{name: "gold monthly upper bound", amount: 700, interval: "month", want: "Gold", rule: "gold_monthly"},
		{name: "platinum monthly", amount: 10000, interval: "month", want: "Platinum", rule: "platinum_monthly"},
		{name: "platinum yearly", amount: 9000, interval: "year", want: "Platinum", rule: "platinum_yearly"},
		{name: "gold yearly", amount: 5000, interval: "year", want: "Gold", rule: "gold_yearly"},
		{name: "platinum floor", amount: 2000, interval: "month", want: "Platinum", rule: "platinum_floor"},
		{name: "gold floor unknown interval", amount: 800, interval: "week", want: "Gold", rule: "gold_floor"},
		{name: "basic", amount: 300, interval: "month", want: "Basic"},
		{name: "basic yearly", amount: 100, interval: "year", want: "Basic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolver.Resolve(tt.amount, tt.interval))
			rule, ok := resolver.Match(tt.amount, tt.interval)
			if tt.rule == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.rule, rule.Name)
		})
	}
}

func TestTierResolverPreservesOverlapOrder(t *testing.T) {
	// 5000 yearly sits in the Gold yearly band and also above the Platinum floor.
	resolver := NewTierResolver(DefaultTierRules())
	assert.Equal(t, "Gold", resolver.Resolve(5000, "year"))

	reordered := DefaultTierRules()
	reordered[3], reordered[4] = reordered[4], reordered[3]
	assert.Equal(t, "Platinum", NewTierResolver(reordered).Resolve(5000, "year"))
}

func TestTierResolverIsDeterministic(t *testing.T) {
	resolver := NewTierResolver(DefaultTierRules())
	for amount := int64(0); amount <= 12000; amount += 50 {
		first := resolver.Resolve(amount, "month")
		for i := 0; i < 3; i++ {
			assert.Equal(t, first, resolver.Resolve(amount, "month"))
		}
	}
}

func TestParseTierRules(t *testing.T) {
	rules, err := ParseTierRules([]byte(`
rules:
  - name: enterprise
    tier: Platinum
    interval: year
    min: 50000
  - name: starter
    tier: Gold
    min: 100
    max: 999
`))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "enterprise", rules[0].Name)
	assert.Equal(t, int64(0), rules[0].Max)

	resolver := NewTierResolver(rules)
	assert.Equal(t, "Platinum", resolver.Resolve(60000, "yearly"))
	assert.Equal(t, "Basic", resolver.Resolve(60000, "month"))
	assert.Equal(t, "Gold", resolver.Resolve(500, "month"))
}

func TestParseTierRulesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad tier":     "rules:\n  - name: x\n    tier: Diamond\n    min: 1\n",
		"bad interval": "rules:\n  - name: x\n    tier: Gold\n    interval: week\n",
		"max below":    "rules:\n  - name: x\n    tier: Gold\n    min: 10\n    max: 5\n",
		"empty":        "rules: []\n",
		"not yaml":     "rules: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTierRules([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadTierRules(t *testing.T) {
	rules, err := LoadTierRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTierRules(), rules)

	path := filepath.Join(t.TempDir(), "tiers.yml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: all\n    tier: Gold\n"), 0o600))
	rules, err = LoadTierRules(path)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	_, err = LoadTierRules(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
