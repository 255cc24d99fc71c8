package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/ManuelReschke/billingfox/internal/pkg/billing"
	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	"github.com/spf13/cobra"
)

func newTiersCmd() *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Inspect the plan tier rule table",
	}
	cmd.PersistentFlags().StringVar(&rulesFile, "rules", env.GetEnv("TIER_RULES_FILE", ""), "YAML rule file (defaults to the built-in table)")

	resolver := func() (*billing.TierResolver, error) {
		rules, err := billing.LoadTierRules(rulesFile)
		if err != nil {
			return nil, err
		}
		return billing.NewTierResolver(rules), nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := resolver()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tNAME\tTIER\tINTERVAL\tMIN\tMAX")
			for i, rule := range r.Rules() {
				interval := rule.Interval
				if interval == "" {
					interval = "any"
				}
				max := "-"
				if rule.Max > 0 {
					max = fmt.Sprint(rule.Max)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", i+1, rule.Name, rule.Tier, interval, rule.Min, max)
			}
			return w.Flush()
		},
	}

	var (
		amount   int64
		interval string
	)
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the tier for an amount in minor units",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := resolver()
			if err != nil {
				return err
			}
			rule, ok := r.Match(amount, interval)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (no rule matched)\n", r.Resolve(amount, interval))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (rule %s)\n", rule.Tier, rule.Name)
			return nil
		},
	}
	resolve.Flags().Int64Var(&amount, "amount", 0, "amount in minor currency units")
	resolve.Flags().StringVar(&interval, "interval", "month", "billing interval (month or year)")
	_ = resolve.MarkFlagRequired("amount")

	cmd.AddCommand(list, resolve)
	return cmd
}
