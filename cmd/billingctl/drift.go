package main

import (
	"fmt"

	"github.com/ManuelReschke/billingfox/internal/pkg/bootstrap"
	"github.com/spf13/cobra"
)

func newDriftCmd(load servicesLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "drift",
		Short: "List active subscriptions that missed their renewal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, load, func(s *bootstrap.Services) error {
				subs, err := s.Drift.Report(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, sub := range subs {
					next := "-"
					if sub.NextBillingDate != nil {
						next = sub.NextBillingDate.UTC().Format("2006-01-02")
					}
					fmt.Fprintf(out, "user %d\t%s\t%s\tnext billing %s\n", sub.UserID, sub.PlanTier, sub.ProviderSubscriptionID, next)
				}
				fmt.Fprintf(out, "%d overdue subscription(s)\n", len(subs))
				return nil
			})
		},
	}
}
