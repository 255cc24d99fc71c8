package main

import (
	"context"

	"github.com/ManuelReschke/billingfox/internal/pkg/bootstrap"
	"github.com/spf13/cobra"
)

// servicesLoader connects the billing engine for commands that need storage.
type servicesLoader func(ctx context.Context) (*bootstrap.Services, error)

func newRootCmd(load servicesLoader) *cobra.Command {
	root := &cobra.Command{
		Use:   "billingctl",
		Short: "Operate the billingfox reconciliation engine",
		Long: `billingctl replays stored webhook events, audits the plan tier
rule table and reports subscriptions that missed their renewal.`,
		SilenceUsage: true,
	}

	root.AddCommand(newReplayCmd(load))
	root.AddCommand(newTiersCmd())
	root.AddCommand(newDriftCmd(load))
	return root
}

func withServices(cmd *cobra.Command, load servicesLoader, run func(s *bootstrap.Services) error) error {
	s, err := load(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	return run(s)
}
