package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/billingfox/internal/pkg/billing"
	"github.com/ManuelReschke/billingfox/internal/pkg/bootstrap"
	"github.com/spf13/cobra"
)

func newReplayCmd(load servicesLoader) *cobra.Command {
	var (
		eventID string
		failed  bool
		since   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay stored webhook events",
		Example: `  billingctl replay --event-id evt_123
  billingctl replay --failed --since 48h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID = strings.TrimSpace(eventID)
			if (eventID != "") == failed {
				return errors.New("exactly one of --event-id or --failed is required")
			}

			return withServices(cmd, load, func(s *bootstrap.Services) error {
				out := cmd.OutOrStdout()
				if eventID != "" {
					ack, err := s.Router.Replay(cmd.Context(), eventID)
					if err != nil {
						return fmt.Errorf("replay %s: %w", eventID, err)
					}
					printAck(cmd, ack)
					return nil
				}

				acks, err := s.Router.ReplayFailed(cmd.Context(), time.Now().UTC().Add(-since))
				if err != nil {
					return err
				}
				for _, ack := range acks {
					printAck(cmd, ack)
				}
				fmt.Fprintf(out, "replayed %d event(s)\n", len(acks))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&eventID, "event-id", "", "provider event id to replay")
	cmd.Flags().BoolVar(&failed, "failed", false, "replay every event that did not complete successfully")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "with --failed, how far back to look")
	return cmd
}

func printAck(cmd *cobra.Command, ack billing.Acknowledgement) {
	line := fmt.Sprintf("%s\t%s\t%s", ack.EventID, ack.EventType, ack.Outcome)
	if ack.Err != nil {
		line += "\t" + ack.Err.Error()
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
}
