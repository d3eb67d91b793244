package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spynners/setcapture/internal/backend"
	"github.com/spynners/setcapture/internal/outbox"
)

func NewOutboxCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and sync sets waiting in the local outbox",
	}
	cmd.AddCommand(newOutboxListCmd(deps))
	cmd.AddCommand(newOutboxSyncCmd(deps))
	return cmd
}

func newOutboxListCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List outbox sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(deps, func(ob *outbox.Outbox) error {
				sessions, err := ob.Sessions(cmd.Context())
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Outbox is empty.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tRECORDINGS\tTRACKS\tATTEMPTS")
				for _, s := range sessions {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
						s.ID, s.StartedAt.Local().Format("2006-01-02 15:04"), s.Status,
						len(s.Recordings), len(s.Tracks), s.Attempts)
				}
				return w.Flush()
			})
		},
	}
}

func newOutboxSyncCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upload pending sessions now",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.Config.BackendURL == "" {
				return fmt.Errorf("backend_url is not configured")
			}
			return withOutbox(deps, func(ob *outbox.Outbox) error {
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				result, err := ob.SyncPendingSessions(ctx, credential(deps.Config))
				if err != nil {
					return fmt.Errorf("sync: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Synced %d, failed %d.\n", result.Synced, result.Failed)
				return nil
			})
		},
	}
}

// withOutbox opens the outbox without connectivity tracking for a one-shot
// command.
func withOutbox(deps *Dependencies, fn func(*outbox.Outbox) error) error {
	store, err := openStore(deps.Config)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	client := backend.NewClient(deps.Config.BackendURL, deps.Config.BackendToken, backend.Timeouts{})
	return fn(newOutbox(deps.Config, store, client, nil))
}
