package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pders01/quill/internal/app"
	"github.com/pders01/quill/internal/queue"
	"github.com/pders01/quill/internal/syncer"
	"github.com/pders01/quill/internal/ui"
)

var enqueueOffline bool

func addQueueCommands(root *cobra.Command) {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue <kind> <resource> [payload-json]",
		Short: "Perform an action, queueing it when offline",
		Long: `Perform an action such as like_blog or comment_blog against a resource
like blog:42. The action is sent immediately when online and nothing older is
queued; otherwise it is kept in the offline queue for the next sync.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if len(args) == 3 {
				payload = json.RawMessage(args[2])
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if enqueueOffline {
					a.Sync.SetOnline(false)
				}
				res, err := a.Sync.Submit(ctx, queue.Kind(args[0]), args[1], payload)
				if res.ActionID != "" && (res.Queued || err == nil) {
					fmt.Fprintln(cmd.OutOrStdout(), ui.MsgSubmitted(res.ActionID, res.Queued))
				}
				return err
			})
		},
	}
	enqueueCmd.Flags().BoolVar(&enqueueOffline, "offline", false, "Queue without trying the network")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay queued actions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Sync.Trigger(ctx, syncer.ReasonManual)
				if res.Coalesced {
					fmt.Fprintln(cmd.OutOrStdout(), ui.MsgSyncCoalesced)
					return nil
				}
				if err != nil && len(res.Report.Outcomes) == 0 {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.MsgSyncSummary(res.Report, res.Invalidated))
				return err
			})
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep syncing in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				a.Sync.Foreground()
				fmt.Fprintln(cmd.ErrOrStderr(), ui.HelpStyle.Render("Watching; press ctrl+c to stop"))
				return a.Sync.Run(ctx)
			})
		},
	}

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline queue",
	}
	queueListCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and failed actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), ui.RenderActions(a.Queue.List()))
				return nil
			})
		},
	}
	queueRetryCmd := &cobra.Command{
		Use:   "retry <action-id>",
		Short: "Give a failed action a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Queue.Retry(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Action %s will be retried on the next sync\n", args[0])
				return nil
			})
		},
	}
	queueCmd.AddCommand(queueListCmd, queueRetryCmd)

	root.AddCommand(enqueueCmd, syncCmd, watchCmd, queueCmd)
}
