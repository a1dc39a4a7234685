package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pders01/quill/internal/app"
	"github.com/pders01/quill/internal/notify"
	"github.com/pders01/quill/internal/ui"
)

var (
	searchLimit int
	readAll     bool
	unreadOnly  bool
)

func addCacheCommands(root *cobra.Command) {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached blog content",
	}

	warmCmd := &cobra.Command{
		Use:   "warm",
		Short: "Fill the cache from the blog feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Prefetch.Warm(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.MsgWarmSummary(report))
				return nil
			})
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge [key-or-prefix...]",
		Short: "Drop cache entries; everything when no key is given",
		Long: `Drop cache entries. An argument ending in ":" drops every key with that
prefix (for example "blogs:list:"); any other argument drops one key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				targets := args
				if len(targets) == 0 {
					targets = a.Cache.Keys("")
				}
				n := 0
				for _, t := range targets {
					n += a.Cache.Invalidate(t)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.MsgPurged(n))
				return nil
			})
		},
	}

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over cached content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Search == nil {
					return errors.New(ui.MsgIndexDisabled)
				}
				results, err := a.Search.Search(strings.Join(args, " "), searchLimit)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.RenderResults(results))
				return nil
			})
		},
	}
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum number of results")

	readCmd := &cobra.Command{
		Use:   "read <blog|category|tag> <id>",
		Short: "Print a blog, category or tag, from the cache when fresh",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				data, err := a.Sync.Read(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				var pretty any
				if json.Unmarshal(data, &pretty) == nil {
					if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
						data = out
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}

	cacheCmd.AddCommand(warmCmd, purgeCmd, searchCmd, readCmd)
	root.AddCommand(cacheCmd)
}

func addNotificationCommands(root *cobra.Command) {
	notificationsCmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"inbox"},
		Short:   "Read the notification inbox",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items := a.Notify.List()
				if unreadOnly {
					filtered := items[:0]
					for _, n := range items {
						if !n.Read {
							filtered = append(filtered, n)
						}
					}
					items = filtered
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.RenderNotifications(items))
				return nil
			})
		},
	}
	listCmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only unread notifications")

	readCmd := &cobra.Command{
		Use:   "read [id]",
		Short: "Mark one notification, or all with --all, as read",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !readAll && len(args) == 0 {
				return errors.New("give a notification id or --all")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if readAll {
					n, err := a.Notify.MarkAllRead(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Marked %d notifications as read\n", n)
					return nil
				}
				if err := a.Notify.MarkRead(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d unread\n", a.Notify.UnreadCount())
				return nil
			})
		},
	}
	readCmd.Flags().BoolVar(&readAll, "all", false, "Mark every notification as read")

	pushCmd := &cobra.Command{
		Use:   "push <payload-json>",
		Short: "Deliver a push payload to the inbox",
		Long: `Deliver a push payload of the form
{"title": ..., "body": ..., "data": {"id": ..., "type": ...}}. Payloads
already in the inbox are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p notify.PushPayload
			if err := json.Unmarshal([]byte(args[0]), &p); err != nil {
				return fmt.Errorf("parsing push payload: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, added, err := a.Notify.IngestPush(ctx, p)
				if err != nil {
					return err
				}
				if !added {
					fmt.Fprintf(cmd.OutOrStdout(), "Ignored %s (duplicate or muted)\n", n.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", n.ID)
				return nil
			})
		},
	}

	muteCmd := &cobra.Command{
		Use:   "mute [type...]",
		Short: "Set the muted notification types; no arguments unmutes all",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Notify.SetPreferences(ctx, notify.Preferences{Muted: args}); err != nil {
					return err
				}
				if len(args) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "All notification types enabled")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Muted: %s\n", strings.Join(args, ", "))
				return nil
			})
		},
	}

	notificationsCmd.AddCommand(listCmd, readCmd, pushCmd, muteCmd)
	root.AddCommand(notificationsCmd)
}
