package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pders01/quill/internal/api"
	"github.com/pders01/quill/internal/app"
	"github.com/pders01/quill/internal/queue"
	"github.com/pders01/quill/internal/ui"
)

var (
	loginEmail    string
	loginPassword string
)

func addSessionCommands(root *cobra.Command) {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := loginPassword
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if loginEmail == "" || password == "" {
				return errors.New("email and password are required")
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Session.Login(ctx, api.Credentials{Email: loginEmail, Password: password})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SeveritySuccess.Render(ui.MsgLoggedIn(s.User.Email)))
				return nil
			})
		},
	}
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (read from stdin when omitted)")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "End the session and discard queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Session.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.MsgLoggedOut)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, queue, cache and inbox state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), ui.RenderStatus(statusView(a)))
				return nil
			})
		},
	}

	root.AddCommand(loginCmd, logoutCmd, statusCmd)
}

func statusView(a *app.App) ui.StatusView {
	v := ui.StatusView{
		State:        a.Session.State().String(),
		Online:       a.Sync.Online(),
		CacheEntries: a.Cache.Len(),
		CacheBytes:   a.Cache.Bytes(),
		Unread:       a.Notify.UnreadCount(),
		IndexedDocs:  -1,
	}
	if s, ok := a.Session.Current(); ok {
		v.User = s.User.Email
		if v.User == "" {
			v.User = s.User.ID
		}
	}
	for _, act := range a.Queue.List() {
		switch act.Status {
		case queue.StatusFailed:
			v.Failed++
		default:
			v.Pending++
		}
	}
	if a.Search != nil {
		if n, err := a.Search.DocCount(); err == nil {
			v.IndexedDocs = n
		}
	}
	return v
}
