package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mohans/quorumq/auth"
)

type sessionView struct {
	Token      string     `json:"token"`
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Reason     string     `json:"revoked_reason,omitempty"`
}

// viewOf never exposes more than a hash prefix.
func viewOf(s auth.Session, now time.Time) sessionView {
	v := sessionView{
		Token:      s.TokenHash[:12],
		UserID:     s.UserID,
		Status:     s.Status(now),
		CreatedAt:  s.CreatedAt,
		ExpiresAt:  s.ExpiresAt,
		LastUsedAt: s.LastUsedAt,
	}
	if s.RevokedReason != nil {
		v.Reason = *s.RevokedReason
	}
	return v
}

func newAuthCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage approval sessions",
	}

	login := &cobra.Command{
		Use:   "login <user>",
		Short: "Create a session and print its token once",
		Args:  argsN(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			raw, sess, err := ts.Login(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(map[string]any{"token": raw, "user_id": sess.UserID, "expires_at": sess.ExpiresAt})
			}
			a.printf("%s\n", raw)
			fmt.Fprintf(a.errOut, "session for %s expires %s; the token is not shown again\n",
				sess.UserID, humanize.Time(sess.ExpiresAt))
			return nil
		},
	}

	logout := &cobra.Command{
		Use:   "logout [token]",
		Short: "Revoke a session",
		Args:  argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenFrom(argAt(args, 0), "")
			if err != nil {
				return err
			}
			ts, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			if err := ts.Logout(cmd.Context(), tok); err != nil {
				return err
			}
			a.printf("logged out\n")
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status [token]",
		Short: "Show a session without using it",
		Args:  argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenFrom(argAt(args, 0), "")
			if err != nil {
				return err
			}
			ts, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := ts.Inspect(cmd.Context(), tok)
			if err != nil {
				return err
			}
			now := time.Now()
			v := viewOf(sess, now)
			if a.jsonOut {
				if err := a.printJSON(v); err != nil {
					return err
				}
			} else {
				a.printf("user     %s\nstatus   %s\nexpires  %s\n", v.UserID, v.Status, humanize.Time(v.ExpiresAt))
				if v.LastUsedAt != nil {
					a.printf("used     %s\n", humanize.Time(*v.LastUsedAt))
				}
			}
			if !sess.Valid(now) {
				return fmt.Errorf("%w: session %s", errDenied, v.Status)
			}
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate [token]",
		Short: "Check a token; exit 0 when valid",
		Args:  argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenFrom(argAt(args, 0), "")
			if err != nil {
				return err
			}
			ts, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			sess, err := ts.Validate(cmd.Context(), tok)
			if err != nil {
				return err
			}
			a.printf("%s\n", sess.UserID)
			return nil
		},
	}

	sessions := &cobra.Command{
		Use:   "sessions [user]",
		Short: "List sessions, newest first",
		Args:  argsMax(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			list, err := ts.Sessions(cmd.Context(), argAt(args, 0))
			if err != nil {
				return err
			}
			now := time.Now()
			views := make([]sessionView, 0, len(list))
			for _, s := range list {
				views = append(views, viewOf(s, now))
			}
			if a.jsonOut {
				return a.printJSON(views)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOKEN\tUSER\tSTATUS\tCREATED\tEXPIRES\tREASON")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", v.Token, v.UserID, v.Status,
					humanize.Time(v.CreatedAt), humanize.Time(v.ExpiresAt), v.Reason)
			}
			return tw.Flush()
		},
	}

	var reason string
	revokeAll := &cobra.Command{
		Use:   "revoke-all <user>",
		Short: "Revoke every live session of a user",
		Args:  argsN(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			n, err := ts.RevokeAll(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if audit, err := a.auditor(cmd.Context()); err == nil {
				_ = audit.Record(cmd.Context(), auth.AuditEvent{
					Event: "revoke-all", UserID: args[0], Source: defaultSource(),
					Outcome: auth.OutcomeSuccess, Detail: fmt.Sprintf("%d session(s): %s", n, reason),
				})
			}
			a.printf("revoked %d session(s)\n", n)
			return nil
		},
	}
	revokeAll.Flags().StringVar(&reason, "reason", "administrative revoke", "revocation reason")

	var retention time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions expired or revoked longer than the retention",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("retention") {
				retention = a.cfg.Auth.Retention.D()
			}
			ts, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			n, err := ts.Cleanup(cmd.Context(), retention)
			if err != nil {
				return err
			}
			a.printf("purged %d session(s)\n", n)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&retention, "retention", 0, "retention window (config default when unset)")

	var (
		taskID, userID string
		limit          int
	)
	audit := &cobra.Command{
		Use:   "audit",
		Short: "List audit events",
		Args:  argsN(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			au, err := a.auditor(cmd.Context())
			if err != nil {
				return err
			}
			evs, err := au.List(cmd.Context(), auth.AuditFilter{TaskID: taskID, UserID: userID, Limit: limit})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(evs)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tEVENT\tOUTCOME\tUSER\tTASK\tSOURCE\tDETAIL")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ev.At.Format(time.RFC3339), ev.Event, ev.Outcome,
					ev.UserID, ev.TaskID, ev.Source, ev.Detail)
			}
			return tw.Flush()
		},
	}
	audit.Flags().StringVar(&taskID, "task", "", "only events for this task")
	audit.Flags().StringVar(&userID, "user", "", "only events for this user")
	audit.Flags().IntVar(&limit, "limit", 100, "newest N events")

	cmd.AddCommand(login, logout, status, validate, sessions, revokeAll, cleanup, audit)
	return cmd
}
