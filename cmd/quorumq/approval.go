package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohans/quorumq/auth"
)

func defaultSource() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	return "cli:" + user
}

// tokenFrom prefers an explicit argument, then the flag, then QUORUMQ_TOKEN.
func tokenFrom(arg, flag string) (string, error) {
	for _, t := range []string{arg, flag, os.Getenv("QUORUMQ_TOKEN")} {
		if t = strings.TrimSpace(t); t != "" {
			return t, nil
		}
	}
	return "", usage("a session token is required (argument, --token or QUORUMQ_TOKEN)")
}

func (a *app) printChecks(res auth.CheckResult) {
	for _, c := range res.Checks {
		mark := "PASS"
		if !c.Passed {
			mark = "FAIL"
		}
		if c.Detail != "" {
			a.printf("%s  %-18s %s\n", mark, c.Name, c.Detail)
		} else {
			a.printf("%s  %s\n", mark, c.Name)
		}
	}
}

func (a *app) printDecision(d auth.Decision) error {
	if a.jsonOut {
		return a.printJSON(d)
	}
	a.printf("%s %s by %s: now %s (trace %s)\n", d.Action, d.TaskID, d.UserID, d.State, d.TraceID)
	return nil
}

func newGateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gate <task>",
		Short: "Run the approval checks without changing anything",
		Args:  argsN(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := a.gate(cmd.Context())
			if err != nil {
				return err
			}
			res, err := g.Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				if err := a.printJSON(res); err != nil {
					return err
				}
			} else {
				a.printChecks(res)
			}
			if !res.Passed {
				return fmt.Errorf("%w: gate checks failed for %s", errDenied, args[0])
			}
			return nil
		},
	}
}

func newApproveCmd(a *app) *cobra.Command {
	var token, source string
	cmd := &cobra.Command{
		Use:   "approve <task> [token]",
		Short: "Approve a task in REVIEW",
		Args:  argsMax(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usage("approve needs a task id")
			}
			tok, err := tokenFrom(argAt(args, 1), token)
			if err != nil {
				return err
			}
			g, err := a.gate(cmd.Context())
			if err != nil {
				return err
			}
			d, err := g.Approve(cmd.Context(), args[0], tok, source)
			if err != nil {
				return err
			}
			return a.printDecision(d)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&source, "source", defaultSource(), "attempt source for lockout tracking")
	return cmd
}

func newRejectCmd(a *app) *cobra.Command {
	var token, source string
	cmd := &cobra.Command{
		Use:   "reject <task> <reason>",
		Short: "Reject a task in REVIEW",
		Args:  argsN(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenFrom("", token)
			if err != nil {
				return err
			}
			g, err := a.gate(cmd.Context())
			if err != nil {
				return err
			}
			d, err := g.Reject(cmd.Context(), args[0], tok, source, args[1])
			if err != nil {
				return err
			}
			if err := a.printDecision(d); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s rejected", errDenied, args[0])
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&source, "source", defaultSource(), "attempt source for lockout tracking")
	return cmd
}

func newWorkflowCmd(a *app) *cobra.Command {
	var token, source string
	cmd := &cobra.Command{
		Use:   "workflow <task> [token]",
		Short: "Run the checks, then approve or reject in one step",
		Args:  argsMax(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usage("workflow needs a task id")
			}
			tok, err := tokenFrom(argAt(args, 1), token)
			if err != nil {
				return err
			}
			g, err := a.gate(cmd.Context())
			if err != nil {
				return err
			}
			res, d, err := g.Workflow(cmd.Context(), args[0], tok, source)
			if a.jsonOut {
				if jerr := a.printJSON(map[string]any{"checks": res, "decision": d}); jerr != nil {
					return jerr
				}
			} else {
				a.printChecks(res)
			}
			if err != nil {
				return err
			}
			if !a.jsonOut {
				if perr := a.printDecision(d); perr != nil {
					return perr
				}
			}
			if d.Action == auth.ActionReject {
				return fmt.Errorf("%w: %s rejected", errDenied, args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&source, "source", defaultSource(), "attempt source for lockout tracking")
	return cmd
}

func newCompleteCmd(a *app) *cobra.Command {
	var token, source string
	cmd := &cobra.Command{
		Use:   "complete <task> [token]",
		Short: "Mark an approved task completed",
		Args:  argsMax(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usage("complete needs a task id")
			}
			tok, err := tokenFrom(argAt(args, 1), token)
			if err != nil {
				return err
			}
			g, err := a.gate(cmd.Context())
			if err != nil {
				return err
			}
			d, err := g.Complete(cmd.Context(), args[0], tok, source)
			if err != nil {
				return err
			}
			return a.printDecision(d)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token")
	cmd.Flags().StringVar(&source, "source", defaultSource(), "attempt source for lockout tracking")
	return cmd
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
