// Command quorumq enqueues tasks, runs workers and mediates human approval.
//
// Exit codes: 0 success or approval, 1 denied or rejected, 2 invalid input,
// 3 internal error.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/mohans/quorumq/auth"
	"github.com/mohans/quorumq/breaker"
	"github.com/mohans/quorumq/cost"
	"github.com/mohans/quorumq/queue"
)

var log = logging.Logger("quorumq/cli")

const (
	exitOK       = 0
	exitDenied   = 1
	exitInvalid  = 2
	exitInternal = 3
)

// errDenied marks outcomes that are not failures of the tool but answers
// the caller should treat as "no".
var errDenied = errors.New("denied")

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usage(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue),
		errors.Is(err, queue.ErrInvalidTask),
		errors.Is(err, queue.ErrDuplicateTask),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, cost.ErrUnknownWorker):
		return exitInvalid
	case errors.Is(err, errDenied),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrLockedOut),
		errors.Is(err, auth.ErrGateFailed),
		errors.Is(err, queue.ErrIllegalTransition),
		errors.Is(err, queue.ErrRetriesExhausted),
		errors.Is(err, breaker.ErrOpen),
		errors.Is(err, cost.ErrBudgetExceeded):
		return exitDenied
	default:
		return exitInternal
	}
}

// argsN wraps cobra's arity check so a wrong argument count exits 2.
func argsN(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func argsMax(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{out: stdout, errOut: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	a.close()
	code := exitCode(err)
	if err != nil && !errors.Is(err, errDenied) {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	if code == exitInternal {
		log.Errorw("command failed", "args", args, "err", err)
	}
	return code
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
