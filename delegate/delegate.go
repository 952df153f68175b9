// Package delegate invokes worker backends and turns whatever they do into
// an Envelope. Callers go through a Dispatcher, which consults the worker's
// circuit breaker first and enforces the per-call timeout.
package delegate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("quorumq/delegate")

// Request is what a delegate is asked to judge.
type Request struct {
	TaskID  string
	TraceID string
	Type    string
	Payload string
}

// Delegate is one worker backend. Invoke must honor ctx; an error return
// means the backend could not produce an envelope at all.
type Delegate interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Envelope, error)
}

// Func adapts a function to Delegate.
type Func struct {
	Model string
	F     func(ctx context.Context, req Request) (Envelope, error)
}

func (f Func) Name() string { return f.Model }

func (f Func) Invoke(ctx context.Context, req Request) (Envelope, error) { return f.F(ctx, req) }

const (
	FormatJSON = "json"
	FormatText = "text"
)

// maxStderr bounds how much of a failing command's stderr ends up in an
// envelope error.
const maxStderr = 2048

// Command runs an external program per invocation. The payload is written
// to stdin; task and trace ids are exported as QUORUMQ_TASK_ID and
// QUORUMQ_TRACE_ID. In json format stdout must be a single envelope; in
// text format stdout is read for a decision and confidence.
type Command struct {
	Model  string
	Path   string
	Args   []string
	Format string
	Env    []string
	// Timeout, when set, tightens the dispatcher's per-call timeout for
	// this backend.
	Timeout time.Duration
	// WaitDelay bounds how long Invoke waits for output pipes after the
	// process is killed on timeout.
	WaitDelay time.Duration
}

func (c *Command) Name() string { return c.Model }

func (c *Command) Invoke(ctx context.Context, req Request) (Envelope, error) {
	if c.Path == "" {
		return Envelope{}, errors.New("delegate command is empty")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = strings.NewReader(req.Payload)
	cmd.Env = append(append(os.Environ(), c.Env...),
		"QUORUMQ_TASK_ID="+req.TaskID,
		"QUORUMQ_TRACE_ID="+req.TraceID,
		"QUORUMQ_TASK_TYPE="+req.Type,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errorEnvelope(c.Model, req.TraceID, StatusTimeout, ctxErr.Error(), elapsed), nil
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[len(msg)-maxStderr:]
		}
		if msg == "" {
			msg = err.Error()
		} else {
			msg = err.Error() + ": " + msg
		}
		return errorEnvelope(c.Model, req.TraceID, StatusError, msg, elapsed), nil
	}

	var env Envelope
	switch c.Format {
	case FormatText:
		env = FromText(c.Model, req.TraceID, stdout.String())
	case FormatJSON, "":
		env, err = ParseEnvelope(stdout.Bytes(), c.Model)
		if err != nil {
			return errorEnvelope(c.Model, req.TraceID, StatusError, err.Error(), elapsed), nil
		}
	default:
		return Envelope{}, fmt.Errorf("unknown delegate format %q", c.Format)
	}
	if env.TraceID == "" {
		env.TraceID = req.TraceID
	}
	env.DurationMS = elapsed.Milliseconds()
	return env, nil
}
