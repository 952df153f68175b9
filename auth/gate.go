package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohans/quorumq/consensus"
	"github.com/mohans/quorumq/queue"
)

// Tasks is the part of the queue store the gate needs.
type Tasks interface {
	GetByID(ctx context.Context, taskID string) (*queue.Task, error)
	Transition(ctx context.Context, taskID string, to queue.State, actor, reason string, opts ...queue.TransitionOption) (*queue.Task, error)
}

// Check is one gate condition.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// CheckResult is the outcome of running the gate checks on a task.
type CheckResult struct {
	TaskID  string  `json:"task_id"`
	TraceID string  `json:"trace_id,omitempty"`
	Passed  bool    `json:"passed"`
	Checks  []Check `json:"checks"`
}

// Failed lists the names and details of the checks that did not pass.
func (r CheckResult) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name+": "+c.Detail)
		}
	}
	return out
}

// Decision is what a gated mutation did.
type Decision struct {
	TaskID  string      `json:"task_id"`
	TraceID string      `json:"trace_id"`
	UserID  string      `json:"user_id"`
	Action  string      `json:"action"`
	State   queue.State `json:"state"`
	Reason  string      `json:"reason,omitempty"`
}

const (
	ActionApprove  = "approve"
	ActionReject   = "reject"
	ActionComplete = "complete"
)

// Gate authorizes human mutations of tasks. Every gated call writes an
// audit event before authenticating and another once the mutation is
// decided.
type Gate struct {
	tasks   Tasks
	tokens  *TokenStore
	audit   *Auditor
	limiter Limiter
}

func NewGate(tasks Tasks, tokens *TokenStore, audit *Auditor, limiter Limiter) (*Gate, error) {
	if tasks == nil || tokens == nil || audit == nil {
		return nil, errors.New("gate needs tasks, tokens and audit")
	}
	return &Gate{tasks: tasks, tokens: tokens, audit: audit, limiter: limiter}, nil
}

// GateError ties an authorization failure to the task it was aimed at.
type GateError struct {
	TaskID  string
	TraceID string
	Action  string
	Err     error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s task %s (trace %s): %v", e.Action, e.TaskID, e.TraceID, e.Err)
}

func (e *GateError) Unwrap() error { return e.Err }

// Check runs the gate conditions without mutating anything.
func (g *Gate) Check(ctx context.Context, taskID string) (CheckResult, error) {
	res := CheckResult{TaskID: taskID}
	t, err := g.tasks.GetByID(ctx, taskID)
	if errors.Is(err, queue.ErrNotFound) {
		res.Checks = append(res.Checks, Check{Name: "task_exists", Detail: "no such task"})
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.TraceID = t.TraceID
	res.Checks = append(res.Checks, Check{Name: "task_exists", Passed: true})

	review := Check{Name: "state_review", Passed: t.State == queue.StateReview}
	if !review.Passed {
		review.Detail = "state is " + string(t.State)
	}
	res.Checks = append(res.Checks, review)
	res.Checks = append(res.Checks, consensusCheck(t))

	res.Passed = true
	for _, c := range res.Checks {
		res.Passed = res.Passed && c.Passed
	}
	return res, nil
}

func consensusCheck(t *queue.Task) Check {
	c := Check{Name: "consensus_approve"}
	if t.Result == nil || strings.TrimSpace(*t.Result) == "" {
		c.Detail = "no consensus result"
		return c
	}
	var r consensus.Result
	if err := json.Unmarshal([]byte(*t.Result), &r); err != nil {
		c.Detail = "unreadable consensus result"
		return c
	}
	if r.Outcome != consensus.Approve {
		c.Detail = fmt.Sprintf("consensus was %s (%d of %d valid)", r.Outcome, r.Valid, r.Total)
		return c
	}
	c.Passed = true
	c.Detail = fmt.Sprintf("%d of %d valid votes", r.Valid, r.Total)
	return c
}

// authorize runs the lockout check and token validation for a gated call,
// auditing the attempt first.
func (g *Gate) authorize(ctx context.Context, action string, t *queue.Task, token, source string) (Session, error) {
	gerr := func(err error) error {
		return &GateError{TaskID: t.ID, TraceID: t.TraceID, Action: action, Err: err}
	}
	ev := AuditEvent{Event: action, TaskID: t.ID, TraceID: t.TraceID, Source: source}

	if g.limiter != nil && source != "" {
		locked, left, err := g.limiter.Locked(ctx, source)
		if err != nil {
			return Session{}, gerr(err)
		}
		if locked {
			ev.Outcome, ev.Detail = OutcomeDenied, "locked out"
			_ = g.audit.Record(ctx, ev)
			return Session{}, gerr(fmt.Errorf("%w: retry in %s", ErrLockedOut, left.Round(time.Second)))
		}
	}

	ev.Outcome = OutcomeAttempt
	if err := g.audit.Record(ctx, ev); err != nil {
		return Session{}, gerr(err)
	}

	sess, err := g.tokens.Validate(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			return Session{}, gerr(err)
		}
		detail := err.Error()
		if g.limiter != nil && source != "" {
			n, lerr := g.limiter.Fail(ctx, source)
			if lerr != nil {
				log.Errorw("limiter update failed", "source", source, "err", lerr)
			} else {
				detail = fmt.Sprintf("%s (failure %d)", detail, n)
			}
		}
		ev.Outcome, ev.Detail = OutcomeDenied, detail
		_ = g.audit.Record(ctx, ev)
		log.Warnw("gated call denied", "action", action, "task_id", t.ID, "trace_id", t.TraceID, "source", source)
		return Session{}, gerr(err)
	}
	if g.limiter != nil && source != "" {
		if err := g.limiter.Reset(ctx, source); err != nil {
			log.Errorw("limiter reset failed", "source", source, "err", err)
		}
	}
	return sess, nil
}

func (g *Gate) mutate(ctx context.Context, action, taskID, token, source string, to queue.State, reason string, opts ...queue.TransitionOption) (Decision, error) {
	t, err := g.tasks.GetByID(ctx, taskID)
	if err != nil {
		// Unknown task: the intent is still recorded under the raw id.
		ev := AuditEvent{Event: action, TaskID: taskID, Source: source, Outcome: OutcomeAttempt}
		if aerr := g.audit.Record(ctx, ev); aerr != nil {
			log.Errorw("audit before lookup failure failed", "task_id", taskID, "err", aerr)
		}
		ev.Outcome, ev.Detail = OutcomeFailure, err.Error()
		_ = g.audit.Record(ctx, ev)
		return Decision{}, err
	}
	sess, err := g.authorize(ctx, action, t, token, source)
	if err != nil {
		return Decision{}, err
	}
	ev := AuditEvent{Event: action, UserID: sess.UserID, TaskID: t.ID, TraceID: t.TraceID, Source: source}

	next, err := g.tasks.Transition(ctx, taskID, to, sess.UserID, reason, opts...)
	if err != nil {
		ev.Outcome, ev.Detail = OutcomeFailure, err.Error()
		_ = g.audit.Record(ctx, ev)
		return Decision{}, err
	}
	ev.Outcome, ev.Detail = OutcomeSuccess, fmt.Sprintf("%s -> %s", t.State, next.State)
	if reason != "" {
		ev.Detail += ": " + reason
	}
	if err := g.audit.Record(ctx, ev); err != nil {
		log.Errorw("audit after mutation failed", "task_id", t.ID, "trace_id", t.TraceID, "err", err)
	}
	log.Infow("gated mutation", "action", action, "task_id", t.ID, "trace_id", t.TraceID,
		"user_id", sess.UserID, "state", next.State)
	return Decision{
		TaskID:  t.ID,
		TraceID: t.TraceID,
		UserID:  sess.UserID,
		Action:  action,
		State:   next.State,
		Reason:  reason,
	}, nil
}

// Approve moves a REVIEW task to APPROVED on behalf of the token's user.
func (g *Gate) Approve(ctx context.Context, taskID, token, source string) (Decision, error) {
	return g.mutate(ctx, ActionApprove, taskID, token, source, queue.StateApproved, "approved")
}

// Reject moves a REVIEW task to FAILED. A reason is required.
func (g *Gate) Reject(ctx context.Context, taskID, token, source, reason string) (Decision, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Decision{}, fmt.Errorf("%w: a reject reason is required", ErrInvalidInput)
	}
	return g.mutate(ctx, ActionReject, taskID, token, source, queue.StateFailed, reason, queue.WithError("rejected: "+reason))
}

// Complete moves an APPROVED task to COMPLETED.
func (g *Gate) Complete(ctx context.Context, taskID, token, source string) (Decision, error) {
	return g.mutate(ctx, ActionComplete, taskID, token, source, queue.StateCompleted, "completed")
}

// Workflow runs the checks and then approves or rejects in one call. A
// task that is not in REVIEW is left alone and reported as ErrGateFailed.
func (g *Gate) Workflow(ctx context.Context, taskID, token, source string) (CheckResult, Decision, error) {
	res, err := g.Check(ctx, taskID)
	if err != nil {
		return res, Decision{}, err
	}
	if len(res.Checks) < 2 || !res.Checks[0].Passed || !res.Checks[1].Passed {
		return res, Decision{}, &GateError{TaskID: taskID, TraceID: res.TraceID, Action: "workflow",
			Err: fmt.Errorf("%w: %s", ErrGateFailed, strings.Join(res.Failed(), "; "))}
	}
	if res.Passed {
		d, err := g.Approve(ctx, taskID, token, source)
		return res, d, err
	}
	d, err := g.Reject(ctx, taskID, token, source, "gate checks failed: "+strings.Join(res.Failed(), "; "))
	return res, d, err
}
