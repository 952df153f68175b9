// Package orchestrator drives claimed tasks through dispatch, consensus and
// cost accounting, and moves them to their next state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mohans/quorumq/consensus"
	"github.com/mohans/quorumq/cost"
	"github.com/mohans/quorumq/delegate"
	"github.com/mohans/quorumq/queue"
)

var log = logging.Logger("quorumq/orchestrator")

// MetaImplementer names the worker that produced a task's subject; it does
// not vote on it.
const MetaImplementer = "implementer"

// collectGrace is added to the dispatch timeout when waiting for votes so a
// delegate that times out still reports its own envelope.
const collectGrace = time.Second

var ErrNoVoters = errors.New("no eligible voters")

type Config struct {
	WorkerID string
	// CollectTimeout bounds the wait for votes; zero means the dispatch
	// timeout plus a short grace.
	CollectTimeout time.Duration
	// Tracker is optional; without it nothing is priced or budgeted.
	Tracker *cost.Tracker
	Metrics *Metrics
}

// Coordinator processes one claimed task at a time. It is safe to share
// between goroutines.
type Coordinator struct {
	store      queue.Store
	dispatcher *delegate.Dispatcher
	engine     *consensus.Engine
	tracker    *cost.Tracker
	metrics    *Metrics
	workerID   string
	collect    time.Duration
}

func NewCoordinator(store queue.Store, d *delegate.Dispatcher, engine *consensus.Engine, cfg Config) (*Coordinator, error) {
	if store == nil || d == nil || engine == nil {
		return nil, errors.New("coordinator needs a store, a dispatcher and an engine")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("coordinator needs a worker id")
	}
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = d.Timeout() + collectGrace
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	return &Coordinator{
		store:      store,
		dispatcher: d,
		engine:     engine,
		tracker:    cfg.Tracker,
		metrics:    cfg.Metrics,
		workerID:   cfg.WorkerID,
		collect:    cfg.CollectTimeout,
	}, nil
}

func (c *Coordinator) WorkerID() string { return c.workerID }

func (c *Coordinator) Metrics() *Metrics { return c.metrics }

// Outcome is what processing a task produced.
type Outcome struct {
	Task   *queue.Task
	Result consensus.Result
	// Requeued is set when a failed task went straight back to QUEUED.
	Requeued bool
}

// CheckBudget is nil when there is no tracker or budget left today.
func (c *Coordinator) CheckBudget(ctx context.Context) error {
	if c.tracker == nil {
		return nil
	}
	if err := c.tracker.CheckBudget(ctx); err != nil {
		if errors.Is(err, cost.ErrBudgetExceeded) {
			c.metrics.budgetHold.Inc()
		}
		return err
	}
	return nil
}

// RunOnce claims the most urgent task and processes it. It returns
// (nil, nil) when nothing is queued and cost.ErrBudgetExceeded, without
// claiming, once the daily budget is spent.
func (c *Coordinator) RunOnce(ctx context.Context) (*Outcome, error) {
	if err := c.CheckBudget(ctx); err != nil {
		return nil, err
	}
	task, err := c.store.Claim(ctx, c.workerID)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if task == nil {
		return nil, nil
	}
	return c.Process(ctx, task)
}

// Handler adapts the coordinator to a queue.Processor.
func (c *Coordinator) Handler() queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, t *queue.Task) error {
		_, err := c.Process(ctx, t)
		return err
	})
}

func (c *Coordinator) voters(task *queue.Task) []string {
	skip := task.Metadata[MetaImplementer]
	var out []string
	for _, n := range c.dispatcher.Names() {
		if n != skip {
			out = append(out, n)
		}
	}
	return out
}

// Process runs a task this worker already holds in RUNNING. The task
// always leaves RUNNING: to REVIEW on an APPROVE consensus, otherwise to
// FAILED and, while retries remain, back to QUEUED.
func (c *Coordinator) Process(ctx context.Context, task *queue.Task) (*Outcome, error) {
	c.metrics.claims.Inc()
	// State writes must land even if the caller gives up, or the task is
	// stranded in RUNNING.
	wctx := context.WithoutCancel(ctx)

	if err := c.CheckBudget(ctx); err != nil {
		return c.fail(wctx, task, consensus.Result{}, "daily budget exhausted: "+err.Error())
	}

	voters := c.voters(task)
	if len(voters) == 0 {
		return c.fail(wctx, task, consensus.Result{}, ErrNoVoters.Error())
	}
	req := delegate.Request{TaskID: task.ID, TraceID: task.TraceID, Type: task.Type, Payload: task.Payload}
	log.Infow("dispatching", "task_id", task.ID, "trace_id", task.TraceID, "voters", voters)

	ch, _ := c.dispatcher.Stream(ctx, req, task.Metadata[MetaImplementer])
	votes := consensus.Collect(ctx, ch, voters, c.collect)
	for _, v := range votes {
		c.metrics.dispatches.WithLabelValues(v.Model, string(v.Status)).Inc()
		if v.DurationMS > 0 {
			c.metrics.latency.WithLabelValues(v.Model).Observe(v.Duration().Seconds())
		}
	}
	c.charge(task, req, votes)

	result := c.engine.Evaluate(task.Type, votes)
	c.metrics.outcomes.WithLabelValues(string(result.Outcome)).Inc()
	raw, err := result.JSON()
	if err != nil {
		return nil, fmt.Errorf("encode consensus for task %s (trace %s): %w", task.ID, task.TraceID, err)
	}

	if result.Outcome == consensus.Approve {
		next, err := c.store.Transition(wctx, task.ID, queue.StateReview, c.workerID,
			fmt.Sprintf("consensus APPROVE (%d/%d)", result.Valid, result.Total), queue.WithResult(string(raw)))
		if err != nil {
			return nil, err
		}
		return &Outcome{Task: next, Result: result}, nil
	}
	reason := fmt.Sprintf("consensus %s (%d valid of %d)", result.Outcome, result.Valid, result.Total)
	if result.Decision != "" && result.Decision != string(result.Outcome) {
		reason += ": " + result.Decision
	}
	return c.fail(wctx, task, result, reason, queue.WithResult(string(raw)))
}

// charge prices every vote that came back with output. Breaker
// short-circuits and timeouts never reached a backend answer and are free.
func (c *Coordinator) charge(task *queue.Task, req delegate.Request, votes []delegate.Envelope) {
	if c.tracker == nil {
		return
	}
	for _, v := range votes {
		if !v.OK() {
			continue
		}
		response := v.Output
		if response == "" {
			response = v.Reasoning
		}
		if _, err := c.tracker.Charge(v.Model, req.Payload, response, task.ID, task.TraceID); err != nil {
			log.Warnw("cost not recorded", "worker", v.Model, "task_id", task.ID, "trace_id", task.TraceID, "err", err)
		}
	}
}

func (c *Coordinator) fail(ctx context.Context, task *queue.Task, result consensus.Result, reason string, opts ...queue.TransitionOption) (*Outcome, error) {
	opts = append(opts, queue.WithError(reason))
	failed, err := c.store.Transition(ctx, task.ID, queue.StateFailed, c.workerID, reason, opts...)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Task: failed, Result: result}
	if !queue.CanRequeue(failed.RetryCount, failed.MaxRetries) {
		log.Warnw("task failed permanently", "task_id", task.ID, "trace_id", task.TraceID,
			"retry_count", failed.RetryCount, "reason", reason)
		return out, &queue.TransitionError{
			TaskID:  task.ID,
			TraceID: task.TraceID,
			From:    queue.StateFailed,
			To:      queue.StateQueued,
			Err:     fmt.Errorf("%w: %d/%d: %s", queue.ErrRetriesExhausted, failed.RetryCount, failed.MaxRetries, reason),
		}
	}
	requeued, err := c.store.Transition(ctx, task.ID, queue.StateQueued, c.workerID, "auto-retry")
	if err != nil {
		return out, err
	}
	out.Task = requeued
	out.Requeued = true
	return out, nil
}
