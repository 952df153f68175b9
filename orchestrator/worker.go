package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohans/quorumq/cost"
	"github.com/mohans/quorumq/queue"
)

type WorkerConfig struct {
	// PollInterval is the wait after finding the queue empty.
	PollInterval time.Duration
	// BudgetBackoff is the wait after the daily budget was found spent.
	BudgetBackoff time.Duration
	// ClaimsPerSecond caps claim attempts; zero means unlimited.
	ClaimsPerSecond float64
	// MaxTasks stops the loop after that many processed tasks; zero runs
	// until ctx is done.
	MaxTasks int
}

// Worker polls the store for work and runs it through a Coordinator. It is
// the fallback for deployments without Redis and for one-shot draining.
type Worker struct {
	coord   *Coordinator
	cfg     WorkerConfig
	limiter *rate.Limiter
}

func NewWorker(coord *Coordinator, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BudgetBackoff <= 0 {
		cfg.BudgetBackoff = time.Minute
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.ClaimsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.ClaimsPerSecond), 1)
	}
	return &Worker{coord: coord, cfg: cfg, limiter: lim}
}

// Run loops until ctx is done or MaxTasks tasks were processed. Task-level
// failures are logged and the loop continues.
func (w *Worker) Run(ctx context.Context) error {
	processed := 0
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}
		out, err := w.coord.RunOnce(ctx)
		var wait time.Duration
		switch {
		case errors.Is(err, cost.ErrBudgetExceeded):
			log.Warnw("daily budget spent; holding claims", "worker_id", w.coord.WorkerID(), "backoff", w.cfg.BudgetBackoff)
			wait = w.cfg.BudgetBackoff
		case errors.Is(err, queue.ErrRetriesExhausted):
			processed++
		case err != nil:
			log.Errorw("worker iteration failed", "worker_id", w.coord.WorkerID(), "err", err)
			wait = w.cfg.PollInterval
		case out == nil:
			wait = w.cfg.PollInterval
		default:
			processed++
			log.Infow("task processed", "task_id", out.Task.ID, "trace_id", out.Task.TraceID,
				"state", out.Task.State, "outcome", out.Result.Outcome)
		}
		if w.cfg.MaxTasks > 0 && processed >= w.cfg.MaxTasks {
			return nil
		}
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
