package queue

import (
	"context"

	"github.com/hibiken/asynq"
)

// Handler runs a task this process has claimed. The handler owns the task's
// next transition.
type Handler interface {
	Handle(ctx context.Context, t *Task) error
}

type HandlerFunc func(ctx context.Context, t *Task) error

func (f HandlerFunc) Handle(ctx context.Context, t *Task) error { return f(ctx, t) }

// Processor runs an asynq server and turns each task-available notification
// into an atomic Store.Claim.
type Processor struct {
	server   *asynq.Server
	store    Store
	workerID string
}

type ProcessorConfig struct {
	WorkerID    string
	Concurrency int
	Queues      map[string]int
}

func NewProcessor(redisOpt asynq.RedisClientOpt, store Store, cfg ProcessorConfig) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 3
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: con,
		Queues:      qs,
		Logger:      log,
	})
	return &Processor{server: server, store: store, workerID: cfg.WorkerID}
}

// claimMiddleware claims from the store on every notification. A
// notification whose task was already taken still claims the next most
// urgent task, so no queued work is stranded.
func (p *Processor) claimMiddleware(next Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, _ *asynq.Task) error {
		task, err := p.store.Claim(ctx, p.workerID)
		if err != nil {
			log.Errorw("claim failed", "worker_id", p.workerID, "err", err)
			return err
		}
		if task == nil {
			return nil
		}
		if err := next.Handle(ctx, task); err != nil {
			log.Errorw("handler failed", "task_id", task.ID, "trace_id", task.TraceID, "err", err)
		}
		return nil
	})
}

// Start blocks running the server until Shutdown.
func (p *Processor) Start(h Handler) error {
	mux := asynq.NewServeMux()
	mux.Handle(TypeTaskAvailable, p.claimMiddleware(h))
	return p.server.Run(mux)
}

func (p *Processor) Shutdown() { p.server.Shutdown() }
