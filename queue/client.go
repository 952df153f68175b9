package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeTaskAvailable is the asynq message type published after each enqueue.
// The message only signals that work exists; ownership is always decided by
// Store.Claim.
const TypeTaskAvailable = "quorumq:task_available"

type availablePayload struct {
	TaskID  string `json:"task_id"`
	TraceID string `json:"trace_id"`
}

// Client wraps asynq.Client and a Store. The store write happens first and is
// authoritative; the notification is best effort.
type Client struct {
	client *asynq.Client
	store  Store
	queue  string
}

type ClientOptions struct {
	Queue string
}

func NewClient(redisOpt asynq.RedisClientOpt, store Store, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	return &Client{
		client: asynq.NewClient(redisOpt),
		store:  store,
		queue:  q,
	}
}

// NewStoreOnlyClient returns a Client that persists without notifying;
// workers find the task by polling.
func NewStoreOnlyClient(store Store) *Client {
	return &Client{store: store, queue: "default"}
}

// Enqueue persists nt in QUEUED and then publishes a task-available message.
func (c *Client) Enqueue(ctx context.Context, nt NewTask, options ...asynq.Option) (*Task, error) {
	if c.store == nil {
		return nil, fmt.Errorf("nil store")
	}
	task, err := c.store.Enqueue(ctx, nt)
	if err != nil {
		return nil, err
	}
	if c.client == nil {
		return task, nil
	}
	payload, err := json.Marshal(availablePayload{TaskID: task.ID, TraceID: task.TraceID})
	if err != nil {
		return task, nil
	}
	opts := append([]asynq.Option{asynq.Queue(c.queue), asynq.MaxRetry(0)}, options...)
	if _, err := c.client.EnqueueContext(ctx, asynq.NewTask(TypeTaskAvailable, payload), opts...); err != nil {
		// The task is durable; pollers will still find it.
		log.Warnw("task-available notification failed", "task_id", task.ID, "trace_id", task.TraceID, "err", err)
	}
	return task, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
