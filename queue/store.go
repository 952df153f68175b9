package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mohans/quorumq/internal/sqlstore"
)

var log = logging.Logger("quorumq/queue")

// Store abstracts persistence for task lifecycle records.
// Implementations must be safe for concurrent use by many processes.
type Store interface {
	Enqueue(ctx context.Context, nt NewTask) (*Task, error)
	// Claim atomically moves the most urgent QUEUED task to RUNNING for
	// workerID. It returns (nil, nil) when nothing is queued.
	Claim(ctx context.Context, workerID string) (*Task, error)
	Transition(ctx context.Context, taskID string, to State, actor, reason string, opts ...TransitionOption) (*Task, error)
	GetByID(ctx context.Context, taskID string) (*Task, error)
	Events(ctx context.Context, taskID string) ([]Event, error)
	List(ctx context.Context, f ListFilter) ([]*Task, error)
	Stats(ctx context.Context) (Stats, error)
	AgeBoost(ctx context.Context, thresholds map[int]time.Duration) (int, error)
}

// TransitionOption attaches a payload to a transition.
type TransitionOption func(*transitionArgs)

type transitionArgs struct {
	result *string
	errMsg *string
}

func WithResult(result string) TransitionOption {
	return func(a *transitionArgs) { a.result = &result }
}

func WithError(msg string) TransitionOption {
	return func(a *transitionArgs) { a.errMsg = &msg }
}

type StoreOptions struct {
	// MaxRetries is applied to tasks enqueued without an explicit value.
	MaxRetries int
	// ClaimRetries bounds how often a write is retried on SQLITE_BUSY.
	ClaimRetries int
	Now          func() time.Time
}

// SQLStore implements Store on the shared SQLite database.
type SQLStore struct {
	db           *sql.DB
	maxRetries   int
	claimRetries int
	now          func() time.Time
}

func NewSQLStore(db *sql.DB, opts StoreOptions) *SQLStore {
	s := &SQLStore{db: db, maxRetries: opts.MaxRetries, claimRetries: opts.ClaimRetries, now: opts.Now}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if s.claimRetries <= 0 {
		s.claimRetries = 5
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

const taskColumns = `id, name, type, priority, original_priority, boost_count, state, worker_id,
	retry_count, max_retries, trace_id, payload, metadata_json, created_at, updated_at,
	started_at, completed_at, result, error`

type scanFunc func(dest ...any) error

func scanTask(scan scanFunc) (*Task, error) {
	t := &Task{}
	var (
		state                  string
		workerID, result, eMsg sql.NullString
		metadata               string
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)
	if err := scan(&t.ID, &t.Name, &t.Type, &t.Priority, &t.OriginalPriority, &t.BoostCount, &state, &workerID,
		&t.RetryCount, &t.MaxRetries, &t.TraceID, &t.Payload, &metadata, &createdAt, &updatedAt,
		&startedAt, &completedAt, &result, &eMsg); err != nil {
		return nil, err
	}
	t.State = State(state)
	t.WorkerID = sqlstore.StringPtr(workerID)
	t.Result = sqlstore.StringPtr(result)
	t.Error = sqlstore.StringPtr(eMsg)
	t.CreatedAt = sqlstore.Time(createdAt)
	t.UpdatedAt = sqlstore.Time(updatedAt)
	t.StartedAt = sqlstore.TimePtr(startedAt)
	t.CompletedAt = sqlstore.TimePtr(completedAt)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func validateNewTask(nt NewTask) error {
	var problems []string
	if strings.TrimSpace(nt.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(nt.Type) == "" {
		problems = append(problems, "type is required")
	}
	if nt.Priority < 0 {
		problems = append(problems, "priority must be >= 0")
	}
	if nt.MaxRetries != nil && *nt.MaxRetries < 0 {
		problems = append(problems, "max_retries must be >= 0")
	}
	if len(nt.ID) > 128 || strings.ContainsAny(nt.ID, " \t\r\n") {
		problems = append(problems, "id must be at most 128 characters without whitespace")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTask, strings.Join(problems, "; "))
	}
	return nil
}

func (s *SQLStore) Enqueue(ctx context.Context, nt NewTask) (*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	if err := validateNewTask(nt); err != nil {
		return nil, err
	}
	if nt.ID == "" {
		nt.ID = uuid.NewString()
	}
	if nt.TraceID == "" {
		nt.TraceID = uuid.NewString()
	}
	maxRetries := s.maxRetries
	if nt.MaxRetries != nil {
		maxRetries = *nt.MaxRetries
	}
	metadata := "{}"
	if len(nt.Metadata) > 0 {
		raw, err := json.Marshal(nt.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidTask, err)
		}
		metadata = string(raw)
	}

	var out *Task
	err := sqlstore.RetryOnBusy(ctx, s.claimRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, nt.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check task id: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, nt.ID)
		}
		now := sqlstore.Nanos(s.now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, name, type, priority, original_priority, state, retry_count, max_retries,
				trace_id, payload, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
			nt.ID, nt.Name, nt.Type, nt.Priority, nt.Priority, string(StateQueued), maxRetries,
			nt.TraceID, nt.Payload, metadata, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendEventTx(ctx, tx, nt.ID, nt.TraceID, "", StateQueued, "enqueue", "created", now); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, nt.ID)
		t, err := scanTask(row.Scan)
		if err != nil {
			return fmt.Errorf("reload task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit enqueue: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infow("task enqueued", "task_id", out.ID, "trace_id", out.TraceID, "priority", out.Priority)
	return out, nil
}

func (s *SQLStore) Claim(ctx context.Context, workerID string) (*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	if strings.TrimSpace(workerID) == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidTask)
	}
	var out *Task
	err := sqlstore.RetryOnBusy(ctx, s.claimRetries, func() error {
		out = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := sqlstore.Nanos(s.now())
		// Selection and ownership happen in one conditional statement; the
		// outer state predicate makes a concurrent claim of the same row a no-op.
		row := tx.QueryRowContext(ctx, `
			UPDATE tasks
			SET state = ?, worker_id = ?, started_at = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM tasks
				WHERE state = ?
				ORDER BY priority ASC, created_at ASC, id ASC
				LIMIT 1
			) AND state = ?
			RETURNING `+taskColumns,
			string(StateRunning), workerID, now, now, string(StateQueued), string(StateQueued))
		t, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if err := appendEventTx(ctx, tx, t.ID, t.TraceID, StateQueued, StateRunning, workerID, "claim", now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		log.Infow("task claimed", "task_id", out.ID, "trace_id", out.TraceID, "worker_id", workerID)
	}
	return out, nil
}

func (s *SQLStore) Transition(ctx context.Context, taskID string, to State, actor, reason string, opts ...TransitionOption) (*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidTask)
	}
	var args transitionArgs
	for _, o := range opts {
		o(&args)
	}
	var out *Task
	err := sqlstore.RetryOnBusy(ctx, s.claimRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cur, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID).Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		if err != nil {
			return fmt.Errorf("load task for transition: %w", err)
		}
		terr := func(e error) error {
			return &TransitionError{TaskID: taskID, TraceID: cur.TraceID, From: cur.State, To: to, Err: e}
		}
		if err := ValidateTransition(cur.State, to); err != nil {
			return terr(err)
		}
		if cur.State == StateFailed && to == StateQueued && !CanRequeue(cur.RetryCount, cur.MaxRetries) {
			return terr(fmt.Errorf("%w: %d/%d", ErrRetriesExhausted, cur.RetryCount, cur.MaxRetries))
		}

		now := sqlstore.Nanos(s.now())
		next := *cur
		next.State = to
		if cur.State == StateRunning {
			next.WorkerID = nil
		}
		switch to {
		case StateRunning:
			w := actor
			next.WorkerID = &w
			t := sqlstore.Time(now)
			next.StartedAt = &t
		case StateFailed:
			next.RetryCount = cur.RetryCount + 1
			t := sqlstore.Time(now)
			next.CompletedAt = &t
		case StateCompleted:
			t := sqlstore.Time(now)
			next.CompletedAt = &t
		case StateQueued:
			next.StartedAt = nil
			next.CompletedAt = nil
		}
		if args.result != nil {
			next.Result = args.result
		}
		if args.errMsg != nil {
			next.Error = args.errMsg
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, worker_id = ?, retry_count = ?, started_at = ?, completed_at = ?,
				result = ?, error = ?, updated_at = ?
			WHERE id = ? AND state = ? AND retry_count = ?`,
			string(next.State), sqlstore.NullString(next.WorkerID), next.RetryCount,
			sqlstore.NullNanos(next.StartedAt), sqlstore.NullNanos(next.CompletedAt),
			sqlstore.NullString(next.Result), sqlstore.NullString(next.Error), now,
			taskID, string(cur.State), cur.RetryCount)
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return terr(ErrConflict)
		}
		if err := appendEventTx(ctx, tx, taskID, cur.TraceID, cur.State, to, actor, reason, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		next.UpdatedAt = sqlstore.Time(now)
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infow("task transitioned", "task_id", out.ID, "trace_id", out.TraceID, "to", out.State,
		"actor", actor, "retry_count", out.RetryCount)
	return out, nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, taskID, traceID string, from, to State, actor, reason string, at int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, from_state, to_state, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskID, traceID, string(from), string(to), actor, reason, at)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

func (s *SQLStore) GetByID(ctx context.Context, taskID string) (*Task, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLStore) Events(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, trace_id, from_state, to_state, actor, reason, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e        Event
			from, to string
			at       int64
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.TraceID, &from, &to, &e.Actor, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		e.From, e.To, e.At = State(from), State(to), sqlstore.Time(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) List(ctx context.Context, f ListFilter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Priority != nil {
		where = append(where, "priority = ?")
		args = append(args, *f.Priority)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY priority ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByState: map[State]int{}, QueuedByPriority: map[int]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return st, fmt.Errorf("count by state: %w", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByState[State(state)] = n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM tasks WHERE state = ? GROUP BY priority`, string(StateQueued))
	if err != nil {
		return st, fmt.Errorf("count by priority: %w", err)
	}
	for rows.Next() {
		var p, n int
		if err := rows.Scan(&p, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.QueuedByPriority[p] = n
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE boost_count > 0`).Scan(&st.BoostedCount); err != nil {
		return st, fmt.Errorf("count boosted: %w", err)
	}
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(started_at - created_at) FROM tasks WHERE started_at IS NOT NULL`).Scan(&avg); err != nil {
		return st, fmt.Errorf("average wait: %w", err)
	}
	if avg.Valid {
		st.AvgWait = time.Duration(avg.Float64)
	}
	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM tasks WHERE state = ?`, string(StateQueued)).Scan(&oldest); err != nil {
		return st, fmt.Errorf("oldest queued: %w", err)
	}
	if oldest.Valid {
		st.OldestQueuedAge = s.now().Sub(sqlstore.Time(oldest.Int64))
	}
	return st, nil
}

// AgeBoost promotes QUEUED tasks that have waited at least thresholds[p] at
// priority p to priority p-1. Levels are processed most-urgent first so a
// task moves at most one level per call.
func (s *SQLStore) AgeBoost(ctx context.Context, thresholds map[int]time.Duration) (int, error) {
	levels := make([]int, 0, len(thresholds))
	for p := range thresholds {
		if p > 0 {
			levels = append(levels, p)
		}
	}
	sort.Ints(levels)

	boosted := 0
	err := sqlstore.RetryOnBusy(ctx, s.claimRetries, func() error {
		boosted = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin boost tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		now := s.now()
		type hit struct{ id, traceID string }
		for _, p := range levels {
			cutoff := sqlstore.Nanos(now.Add(-thresholds[p]))
			rows, err := tx.QueryContext(ctx, `
				UPDATE tasks
				SET priority = ?, boost_count = boost_count + 1, updated_at = ?
				WHERE state = ? AND priority = ? AND created_at <= ?
				RETURNING id, trace_id`,
				p-1, sqlstore.Nanos(now), string(StateQueued), p, cutoff)
			if err != nil {
				return fmt.Errorf("boost priority %d: %w", p, err)
			}
			var hits []hit
			for rows.Next() {
				var h hit
				if err := rows.Scan(&h.id, &h.traceID); err != nil {
					rows.Close()
					return err
				}
				hits = append(hits, h)
			}
			if err := rows.Close(); err != nil {
				return err
			}
			reason := fmt.Sprintf("boost %s -> %s", PriorityLabel(p), PriorityLabel(p-1))
			for _, h := range hits {
				if err := appendEventTx(ctx, tx, h.id, h.traceID, StateQueued, StateQueued, "maintenance", reason, sqlstore.Nanos(now)); err != nil {
					return err
				}
			}
			boosted += len(hits)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if boosted > 0 {
		log.Infow("aged queued tasks", "boosted", boosted)
	}
	return boosted, nil
}
