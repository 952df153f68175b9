package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohans/quorumq/internal/sqlstore"
)

// Audit outcomes.
const (
	OutcomeAttempt = "attempt"
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// AuditEvent is one row of the append-only audit log.
type AuditEvent struct {
	ID      int64
	At      time.Time
	Event   string
	UserID  string
	TaskID  string
	TraceID string
	Source  string
	Outcome string
	Detail  string
}

type AuditFilter struct {
	TaskID string
	UserID string
	Limit  int
}

// Auditor writes and reads the audit log.
type Auditor struct {
	db      *sql.DB
	retries int
	now     func() time.Time
}

func NewAuditor(db *sql.DB, now func() time.Time) (*Auditor, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Auditor{db: db, retries: 5, now: now}, nil
}

// Record appends ev; At is stamped when zero.
func (a *Auditor) Record(ctx context.Context, ev AuditEvent) error {
	if ev.Event == "" || ev.Outcome == "" {
		return fmt.Errorf("%w: audit event and outcome are required", ErrInvalidInput)
	}
	if ev.At.IsZero() {
		ev.At = a.now()
	}
	err := sqlstore.RetryOnBusy(ctx, a.retries, func() error {
		_, err := a.db.ExecContext(ctx, `
			INSERT INTO auth_audit (created_at, event, user_id, task_id, trace_id, source, outcome, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sqlstore.Nanos(ev.At), ev.Event, ev.UserID, ev.TaskID, ev.TraceID, ev.Source, ev.Outcome, ev.Detail)
		return err
	})
	if err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	log.Debugw("audit", "event", ev.Event, "outcome", ev.Outcome, "user_id", ev.UserID,
		"task_id", ev.TaskID, "trace_id", ev.TraceID, "source", ev.Source)
	return nil
}

// List returns matching events oldest first; Limit keeps the newest.
func (a *Auditor) List(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	q := `SELECT id, created_at, event, user_id, task_id, trace_id, source, outcome, detail FROM auth_audit`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var (
			ev AuditEvent
			at int64
		)
		if err := rows.Scan(&ev.ID, &at, &ev.Event, &ev.UserID, &ev.TaskID, &ev.TraceID, &ev.Source, &ev.Outcome, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		ev.At = sqlstore.Time(at)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
