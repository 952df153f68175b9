// Package breaker keeps one circuit breaker per worker in the shared
// database so every process sees the same health picture, including after
// a restart.
package breaker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mohans/quorumq/internal/sqlstore"
)

var log = logging.Logger("quorumq/breaker")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrOpen is returned by Allow while dispatch to the worker is blocked,
	// including when a HALF_OPEN trial is already in flight.
	ErrOpen = errors.New("circuit open")
	// ErrConflict means another writer changed the row between read and
	// write more often than the retry budget allowed.
	ErrConflict = errors.New("concurrent breaker update")
)

const DefaultTrialTimeout = 5 * time.Minute

// Record is the durable breaker row for one worker.
type Record struct {
	Worker         string
	State          State
	Failures       int
	LastFailure    time.Time
	LastSuccess    time.Time
	Opens          int
	OpenedAt       time.Time
	TrialInFlight  bool
	TrialStartedAt time.Time
	Version        int64
	UpdatedAt      time.Time
}

// CooldownRemaining is how long an OPEN breaker stays closed to dispatch.
func (r Record) CooldownRemaining(now time.Time, cooldown time.Duration) time.Duration {
	if r.State != StateOpen {
		return 0
	}
	left := r.OpenedAt.Add(cooldown).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Permit is handed out by Allow and must be passed back to Record so a
// HALF_OPEN trial outcome can be told apart from a late normal result.
type Permit struct {
	Worker string
	Trial  bool
}

type Config struct {
	Threshold int
	Cooldown  time.Duration
	// TrialTimeout releases a HALF_OPEN trial whose holder never reported.
	TrialTimeout time.Duration
	// Retries bounds CAS and SQLITE_BUSY retries per operation.
	Retries int
	Now     func() time.Time
}

// Manager reads and mutates breaker rows. It holds no breaker state in
// memory; every decision is made against the current row.
type Manager struct {
	db  *sql.DB
	cfg Config
}

func NewManager(db *sql.DB, cfg Config) (*Manager, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if cfg.Threshold < 1 {
		return nil, fmt.Errorf("breaker threshold must be >= 1, got %d", cfg.Threshold)
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("breaker cooldown must be > 0, got %s", cfg.Cooldown)
	}
	if cfg.TrialTimeout <= 0 {
		cfg.TrialTimeout = DefaultTrialTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{db: db, cfg: cfg}, nil
}

func (m *Manager) Config() Config { return m.cfg }

const recordColumns = `worker, state, failures, last_failure, last_success, opens, opened_at,
	trial_in_flight, trial_started_at, version, updated_at`

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		r                                  Record
		state                              string
		lastFailure, lastSuccess, openedAt int64
		trial                              int
		trialStarted, updatedAt            int64
	)
	if err := scan(&r.Worker, &state, &r.Failures, &lastFailure, &lastSuccess, &r.Opens, &openedAt,
		&trial, &trialStarted, &r.Version, &updatedAt); err != nil {
		return Record{}, err
	}
	r.State = State(state)
	r.LastFailure = sqlstore.Time(lastFailure)
	r.LastSuccess = sqlstore.Time(lastSuccess)
	r.OpenedAt = sqlstore.Time(openedAt)
	r.TrialInFlight = trial != 0
	r.TrialStartedAt = sqlstore.Time(trialStarted)
	r.UpdatedAt = sqlstore.Time(updatedAt)
	return r, nil
}

// mutate loads (creating when missing) the worker's row, applies f and
// writes the result back conditioned on the version it read.
func (m *Manager) mutate(ctx context.Context, worker string, f func(r *Record, now time.Time) error) (Record, error) {
	if strings.TrimSpace(worker) == "" {
		return Record{}, errors.New("worker is required")
	}
	var out Record
	var ferr error
	err := sqlstore.RetryOnBusy(ctx, m.cfg.Retries, func() error {
		for attempt := 0; attempt <= m.cfg.Retries; attempt++ {
			ferr = nil
			now := m.cfg.Now()
			tx, err := m.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin breaker tx: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO breakers (worker, state, updated_at) VALUES (?, ?, ?)`,
				worker, string(StateClosed), sqlstore.Nanos(now)); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("create breaker: %w", err)
			}
			cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM breakers WHERE worker = ?`, worker).Scan)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("load breaker: %w", err)
			}
			next := cur
			ferr = f(&next, now)
			if next == cur {
				// Only the lazily created row (if any) needs to persist.
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("commit breaker: %w", err)
				}
				out = cur
				return nil
			}
			next.Version = cur.Version + 1
			next.UpdatedAt = now
			trial := 0
			if next.TrialInFlight {
				trial = 1
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE breakers
				SET state = ?, failures = ?, last_failure = ?, last_success = ?, opens = ?, opened_at = ?,
					trial_in_flight = ?, trial_started_at = ?, version = ?, updated_at = ?
				WHERE worker = ? AND version = ?`,
				string(next.State), next.Failures, sqlstore.Nanos(next.LastFailure), sqlstore.Nanos(next.LastSuccess),
				next.Opens, sqlstore.Nanos(next.OpenedAt), trial, sqlstore.Nanos(next.TrialStartedAt),
				next.Version, sqlstore.Nanos(now), worker, cur.Version)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("update breaker: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("breaker rows affected: %w", err)
			}
			if n != 1 {
				_ = tx.Rollback()
				continue
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit breaker: %w", err)
			}
			if cur.State != next.State {
				log.Infow("breaker transition", "worker", worker, "from", cur.State, "to", next.State,
					"failures", next.Failures, "opens", next.Opens)
			}
			out = next
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, worker)
	})
	if err != nil {
		return Record{}, err
	}
	return out, ferr
}

// Allow decides whether a dispatch to worker may proceed. An OPEN breaker
// whose cooldown has elapsed moves to HALF_OPEN and the caller receives the
// single trial permit; every other caller gets ErrOpen until the trial
// reports back or times out.
func (m *Manager) Allow(ctx context.Context, worker string) (Permit, error) {
	var permit Permit
	_, err := m.mutate(ctx, worker, func(r *Record, now time.Time) error {
		permit = Permit{Worker: worker}
		switch r.State {
		case StateClosed:
			return nil
		case StateOpen:
			if now.Sub(r.OpenedAt) < m.cfg.Cooldown {
				return fmt.Errorf("%w: %s cooling down for %s", ErrOpen, worker, r.CooldownRemaining(now, m.cfg.Cooldown).Round(time.Millisecond))
			}
			r.State = StateHalfOpen
		case StateHalfOpen:
			if r.TrialInFlight && now.Sub(r.TrialStartedAt) < m.cfg.TrialTimeout {
				return fmt.Errorf("%w: %s trial in flight", ErrOpen, worker)
			}
			if r.TrialInFlight {
				log.Warnw("releasing stale breaker trial", "worker", worker, "started_at", r.TrialStartedAt)
			}
		default:
			return fmt.Errorf("breaker %s: unknown state %q", worker, r.State)
		}
		r.TrialInFlight = true
		r.TrialStartedAt = now
		permit.Trial = true
		return nil
	})
	if err != nil {
		return Permit{}, err
	}
	return permit, nil
}

// Record reports the outcome of a dispatch made under p.
func (m *Manager) Record(ctx context.Context, p Permit, success bool) (Record, error) {
	return m.mutate(ctx, p.Worker, func(r *Record, now time.Time) error {
		if success {
			r.LastSuccess = now
			switch {
			case r.State == StateClosed:
				r.Failures = 0
			case r.State == StateHalfOpen && p.Trial:
				r.State = StateClosed
				r.Failures = 0
				r.TrialInFlight = false
				r.TrialStartedAt = time.Time{}
			}
			return nil
		}
		r.Failures++
		r.LastFailure = now
		switch {
		case r.State == StateClosed && r.Failures >= m.cfg.Threshold:
			m.open(r, now)
		case r.State == StateHalfOpen && p.Trial:
			m.open(r, now)
		}
		return nil
	})
}

func (m *Manager) open(r *Record, now time.Time) {
	r.State = StateOpen
	r.Opens++
	r.OpenedAt = now
	r.TrialInFlight = false
	r.TrialStartedAt = time.Time{}
	log.Warnw("breaker opened", "worker", r.Worker, "failures", r.Failures, "opens", r.Opens, "cooldown", m.cfg.Cooldown)
}

// Reset is the operator path: an OPEN or HALF_OPEN breaker moves to
// HALF_OPEN with no trial outstanding, so the next Allow gets the trial
// immediately. A CLOSED breaker is left alone.
func (m *Manager) Reset(ctx context.Context, worker string) (Record, error) {
	return m.mutate(ctx, worker, func(r *Record, now time.Time) error {
		if r.State == StateClosed {
			return nil
		}
		r.State = StateHalfOpen
		r.TrialInFlight = false
		r.TrialStartedAt = time.Time{}
		return nil
	})
}

// Get returns the worker's row, or a fresh CLOSED record if the worker has
// never been dispatched to. It never writes.
func (m *Manager) Get(ctx context.Context, worker string) (Record, error) {
	r, err := scanRecord(m.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM breakers WHERE worker = ?`, worker).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{Worker: worker, State: StateClosed}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("get breaker: %w", err)
	}
	return r, nil
}

func (m *Manager) List(ctx context.Context) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM breakers ORDER BY worker`)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan breaker: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
