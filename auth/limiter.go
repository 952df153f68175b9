package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mohans/quorumq/internal/sqlstore"
)

// Limiter tracks failed token attempts per source and locks a source out
// once it has failed Threshold times inside Window.
type Limiter interface {
	// Locked reports whether source is locked out and for how much longer.
	Locked(ctx context.Context, source string) (bool, time.Duration, error)
	// Fail counts a failed attempt and returns the failures in the window.
	Fail(ctx context.Context, source string) (int, error)
	// Reset clears the source after a successful attempt.
	Reset(ctx context.Context, source string) error
}

type LimiterConfig struct {
	Threshold int
	Window    time.Duration
	Lockout   time.Duration
	// Capacity bounds the sources the in-memory limiter remembers.
	Capacity int
	// Retries bounds CAS and SQLITE_BUSY retries in the SQL limiter.
	Retries int
	Now     func() time.Time
}

const (
	DefaultLockoutThreshold = 5
	DefaultLockoutWindow    = 15 * time.Minute
	DefaultLockoutDuration  = 15 * time.Minute
	defaultLimiterCapacity  = 4096
)

func (c LimiterConfig) withDefaults() LimiterConfig {
	if c.Threshold <= 0 {
		c.Threshold = DefaultLockoutThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultLockoutWindow
	}
	if c.Lockout <= 0 {
		c.Lockout = DefaultLockoutDuration
	}
	if c.Capacity <= 0 {
		c.Capacity = defaultLimiterCapacity
	}
	if c.Retries <= 0 {
		c.Retries = 5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type sourceState struct {
	failures    []time.Time
	lockedUntil time.Time
}

// MemoryLimiter keeps per-source failure windows in a bounded LRU. It only
// protects a single process.
type MemoryLimiter struct {
	mu    sync.Mutex
	cfg   LimiterConfig
	state *lru.Cache[string, *sourceState]
}

func NewMemoryLimiter(cfg LimiterConfig) (*MemoryLimiter, error) {
	cfg = cfg.withDefaults()
	cache, err := lru.New[string, *sourceState](cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("limiter cache: %w", err)
	}
	return &MemoryLimiter{cfg: cfg, state: cache}, nil
}

func (m *MemoryLimiter) Locked(_ context.Context, source string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state.Get(source)
	if !ok {
		return false, 0, nil
	}
	now := m.cfg.Now()
	if now.Before(st.lockedUntil) {
		return true, st.lockedUntil.Sub(now), nil
	}
	return false, 0, nil
}

func (m *MemoryLimiter) Fail(_ context.Context, source string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.cfg.Now()
	st, ok := m.state.Get(source)
	if !ok {
		st = &sourceState{}
		m.state.Add(source, st)
	}
	cutoff := now.Add(-m.cfg.Window)
	kept := st.failures[:0]
	for _, ts := range st.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.failures = append(kept, now)
	n := len(st.failures)
	if n >= m.cfg.Threshold && !now.Before(st.lockedUntil) {
		st.lockedUntil = now.Add(m.cfg.Lockout)
		st.failures = nil
		log.Warnw("source locked out", "source", source, "failures", n, "until", st.lockedUntil)
	}
	return n, nil
}

func (m *MemoryLimiter) Reset(_ context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Remove(source)
	return nil
}

// RedisLimiter shares failure counts and lockouts between processes
// through Redis keys that expire on their own.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	cfg    LimiterConfig
	prefix string
}

func NewRedisLimiter(rdb redis.UniversalClient, cfg LimiterConfig) (*RedisLimiter, error) {
	if rdb == nil {
		return nil, errors.New("nil redis client")
	}
	return &RedisLimiter{rdb: rdb, cfg: cfg.withDefaults(), prefix: "quorumq:auth:"}, nil
}

func (r *RedisLimiter) failKey(source string) string { return r.prefix + "fail:" + source }
func (r *RedisLimiter) lockKey(source string) string { return r.prefix + "lock:" + source }

func (r *RedisLimiter) Locked(ctx context.Context, source string) (bool, time.Duration, error) {
	ttl, err := r.rdb.PTTL(ctx, r.lockKey(source)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("limiter lookup: %w", err)
	}
	// -2: no key, -1: no expiry (never written that way).
	if ttl < 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

func (r *RedisLimiter) Fail(ctx context.Context, source string) (int, error) {
	key := r.failKey(source)
	v, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("limiter incr: %w", err)
	}
	n := int(v)
	if n == 1 {
		// The window starts at the first failure.
		if err := r.rdb.Expire(ctx, key, r.cfg.Window).Err(); err != nil {
			return n, fmt.Errorf("limiter expire: %w", err)
		}
	}
	if n >= r.cfg.Threshold {
		until := r.cfg.Now().Add(r.cfg.Lockout)
		err := r.rdb.Set(ctx, r.lockKey(source), strconv.FormatInt(until.Unix(), 10), r.cfg.Lockout).Err()
		if err != nil {
			return n, fmt.Errorf("limiter lock: %w", err)
		}
		if err := r.rdb.Del(ctx, key).Err(); err != nil {
			return n, fmt.Errorf("limiter clear: %w", err)
		}
		log.Warnw("source locked out", "source", source, "failures", n, "until", until)
	}
	return n, nil
}

func (r *RedisLimiter) Reset(ctx context.Context, source string) error {
	if err := r.rdb.Del(ctx, r.failKey(source)).Err(); err != nil {
		return fmt.Errorf("limiter reset: %w", err)
	}
	return nil
}

// SQLLimiter keeps failure counts in the shared store, so a lockout holds
// across every process and CLI invocation using the same database. The
// window is fixed and starts at the first failure, like RedisLimiter.
type SQLLimiter struct {
	db  *sql.DB
	cfg LimiterConfig
}

func NewSQLLimiter(db *sql.DB, cfg LimiterConfig) (*SQLLimiter, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	return &SQLLimiter{db: db, cfg: cfg.withDefaults()}, nil
}

func (l *SQLLimiter) Locked(ctx context.Context, source string) (bool, time.Duration, error) {
	var until int64
	err := l.db.QueryRowContext(ctx, `SELECT locked_until FROM auth_failures WHERE source = ?`, source).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("limiter lookup: %w", err)
	}
	now := l.cfg.Now()
	if left := sqlstore.Time(until).Sub(now); until != 0 && left > 0 {
		return true, left, nil
	}
	return false, 0, nil
}

func (l *SQLLimiter) Fail(ctx context.Context, source string) (int, error) {
	var n int
	err := sqlstore.RetryOnBusy(ctx, l.cfg.Retries, func() error {
		for attempt := 0; attempt <= l.cfg.Retries; attempt++ {
			ok, err := l.fail(ctx, source, &n)
			if err != nil || ok {
				return err
			}
		}
		return fmt.Errorf("limiter: concurrent updates to %s", source)
	})
	return n, err
}

// fail runs one read-modify-write; ok is false when another writer won the
// version check and the caller should retry.
func (l *SQLLimiter) fail(ctx context.Context, source string, n *int) (ok bool, err error) {
	now := l.cfg.Now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin limiter tx: %w", err)
	}
	defer func() {
		if !ok || err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO auth_failures (source, updated_at) VALUES (?, ?)`,
		source, sqlstore.Nanos(now)); err != nil {
		return false, fmt.Errorf("create limiter row: %w", err)
	}
	var failures int
	var windowStart, lockedUntil, version int64
	if err := tx.QueryRowContext(ctx, `
		SELECT failures, window_start, locked_until, version FROM auth_failures WHERE source = ?`,
		source).Scan(&failures, &windowStart, &lockedUntil, &version); err != nil {
		return false, fmt.Errorf("load limiter row: %w", err)
	}

	if windowStart == 0 || !now.Before(sqlstore.Time(windowStart).Add(l.cfg.Window)) {
		failures, windowStart = 0, sqlstore.Nanos(now)
	}
	failures++
	*n = failures
	locked := failures >= l.cfg.Threshold && !now.Before(sqlstore.Time(lockedUntil))
	if locked {
		lockedUntil = sqlstore.Nanos(now.Add(l.cfg.Lockout))
		failures, windowStart = 0, 0
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE auth_failures
		SET failures = ?, window_start = ?, locked_until = ?, version = ?, updated_at = ?
		WHERE source = ? AND version = ?`,
		failures, windowStart, lockedUntil, version+1, sqlstore.Nanos(now), source, version)
	if err != nil {
		return false, fmt.Errorf("update limiter row: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("limiter rows affected: %w", err)
	} else if rows != 1 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit limiter: %w", err)
	}
	if locked {
		log.Warnw("source locked out", "source", source, "failures", *n, "until", sqlstore.Time(lockedUntil))
	}
	return true, nil
}

// Reset forgets the failures of a source that is not locked out.
func (l *SQLLimiter) Reset(ctx context.Context, source string) error {
	return sqlstore.RetryOnBusy(ctx, l.cfg.Retries, func() error {
		_, err := l.db.ExecContext(ctx, `
			DELETE FROM auth_failures WHERE source = ? AND locked_until <= ?`,
			source, sqlstore.Nanos(l.cfg.Now()))
		if err != nil {
			return fmt.Errorf("limiter reset: %w", err)
		}
		return nil
	})
}
