package auth

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohans/quorumq/internal/sqlstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), filepath.Join(t.TempDir(), "auth.db"), sqlstore.Options{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestTokens(t *testing.T, db *sql.DB, clock *fakeClock) *TokenStore {
	t.Helper()
	ts, err := NewTokenStore(db, TokenConfig{TTL: time.Hour, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewTokenStore: %v", err)
	}
	return ts
}

func TestTokenStore_LoginValidateLogout(t *testing.T) {
	db := openDB(t)
	clock := newFakeClock()
	ts := newTestTokens(t, db, clock)
	ctx := context.Background()

	raw, sess, err := ts.Login(ctx, "alice")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !strings.HasPrefix(raw, tokenPrefix) || sess.UserID != "alice" || !sess.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected session: %q %#v", raw, sess)
	}

	var stored int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_tokens WHERE token_hash = ?`, raw).Scan(&stored); err != nil {
		t.Fatalf("query: %v", err)
	}
	if stored != 0 {
		t.Fatalf("raw token must never be stored")
	}
	if sess.TokenHash != HashToken(raw) || len(sess.TokenHash) != 64 {
		t.Fatalf("want sha256 hex hash, got %q", sess.TokenHash)
	}

	clock.Advance(10 * time.Minute)
	got, err := ts.Validate(ctx, raw)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.UserID != "alice" || got.LastUsedAt == nil || !got.LastUsedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected validated session: %#v", got)
	}

	if err := ts.Logout(ctx, raw); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := ts.Validate(ctx, raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken after logout got %v", err)
	}
	if err := ts.Logout(ctx, raw); err != nil {
		t.Fatalf("second logout should be a no-op: %v", err)
	}
	after, err := ts.Inspect(ctx, raw)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !after.Revoked || after.RevokedReason == nil || *after.RevokedReason != "logout" {
		t.Fatalf("unexpected revoked session: %#v", after)
	}

	if _, err := ts.Validate(ctx, "qq_nonsense"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken for unknown token got %v", err)
	}
	if _, err := ts.Validate(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken for empty token got %v", err)
	}
	if _, _, err := ts.Login(ctx, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput for blank user got %v", err)
	}
}

func TestTokenStore_ExpiryIsStable(t *testing.T) {
	db := openDB(t)
	clock := newFakeClock()
	ts := newTestTokens(t, db, clock)
	ctx := context.Background()

	raw, sess, err := ts.Login(ctx, "bob")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(time.Hour - time.Nanosecond)
	if _, err := ts.Validate(ctx, raw); err != nil {
		t.Fatalf("token must be valid just before expiry: %v", err)
	}
	clock.Advance(time.Nanosecond)
	for i := 0; i < 3; i++ {
		if _, err := ts.Validate(ctx, raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("check %d: want ErrInvalidToken at expiry got %v", i, err)
		}
	}
	if sess.Status(clock.Now()) != "expired" || sess.Valid(clock.Now()) {
		t.Fatalf("session should report expired")
	}
}

func TestTokenStore_RevokeAllAndSessions(t *testing.T) {
	db := openDB(t)
	clock := newFakeClock()
	ts := newTestTokens(t, db, clock)
	ctx := context.Background()

	var alice []string
	for i := 0; i < 3; i++ {
		raw, _, err := ts.Login(ctx, "alice")
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		alice = append(alice, raw)
		clock.Advance(time.Second)
	}
	bob, _, _ := ts.Login(ctx, "bob")
	if err := ts.Logout(ctx, alice[0]); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	n, err := ts.RevokeAll(ctx, "alice", "compromised laptop")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 live sessions revoked got %d", n)
	}
	for _, raw := range alice {
		if _, err := ts.Validate(ctx, raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("alice token still valid: %v", err)
		}
	}
	if _, err := ts.Validate(ctx, bob); err != nil {
		t.Fatalf("bob must be unaffected: %v", err)
	}

	sessions, err := ts.Sessions(ctx, "alice")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("want 3 sessions got %d", len(sessions))
	}
	if !sessions[0].CreatedAt.After(sessions[2].CreatedAt) {
		t.Fatalf("sessions must be newest first")
	}
	if *sessions[0].RevokedReason != "compromised laptop" || *sessions[2].RevokedReason != "logout" {
		t.Fatalf("unexpected reasons: %q %q", *sessions[0].RevokedReason, *sessions[2].RevokedReason)
	}
	everyone, _ := ts.Sessions(ctx, "")
	if len(everyone) != 4 {
		t.Fatalf("want 4 sessions overall got %d", len(everyone))
	}
}

func TestTokenStore_Cleanup(t *testing.T) {
	db := openDB(t)
	clock := newFakeClock()
	ts := newTestTokens(t, db, clock)
	ctx := context.Background()

	expiring, _, _ := ts.Login(ctx, "alice")
	revoked, _, _ := ts.Login(ctx, "alice")
	_ = ts.Logout(ctx, revoked)
	clock.Advance(30 * time.Minute)
	live, _, _ := ts.Login(ctx, "alice")

	// expiring expired at +1h, live expires at +1h30.
	clock.Advance(45 * time.Minute)
	n, err := ts.Cleanup(ctx, 24*time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("nothing is past retention yet: %d, %v", n, err)
	}
	clock.Advance(24 * time.Hour)
	n, err = ts.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 purged got %d", n)
	}
	if _, err := ts.Inspect(ctx, expiring); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token should be gone: %v", err)
	}
	if _, err := ts.Inspect(ctx, live); err != nil {
		t.Fatalf("recently expired token should remain: %v", err)
	}
	if _, err := ts.Cleanup(ctx, -time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput for negative retention got %v", err)
	}
}

func TestAuditor_RecordAndList(t *testing.T) {
	db := openDB(t)
	clock := newFakeClock()
	a, err := NewAuditor(db, clock.Now)
	if err != nil {
		t.Fatalf("NewAuditor: %v", err)
	}
	ctx := context.Background()
	for i, ev := range []AuditEvent{
		{Event: "approve", TaskID: "t1", Outcome: OutcomeAttempt},
		{Event: "approve", TaskID: "t1", UserID: "alice", Outcome: OutcomeSuccess},
		{Event: "reject", TaskID: "t2", UserID: "bob", Outcome: OutcomeDenied},
	} {
		clock.Advance(time.Duration(i+1) * time.Second)
		if err := a.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := a.Record(ctx, AuditEvent{Event: "approve"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput got %v", err)
	}

	t1, err := a.List(ctx, AuditFilter{TaskID: "t1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(t1) != 2 || t1[0].Outcome != OutcomeAttempt || t1[1].Outcome != OutcomeSuccess {
		t.Fatalf("unexpected t1 events: %#v", t1)
	}
	last, _ := a.List(ctx, AuditFilter{Limit: 1})
	if len(last) != 1 || last[0].TaskID != "t2" {
		t.Fatalf("limit must keep the newest event: %#v", last)
	}

	if _, err := db.ExecContext(ctx, `UPDATE auth_audit SET outcome = 'success'`); err == nil {
		t.Fatalf("audit rows must be immutable")
	}
}
