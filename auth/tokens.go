// Package auth issues session tokens, keeps the audit trail and gates the
// human approve/reject transitions behind a valid token.
//
// Raw tokens are returned once, at login. Only their SHA-256 hash is stored.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mohans/quorumq/internal/sqlstore"
)

var log = logging.Logger("quorumq/auth")

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrLockedOut    = errors.New("too many failed attempts")
	ErrInvalidInput = errors.New("invalid input")
	ErrGateFailed   = errors.New("gate checks failed")
)

const (
	tokenPrefix = "qq_"
	tokenBytes  = 32

	DefaultTokenTTL = 8 * time.Hour
)

// Session is a stored token row.
type Session struct {
	TokenHash     string
	UserID        string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastUsedAt    *time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason *string
}

// Valid reports whether the session may authorize a mutation at now.
func (s Session) Valid(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// Status is "active", "expired" or "revoked".
func (s Session) Status(now time.Time) string {
	switch {
	case s.Revoked:
		return "revoked"
	case !now.Before(s.ExpiresAt):
		return "expired"
	default:
		return "active"
	}
}

// HashToken returns the hex SHA-256 of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type TokenConfig struct {
	TTL     time.Duration
	Retries int
	Now     func() time.Time
}

type TokenStore struct {
	db  *sql.DB
	cfg TokenConfig
}

func NewTokenStore(db *sql.DB, cfg TokenConfig) (*TokenStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &TokenStore{db: db, cfg: cfg}, nil
}

func newRawToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Login creates a session for userID and returns the raw token. The raw
// token cannot be recovered later.
func (s *TokenStore) Login(ctx context.Context, userID string) (string, Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", Session{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	raw, err := newRawToken()
	if err != nil {
		return "", Session{}, err
	}
	now := s.cfg.Now()
	sess := Session{
		TokenHash: HashToken(raw),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	err = sqlstore.RetryOnBusy(ctx, s.cfg.Retries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO auth_tokens (token_hash, user_id, created_at, expires_at, revoked)
			VALUES (?, ?, ?, ?, 0)`,
			sess.TokenHash, sess.UserID, sqlstore.Nanos(sess.CreatedAt), sqlstore.Nanos(sess.ExpiresAt))
		return err
	})
	if err != nil {
		return "", Session{}, fmt.Errorf("store token: %w", err)
	}
	log.Infow("session created", "user_id", userID, "token", shortHash(sess.TokenHash), "expires_at", sess.ExpiresAt)
	return raw, sess, nil
}

const sessionColumns = `token_hash, user_id, created_at, expires_at, last_used_at, revoked, revoked_at, revoked_reason`

func scanSession(scan func(dest ...any) error) (Session, error) {
	var (
		sess                 Session
		createdAt, expiresAt int64
		lastUsed, revokedAt  sql.NullInt64
		revoked              int
		reason               sql.NullString
	)
	if err := scan(&sess.TokenHash, &sess.UserID, &createdAt, &expiresAt, &lastUsed, &revoked, &revokedAt, &reason); err != nil {
		return Session{}, err
	}
	sess.CreatedAt = sqlstore.Time(createdAt)
	sess.ExpiresAt = sqlstore.Time(expiresAt)
	sess.LastUsedAt = sqlstore.TimePtr(lastUsed)
	sess.Revoked = revoked != 0
	sess.RevokedAt = sqlstore.TimePtr(revokedAt)
	sess.RevokedReason = sqlstore.StringPtr(reason)
	return sess, nil
}

func (s *TokenStore) lookup(ctx context.Context, token string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM auth_tokens WHERE token_hash = ?`, HashToken(token)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: unknown token", ErrInvalidToken)
	}
	if err != nil {
		return Session{}, fmt.Errorf("load token: %w", err)
	}
	return sess, nil
}

// Inspect returns the session behind token regardless of its validity.
func (s *TokenStore) Inspect(ctx context.Context, token string) (Session, error) {
	return s.lookup(ctx, token)
}

// Validate returns the session if token is valid now and stamps its
// last use. Revoked and expired tokens stay invalid.
func (s *TokenStore) Validate(ctx context.Context, token string) (Session, error) {
	sess, err := s.lookup(ctx, token)
	if err != nil {
		return Session{}, err
	}
	now := s.cfg.Now()
	if !sess.Valid(now) {
		return Session{}, fmt.Errorf("%w: token %s", ErrInvalidToken, sess.Status(now))
	}
	err = sqlstore.RetryOnBusy(ctx, s.cfg.Retries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE auth_tokens SET last_used_at = ?
			WHERE token_hash = ? AND revoked = 0 AND expires_at > ?`,
			sqlstore.Nanos(now), sess.TokenHash, sqlstore.Nanos(now))
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("touch token: %w", err)
	}
	sess.LastUsedAt = &now
	return sess, nil
}

// Logout revokes token. Logging out an unknown token is ErrInvalidToken;
// logging out an already revoked token is a no-op.
func (s *TokenStore) Logout(ctx context.Context, token string) error {
	sess, err := s.lookup(ctx, token)
	if err != nil {
		return err
	}
	if sess.Revoked {
		return nil
	}
	_, err = s.revoke(ctx, `token_hash = ?`, sess.TokenHash, "logout")
	if err == nil {
		log.Infow("session revoked", "user_id", sess.UserID, "token", shortHash(sess.TokenHash), "reason", "logout")
	}
	return err
}

// RevokeAll revokes every live session of userID and returns how many.
func (s *TokenStore) RevokeAll(ctx context.Context, userID, reason string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "revoked"
	}
	n, err := s.revoke(ctx, `user_id = ?`, userID, reason)
	if err == nil {
		log.Infow("sessions revoked", "user_id", userID, "count", n, "reason", reason)
	}
	return n, err
}

func (s *TokenStore) revoke(ctx context.Context, where string, arg any, reason string) (int, error) {
	var n int64
	err := sqlstore.RetryOnBusy(ctx, s.cfg.Retries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE auth_tokens SET revoked = 1, revoked_at = ?, revoked_reason = ?
			WHERE `+where+` AND revoked = 0`,
			sqlstore.Nanos(s.cfg.Now()), reason, arg)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return int(n), nil
}

// Sessions lists sessions, newest first; an empty userID lists everyone's.
func (s *TokenStore) Sessions(ctx context.Context, userID string) ([]Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM auth_tokens`
	var args []any
	if userID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC, token_hash`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Cleanup deletes tokens that expired, or were revoked, more than retention
// ago. It is a maintenance task, never called on the request path.
func (s *TokenStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention < 0 {
		return 0, fmt.Errorf("%w: negative retention", ErrInvalidInput)
	}
	cutoff := sqlstore.Nanos(s.cfg.Now().Add(-retention))
	var n int64
	err := sqlstore.RetryOnBusy(ctx, s.cfg.Retries, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM auth_tokens
			WHERE expires_at < ? OR (revoked = 1 AND revoked_at < ?)`, cutoff, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup tokens: %w", err)
	}
	if n > 0 {
		log.Infow("expired sessions purged", "count", n, "retention", retention)
	}
	return int(n), nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
