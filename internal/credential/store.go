// Package credential keeps the remote API bearer token on this device.
package credential

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kimhsiao/tasksync/internal/crypto"
	apperrors "github.com/kimhsiao/tasksync/internal/errors"
)

const tokenName = "token"

// Claims are the identity fields carried in the bearer token.
type Claims struct {
	UserID    int64     `json:"id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the token has an expiry at or before now.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Store persists the token sealed in the credentials table.
type Store struct {
	db     *sql.DB
	sealer *crypto.Sealer
	now    func() time.Time
}

// NewStore creates a Store.
func NewStore(db *sql.DB, sealer *crypto.Sealer) *Store {
	return &Store{db: db, sealer: sealer, now: time.Now}
}

// Save validates and stores token, replacing any previous one.
func (s *Store) Save(ctx context.Context, token string) error {
	if _, err := ParseClaims(token); err != nil {
		return err
	}
	sealed, err := s.sealer.Seal([]byte(token), []byte(tokenName))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "seal token", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO credentials (name, value_encrypted, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value_encrypted = excluded.value_encrypted, updated_at = excluded.updated_at`,
		tokenName, sealed, s.now().UnixMilli())
	if err != nil {
		return apperrors.Storage("save token", err)
	}
	return nil
}

// Token returns the stored token. A missing, unreadable or expired token is
// reported as CREDENTIAL_MISSING.
func (s *Store) Token(ctx context.Context) (string, error) {
	token, claims, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if claims.Expired(s.now()) {
		return "", apperrors.New(apperrors.ErrCredentialMissing, "stored token expired")
	}
	return token, nil
}

// Claims returns the identity of the stored, unexpired token.
func (s *Store) Claims(ctx context.Context) (*Claims, error) {
	_, claims, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if claims.Expired(s.now()) {
		return nil, apperrors.New(apperrors.ErrCredentialMissing, "stored token expired")
	}
	return claims, nil
}

// Identity returns the claims of the stored token even when it has expired.
// Local reads and writes stay attributed to the last signed-in user while
// the device is offline.
func (s *Store) Identity(ctx context.Context) (*Claims, error) {
	_, claims, err := s.load(ctx)
	return claims, err
}

// Clear removes the stored token.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE name = ?", tokenName); err != nil {
		return apperrors.Storage("clear token", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) (string, *Claims, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, "SELECT value_encrypted FROM credentials WHERE name = ?", tokenName).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", nil, apperrors.New(apperrors.ErrCredentialMissing, "no token stored")
	}
	if err != nil {
		return "", nil, apperrors.Storage("read token", err)
	}

	plain, err := s.sealer.Open(sealed, []byte(tokenName))
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrCredentialMissing, "stored token unreadable", err)
	}
	token := string(plain)
	claims, err := ParseClaims(token)
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.ErrCredentialMissing, "stored token malformed", err)
	}
	return token, claims, nil
}

// ParseClaims reads the identity claims of a JWT without verifying its
// signature; the remote store verifies it on every call.
func ParseClaims(token string) (*Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse token", err)
	}

	id, ok := mc["id"].(float64)
	if !ok || id <= 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "token has no user id claim")
	}
	claims := &Claims{UserID: int64(id)}
	claims.Username, _ = mc["username"].(string)

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("token exp claim for user %d", claims.UserID), err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
