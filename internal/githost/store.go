// Package githost is the client for the git-hosting provider: pull-request
// state lookups and per-user token management. Token deletion happens only
// on explicit auth rejection, never on transient errors.
package githost

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana/internal/credentials"
	"github.com/ariana-dot-dev/ariana/internal/db"
)

// ErrNoToken is returned when a user has no stored git-host token.
var ErrNoToken = errors.New("no git-host token stored")

// Token is the decrypted git-host token pair for one user.
type Token struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// TokenStore persists git-host tokens with encrypted secret columns.
type TokenStore struct {
	db  *sqlx.DB
	ro  *sqlx.DB
	key []byte
}

// NewTokenStore creates a TokenStore over the shared pool and ensures the
// schema exists.
func NewTokenStore(pool *db.Pool, masterKey []byte) (*TokenStore, error) {
	s := &TokenStore{db: pool.Writer(), ro: pool.Reader(), key: masterKey}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *TokenStore) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS githost_tokens (
		user_id TEXT PRIMARY KEY,
		access_token_enc BLOB,
		access_token_nonce BLOB,
		refresh_token_enc BLOB,
		refresh_token_nonce BLOB,
		expires_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("schema statement failed: %w", err)
	}
	return nil
}

// Upsert stores or replaces the token pair for a user.
func (s *TokenStore) Upsert(ctx context.Context, t *Token) error {
	accessEnc, accessNonce, err := seal(t.AccessToken, s.key)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshEnc, refreshNonce, err := seal(t.RefreshToken, s.key)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO githost_tokens (user_id, access_token_enc, access_token_nonce,
			refresh_token_enc, refresh_token_nonce, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			access_token_nonce = excluded.access_token_nonce,
			refresh_token_enc = excluded.refresh_token_enc,
			refresh_token_nonce = excluded.refresh_token_nonce,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`), t.UserID, accessEnc, accessNonce, refreshEnc, refreshNonce, t.ExpiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert token: %w", err)
	}
	return nil
}

// Get returns the decrypted token pair for a user.
func (s *TokenStore) Get(ctx context.Context, userID string) (*Token, error) {
	var (
		t                        Token
		accessEnc, accessNonce   []byte
		refreshEnc, refreshNonce []byte
	)
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT user_id, access_token_enc, access_token_nonce,
			refresh_token_enc, refresh_token_nonce, expires_at, updated_at
		FROM githost_tokens WHERE user_id = ?
	`), userID).Scan(&t.UserID, &accessEnc, &accessNonce, &refreshEnc, &refreshNonce,
		&t.ExpiresAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}

	if t.AccessToken, err = open(accessEnc, accessNonce, s.key); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if t.RefreshToken, err = open(refreshEnc, refreshNonce, s.key); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return &t, nil
}

// Delete removes the token pair for a user. Reserved for explicit auth
// rejection; callers must not delete on transient refresh failures.
func (s *TokenStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM githost_tokens WHERE user_id = ?
	`), userID)
	return err
}

func seal(plaintext string, key []byte) ([]byte, []byte, error) {
	if plaintext == "" {
		return nil, nil, nil
	}
	return credentials.Encrypt([]byte(plaintext), key)
}

func open(ciphertext, nonce, key []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	plain, err := credentials.Decrypt(ciphertext, nonce, key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
