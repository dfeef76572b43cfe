// Package credentials provides fresh provider credentials for agents: OAuth
// refresh, environment building per auth method, short-lived control-plane
// identity tokens, and the rotation push to workers. Stored secrets are
// encrypted at rest with AES-256-GCM under a process-local master key.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana/internal/db"
)

// ErrNoCredentials is returned when a user has no stored provider credentials.
var ErrNoCredentials = errors.New("no provider credentials stored")

// AuthMethod selects how the provider is authenticated.
type AuthMethod string

const (
	AuthMethodOAuth  AuthMethod = "oauth"
	AuthMethodAPIKey AuthMethod = "api_key"
)

// Provider is the API-key provider backing an agent.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenRouter Provider = "openrouter"
)

// Credential is the decrypted provider credential row for one user.
type Credential struct {
	UserID       string
	AuthMethod   AuthMethod
	Provider     Provider
	APIKey       string
	AccessToken  string
	RefreshToken string
	BaseURL      string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// Store persists provider credentials with encrypted secret columns.
type Store struct {
	db  *sqlx.DB
	ro  *sqlx.DB
	key []byte
}

// NewStore creates a Store over the shared pool and ensures the schema exists.
func NewStore(pool *db.Pool, masterKey []byte) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader(), key: masterKey}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS provider_credentials (
		user_id TEXT PRIMARY KEY,
		auth_method TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		api_key_enc BLOB,
		api_key_nonce BLOB,
		access_token_enc BLOB,
		access_token_nonce BLOB,
		refresh_token_enc BLOB,
		refresh_token_nonce BLOB,
		base_url TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("schema statement failed: %w", err)
	}
	return nil
}

func (s *Store) seal(plaintext string) ([]byte, []byte, error) {
	if plaintext == "" {
		return nil, nil, nil
	}
	return Encrypt([]byte(plaintext), s.key)
}

func (s *Store) open(ciphertext, nonce []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	plain, err := Decrypt(ciphertext, nonce, s.key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Upsert stores or replaces the credential row for a user.
func (s *Store) Upsert(ctx context.Context, c *Credential) error {
	apiKeyEnc, apiKeyNonce, err := s.seal(c.APIKey)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	accessEnc, accessNonce, err := s.seal(c.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshEnc, refreshNonce, err := s.seal(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO provider_credentials (user_id, auth_method, provider,
			api_key_enc, api_key_nonce, access_token_enc, access_token_nonce,
			refresh_token_enc, refresh_token_nonce, base_url, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			auth_method = excluded.auth_method,
			provider = excluded.provider,
			api_key_enc = excluded.api_key_enc,
			api_key_nonce = excluded.api_key_nonce,
			access_token_enc = excluded.access_token_enc,
			access_token_nonce = excluded.access_token_nonce,
			refresh_token_enc = excluded.refresh_token_enc,
			refresh_token_nonce = excluded.refresh_token_nonce,
			base_url = excluded.base_url,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`), c.UserID, c.AuthMethod, c.Provider,
		apiKeyEnc, apiKeyNonce, accessEnc, accessNonce,
		refreshEnc, refreshNonce, c.BaseURL, c.ExpiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// Get returns the decrypted credential row for a user.
func (s *Store) Get(ctx context.Context, userID string) (*Credential, error) {
	var (
		c                        Credential
		apiKeyEnc, apiKeyNonce   []byte
		accessEnc, accessNonce   []byte
		refreshEnc, refreshNonce []byte
	)
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT user_id, auth_method, provider, api_key_enc, api_key_nonce,
			access_token_enc, access_token_nonce, refresh_token_enc, refresh_token_nonce,
			base_url, expires_at, updated_at
		FROM provider_credentials WHERE user_id = ?
	`), userID).Scan(&c.UserID, &c.AuthMethod, &c.Provider,
		&apiKeyEnc, &apiKeyNonce, &accessEnc, &accessNonce,
		&refreshEnc, &refreshNonce, &c.BaseURL, &c.ExpiresAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}

	if c.APIKey, err = s.open(apiKeyEnc, apiKeyNonce); err != nil {
		return nil, fmt.Errorf("open api key: %w", err)
	}
	if c.AccessToken, err = s.open(accessEnc, accessNonce); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if c.RefreshToken, err = s.open(refreshEnc, refreshNonce); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return &c, nil
}

// UpdateOAuthTokens records a refreshed token pair for a user.
func (s *Store) UpdateOAuthTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time) error {
	accessEnc, accessNonce, err := s.seal(accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refreshEnc, refreshNonce, err := s.seal(refreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE provider_credentials
		SET access_token_enc = ?, access_token_nonce = ?,
			refresh_token_enc = ?, refresh_token_nonce = ?,
			expires_at = ?, updated_at = ?
		WHERE user_id = ?
	`), accessEnc, accessNonce, refreshEnc, refreshNonce, expiresAt, time.Now().UTC(), userID)
	return err
}
