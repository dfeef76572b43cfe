package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/db"
	"github.com/ariana-dot-dev/ariana/internal/worker"
)

type fakePusher struct {
	mu           sync.Mutex
	credentials  []*worker.CredentialUpdate
	githubTokens []string
	arianaTokens []string
}

func (p *fakePusher) UpdateCredentials(ctx context.Context, agentID string, update *worker.CredentialUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credentials = append(p.credentials, update)
	return nil
}

func (p *fakePusher) UpdateGithubToken(ctx context.Context, agentID, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.githubTokens = append(p.githubTokens, token)
	return nil
}

func (p *fakePusher) UpdateArianaToken(ctx context.Context, agentID, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arianaTokens = append(p.arianaTokens, token)
	return nil
}

type fakeGitHost struct {
	token string
	err   error
	calls int
}

func (g *fakeGitHost) GetValidToken(ctx context.Context, userID string) (string, error) {
	return g.token, g.err
}

func (g *fakeGitHost) RefreshToken(ctx context.Context, userID string) (string, error) {
	g.calls++
	return g.token, g.err
}

type fakeOAuth struct {
	token *oauth2.Token
	err   error
	calls int
}

func (o *fakeOAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	o.calls++
	return o.token, o.err
}

func createTestService(t *testing.T, githost GitHostTokens, pusher WorkerPusher) (*Service, *Store) {
	t.Helper()
	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	pool := db.NewSinglePool(writer)
	t.Cleanup(func() { _ = pool.Close() })

	keys, err := NewMasterKeyProvider(filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	store, err := NewStore(pool, keys.Key())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	cfg := config.CredentialsConfig{
		ControlPlaneSecret:        "test-secret",
		ControlPlaneTokenMinutes:  15,
		OAuthRefreshWindowMinutes: 5,
		GitHostRefreshMinutes:     5,
	}
	svc := NewService(store, githost, pusher, cfg, config.GitHostConfig{}, logger.Default())
	return svc, store
}

func TestStoreRoundTripEncrypted(t *testing.T) {
	svc, store := createTestService(t, nil, nil)
	_ = svc
	ctx := context.Background()

	err := store.Upsert(ctx, &Credential{
		UserID:     "user-1",
		AuthMethod: AuthMethodAPIKey,
		Provider:   ProviderAnthropic,
		APIKey:     "sk-ant-secret",
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cred, err := store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cred.APIKey != "sk-ant-secret" {
		t.Errorf("api key = %q", cred.APIKey)
	}

	// The raw column must not contain the plaintext.
	var raw []byte
	err = store.ro.QueryRowContext(ctx,
		"SELECT api_key_enc FROM provider_credentials WHERE user_id = 'user-1'").Scan(&raw)
	if err != nil {
		t.Fatalf("read raw column: %v", err)
	}
	if string(raw) == "sk-ant-secret" {
		t.Error("api key stored in plaintext")
	}
}

func TestEnvironmentPerAuthMethod(t *testing.T) {
	svc, store := createTestService(t, nil, nil)
	ctx := context.Background()

	// API-key anthropic.
	if err := store.Upsert(ctx, &Credential{
		UserID: "u-anthropic", AuthMethod: AuthMethodAPIKey, Provider: ProviderAnthropic, APIKey: "key-a",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	env, _, err := svc.GetActiveCredentials(ctx, "u-anthropic")
	if err != nil {
		t.Fatalf("anthropic env: %v", err)
	}
	if env[EnvAnthropicAPIKey] != "key-a" {
		t.Errorf("anthropic env = %v", env)
	}

	// API-key openrouter injects base URL, auth token, and an EMPTY api key.
	if err := store.Upsert(ctx, &Credential{
		UserID: "u-router", AuthMethod: AuthMethodAPIKey, Provider: ProviderOpenRouter, APIKey: "key-r",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	env, _, err = svc.GetActiveCredentials(ctx, "u-router")
	if err != nil {
		t.Fatalf("openrouter env: %v", err)
	}
	if env[EnvAnthropicBaseURL] == "" || env[EnvAnthropicAuth] != "key-r" {
		t.Errorf("openrouter env = %v", env)
	}
	if v, ok := env[EnvAnthropicAPIKey]; !ok || v != "" {
		t.Errorf("openrouter must inject empty %s, got %v", EnvAnthropicAPIKey, env)
	}

	// OAuth subscription injects the oauth token.
	expires := time.Now().Add(time.Hour)
	if err := store.Upsert(ctx, &Credential{
		UserID: "u-oauth", AuthMethod: AuthMethodOAuth, AccessToken: "at-1", RefreshToken: "rt-1", ExpiresAt: &expires,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	env, _, err = svc.GetActiveCredentials(ctx, "u-oauth")
	if err != nil {
		t.Fatalf("oauth env: %v", err)
	}
	if env[EnvOAuthToken] != "at-1" {
		t.Errorf("oauth env = %v", env)
	}
}

func TestOAuthRefreshWithinWindow(t *testing.T) {
	svc, store := createTestService(t, nil, nil)
	ctx := context.Background()

	soon := time.Now().Add(time.Minute) // inside the 5 minute window
	if err := store.Upsert(ctx, &Credential{
		UserID: "u-1", AuthMethod: AuthMethodOAuth,
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: &soon,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	endpoint := &fakeOAuth{token: &oauth2.Token{
		AccessToken:  "fresh",
		RefreshToken: "rt-2",
		Expiry:       time.Now().Add(time.Hour),
	}}
	svc.SetOAuthEndpoint(endpoint)

	token, err := svc.GetValidOAuthToken(ctx, "u-1")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if token != "fresh" || endpoint.calls != 1 {
		t.Errorf("token = %q, calls = %d", token, endpoint.calls)
	}

	// The new pair is recorded; a second call needs no refresh.
	token, err = svc.GetValidOAuthToken(ctx, "u-1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if token != "fresh" || endpoint.calls != 1 {
		t.Errorf("expected no second refresh, calls = %d", endpoint.calls)
	}

	cred, _ := store.Get(ctx, "u-1")
	if cred.RefreshToken != "rt-2" {
		t.Errorf("refresh token not recorded, got %q", cred.RefreshToken)
	}
}

func TestControlPlaneTokenRoundTrip(t *testing.T) {
	svc, _ := createTestService(t, nil, nil)

	signed, err := svc.MintControlPlaneToken("agent-7", "user-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	agentID, err := svc.VerifyControlPlaneToken(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if agentID != "agent-7" {
		t.Errorf("agent id = %q", agentID)
	}
}

func TestRefreshWorkerThrottlesGitHostToken(t *testing.T) {
	pusher := &fakePusher{}
	githost := &fakeGitHost{token: "gh-token"}
	svc, store := createTestService(t, githost, pusher)
	ctx := context.Background()

	if err := store.Upsert(ctx, &Credential{
		UserID: "user-1", AuthMethod: AuthMethodAPIKey, Provider: ProviderAnthropic, APIKey: "k",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	agent := &models.Agent{ID: "agent-1", UserID: "user-1"}
	for i := 0; i < 3; i++ {
		if err := svc.RefreshWorker(ctx, agent); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}

	if githost.calls != 1 {
		t.Errorf("git-host refresh calls = %d, want 1 (throttled)", githost.calls)
	}
	if len(pusher.credentials) != 3 || len(pusher.arianaTokens) != 3 {
		t.Errorf("credential pushes = %d, ariana pushes = %d, want 3 each",
			len(pusher.credentials), len(pusher.arianaTokens))
	}
}

func TestRefreshWorkerSurfacesReauth(t *testing.T) {
	pusher := &fakePusher{}
	githost := &fakeGitHost{err: ErrReauthRequired}
	svc, store := createTestService(t, githost, pusher)
	ctx := context.Background()

	if err := store.Upsert(ctx, &Credential{
		UserID: "user-1", AuthMethod: AuthMethodAPIKey, Provider: ProviderAnthropic, APIKey: "k",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err := svc.RefreshWorker(ctx, &models.Agent{ID: "agent-1", UserID: "user-1"})
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}
