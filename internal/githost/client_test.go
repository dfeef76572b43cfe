package githost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/credentials"
	"github.com/ariana-dot-dev/ariana/internal/db"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

type stubExchanger struct {
	token *oauth2.Token
	err   error
}

func (s *stubExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return s.token, s.err
}

func createTestClient(t *testing.T, apiURL string) (*Client, *TokenStore) {
	t.Helper()
	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	pool := db.NewSinglePool(writer)
	t.Cleanup(func() { _ = pool.Close() })

	keys, err := credentials.NewMasterKeyProvider(filepath.Join(t.TempDir(), "master.key"))
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	store, err := NewTokenStore(pool, keys.Key())
	if err != nil {
		t.Fatalf("token store: %v", err)
	}
	client := NewClient(store, config.GitHostConfig{APIBaseURL: apiURL}, logger.Default())
	return client, store
}

func seedToken(t *testing.T, store *TokenStore, userID string) {
	t.Helper()
	if err := store.Upsert(context.Background(), &Token{
		UserID:       userID,
		AccessToken:  "gh-access",
		RefreshToken: "gh-refresh",
	}); err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func TestGetPullRequestStateMerged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/pulls/12" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gh-access" {
			t.Errorf("auth header = %q", got)
		}
		mergedAt := "2026-08-01T10:00:00Z"
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"number":    12,
			"state":     "closed",
			"merged_at": mergedAt,
			"base":      map[string]string{"ref": "main"},
			"head":      map[string]string{"ref": "feature-x"},
		})
	}))
	defer srv.Close()

	client, store := createTestClient(t, srv.URL)
	seedToken(t, store, "user-1")

	pr, err := client.GetPullRequestState(context.Background(), "user-1", "acme/widgets", 12)
	if err != nil {
		t.Fatalf("get pr: %v", err)
	}
	if pr.State != v1.PullRequestStateMerged {
		t.Errorf("state = %s, want merged", pr.State)
	}
	if pr.BaseBranch != "main" {
		t.Errorf("base = %s", pr.BaseBranch)
	}
}

func TestFindLatestPRForBranchEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	client, store := createTestClient(t, srv.URL)
	seedToken(t, store, "user-1")

	pr, err := client.FindLatestPRForBranch(context.Background(), "user-1", "acme/widgets", "feature-x")
	if err != nil {
		t.Fatalf("find pr: %v", err)
	}
	if pr != nil {
		t.Errorf("expected nil, got %+v", pr)
	}
}

func TestRefreshTokenRecordsNewPair(t *testing.T) {
	client, store := createTestClient(t, "http://unused")
	seedToken(t, store, "user-1")
	client.SetExchanger(&stubExchanger{token: &oauth2.Token{
		AccessToken:  "gh-access-2",
		RefreshToken: "gh-refresh-2",
		Expiry:       time.Now().Add(8 * time.Hour),
	}})

	token, err := client.RefreshToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token != "gh-access-2" {
		t.Errorf("token = %q", token)
	}
	stored, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get stored: %v", err)
	}
	if stored.RefreshToken != "gh-refresh-2" || stored.ExpiresAt == nil {
		t.Errorf("stored = %+v", stored)
	}
}

func TestRefreshTokenDeadGrantDeletesToken(t *testing.T) {
	client, store := createTestClient(t, "http://unused")
	seedToken(t, store, "user-1")
	client.SetExchanger(&stubExchanger{token: nil}) // rejected grant

	_, err := client.RefreshToken(context.Background(), "user-1")
	if !errors.Is(err, credentials.ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
	if _, err := store.Get(context.Background(), "user-1"); !errors.Is(err, ErrNoToken) {
		t.Errorf("token should be deleted, got %v", err)
	}
}

func TestRefreshTokenTransientErrorKeepsToken(t *testing.T) {
	client, store := createTestClient(t, "http://unused")
	seedToken(t, store, "user-1")
	client.SetExchanger(&stubExchanger{err: errors.New("connection refused")})

	_, err := client.RefreshToken(context.Background(), "user-1")
	if err == nil {
		t.Fatal("expected transient error")
	}
	if errors.Is(err, credentials.ErrReauthRequired) {
		t.Error("transient failure must not demand re-auth")
	}
	if _, err := store.Get(context.Background(), "user-1"); err != nil {
		t.Errorf("token must survive transient failure: %v", err)
	}
}
