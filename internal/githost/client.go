package githost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/credentials"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// PullRequest is the slice of git-host PR state the controller tracks.
type PullRequest struct {
	Number     int                 `json:"number"`
	State      v1.PullRequestState `json:"state"`
	BaseBranch string              `json:"base_branch"`
	HeadBranch string              `json:"head_branch"`
	Title      string              `json:"title"`
	URL        string              `json:"url"`
}

// Exchanger performs the OAuth refresh-token exchange with the host.
// A nil token with nil error means the host rejected the refresh outright.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type oauthExchanger struct {
	conf *oauth2.Config
}

func (e *oauthExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tok, err := e.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retr *oauth2.RetrieveError
		// 4xx from the token endpoint means the grant is dead, not the network.
		if errors.As(err, &retr) && retr.Response != nil &&
			retr.Response.StatusCode >= 400 && retr.Response.StatusCode < 500 {
			return nil, nil
		}
		return nil, err
	}
	return tok, nil
}

// Client talks to the git-hosting provider's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenStore
	exchange   Exchanger
	logger     *logger.Logger
}

// NewClient creates a git-host client.
func NewClient(tokens *TokenStore, cfg config.GitHostConfig, log *logger.Logger) *Client {
	baseURL := strings.TrimSuffix(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	var exchange Exchanger
	if cfg.TokenURL != "" {
		exchange = &oauthExchanger{conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     tokens,
		exchange:   exchange,
		logger:     log.WithComponent("githost"),
	}
}

// SetExchanger overrides the token exchange. Tests use this.
func (c *Client) SetExchanger(e Exchanger) {
	c.exchange = e
}

// GetValidToken returns the user's stored access token.
func (c *Client) GetValidToken(ctx context.Context, userID string) (string, error) {
	t, err := c.tokens.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// RefreshToken exchanges the user's refresh token for a fresh access token.
// When the host rejects the grant the stored pair is deleted and
// ErrReauthRequired is returned; transient failures keep the stored pair.
func (c *Client) RefreshToken(ctx context.Context, userID string) (string, error) {
	t, err := c.tokens.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if t.RefreshToken == "" || c.exchange == nil {
		return t.AccessToken, nil
	}

	tok, err := c.exchange.Exchange(ctx, t.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if tok == nil {
		// Dead grant. Deletion is allowed only on this explicit rejection.
		if err := c.tokens.Delete(ctx, userID); err != nil {
			c.logger.Warn("failed to delete rejected token",
				zap.String("user_id", userID), zap.Error(err))
		}
		return "", credentials.ErrReauthRequired
	}

	refreshToken := t.RefreshToken
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}
	updated := &Token{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		updated.ExpiresAt = &expiry
	}
	if err := c.tokens.Upsert(ctx, updated); err != nil {
		return "", fmt.Errorf("record refreshed token: %w", err)
	}
	return tok.AccessToken, nil
}

// apiPR is the provider's wire shape for a pull request.
type apiPR struct {
	Number   int     `json:"number"`
	State    string  `json:"state"`
	Title    string  `json:"title"`
	HTMLURL  string  `json:"html_url"`
	Merged   bool    `json:"merged"`
	MergedAt *string `json:"merged_at"`
	Base     struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

func (p *apiPR) toPullRequest() *PullRequest {
	state := v1.PullRequestState(p.State)
	if p.Merged || (p.MergedAt != nil && *p.MergedAt != "") {
		state = v1.PullRequestStateMerged
	}
	return &PullRequest{
		Number:     p.Number,
		State:      state,
		BaseBranch: p.Base.Ref,
		HeadBranch: p.Head.Ref,
		Title:      p.Title,
		URL:        p.HTMLURL,
	}
}

// get performs one authenticated GET against the host API.
func (c *Client) get(ctx context.Context, userID, path string, out interface{}) error {
	token, err := c.GetValidToken(ctx, userID)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("git-host request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read git-host response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("git-host request %s failed with status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse git-host response for %s: %w", path, err)
	}
	return nil
}

// ErrNotFound is returned when the host has no matching resource.
var ErrNotFound = errors.New("git-host resource not found")

// GetPullRequestState fetches the current state of one pull request.
func (c *Client) GetPullRequestState(ctx context.Context, userID, repoFullName string, prNumber int) (*PullRequest, error) {
	var raw apiPR
	path := fmt.Sprintf("/repos/%s/pulls/%d", repoFullName, prNumber)
	if err := c.get(ctx, userID, path, &raw); err != nil {
		return nil, err
	}
	return raw.toPullRequest(), nil
}

// FindLatestPRForBranch returns the newest pull request whose head is the
// given branch, or nil when none exists.
func (c *Client) FindLatestPRForBranch(ctx context.Context, userID, repoFullName, branch string) (*PullRequest, error) {
	owner := strings.SplitN(repoFullName, "/", 2)[0]
	path := fmt.Sprintf("/repos/%s/pulls?head=%s&state=all&sort=created&direction=desc&per_page=1",
		repoFullName, url.QueryEscape(owner+":"+branch))
	var raw []apiPR
	if err := c.get(ctx, userID, path, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw[0].toPullRequest(), nil
}

// GetDefaultBranch returns the repository's default branch name.
func (c *Client) GetDefaultBranch(ctx context.Context, userID, repoFullName string) (string, error) {
	var raw struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.get(ctx, userID, "/repos/"+repoFullName, &raw); err != nil {
		return "", err
	}
	return raw.DefaultBranch, nil
}
