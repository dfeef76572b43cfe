package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/worker"
)

// ErrReauthRequired is returned when the git host refused a token refresh and
// the user has to authenticate again.
var ErrReauthRequired = errors.New("git host re-authentication required")

// Environment variable names injected per auth method.
const (
	EnvOAuthToken       = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	EnvAnthropicBaseURL = "ANTHROPIC_BASE_URL"
	EnvAnthropicAuth    = "ANTHROPIC_AUTH_TOKEN"
)

// WorkerPusher is the subset of the worker client credential rotation uses.
type WorkerPusher interface {
	UpdateCredentials(ctx context.Context, agentID string, update *worker.CredentialUpdate) error
	UpdateGithubToken(ctx context.Context, agentID, token string) error
	UpdateArianaToken(ctx context.Context, agentID, token string) error
}

// GitHostTokens is the token surface of the git-host client. RefreshToken
// returns ErrReauthRequired when the host rejects the refresh outright;
// transient failures come back as plain errors and must not delete anything.
type GitHostTokens interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
	RefreshToken(ctx context.Context, userID string) (string, error)
}

// OAuthEndpoint abstracts the provider token exchange so tests can stub it.
type OAuthEndpoint interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// oauth2Endpoint performs the real token exchange against the provider.
type oauth2Endpoint struct {
	conf *oauth2.Config
}

func (e *oauth2Endpoint) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := e.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// Service hands out fresh credentials and pushes rotations to workers.
type Service struct {
	store   *Store
	githost GitHostTokens
	pusher  WorkerPusher
	oauth   OAuthEndpoint
	logger  *logger.Logger

	refreshWindow  time.Duration
	tokenTTL       time.Duration
	jwtSecret      []byte
	githostRefresh *cache.Cache // per-agent throttle on git-host token pushes
}

// NewService creates the credential service.
func NewService(store *Store, githost GitHostTokens, pusher WorkerPusher, cfg config.CredentialsConfig, hostCfg config.GitHostConfig, log *logger.Logger) *Service {
	var endpoint OAuthEndpoint
	if hostCfg.TokenURL != "" {
		endpoint = &oauth2Endpoint{conf: &oauth2.Config{
			ClientID:     hostCfg.ClientID,
			ClientSecret: hostCfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: hostCfg.TokenURL},
		}}
	}
	interval := cfg.GitHostRefreshInterval()
	return &Service{
		store:          store,
		githost:        githost,
		pusher:         pusher,
		oauth:          endpoint,
		logger:         log.WithComponent("credentials"),
		refreshWindow:  cfg.OAuthRefreshWindow(),
		tokenTTL:       cfg.ControlPlaneTokenTTL(),
		jwtSecret:      []byte(cfg.ControlPlaneSecret),
		githostRefresh: cache.New(interval, 2*interval),
	}
}

// SetOAuthEndpoint overrides the token exchange. Tests use this.
func (s *Service) SetOAuthEndpoint(e OAuthEndpoint) {
	s.oauth = e
}

// GetValidOAuthToken returns a provider OAuth access token, refreshing it
// when it expires within the refresh window. New tokens are recorded.
func (s *Service) GetValidOAuthToken(ctx context.Context, userID string) (string, error) {
	cred, err := s.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if cred.AuthMethod != AuthMethodOAuth {
		return "", fmt.Errorf("user %s does not use oauth", userID)
	}

	fresh := cred.ExpiresAt != nil && time.Until(*cred.ExpiresAt) > s.refreshWindow
	if fresh || cred.RefreshToken == "" || s.oauth == nil {
		return cred.AccessToken, nil
	}

	tok, err := s.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		// Keep the stale token; the provider may still accept it.
		s.logger.Warn("oauth refresh failed", zap.String("user_id", userID), zap.Error(err))
		return cred.AccessToken, nil
	}

	refreshToken := cred.RefreshToken
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}
	if err := s.store.UpdateOAuthTokens(ctx, userID, tok.AccessToken, refreshToken, tok.Expiry); err != nil {
		return "", fmt.Errorf("record refreshed tokens: %w", err)
	}
	return tok.AccessToken, nil
}

// GetActiveCredentials builds the environment and provider config for the
// user's active auth method.
func (s *Service) GetActiveCredentials(ctx context.Context, userID string) (map[string]string, map[string]string, error) {
	cred, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	env := map[string]string{}
	cfg := map[string]string{
		"auth_method": string(cred.AuthMethod),
		"provider":    string(cred.Provider),
	}

	switch cred.AuthMethod {
	case AuthMethodOAuth:
		token, err := s.GetValidOAuthToken(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		env[EnvOAuthToken] = token
	case AuthMethodAPIKey:
		switch cred.Provider {
		case ProviderOpenRouter:
			baseURL := cred.BaseURL
			if baseURL == "" {
				baseURL = "https://openrouter.ai/api"
			}
			env[EnvAnthropicBaseURL] = baseURL
			env[EnvAnthropicAuth] = cred.APIKey
			env[EnvAnthropicAPIKey] = ""
		default:
			env[EnvAnthropicAPIKey] = cred.APIKey
		}
	default:
		return nil, nil, fmt.Errorf("unknown auth method %q for user %s", cred.AuthMethod, userID)
	}
	return env, cfg, nil
}

// MintControlPlaneToken creates the short-lived identity token a worker uses
// to call back into the control plane.
func (s *Service) MintControlPlaneToken(agentID, userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": agentID,
		"uid": userID,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenTTL).Unix(),
		"iss": "ariana-control-plane",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign control-plane token: %w", err)
	}
	return signed, nil
}

// VerifyControlPlaneToken validates a worker-presented identity token and
// returns the agent id it was minted for.
func (s *Service) VerifyControlPlaneToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid control-plane token")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// RefreshWorker pushes fresh credentials to the agent's worker: the provider
// environment, a git-host token (throttled per agent), and a new
// control-plane identity token. Called on every prompt send and periodically
// while the agent is idle or running.
func (s *Service) RefreshWorker(ctx context.Context, agent *models.Agent) error {
	env, cfg, err := s.GetActiveCredentials(ctx, agent.UserID)
	if err != nil {
		return fmt.Errorf("build credentials for agent %s: %w", agent.ID, err)
	}
	if err := s.pusher.UpdateCredentials(ctx, agent.ID, &worker.CredentialUpdate{
		Environment: env,
		Config:      cfg,
	}); err != nil {
		return fmt.Errorf("push credentials: %w", err)
	}

	if err := s.refreshGitHostToken(ctx, agent); err != nil {
		if errors.Is(err, ErrReauthRequired) {
			return err
		}
		// Transient; the worker keeps its previous token.
		s.logger.Warn("git-host token refresh failed",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}

	arianaToken, err := s.MintControlPlaneToken(agent.ID, agent.UserID)
	if err != nil {
		return err
	}
	if err := s.pusher.UpdateArianaToken(ctx, agent.ID, arianaToken); err != nil {
		return fmt.Errorf("push control-plane token: %w", err)
	}
	return nil
}

// refreshGitHostToken pushes a refreshed git-host token at most once per
// throttle interval per agent.
func (s *Service) refreshGitHostToken(ctx context.Context, agent *models.Agent) error {
	if s.githost == nil {
		return nil
	}
	if _, throttled := s.githostRefresh.Get(agent.ID); throttled {
		return nil
	}
	token, err := s.githost.RefreshToken(ctx, agent.UserID)
	if err != nil {
		return err
	}
	if err := s.pusher.UpdateGithubToken(ctx, agent.ID, token); err != nil {
		return fmt.Errorf("push git-host token: %w", err)
	}
	s.githostRefresh.Set(agent.ID, time.Now(), cache.DefaultExpiration)
	return nil
}
