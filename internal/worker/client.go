// Package worker is the RPC client for the agent daemon running on worker
// machines. Requests are addressed by the machine coordinates stored on the
// agent row and authenticated with the machine's shared key. Every call is
// bounded by a caller-supplied timeout.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/tracing"
)

// ErrWorkerNotInitialized is returned when the daemon is up but the agent
// session inside it has not started yet. The interrupt path refuses to
// clear state on this error.
var ErrWorkerNotInitialized = errors.New("worker not initialized")

// notInitializedMarker is the error string the daemon uses for the condition.
const notInitializedMarker = "agent not initialized"

// SharedKeyHeader authenticates control-plane requests to the worker daemon.
const SharedKeyHeader = "X-Ariana-Shared-Key"

const maxLoggedBody = 512

// AgentResolver looks up the agent row that holds the machine coordinates.
type AgentResolver interface {
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
}

// Client talks to the agent daemon on worker machines. One shared instance
// serves all agents; per-request addressing comes from the agent row.
type Client struct {
	resolver   AgentResolver
	httpClient *http.Client
	port       int
	logger     *logger.Logger
}

// NewClient creates a worker RPC client. The HTTP client carries no global
// timeout; every call sets its own deadline.
func NewClient(resolver AgentResolver, port int, log *logger.Logger) *Client {
	return &Client{
		resolver:   resolver,
		httpClient: &http.Client{},
		port:       port,
		logger:     log.WithComponent("worker-client"),
	}
}

// envelope is the common response wrapper the worker daemon uses.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (e *envelope) err() error {
	if e.Success {
		return nil
	}
	if strings.Contains(strings.ToLower(e.Error), notInitializedMarker) {
		return ErrWorkerNotInitialized
	}
	return fmt.Errorf("worker reported failure: %s", e.Error)
}

// coords resolves the agent's machine address and shared key, logging slow
// DB lookups.
func (c *Client) coords(ctx context.Context, agentID string) (*models.Agent, error) {
	start := time.Now()
	agent, err := c.resolver.GetAgent(ctx, agentID)
	if elapsed := time.Since(start); elapsed > constants.SlowDBLookup {
		c.logger.Warn("slow agent coordinate lookup",
			zap.String("agent_id", agentID),
			zap.Duration("elapsed", elapsed),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve machine coordinates: %w", err)
	}
	if !agent.HasMachine() {
		return nil, fmt.Errorf("agent %s has no machine assigned", agentID)
	}
	return agent, nil
}

// call performs one authenticated request against the agent's worker and
// decodes the JSON response into out (which must embed the envelope when the
// endpoint uses it). A nil payload sends GET, otherwise POST.
func (c *Client) call(ctx context.Context, agentID, path string, timeout time.Duration, payload, out interface{}) error {
	start := time.Now()
	agent, err := c.coords(ctx, agentID)
	if err != nil {
		return err
	}
	err = c.callAddr(ctx, agentID, agent.MachineAddress, agent.MachineSharedKey, path, timeout, payload, out)
	if total := time.Since(start); total > constants.SlowCall {
		c.logger.Warn("slow worker call",
			zap.String("agent_id", agentID),
			zap.String("path", path),
			zap.Duration("elapsed", total),
		)
	}
	return err
}

// callAddr is the addressed form of call, also used by Health during
// provisioning before the agent row is fully stamped.
func (c *Client) callAddr(ctx context.Context, agentID, address, sharedKey, path string, timeout time.Duration, payload, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := http.MethodGet
	var body io.Reader
	if payload != nil {
		method = http.MethodPost
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, span := tracing.TraceWorkerCall(ctx, method, path, agentID)
	defer span.End()

	url := fmt.Sprintf("http://%s:%d%s", address, c.port, path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SharedKeyHeader, sharedKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.TraceWorkerResponse(span, 0, err)
		return fmt.Errorf("worker call %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.TraceWorkerResponse(span, resp.StatusCode, err)
		return fmt.Errorf("read worker response: %w", err)
	}
	tracing.TraceWorkerResponse(span, resp.StatusCode, nil)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker call %s failed with status %d: %s", path, resp.StatusCode, truncate(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse worker response for %s (body: %s): %w", path, truncate(respBody), err)
	}
	return nil
}

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}

// Health probes the worker daemon directly by address. Provisioning calls
// this before the machine is considered usable.
func (c *Client) Health(ctx context.Context, address, sharedKey string) error {
	ctx, cancel := context.WithTimeout(ctx, constants.HealthProbeInterval)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/health", address, c.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(SharedKeyHeader, sharedKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// WaitHealthy probes health repeatedly until the worker answers or the
// attempt budget is spent.
func (c *Client) WaitHealthy(ctx context.Context, address, sharedKey string) error {
	var lastErr error
	for i := 0; i < constants.HealthProbeAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(constants.HealthProbeInterval):
			}
		}
		if lastErr = c.Health(ctx, address, sharedKey); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("worker unhealthy after %d probes: %w", constants.HealthProbeAttempts, lastErr)
}

// Start performs the initial source acquisition and boots the agent session.
func (c *Client) Start(ctx context.Context, agentID string, req *StartRequest) error {
	var resp envelope
	if err := c.call(ctx, agentID, "/start", constants.StartTimeout, req, &resp); err != nil {
		return err
	}
	return resp.err()
}

// RestoreGitHistory applies a patch bundle to rebuild the repo history,
// used when resuming an archived agent.
func (c *Client) RestoreGitHistory(ctx context.Context, agentID, patchBundle string) error {
	payload := map[string]string{"patch_bundle": patchBundle}
	var resp envelope
	if err := c.call(ctx, agentID, "/restore-git-history", constants.StartTimeout, payload, &resp); err != nil {
		return err
	}
	return resp.err()
}

// Prompt sends one prompt with its model to the agent session.
func (c *Client) Prompt(ctx context.Context, agentID, text, model string) error {
	payload := map[string]string{"prompt": text, "model": model}
	var resp envelope
	if err := c.call(ctx, agentID, "/prompt", constants.StateLogicTimeout, payload, &resp); err != nil {
		return err
	}
	return resp.err()
}

// Interrupt sends the escape signal to the agent session.
func (c *Client) Interrupt(ctx context.Context, agentID string) error {
	var resp envelope
	if err := c.call(ctx, agentID, "/interrupt", constants.StateLogicTimeout, struct{}{}, &resp); err != nil {
		return err
	}
	return resp.err()
}

// Reset clears the agent's conversation memory. Ralph mode calls this
// before each synthesized prompt.
func (c *Client) Reset(ctx context.Context, agentID string) error {
	var resp envelope
	if err := c.call(ctx, agentID, "/reset", constants.StateLogicTimeout, struct{}{}, &resp); err != nil {
		return err
	}
	return resp.err()
}

// GetClaudeState returns the daemon's readiness report.
func (c *Client) GetClaudeState(ctx context.Context, agentID string) (*ClaudeState, error) {
	var resp struct {
		envelope
		ClaudeState
	}
	if err := c.call(ctx, agentID, "/claude-state", constants.StateLogicTimeout, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &resp.ClaudeState, nil
}

// GetConversations returns the full ordered message list. A trailing
// streaming entry, when present, is last.
func (c *Client) GetConversations(ctx context.Context, agentID string) ([]ConversationMessage, error) {
	var resp struct {
		envelope
		Messages []ConversationMessage `json:"messages"`
	}
	if err := c.call(ctx, agentID, "/conversations", constants.PollTimeout, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// GetGitHistory returns commits since the given SHA (empty for everything)
// plus the uncommitted patch and current branch.
func (c *Client) GetGitHistory(ctx context.Context, agentID, sinceSHA string) (*GitHistory, error) {
	payload := map[string]string{"since_sha": sinceSHA}
	var resp struct {
		envelope
		GitHistory
	}
	if err := c.call(ctx, agentID, "/git-history", constants.GitTimeout, payload, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &resp.GitHistory, nil
}

// GetGitStatus reports whether the working tree is dirty.
func (c *Client) GetGitStatus(ctx context.Context, agentID string) (*GitStatus, error) {
	var resp struct {
		envelope
		GitStatus
	}
	if err := c.call(ctx, agentID, "/git-status", constants.StateLogicTimeout, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &resp.GitStatus, nil
}

// GitCommitAndReturn commits everything with the given message and returns
// the new commit's coordinates.
func (c *Client) GitCommitAndReturn(ctx context.Context, agentID, message string) (*CommitResult, error) {
	payload := map[string]string{"message": message}
	var resp struct {
		envelope
		CommitResult
	}
	if err := c.call(ctx, agentID, "/git-commit-and-return", constants.GitTimeout, payload, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return &resp.CommitResult, nil
}

// GitPush pushes the current branch to the remote.
func (c *Client) GitPush(ctx context.Context, agentID string) error {
	var resp envelope
	if err := c.call(ctx, agentID, "/git-push", constants.GitTimeout, struct{}{}, &resp); err != nil {
		return err
	}
	return resp.err()
}

// GetClaudeDir returns a patch bundle of the agent's session directory,
// used when archiving.
func (c *Client) GetClaudeDir(ctx context.Context, agentID string) (string, error) {
	var resp struct {
		envelope
		Bundle string `json:"bundle"`
	}
	if err := c.call(ctx, agentID, "/get-claude-dir", constants.GitTimeout, nil, &resp); err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	return resp.Bundle, nil
}

// ExecuteAutomations asks the worker to run the given automations and
// returns the ids it actually executed. Only blocking automations in that
// subset gate the controller.
func (c *Client) ExecuteAutomations(ctx context.Context, agentID string, specs []AutomationSpec) ([]string, error) {
	payload := map[string]interface{}{"automations": specs}
	var resp struct {
		envelope
		ExecutedIDs []string `json:"executed_ids"`
	}
	if err := c.call(ctx, agentID, "/execute-automations", constants.StateLogicTimeout, payload, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.ExecutedIDs, nil
}

// PollAutomationEvents drains automation status observations.
func (c *Client) PollAutomationEvents(ctx context.Context, agentID string) ([]AutomationEventReport, error) {
	var resp struct {
		envelope
		Events []AutomationEventReport `json:"events"`
	}
	if err := c.call(ctx, agentID, "/poll-automation-events", constants.PollTimeout, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// PollAutomationActions drains worker-requested side effects.
func (c *Client) PollAutomationActions(ctx context.Context, agentID string) ([]AutomationAction, error) {
	var resp struct {
		envelope
		Actions []AutomationAction `json:"actions"`
	}
	if err := c.call(ctx, agentID, "/poll-automation-actions", constants.PollTimeout, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.Actions, nil
}

// PollContextEvents drains context-window events (compactions, resets).
func (c *Client) PollContextEvents(ctx context.Context, agentID string) ([]ContextEventReport, error) {
	var resp struct {
		envelope
		Events []ContextEventReport `json:"events"`
	}
	if err := c.call(ctx, agentID, "/poll-context-events", constants.PollTimeout, nil, &resp); err != nil {
		return nil, err
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// UpdateEnvironment pushes environment variables into the agent session.
func (c *Client) UpdateEnvironment(ctx context.Context, agentID string, env map[string]string) error {
	payload := map[string]interface{}{"environment": env}
	var resp envelope
	if err := c.call(ctx, agentID, "/update-environment", constants.StateLogicTimeout, payload, &resp); err != nil {
		return err
	}
	return resp.err()
}

// UpdateSecrets pushes user secrets into the agent session.
func (c *Client) UpdateSecrets(ctx context.Context, agentID string, secrets map[string]string) error {
	payload := map[string]interface{}{"secrets": secrets}
	var resp envelope
	if err := c.call(ctx, agentID, "/update-secrets", constants.StateLogicTimeout, payload, &resp); err != nil {
		return err
	}
	return resp.err()
}

// DeploySSHIdentity installs an SSH key pair on the worker.
func (c *Client) DeploySSHIdentity(ctx context.Context, agentID, privateKey, publicKey string) error {
	payload := map[string]string{"private_key": privateKey, "public_key": publicKey}
	var resp envelope
	if err := c.call(ctx, agentID, "/deploy-ssh-identity", constants.StateLogicTimeout, payload, &resp); err != nil {
		return err
	}
	return resp.err()
}

// UpdateCredentials pushes the provider environment and config.
func (c *Client) UpdateCredentials(ctx context.Context, agentID string, update *CredentialUpdate) error {
	var resp envelope
	if err := c.call(ctx, agentID, "/update-credentials", constants.StateLogicTimeout, update, &resp); err != nil {
		return err
	}
	return resp.err()
}

// UpdateGithubToken pushes a fresh git-host token.
func (c *Client) UpdateGithubToken(ctx context.Context, agentID, token string) error {
	payload := map[string]string{"token": token}
	var resp envelope
	if err := c.call(ctx, agentID, "/update-github-token", constants.StateLogicTimeout, payload, &resp); err != nil {
		return err
	}
	return resp.err()
}

// UpdateArianaToken pushes a short-lived control-plane identity token.
func (c *Client) UpdateArianaToken(ctx context.Context, agentID, token string) error {
	payload := map[string]string{"token": token}
	var resp envelope
	if err := c.call(ctx, agentID, "/update-ariana-token", constants.StateLogicTimeout, payload, &resp); err != nil {
		return err
	}
	return resp.err()
}

// RenameBranchFromPrompt asks the worker to derive and apply a branch name
// from the first prompt. Best effort; returns the new name.
func (c *Client) RenameBranchFromPrompt(ctx context.Context, agentID, prompt string) (string, error) {
	payload := map[string]string{"prompt": prompt}
	var resp struct {
		envelope
		BranchName string `json:"branch_name"`
	}
	if err := c.call(ctx, agentID, "/rename-branch-from-prompt", constants.GitTimeout, payload, &resp); err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	return resp.BranchName, nil
}

// GenerateTaskSummary asks the worker for a human-readable summary of the
// prompt. Best effort.
func (c *Client) GenerateTaskSummary(ctx context.Context, agentID, prompt string) (string, error) {
	payload := map[string]string{"prompt": prompt}
	var resp struct {
		envelope
		Summary string `json:"summary"`
	}
	if err := c.call(ctx, agentID, "/generate-task-summary", constants.GitTimeout, payload, &resp); err != nil {
		return "", err
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	return resp.Summary, nil
}
