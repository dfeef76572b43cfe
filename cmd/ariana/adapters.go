package main

import (
	"context"
	"time"

	"github.com/ariana-dot-dev/ariana/internal/metrics"
	"github.com/ariana-dot-dev/ariana/internal/worker"
)

// instrumentedWorker wraps the worker client and feeds per-method latency
// and failure collectors. It satisfies the controller, poller, and
// credential-service worker surfaces.
type instrumentedWorker struct {
	client  *worker.Client
	metrics *metrics.Metrics
}

func newInstrumentedWorker(client *worker.Client, m *metrics.Metrics) *instrumentedWorker {
	return &instrumentedWorker{client: client, metrics: m}
}

func (w *instrumentedWorker) observe(method string, start time.Time, err error) error {
	w.metrics.ObserveWorkerRPC(method, time.Since(start), err)
	return err
}

func (w *instrumentedWorker) WaitHealthy(ctx context.Context, address, sharedKey string) error {
	start := time.Now()
	return w.observe("wait_healthy", start, w.client.WaitHealthy(ctx, address, sharedKey))
}

func (w *instrumentedWorker) Start(ctx context.Context, agentID string, req *worker.StartRequest) error {
	start := time.Now()
	return w.observe("start", start, w.client.Start(ctx, agentID, req))
}

func (w *instrumentedWorker) RestoreGitHistory(ctx context.Context, agentID, patchBundle string) error {
	start := time.Now()
	return w.observe("restore_git_history", start, w.client.RestoreGitHistory(ctx, agentID, patchBundle))
}

func (w *instrumentedWorker) Prompt(ctx context.Context, agentID, text, model string) error {
	start := time.Now()
	return w.observe("prompt", start, w.client.Prompt(ctx, agentID, text, model))
}

func (w *instrumentedWorker) Interrupt(ctx context.Context, agentID string) error {
	start := time.Now()
	return w.observe("interrupt", start, w.client.Interrupt(ctx, agentID))
}

func (w *instrumentedWorker) Reset(ctx context.Context, agentID string) error {
	start := time.Now()
	return w.observe("reset", start, w.client.Reset(ctx, agentID))
}

func (w *instrumentedWorker) GetClaudeState(ctx context.Context, agentID string) (*worker.ClaudeState, error) {
	start := time.Now()
	state, err := w.client.GetClaudeState(ctx, agentID)
	return state, w.observe("get_claude_state", start, err)
}

func (w *instrumentedWorker) GetGitStatus(ctx context.Context, agentID string) (*worker.GitStatus, error) {
	start := time.Now()
	status, err := w.client.GetGitStatus(ctx, agentID)
	return status, w.observe("get_git_status", start, err)
}

func (w *instrumentedWorker) GitCommitAndReturn(ctx context.Context, agentID, message string) (*worker.CommitResult, error) {
	start := time.Now()
	result, err := w.client.GitCommitAndReturn(ctx, agentID, message)
	return result, w.observe("git_commit", start, err)
}

func (w *instrumentedWorker) GitPush(ctx context.Context, agentID string) error {
	start := time.Now()
	return w.observe("git_push", start, w.client.GitPush(ctx, agentID))
}

func (w *instrumentedWorker) UpdateEnvironment(ctx context.Context, agentID string, env map[string]string) error {
	start := time.Now()
	return w.observe("update_environment", start, w.client.UpdateEnvironment(ctx, agentID, env))
}

func (w *instrumentedWorker) RenameBranchFromPrompt(ctx context.Context, agentID, prompt string) (string, error) {
	start := time.Now()
	branch, err := w.client.RenameBranchFromPrompt(ctx, agentID, prompt)
	return branch, w.observe("rename_branch", start, err)
}

func (w *instrumentedWorker) GenerateTaskSummary(ctx context.Context, agentID, prompt string) (string, error) {
	start := time.Now()
	summary, err := w.client.GenerateTaskSummary(ctx, agentID, prompt)
	return summary, w.observe("generate_task_summary", start, err)
}

func (w *instrumentedWorker) GetConversations(ctx context.Context, agentID string) ([]worker.ConversationMessage, error) {
	start := time.Now()
	msgs, err := w.client.GetConversations(ctx, agentID)
	return msgs, w.observe("get_conversations", start, err)
}

func (w *instrumentedWorker) GetGitHistory(ctx context.Context, agentID, sinceSHA string) (*worker.GitHistory, error) {
	start := time.Now()
	history, err := w.client.GetGitHistory(ctx, agentID, sinceSHA)
	return history, w.observe("get_git_history", start, err)
}

func (w *instrumentedWorker) PollAutomationEvents(ctx context.Context, agentID string) ([]worker.AutomationEventReport, error) {
	start := time.Now()
	reports, err := w.client.PollAutomationEvents(ctx, agentID)
	return reports, w.observe("poll_automation_events", start, err)
}

func (w *instrumentedWorker) PollAutomationActions(ctx context.Context, agentID string) ([]worker.AutomationAction, error) {
	start := time.Now()
	actions, err := w.client.PollAutomationActions(ctx, agentID)
	return actions, w.observe("poll_automation_actions", start, err)
}

func (w *instrumentedWorker) PollContextEvents(ctx context.Context, agentID string) ([]worker.ContextEventReport, error) {
	start := time.Now()
	events, err := w.client.PollContextEvents(ctx, agentID)
	return events, w.observe("poll_context_events", start, err)
}

func (w *instrumentedWorker) ExecuteAutomations(ctx context.Context, agentID string, specs []worker.AutomationSpec) ([]string, error) {
	start := time.Now()
	ids, err := w.client.ExecuteAutomations(ctx, agentID, specs)
	return ids, w.observe("execute_automations", start, err)
}

func (w *instrumentedWorker) UpdateCredentials(ctx context.Context, agentID string, update *worker.CredentialUpdate) error {
	start := time.Now()
	return w.observe("update_credentials", start, w.client.UpdateCredentials(ctx, agentID, update))
}

func (w *instrumentedWorker) UpdateGithubToken(ctx context.Context, agentID, token string) error {
	start := time.Now()
	return w.observe("update_github_token", start, w.client.UpdateGithubToken(ctx, agentID, token))
}

func (w *instrumentedWorker) UpdateArianaToken(ctx context.Context, agentID, token string) error {
	start := time.Now()
	return w.observe("update_ariana_token", start, w.client.UpdateArianaToken(ctx, agentID, token))
}
