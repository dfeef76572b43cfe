package worker

import "time"

// ClaudeState is the worker's report of the agent daemon's readiness.
type ClaudeState struct {
	IsReady               bool          `json:"is_ready"`
	HasBlockingAutomation bool          `json:"has_blocking_automation"`
	BlockingAutomationIDs []string      `json:"blocking_automation_ids,omitempty"`
	ContextUsage          *ContextUsage `json:"context_usage,omitempty"`
}

// ContextUsage reports the agent's context-window occupancy.
type ContextUsage struct {
	UsedPercent      float64 `json:"used_percent"`
	RemainingPercent float64 `json:"remaining_percent"`
	TotalTokens      int     `json:"total_tokens"`
}

// ConversationMessage is one turn as the worker reports it. The worker
// returns the full ordered list; a streaming entry, when present, is last.
type ConversationMessage struct {
	UUID      string     `json:"uuid,omitempty"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Model     string     `json:"model,omitempty"`
	Tools     []ToolCall `json:"tools,omitempty"`
	Streaming bool       `json:"streaming"`
	Timestamp time.Time  `json:"timestamp"`
}

// ToolCall is a tool-use plus its eventual result inside an assistant turn.
type ToolCall struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Output string                 `json:"output,omitempty"`
}

// IsEmpty reports whether the turn carries neither content nor tools.
func (m *ConversationMessage) IsEmpty() bool {
	return m.Content == "" && len(m.Tools) == 0
}

// StartRequest is the initial source acquisition on the worker. Exactly one
// of RepoFullName (clone with token), CloneURL (public clone), or
// PatchBundle (history restore) is set.
type StartRequest struct {
	RepoFullName string `json:"repo_full_name,omitempty"`
	CloneToken   string `json:"clone_token,omitempty"`
	CloneURL     string `json:"clone_url,omitempty"`
	PatchBundle  string `json:"patch_bundle,omitempty"`
	BaseBranch   string `json:"base_branch,omitempty"`
	BranchName   string `json:"branch_name,omitempty"`
}

// GitCommit is one commit as the worker reports it.
type GitCommit struct {
	SHA          string    `json:"sha"`
	Message      string    `json:"message"`
	BranchName   string    `json:"branch_name"`
	FilesChanged int       `json:"files_changed"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	Pushed       bool      `json:"pushed"`
	Patch        string    `json:"patch,omitempty"`
	CommittedAt  time.Time `json:"committed_at"`
}

// GitHistory is the worker's answer to a history fetch. FullFetch is true
// when the worker returned everything, not just commits past the cutoff;
// deletion detection is only sound on full fetches.
type GitHistory struct {
	Commits          []GitCommit `json:"commits"`
	BranchName       string      `json:"branch_name"`
	UncommittedPatch string      `json:"uncommitted_patch,omitempty"`
	TotalDiff        string      `json:"total_diff,omitempty"`
	FullFetch        bool        `json:"full_fetch"`
}

// GitStatus reports whether the working tree has uncommitted changes.
type GitStatus struct {
	HasUncommittedChanges bool `json:"has_uncommitted_changes"`
}

// CommitResult is the worker's answer to /git-commit-and-return.
type CommitResult struct {
	CommitSHA   string    `json:"commit_sha"`
	CommitURL   string    `json:"commit_url,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// AutomationSpec is one automation the worker should execute.
type AutomationSpec struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ScriptLanguage string `json:"script_language"`
	ScriptContent  string `json:"script_content"`
	Blocking       bool   `json:"blocking"`
	FeedOutput     bool   `json:"feed_output"`
	TriggerType    string `json:"trigger_type"`
}

// AutomationEventReport is one automation status observation from the worker.
type AutomationEventReport struct {
	AutomationID string     `json:"automation_id"`
	Status       string     `json:"status"` // running, finished, failed, killed
	Output       string     `json:"output,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// AutomationAction is a side effect an automation requested from the
// control plane.
type AutomationAction struct {
	Type   string `json:"type"` // stop_agent, queue_prompt
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Automation action types the worker may request.
const (
	ActionStopAgent   = "stop_agent"
	ActionQueuePrompt = "queue_prompt"
)

// ContextEventReport is a context-window event (compaction, reset) from the worker.
type ContextEventReport struct {
	Type      string    `json:"type"` // compaction, reset
	Timestamp time.Time `json:"timestamp"`
}

// Context event types the worker reports.
const (
	ContextEventCompaction = "compaction"
	ContextEventReset      = "reset"
)

// CredentialUpdate carries the provider environment and config for
// /update-credentials.
type CredentialUpdate struct {
	Environment map[string]string `json:"environment"`
	Config      map[string]string `json:"config,omitempty"`
}
