package v1

import "time"

// AgentState represents the lifecycle state of an agent
type AgentState string

const (
	AgentStateProvisioning AgentState = "PROVISIONING"
	AgentStateProvisioned  AgentState = "PROVISIONED"
	AgentStateCloning      AgentState = "CLONING"
	AgentStateReady        AgentState = "READY"
	AgentStateIdle         AgentState = "IDLE"
	AgentStateRunning      AgentState = "RUNNING" // Agent is executing a prompt
	AgentStateError        AgentState = "ERROR"   // Resumable via resume
	AgentStateArchiving    AgentState = "ARCHIVING"
	AgentStateArchived     AgentState = "ARCHIVED"
)

// MachineType distinguishes pool-allocated machines from user-registered ones
type MachineType string

const (
	MachineTypePool   MachineType = "pool"
	MachineTypeCustom MachineType = "custom"
)

// PullRequestState mirrors the git host's PR lifecycle
type PullRequestState string

const (
	PullRequestStateOpen   PullRequestState = "open"
	PullRequestStateClosed PullRequestState = "closed"
	PullRequestStateMerged PullRequestState = "merged"
)

// PromptStatus represents the queue status of a prompt
type PromptStatus string

const (
	PromptStatusQueued   PromptStatus = "queued"
	PromptStatusRunning  PromptStatus = "running"
	PromptStatusFinished PromptStatus = "finished"
	PromptStatusFailed   PromptStatus = "failed"
)

// PromptModel selects the model an agent uses for a prompt
type PromptModel string

const (
	PromptModelOpus   PromptModel = "opus"
	PromptModelSonnet PromptModel = "sonnet"
	PromptModelHaiku  PromptModel = "haiku"
)

// Agent represents an agent session managed by the lifecycle controller
type Agent struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	ProjectID    string `json:"project_id"`
	Name         string `json:"name"`
	BranchName   string `json:"branch_name"`
	RepoFullName string `json:"repo_full_name,omitempty"`
	TaskSummary  string `json:"task_summary,omitempty"`

	MachineID      string      `json:"machine_id,omitempty"`
	MachineType    MachineType `json:"machine_type"`
	MachineAddress string      `json:"machine_address,omitempty"`

	State         AgentState `json:"state"`
	IsTrashed     bool       `json:"is_trashed"`
	ProvisionedAt *time.Time `json:"provisioned_at,omitempty"`
	LifetimeUnits int        `json:"lifetime_units"`

	CurrentTaskID string `json:"current_task_id,omitempty"`

	LastCommitSHA string     `json:"last_commit_sha,omitempty"`
	LastCommitURL string     `json:"last_commit_url,omitempty"`
	LastCommitAt  *time.Time `json:"last_commit_at,omitempty"`

	PRNumber       *int             `json:"pr_number,omitempty"`
	PRState        PullRequestState `json:"pr_state,omitempty"`
	PRBaseBranch   string           `json:"pr_base_branch,omitempty"`
	PRLastSyncedAt *time.Time       `json:"pr_last_synced_at,omitempty"`

	InSlopModeUntil *time.Time `json:"in_slop_mode_until,omitempty"`
	InRalphMode     bool       `json:"in_ralph_mode"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateAgentRequest for registering a new agent
type CreateAgentRequest struct {
	UserID          string      `json:"user_id" binding:"required"`
	ProjectID       string      `json:"project_id" binding:"required"`
	Name            string      `json:"name,omitempty"`
	BaseBranch      string      `json:"base_branch,omitempty"`
	EnvironmentID   *string     `json:"environment_id,omitempty"`
	MachineType     MachineType `json:"machine_type,omitempty"`
	CustomMachineID *string     `json:"custom_machine_id,omitempty"`
}

// QueuePromptRequest for appending a prompt to an agent's queue
type QueuePromptRequest struct {
	Prompt string      `json:"prompt" binding:"required"`
	Model  PromptModel `json:"model" binding:"required"`
}

// StartAgentRequest for booting a provisioned agent with its source
type StartAgentRequest struct {
	RepoFullName string `json:"repo_full_name,omitempty"`
	CloneURL     string `json:"clone_url,omitempty"`
	PatchBundle  string `json:"patch_bundle,omitempty"`
	BaseBranch   string `json:"base_branch,omitempty"`
}

// SlopModeRequest for enabling timed autonomous mode
type SlopModeRequest struct {
	DurationMinutes int    `json:"duration_minutes" binding:"required,min=1"`
	CustomPrompt    string `json:"custom_prompt,omitempty"`
}

// RalphModeRequest toggles untimed autonomous mode
type RalphModeRequest struct {
	Enabled bool `json:"enabled"`
}

// Prompt represents a queued unit of work for an agent
type Prompt struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agent_id"`
	Prompt    string       `json:"prompt"`
	Model     PromptModel  `json:"model"`
	Status    PromptStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ToolCall is a tool-use plus its eventual result within an assistant turn
type ToolCall struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Output string                 `json:"output,omitempty"`
}

// Message represents a conversation turn ingested from the worker
type Message struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Role        string     `json:"role"`
	Content     string     `json:"content"`
	Model       string     `json:"model,omitempty"`
	TaskID      string     `json:"task_id,omitempty"`
	Tools       []ToolCall `json:"tools,omitempty"`
	IsStreaming bool       `json:"is_streaming"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Commit represents a git commit observed on the worker
type Commit struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	CommitSHA     string    `json:"commit_sha"`
	BranchName    string    `json:"branch_name"`
	CommitMessage string    `json:"commit_message"`
	TaskID        string    `json:"task_id,omitempty"`
	FilesChanged  int       `json:"files_changed"`
	Additions     int       `json:"additions"`
	Deletions     int       `json:"deletions"`
	Pushed        bool      `json:"pushed"`
	IsDeleted     bool      `json:"is_deleted"`
	CommittedAt   time.Time `json:"committed_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// ContextEvent records a context-window threshold crossing or compaction
type ContextEvent struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	EventType        string    `json:"event_type"`
	UsedPercent      float64   `json:"used_percent"`
	RemainingPercent float64   `json:"remaining_percent"`
	TotalTokens      int       `json:"total_tokens"`
	ThresholdPercent int       `json:"threshold_percent,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// PoolStatus reports machine-pool capacity and occupancy
type PoolStatus struct {
	ActiveMachines int `json:"active_machines"`
	MaxMachines    int `json:"max_machines"`
	QueuedCount    int `json:"queued_count"`
	AssignedCount  int `json:"assigned_count"`
}

// AgentDetail is the full agent view returned by GET /agents/:id
type AgentDetail struct {
	Agent      *Agent   `json:"agent"`
	Prompts    []Prompt `json:"prompts"`
	LastCommit *Commit  `json:"last_commit,omitempty"`
}

// ListAgentsResponse wraps the agent list
type ListAgentsResponse struct {
	Agents []*Agent `json:"agents"`
	Total  int      `json:"total"`
}

// ListMessagesResponse wraps an agent's conversation page
type ListMessagesResponse struct {
	Messages []*Message `json:"messages"`
	Total    int        `json:"total"`
}
