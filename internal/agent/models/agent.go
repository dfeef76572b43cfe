// Package models defines the storage-level types for agents and their
// conversation, prompt, and git side-data.
package models

import (
	"time"

	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// stateTransitions lists the allowed next states for each agent state.
// The controller is the only writer of Agent.State and checks this table
// before every transition.
var stateTransitions = map[v1.AgentState][]v1.AgentState{
	v1.AgentStateProvisioning: {v1.AgentStateProvisioned, v1.AgentStateError},
	v1.AgentStateProvisioned:  {v1.AgentStateCloning, v1.AgentStateError},
	v1.AgentStateCloning:      {v1.AgentStateReady, v1.AgentStateError},
	v1.AgentStateReady:        {v1.AgentStateIdle, v1.AgentStateError},
	v1.AgentStateIdle:         {v1.AgentStateRunning, v1.AgentStateArchiving, v1.AgentStateError},
	v1.AgentStateRunning:      {v1.AgentStateIdle, v1.AgentStateError},
	v1.AgentStateError:        {v1.AgentStateProvisioning, v1.AgentStateArchiving},
	v1.AgentStateArchiving:    {v1.AgentStateArchived, v1.AgentStateError},
	v1.AgentStateArchived:     {v1.AgentStateProvisioning},
}

// CanTransition reports whether moving an agent from one state to another is allowed.
func CanTransition(from, to v1.AgentState) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidState reports whether s is a known agent state.
func IsValidState(s v1.AgentState) bool {
	_, ok := stateTransitions[s]
	return ok
}

// IsPollableState reports whether agents in this state are polled for worker data.
func IsPollableState(s v1.AgentState) bool {
	switch s {
	case v1.AgentStateReady, v1.AgentStateIdle, v1.AgentStateRunning:
		return true
	default:
		return false
	}
}

// Agent is the controller's view of one agent row.
type Agent struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	BranchName  string `json:"branch_name"`
	// RepoFullName is the "owner/name" of the cloned repository, empty for
	// patch-bundle agents.
	RepoFullName string `json:"repo_full_name,omitempty"`
	TaskSummary  string `json:"task_summary,omitempty"`

	// Machine placement. SharedKey and the preview token never leave the process.
	MachineID           string         `json:"machine_id,omitempty"`
	MachineType         v1.MachineType `json:"machine_type"`
	MachineAddress      string         `json:"machine_address,omitempty"`
	MachineSharedKey    string         `json:"-"`
	ServicePreviewToken string         `json:"-"`

	State         v1.AgentState `json:"state"`
	IsTrashed     bool          `json:"is_trashed"`
	ProvisionedAt *time.Time    `json:"provisioned_at,omitempty"`
	LifetimeUnits int           `json:"lifetime_units"`

	// CurrentTaskID is the id of the prompt being executed, empty when idle.
	CurrentTaskID string `json:"current_task_id,omitempty"`
	// Gate flags: a blocking automation is in flight around the commit/push.
	PendingCommitTriggered bool `json:"pending_commit_triggered"`
	PendingPushPrTriggered bool `json:"pending_push_pr_triggered"`

	LastCommitSHA                 string     `json:"last_commit_sha,omitempty"`
	LastCommitURL                 string     `json:"last_commit_url,omitempty"`
	LastCommitAt                  *time.Time `json:"last_commit_at,omitempty"`
	GitHistoryLastPushedCommitSHA string     `json:"git_history_last_pushed_commit_sha,omitempty"`
	StartCommitSHA                string     `json:"start_commit_sha,omitempty"`

	PRNumber       *int                `json:"pr_number,omitempty"`
	PRState        v1.PullRequestState `json:"pr_state,omitempty"`
	PRBaseBranch   string              `json:"pr_base_branch,omitempty"`
	PRLastSyncedAt *time.Time          `json:"pr_last_synced_at,omitempty"`

	InSlopModeUntil      *time.Time `json:"in_slop_mode_until,omitempty"`
	SlopModeCustomPrompt string     `json:"slop_mode_custom_prompt,omitempty"`
	InRalphMode          bool       `json:"in_ralph_mode"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPollable reports whether the controller should ingest worker data for this agent.
func (a *Agent) IsPollable() bool {
	return !a.IsTrashed && IsPollableState(a.State)
}

// HasOpenPR reports whether the agent has a pull request in the open state.
func (a *Agent) HasOpenPR() bool {
	return a.PRNumber != nil && a.PRState == v1.PullRequestStateOpen
}

// InSlopMode reports whether timed autonomous mode is active at t.
func (a *Agent) InSlopMode(t time.Time) bool {
	return a.InSlopModeUntil != nil && a.InSlopModeUntil.After(t)
}

// HasMachine reports whether machine coordinates are assigned.
func (a *Agent) HasMachine() bool {
	return a.MachineID != "" && a.MachineAddress != ""
}

// ToAPI converts internal Agent to API type
func (a *Agent) ToAPI() *v1.Agent {
	return &v1.Agent{
		ID:              a.ID,
		UserID:          a.UserID,
		ProjectID:       a.ProjectID,
		Name:            a.Name,
		BranchName:      a.BranchName,
		RepoFullName:    a.RepoFullName,
		TaskSummary:     a.TaskSummary,
		MachineID:       a.MachineID,
		MachineType:     a.MachineType,
		MachineAddress:  a.MachineAddress,
		State:           a.State,
		IsTrashed:       a.IsTrashed,
		ProvisionedAt:   a.ProvisionedAt,
		LifetimeUnits:   a.LifetimeUnits,
		CurrentTaskID:   a.CurrentTaskID,
		LastCommitSHA:   a.LastCommitSHA,
		LastCommitURL:   a.LastCommitURL,
		LastCommitAt:    a.LastCommitAt,
		PRNumber:        a.PRNumber,
		PRState:         a.PRState,
		PRBaseBranch:    a.PRBaseBranch,
		PRLastSyncedAt:  a.PRLastSyncedAt,
		InSlopModeUntil: a.InSlopModeUntil,
		InRalphMode:     a.InRalphMode,
		ErrorMessage:    a.ErrorMessage,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}
