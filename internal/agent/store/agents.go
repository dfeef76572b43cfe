package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/db/dialect"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

const agentColumns = `id, user_id, project_id, name, branch_name, repo_full_name, task_summary,
	machine_id, machine_type, machine_address, machine_shared_key, service_preview_token,
	state, is_trashed, provisioned_at, lifetime_units,
	current_task_id, pending_commit_triggered, pending_push_pr_triggered,
	last_commit_sha, last_commit_url, last_commit_at,
	git_history_last_pushed_commit_sha, start_commit_sha,
	pr_number, pr_state, pr_base_branch, pr_last_synced_at,
	in_slop_mode_until, slop_mode_custom_prompt, in_ralph_mode,
	error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var (
		isTrashed     int
		pendingCommit int
		pendingPush   int
		inRalph       int
		provisionedAt sql.NullTime
		lastCommitAt  sql.NullTime
		prSyncedAt    sql.NullTime
		slopUntil     sql.NullTime
		prNumber      sql.NullInt64
		prState       sql.NullString
	)
	err := row.Scan(
		&agent.ID, &agent.UserID, &agent.ProjectID, &agent.Name, &agent.BranchName, &agent.RepoFullName, &agent.TaskSummary,
		&agent.MachineID, &agent.MachineType, &agent.MachineAddress, &agent.MachineSharedKey, &agent.ServicePreviewToken,
		&agent.State, &isTrashed, &provisionedAt, &agent.LifetimeUnits,
		&agent.CurrentTaskID, &pendingCommit, &pendingPush,
		&agent.LastCommitSHA, &agent.LastCommitURL, &lastCommitAt,
		&agent.GitHistoryLastPushedCommitSHA, &agent.StartCommitSHA,
		&prNumber, &prState, &agent.PRBaseBranch, &prSyncedAt,
		&slopUntil, &agent.SlopModeCustomPrompt, &inRalph,
		&agent.ErrorMessage, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	agent.IsTrashed = isTrashed == 1
	agent.PendingCommitTriggered = pendingCommit == 1
	agent.PendingPushPrTriggered = pendingPush == 1
	agent.InRalphMode = inRalph == 1
	if provisionedAt.Valid {
		agent.ProvisionedAt = &provisionedAt.Time
	}
	if lastCommitAt.Valid {
		agent.LastCommitAt = &lastCommitAt.Time
	}
	if prSyncedAt.Valid {
		agent.PRLastSyncedAt = &prSyncedAt.Time
	}
	if slopUntil.Valid {
		agent.InSlopModeUntil = &slopUntil.Time
	}
	if prNumber.Valid {
		n := int(prNumber.Int64)
		agent.PRNumber = &n
	}
	if prState.Valid {
		agent.PRState = v1.PullRequestState(prState.String)
	}
	return agent, nil
}

// CreateAgent inserts a new agent. New agents start in PROVISIONING.
func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.State == "" {
		agent.State = v1.AgentStateProvisioning
	}
	if agent.MachineType == "" {
		agent.MachineType = v1.MachineTypePool
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	var prNumber interface{}
	if agent.PRNumber != nil {
		prNumber = *agent.PRNumber
	}
	var prState interface{}
	if agent.PRState != "" {
		prState = string(agent.PRState)
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		agent.ID, agent.UserID, agent.ProjectID, agent.Name, agent.BranchName, agent.RepoFullName, agent.TaskSummary,
		agent.MachineID, agent.MachineType, agent.MachineAddress, agent.MachineSharedKey, agent.ServicePreviewToken,
		agent.State, dialect.BoolToInt(agent.IsTrashed), agent.ProvisionedAt, agent.LifetimeUnits,
		agent.CurrentTaskID, dialect.BoolToInt(agent.PendingCommitTriggered), dialect.BoolToInt(agent.PendingPushPrTriggered),
		agent.LastCommitSHA, agent.LastCommitURL, agent.LastCommitAt,
		agent.GitHistoryLastPushedCommitSHA, agent.StartCommitSHA,
		prNumber, prState, agent.PRBaseBranch, agent.PRLastSyncedAt,
		agent.InSlopModeUntil, agent.SlopModeCustomPrompt, dialect.BoolToInt(agent.InRalphMode),
		agent.ErrorMessage, agent.CreatedAt, agent.UpdatedAt,
	)
	return err
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+agentColumns+` FROM agents WHERE id = ?
	`), id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgentByMachineID retrieves the agent currently holding a machine.
func (s *Store) GetAgentByMachineID(ctx context.Context, machineID string) (*models.Agent, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+agentColumns+` FROM agents WHERE machine_id = ?
	`), machineID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: machine %s", ErrAgentNotFound, machineID)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...interface{}) ([]*models.Agent, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListAgents returns all agents ordered by creation time, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC`)
}

// ListAgentsByProject returns all agents for a project, newest first.
func (s *Store) ListAgentsByProject(ctx context.Context, projectID string) ([]*models.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY created_at DESC
	`, projectID)
}

// ListActiveAgents returns non-trashed agents in a pollable state (READY,
// IDLE, RUNNING). This is the set the controller ticks.
func (s *Store) ListActiveAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE is_trashed = 0 AND state IN (?, ?, ?)
		ORDER BY created_at ASC
	`, v1.AgentStateReady, v1.AgentStateIdle, v1.AgentStateRunning)
}

// ListAgentsInState returns non-trashed agents in the given state.
func (s *Store) ListAgentsInState(ctx context.Context, state v1.AgentState) ([]*models.Agent, error) {
	return s.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE is_trashed = 0 AND state = ?
		ORDER BY created_at ASC
	`, state)
}

// UpdateAgentState transitions an agent between states. The transition must
// be allowed by the lifecycle table, and the stored state must still equal
// the expected from-state.
func (s *Store) UpdateAgentState(ctx context.Context, agentID string, from, to v1.AgentState) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`), to, time.Now().UTC(), agentID, from)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s expected %s", ErrStaleAgentState, agentID, from)
	}
	return nil
}

// SetAgentError moves an agent to ERROR and records the cause.
func (s *Store) SetAgentError(ctx context.Context, agentID, message string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET state = ?, error_message = ?, updated_at = ? WHERE id = ?
	`), v1.AgentStateError, message, time.Now().UTC(), agentID)
	return err
}

// AssignMachine stamps machine coordinates on the agent after provisioning.
func (s *Store) AssignMachine(ctx context.Context, agentID, machineID string, machineType v1.MachineType, address, sharedKey string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET machine_id = ?, machine_type = ?, machine_address = ?,
			machine_shared_key = ?, provisioned_at = ?, updated_at = ?
		WHERE id = ?
	`), machineID, machineType, address, sharedKey, now, now, agentID)
	return err
}

// ClearMachineAssignment removes machine coordinates, keeping machine_type
// so a resume reprovisions the same kind of machine.
func (s *Store) ClearMachineAssignment(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET machine_id = '', machine_address = '', machine_shared_key = '',
			service_preview_token = '', provisioned_at = NULL, updated_at = ?
		WHERE id = ?
	`), time.Now().UTC(), agentID)
	return err
}

// SetServicePreviewToken stores the process-local preview token pushed to the worker.
func (s *Store) SetServicePreviewToken(ctx context.Context, agentID, token string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET service_preview_token = ?, updated_at = ? WHERE id = ?
	`), token, time.Now().UTC(), agentID)
	return err
}

// SetCurrentTask points the agent at the prompt it is executing. Empty clears it.
func (s *Store) SetCurrentTask(ctx context.Context, agentID, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET current_task_id = ?, updated_at = ? WHERE id = ?
	`), taskID, time.Now().UTC(), agentID)
	return err
}

// SetPendingCommitTriggered flips the commit gate flag.
func (s *Store) SetPendingCommitTriggered(ctx context.Context, agentID string, v bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET pending_commit_triggered = ?, updated_at = ? WHERE id = ?
	`), dialect.BoolToInt(v), time.Now().UTC(), agentID)
	return err
}

// SetPendingPushPrTriggered flips the push gate flag.
func (s *Store) SetPendingPushPrTriggered(ctx context.Context, agentID string, v bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET pending_push_pr_triggered = ?, updated_at = ? WHERE id = ?
	`), dialect.BoolToInt(v), time.Now().UTC(), agentID)
	return err
}

// SetTrashed toggles the soft-delete flag. State is left untouched.
func (s *Store) SetTrashed(ctx context.Context, agentID string, trashed bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET is_trashed = ?, updated_at = ? WHERE id = ?
	`), dialect.BoolToInt(trashed), time.Now().UTC(), agentID)
	return err
}

// UpdateTaskSummary stores the generated human-readable summary.
func (s *Store) UpdateTaskSummary(ctx context.Context, agentID, summary string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET task_summary = ?, updated_at = ? WHERE id = ?
	`), summary, time.Now().UTC(), agentID)
	return err
}

// UpdateBranchName stores the branch the agent works on.
func (s *Store) UpdateBranchName(ctx context.Context, agentID, branch string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET branch_name = ?, updated_at = ? WHERE id = ?
	`), branch, time.Now().UTC(), agentID)
	return err
}

// SetRepo records which repository the agent was started against.
func (s *Store) SetRepo(ctx context.Context, agentID, repoFullName string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET repo_full_name = ?, updated_at = ? WHERE id = ?
	`), repoFullName, time.Now().UTC(), agentID)
	return err
}

// RecordLastCommit updates the last-commit pointer shown to users.
func (s *Store) RecordLastCommit(ctx context.Context, agentID, sha, url string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET last_commit_sha = ?, last_commit_url = ?, last_commit_at = ?, updated_at = ?
		WHERE id = ?
	`), sha, url, at, time.Now().UTC(), agentID)
	return err
}

// SetGitHistoryCursor records the last pushed commit the history poller saw.
func (s *Store) SetGitHistoryCursor(ctx context.Context, agentID, sha string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET git_history_last_pushed_commit_sha = ?, updated_at = ? WHERE id = ?
	`), sha, time.Now().UTC(), agentID)
	return err
}

// SetStartCommit records the commit the agent's work started from.
func (s *Store) SetStartCommit(ctx context.Context, agentID, sha string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET start_commit_sha = ?, updated_at = ? WHERE id = ?
	`), sha, time.Now().UTC(), agentID)
	return err
}

// UpdatePullRequest stores the synced PR state. A nil number clears the PR.
func (s *Store) UpdatePullRequest(ctx context.Context, agentID string, number *int, state v1.PullRequestState, baseBranch string, syncedAt time.Time) error {
	var prNumber interface{}
	if number != nil {
		prNumber = *number
	}
	var prState interface{}
	if state != "" {
		prState = string(state)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET pr_number = ?, pr_state = ?, pr_base_branch = ?, pr_last_synced_at = ?, updated_at = ?
		WHERE id = ?
	`), prNumber, prState, baseBranch, syncedAt, time.Now().UTC(), agentID)
	return err
}

// SetSlopMode arms or disarms timed autonomous mode. A nil until disarms.
func (s *Store) SetSlopMode(ctx context.Context, agentID string, until *time.Time, customPrompt string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET in_slop_mode_until = ?, slop_mode_custom_prompt = ?, updated_at = ? WHERE id = ?
	`), until, customPrompt, time.Now().UTC(), agentID)
	return err
}

// SetRalphMode toggles ralph autonomous mode.
func (s *Store) SetRalphMode(ctx context.Context, agentID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET in_ralph_mode = ?, updated_at = ? WHERE id = ?
	`), dialect.BoolToInt(enabled), time.Now().UTC(), agentID)
	return err
}

// SetLifetimeUnits replaces the remaining lifetime budget.
func (s *Store) SetLifetimeUnits(ctx context.Context, agentID string, units int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET lifetime_units = ?, updated_at = ? WHERE id = ?
	`), units, time.Now().UTC(), agentID)
	return err
}

// ResetForProvisioning re-enters PROVISIONING from ERROR or ARCHIVED,
// clearing machine coordinates and the error while keeping machine_type.
func (s *Store) ResetForProvisioning(ctx context.Context, agentID string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET state = ?, machine_id = '', machine_address = '', machine_shared_key = '',
			service_preview_token = '', provisioned_at = NULL, error_message = '',
			current_task_id = '', pending_commit_triggered = 0, pending_push_pr_triggered = 0,
			updated_at = ?
		WHERE id = ? AND state IN (?, ?)
	`), v1.AgentStateProvisioning, now, agentID, v1.AgentStateError, v1.AgentStateArchived)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s is not resumable", ErrStaleAgentState, agentID)
	}
	return nil
}
