package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

const promptColumns = `id, agent_id, prompt, model, status, created_at, updated_at`

func scanPrompt(row rowScanner) (*models.Prompt, error) {
	prompt := &models.Prompt{}
	err := row.Scan(&prompt.ID, &prompt.AgentID, &prompt.Prompt, &prompt.Model, &prompt.Status, &prompt.CreatedAt, &prompt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

// CreatePrompt appends a prompt to an agent's queue. Status defaults to
// queued; autonomous mode inserts prompts already marked running.
func (s *Store) CreatePrompt(ctx context.Context, prompt *models.Prompt) error {
	if prompt.ID == "" {
		prompt.ID = uuid.New().String()
	}
	if prompt.Status == "" {
		prompt.Status = v1.PromptStatusQueued
	}
	now := time.Now().UTC()
	if prompt.CreatedAt.IsZero() {
		prompt.CreatedAt = now
	}
	prompt.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_prompts (`+promptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), prompt.ID, prompt.AgentID, prompt.Prompt, prompt.Model, prompt.Status, prompt.CreatedAt, prompt.UpdatedAt)
	return err
}

// GetPrompt retrieves a prompt by id.
func (s *Store) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+promptColumns+` FROM agent_prompts WHERE id = ?
	`), id)
	prompt, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

// NextQueuedPrompt returns the oldest queued prompt for the agent, or nil
// when the queue is empty.
func (s *Store) NextQueuedPrompt(ctx context.Context, agentID string) (*models.Prompt, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+promptColumns+` FROM agent_prompts
		WHERE agent_id = ? AND status = ?
		ORDER BY created_at ASC LIMIT 1
	`), agentID, v1.PromptStatusQueued)
	prompt, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

// MarkPromptRunning flips a queued prompt to running. Fails with
// ErrPromptNotQueued when another pump tick got there first.
func (s *Store) MarkPromptRunning(ctx context.Context, promptID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_prompts SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`), v1.PromptStatusRunning, time.Now().UTC(), promptID, v1.PromptStatusQueued)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrPromptNotQueued, promptID)
	}
	return nil
}

// SetPromptStatus updates a prompt's status unconditionally.
func (s *Store) SetPromptStatus(ctx context.Context, promptID string, status v1.PromptStatus) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_prompts SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), promptID)
	return err
}

// FinishRunningPrompts marks all running prompts for the agent finished.
// Called at the end of a checkpoint and on interrupt.
func (s *Store) FinishRunningPrompts(ctx context.Context, agentID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_prompts SET status = ?, updated_at = ? WHERE agent_id = ? AND status = ?
	`), v1.PromptStatusFinished, time.Now().UTC(), agentID, v1.PromptStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RequeueRunningPrompts returns every running prompt to queued, across all
// agents. Runs once at startup so work orphaned by an unclean shutdown is
// pumped again.
func (s *Store) RequeueRunningPrompts(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_prompts SET status = ?, updated_at = ? WHERE status = ?
	`), v1.PromptStatusQueued, time.Now().UTC(), v1.PromptStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// FailActivePrompts marks all queued and running prompts for the agent
// failed. Called on ghost-agent and dead-machine detection.
func (s *Store) FailActivePrompts(ctx context.Context, agentID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_prompts SET status = ?, updated_at = ?
		WHERE agent_id = ? AND status IN (?, ?)
	`), v1.PromptStatusFailed, time.Now().UTC(), agentID, v1.PromptStatusQueued, v1.PromptStatusRunning)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListPrompts returns all prompts for an agent in queue order.
func (s *Store) ListPrompts(ctx context.Context, agentID string) ([]*models.Prompt, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+promptColumns+` FROM agent_prompts WHERE agent_id = ? ORDER BY created_at ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var prompts []*models.Prompt
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, prompt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return prompts, nil
}

// LatestPromptBefore returns the most recent prompt created at or before t.
// Commit ingestion uses it to assign commits to tasks by chronology.
func (s *Store) LatestPromptBefore(ctx context.Context, agentID string, t time.Time) (*models.Prompt, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+promptColumns+` FROM agent_prompts
		WHERE agent_id = ? AND created_at <= ?
		ORDER BY created_at DESC LIMIT 1
	`), agentID, t)
	prompt, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

// LastUsedModel returns the model of the newest prompt for the agent, or
// empty when the agent has none. Autonomous mode reuses it.
func (s *Store) LastUsedModel(ctx context.Context, agentID string) (v1.PromptModel, error) {
	var model v1.PromptModel
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT model FROM agent_prompts WHERE agent_id = ? ORDER BY created_at DESC LIMIT 1
	`), agentID).Scan(&model)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return model, nil
}
