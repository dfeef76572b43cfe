package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/db/dialect"
)

const commitColumns = `id, agent_id, commit_sha, branch_name, commit_message, task_id,
	files_changed, additions, deletions, pushed, commit_patch, is_deleted, committed_at, created_at`

func scanCommit(row rowScanner) (*models.Commit, error) {
	commit := &models.Commit{}
	var pushed, isDeleted int
	err := row.Scan(&commit.ID, &commit.AgentID, &commit.CommitSHA, &commit.BranchName, &commit.CommitMessage,
		&commit.TaskID, &commit.FilesChanged, &commit.Additions, &commit.Deletions,
		&pushed, &commit.CommitPatch, &isDeleted, &commit.CommittedAt, &commit.CreatedAt)
	if err != nil {
		return nil, err
	}
	commit.Pushed = pushed == 1
	commit.IsDeleted = isDeleted == 1
	return commit, nil
}

// UpsertCommit inserts a commit or refreshes its mutable fields, keyed by
// (agent_id, commit_sha). is_deleted is never reset by an upsert.
func (s *Store) UpsertCommit(ctx context.Context, commit *models.Commit) error {
	if commit.ID == "" {
		commit.ID = uuid.New().String()
	}
	if commit.CreatedAt.IsZero() {
		commit.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_commits (`+commitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, commit_sha) DO UPDATE SET
			branch_name = excluded.branch_name,
			commit_message = excluded.commit_message,
			task_id = excluded.task_id,
			files_changed = excluded.files_changed,
			additions = excluded.additions,
			deletions = excluded.deletions,
			pushed = excluded.pushed,
			commit_patch = excluded.commit_patch,
			committed_at = excluded.committed_at
	`), commit.ID, commit.AgentID, commit.CommitSHA, commit.BranchName, commit.CommitMessage, commit.TaskID,
		commit.FilesChanged, commit.Additions, commit.Deletions, dialect.BoolToInt(commit.Pushed),
		commit.CommitPatch, dialect.BoolToInt(commit.IsDeleted), commit.CommittedAt, commit.CreatedAt)
	return err
}

// GetCommitBySHA returns the commit with the given sha, or nil when unseen.
func (s *Store) GetCommitBySHA(ctx context.Context, agentID, sha string) (*models.Commit, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+commitColumns+` FROM agent_commits WHERE agent_id = ? AND commit_sha = ?
	`), agentID, sha)
	commit, err := scanCommit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// FindCommitByAuthorTimestamp returns a live commit sharing the author
// timestamp but not the sha. Amends rewrite the sha and keep the timestamp.
func (s *Store) FindCommitByAuthorTimestamp(ctx context.Context, agentID string, committedAt time.Time, excludeSHA string) (*models.Commit, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+commitColumns+` FROM agent_commits
		WHERE agent_id = ? AND committed_at = ? AND commit_sha != ? AND is_deleted = 0
		ORDER BY created_at DESC LIMIT 1
	`), agentID, committedAt, excludeSHA)
	commit, err := scanCommit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// MarkCommitDeleted flags a commit as gone from history. Never unset.
func (s *Store) MarkCommitDeleted(ctx context.Context, agentID, sha string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_commits SET is_deleted = 1 WHERE agent_id = ? AND commit_sha = ?
	`), agentID, sha)
	return err
}

// SetCommitPushed updates the pushed flag for a commit.
func (s *Store) SetCommitPushed(ctx context.Context, agentID, sha string, pushed bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_commits SET pushed = ? WHERE agent_id = ? AND commit_sha = ?
	`), dialect.BoolToInt(pushed), agentID, sha)
	return err
}

// UpdateCommitTask reassigns a commit to a task.
func (s *Store) UpdateCommitTask(ctx context.Context, commitID, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_commits SET task_id = ? WHERE id = ?
	`), taskID, commitID)
	return err
}

// ListCommits returns the agent's commits oldest-first. Deleted commits are
// included only when requested.
func (s *Store) ListCommits(ctx context.Context, agentID string, includeDeleted bool) ([]*models.Commit, error) {
	query := `SELECT ` + commitColumns + ` FROM agent_commits WHERE agent_id = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY committed_at ASC, created_at ASC`

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var commits []*models.Commit
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return commits, nil
}
