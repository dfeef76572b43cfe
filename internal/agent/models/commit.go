package models

import (
	"time"

	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// Commit represents a git commit observed on the worker. Commits are never
// physically deleted; ones that vanish from history (amends, resets) are
// marked IsDeleted instead.
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
	CommitPatch   string    `json:"commit_patch,omitempty"`
	IsDeleted     bool      `json:"is_deleted"`
	// CommittedAt is the author timestamp. Amend detection matches old and
	// new SHAs through it.
	CommittedAt time.Time `json:"committed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToAPI converts internal Commit to API type
func (c *Commit) ToAPI() *v1.Commit {
	return &v1.Commit{
		ID:            c.ID,
		AgentID:       c.AgentID,
		CommitSHA:     c.CommitSHA,
		BranchName:    c.BranchName,
		CommitMessage: c.CommitMessage,
		TaskID:        c.TaskID,
		FilesChanged:  c.FilesChanged,
		Additions:     c.Additions,
		Deletions:     c.Deletions,
		Pushed:        c.Pushed,
		IsDeleted:     c.IsDeleted,
		CommittedAt:   c.CommittedAt,
		CreatedAt:     c.CreatedAt,
	}
}
