// Package store persists agents and their prompt, message, commit, and
// context-event side-data. State transitions go through UpdateAgentState,
// which enforces the lifecycle table; everything else is side-data keyed
// by stable identifiers so concurrent writers stay idempotent.
package store

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana/internal/db"
)

var (
	// ErrAgentNotFound is returned when an agent id resolves to no row.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrPromptNotFound is returned when a prompt id resolves to no row.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrInvalidTransition is returned for a state change the lifecycle table forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStaleAgentState is returned when the agent's stored state no longer
	// matches the expected from-state of a transition.
	ErrStaleAgentState = errors.New("agent state changed concurrently")
	// ErrPromptNotQueued is returned when marking a prompt running that is no
	// longer queued. Closes the double-dispatch race between pump ticks.
	ErrPromptNotQueued = errors.New("prompt is not queued")
)

// Store provides persistence for agents and their side-data tables.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a Store over the shared pool and ensures the schema exists.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables and indexes if they don't exist.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			repo_full_name TEXT NOT NULL DEFAULT '',
			task_summary TEXT NOT NULL DEFAULT '',
			machine_id TEXT NOT NULL DEFAULT '',
			machine_type TEXT NOT NULL DEFAULT 'pool',
			machine_address TEXT NOT NULL DEFAULT '',
			machine_shared_key TEXT NOT NULL DEFAULT '',
			service_preview_token TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			is_trashed INTEGER NOT NULL DEFAULT 0,
			provisioned_at TIMESTAMP,
			lifetime_units INTEGER NOT NULL DEFAULT 0,
			current_task_id TEXT NOT NULL DEFAULT '',
			pending_commit_triggered INTEGER NOT NULL DEFAULT 0,
			pending_push_pr_triggered INTEGER NOT NULL DEFAULT 0,
			last_commit_sha TEXT NOT NULL DEFAULT '',
			last_commit_url TEXT NOT NULL DEFAULT '',
			last_commit_at TIMESTAMP,
			git_history_last_pushed_commit_sha TEXT NOT NULL DEFAULT '',
			start_commit_sha TEXT NOT NULL DEFAULT '',
			pr_number INTEGER,
			pr_state TEXT,
			pr_base_branch TEXT NOT NULL DEFAULT '',
			pr_last_synced_at TIMESTAMP,
			in_slop_mode_until TIMESTAMP,
			slop_mode_custom_prompt TEXT NOT NULL DEFAULT '',
			in_ralph_mode INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		// A machine belongs to at most one agent at a time.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_machine_id
			ON agents(machine_id) WHERE machine_id != ''`,
		`CREATE INDEX IF NOT EXISTS idx_agents_project_id ON agents(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state)`,

		`CREATE TABLE IF NOT EXISTS agent_prompts (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_prompts_agent_status
			ON agent_prompts(agent_id, status, created_at)`,

		`CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			tools TEXT NOT NULL DEFAULT '[]',
			is_streaming INTEGER NOT NULL DEFAULT 0,
			source_uuid TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_messages_agent
			ON agent_messages(agent_id, timestamp)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_messages_source_uuid
			ON agent_messages(agent_id, source_uuid) WHERE source_uuid != ''`,
		// At most one streaming placeholder per agent.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_messages_streaming
			ON agent_messages(agent_id) WHERE is_streaming = 1`,

		`CREATE TABLE IF NOT EXISTS agent_commits (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			branch_name TEXT NOT NULL DEFAULT '',
			commit_message TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			files_changed INTEGER NOT NULL DEFAULT 0,
			additions INTEGER NOT NULL DEFAULT 0,
			deletions INTEGER NOT NULL DEFAULT 0,
			pushed INTEGER NOT NULL DEFAULT 0,
			commit_patch TEXT NOT NULL DEFAULT '',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			committed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(agent_id, commit_sha)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_commits_agent
			ON agent_commits(agent_id, committed_at)`,

		`CREATE TABLE IF NOT EXISTS agent_access_grants (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			level TEXT NOT NULL DEFAULT 'read',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(agent_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS agent_context_events (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			used_percent REAL NOT NULL DEFAULT 0,
			remaining_percent REAL NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			threshold_percent INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_context_events_agent
			ON agent_context_events(agent_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
