package automation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ariana-dot-dev/ariana/internal/db"
	"github.com/ariana-dot-dev/ariana/internal/db/dialect"
)

// Store persists automations and their execution events.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates a Store over the shared pool and ensures the schema exists.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS automations (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_file_glob TEXT NOT NULL DEFAULT '',
			trigger_command_regex TEXT NOT NULL DEFAULT '',
			trigger_automation_id TEXT NOT NULL DEFAULT '',
			script_language TEXT NOT NULL DEFAULT 'bash',
			script_content TEXT NOT NULL,
			blocking INTEGER NOT NULL DEFAULT 0,
			feed_output INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_automations_project ON automations(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_automations_trigger ON automations(trigger_type)`,

		`CREATE TABLE IF NOT EXISTS automation_events (
			id TEXT PRIMARY KEY,
			automation_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_events_agent ON automation_events(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_events_automation ON automation_events(automation_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const automationColumns = `id, project_id, user_id, name, trigger_type, trigger_file_glob,
	trigger_command_regex, trigger_automation_id, script_language, script_content,
	blocking, feed_output, created_at, updated_at`

func scanAutomation(row rowScanner) (*Automation, error) {
	var a Automation
	var blocking, feedOutput int
	err := row.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.Name, &a.Trigger.Type,
		&a.Trigger.FileGlob, &a.Trigger.CommandRegex, &a.Trigger.AutomationID,
		&a.ScriptLanguage, &a.ScriptContent, &blocking, &feedOutput,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Blocking = blocking != 0
	a.FeedOutput = feedOutput != 0
	return &a, nil
}

// CreateAutomation inserts an automation definition.
func (s *Store) CreateAutomation(ctx context.Context, a *Automation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if !IsValidTriggerType(a.Trigger.Type) {
		return fmt.Errorf("unknown trigger type %q", a.Trigger.Type)
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO automations (id, project_id, user_id, name, trigger_type,
			trigger_file_glob, trigger_command_regex, trigger_automation_id,
			script_language, script_content, blocking, feed_output, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.ProjectID, a.UserID, a.Name, a.Trigger.Type,
		a.Trigger.FileGlob, a.Trigger.CommandRegex, a.Trigger.AutomationID,
		a.ScriptLanguage, a.ScriptContent, dialect.BoolToInt(a.Blocking),
		dialect.BoolToInt(a.FeedOutput), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

// GetAutomation returns one automation by id.
func (s *Store) GetAutomation(ctx context.Context, id string) (*Automation, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+automationColumns+` FROM automations WHERE id = ?
	`), id)
	a, err := scanAutomation(row)
	if err == sql.ErrNoRows {
		return nil, ErrAutomationNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListByProject returns a project's automations in creation order.
func (s *Store) ListByProject(ctx context.Context, projectID string) ([]*Automation, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+automationColumns+` FROM automations
		WHERE project_id = ? ORDER BY created_at ASC
	`), projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var automations []*Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		automations = append(automations, a)
	}
	return automations, rows.Err()
}

// DeleteAutomation removes an automation definition.
func (s *Store) DeleteAutomation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM automations WHERE id = ?
	`), id)
	return err
}

const eventColumns = `id, automation_id, agent_id, status, output, exit_code, started_at, finished_at`

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.AutomationID, &e.AgentID, &e.Status, &e.Output,
		&e.ExitCode, &e.StartedAt, &e.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEvent records one automation execution observation.
func (s *Store) InsertEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO automation_events (id, automation_id, agent_id, status, output,
			exit_code, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.AutomationID, e.AgentID, e.Status, e.Output, e.ExitCode,
		e.StartedAt, e.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert automation event: %w", err)
	}
	return nil
}

// RunningEvent returns the running event for (agent, automation), or nil.
func (s *Store) RunningEvent(ctx context.Context, agentID, automationID string) (*Event, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+eventColumns+` FROM automation_events
		WHERE agent_id = ? AND automation_id = ? AND status = 'running'
		ORDER BY started_at DESC LIMIT 1
	`), agentID, automationID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FinishEvent stamps a terminal status onto an event.
func (s *Store) FinishEvent(ctx context.Context, eventID string, status EventStatus, output string, exitCode *int, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE automation_events SET status = ?, output = ?, exit_code = ?, finished_at = ?
		WHERE id = ?
	`), status, output, exitCode, finishedAt, eventID)
	return err
}

// UpdateEventOutput replaces the running-output snapshot of an event.
func (s *Store) UpdateEventOutput(ctx context.Context, eventID, output string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE automation_events SET output = ? WHERE id = ?
	`), output, eventID)
	return err
}

// KillRunningEvents marks any running events for (agent, automation) killed.
// A new running observation for the same automation supersedes them.
func (s *Store) KillRunningEvents(ctx context.Context, agentID, automationID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE automation_events SET status = 'killed', finished_at = ?
		WHERE agent_id = ? AND automation_id = ? AND status = 'running'
	`), time.Now().UTC(), agentID, automationID)
	return err
}

// HasRunSince reports whether the automation ran (any status) for the agent
// at or after the given time. The on_before_commit dedupe uses this.
func (s *Store) HasRunSince(ctx context.Context, agentID, automationID string, since time.Time) (bool, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM automation_events
		WHERE agent_id = ? AND automation_id = ? AND started_at >= ?
	`), agentID, automationID, since).Scan(&count)
	return count > 0, err
}

// ListEventsByAgent returns an agent's automation events, newest first.
func (s *Store) ListEventsByAgent(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM automation_events
		WHERE agent_id = ? ORDER BY started_at DESC`
	args := []interface{}{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
