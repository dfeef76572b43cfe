package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
)

const contextEventColumns = `id, agent_id, event_type, used_percent, remaining_percent, total_tokens, threshold_percent, created_at`

// InsertContextEvent records a context-window warning or compaction.
func (s *Store) InsertContextEvent(ctx context.Context, event *models.ContextEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_context_events (`+contextEventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), event.ID, event.AgentID, event.EventType, event.UsedPercent, event.RemainingPercent,
		event.TotalTokens, event.ThresholdPercent, event.CreatedAt)
	return err
}

// ListContextEvents returns the agent's context events oldest-first.
func (s *Store) ListContextEvents(ctx context.Context, agentID string) ([]*models.ContextEvent, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+contextEventColumns+` FROM agent_context_events
		WHERE agent_id = ? ORDER BY created_at ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*models.ContextEvent
	for rows.Next() {
		event := &models.ContextEvent{}
		if err := rows.Scan(&event.ID, &event.AgentID, &event.EventType, &event.UsedPercent,
			&event.RemainingPercent, &event.TotalTokens, &event.ThresholdPercent, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// LatestContextEvent returns the newest event of the given type for the
// agent, or nil when none exists.
func (s *Store) LatestContextEvent(ctx context.Context, agentID string, eventType models.ContextEventType) (*models.ContextEvent, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+contextEventColumns+` FROM agent_context_events
		WHERE agent_id = ? AND event_type = ?
		ORDER BY created_at DESC LIMIT 1
	`), agentID, eventType)

	event := &models.ContextEvent{}
	err := row.Scan(&event.ID, &event.AgentID, &event.EventType, &event.UsedPercent,
		&event.RemainingPercent, &event.TotalTokens, &event.ThresholdPercent, &event.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}
