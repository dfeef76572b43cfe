package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/db/dialect"
)

const messageColumns = `id, agent_id, role, content, model, task_id, tools, is_streaming, source_uuid, timestamp, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var isStreaming int
	var toolsJSON string
	err := row.Scan(&msg.ID, &msg.AgentID, &msg.Role, &msg.Content, &msg.Model, &msg.TaskID,
		&toolsJSON, &isStreaming, &msg.SourceUUID, &msg.Timestamp, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.IsStreaming = isStreaming == 1
	if toolsJSON != "" && toolsJSON != "[]" {
		if err := json.Unmarshal([]byte(toolsJSON), &msg.Tools); err != nil {
			return nil, fmt.Errorf("failed to deserialize message tools: %w", err)
		}
	}
	return msg, nil
}

// InsertMessage stores a new message row.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = msg.CreatedAt
	}
	toolsJSON, err := msg.ToolsJSON()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), msg.ID, msg.AgentID, msg.Role, msg.Content, msg.Model, msg.TaskID,
		toolsJSON, dialect.BoolToInt(msg.IsStreaming), msg.SourceUUID, msg.Timestamp, msg.CreatedAt)
	return err
}

// CountFinalizedMessages returns how many non-streaming messages the agent has.
func (s *Store) CountFinalizedMessages(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM agent_messages WHERE agent_id = ? AND is_streaming = 0
	`), agentID).Scan(&count)
	return count, err
}

// GetStreamingMessage returns the agent's streaming placeholder, or nil when
// there is none.
func (s *Store) GetStreamingMessage(ctx context.Context, agentID string) (*models.Message, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+messageColumns+` FROM agent_messages WHERE agent_id = ? AND is_streaming = 1
	`), agentID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UpsertStreaming inserts or updates the unique streaming row for the agent.
// Returns the row id plus whether the row was created or its content changed.
func (s *Store) UpsertStreaming(ctx context.Context, msg *models.Message) (string, bool, bool, error) {
	existing, err := s.GetStreamingMessage(ctx, msg.AgentID)
	if err != nil {
		return "", false, false, err
	}
	if existing == nil {
		msg.IsStreaming = true
		if err := s.InsertMessage(ctx, msg); err != nil {
			return "", false, false, err
		}
		return msg.ID, true, false, nil
	}
	if existing.Content == msg.Content {
		return existing.ID, false, false, nil
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_messages SET content = ?, model = ?, timestamp = ? WHERE id = ?
	`), msg.Content, msg.Model, msg.Timestamp, existing.ID)
	if err != nil {
		return "", false, false, err
	}
	return existing.ID, false, true, nil
}

// GetMessageBySourceUUID returns the finalized message with the given
// worker-provided id, or nil when unseen.
func (s *Store) GetMessageBySourceUUID(ctx context.Context, agentID, sourceUUID string) (*models.Message, error) {
	if sourceUUID == "" {
		return nil, nil
	}
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+messageColumns+` FROM agent_messages WHERE agent_id = ? AND source_uuid = ?
	`), agentID, sourceUUID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessageTools replaces the tool list for a message. Ingestion calls
// this only when the JSON form differs, keeping the -1 overlap idempotent.
func (s *Store) UpdateMessageTools(ctx context.Context, messageID, toolsJSON string) error {
	if toolsJSON == "" {
		toolsJSON = "[]"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_messages SET tools = ? WHERE id = ?
	`), toolsJSON, messageID)
	return err
}

// FinalizeStreamingMessage converts the streaming placeholder into the
// finalized message in place, stamping the worker's source uuid.
func (s *Store) FinalizeStreamingMessage(ctx context.Context, messageID string, msg *models.Message) error {
	toolsJSON, err := msg.ToolsJSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agent_messages SET is_streaming = 0, content = ?, model = ?, task_id = ?,
			tools = ?, source_uuid = ?, timestamp = ?
		WHERE id = ?
	`), msg.Content, msg.Model, msg.TaskID, toolsJSON, msg.SourceUUID, msg.Timestamp, messageID)
	return err
}

// ListMessages returns the agent's messages in conversation order. A
// positive limit returns only the newest rows, still oldest-first.
func (s *Store) ListMessages(ctx context.Context, agentID string, limit int) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM agent_messages WHERE agent_id = ? ORDER BY timestamp ASC, created_at ASC`
	args := []interface{}{agentID}
	if limit > 0 {
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM agent_messages
			WHERE agent_id = ? ORDER BY timestamp DESC, created_at DESC LIMIT ?
		) AS recent ORDER BY timestamp ASC, created_at ASC`
		args = append(args, limit)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// DeleteOrphanedStreaming removes all streaming placeholders. Run at startup;
// placeholders left by a previous process would otherwise linger until the
// next finalized message arrives.
func (s *Store) DeleteOrphanedStreaming(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_messages WHERE is_streaming = 1`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
