package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
)

// GrantAccess gives a user access to an agent, upgrading in place if a grant
// already exists.
func (s *Store) GrantAccess(ctx context.Context, grant *models.AccessGrant) error {
	if grant.ID == "" {
		grant.ID = uuid.New().String()
	}
	if grant.Level == "" {
		grant.Level = models.AccessLevelRead
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_access_grants (id, agent_id, user_id, level, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, user_id) DO UPDATE SET level = excluded.level
	`), grant.ID, grant.AgentID, grant.UserID, grant.Level, grant.CreatedAt)
	return err
}

// GetAccessLevel returns the user's access level for an agent, or empty when
// no grant exists.
func (s *Store) GetAccessLevel(ctx context.Context, agentID, userID string) (models.AccessLevel, error) {
	var level models.AccessLevel
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT level FROM agent_access_grants WHERE agent_id = ? AND user_id = ?
	`), agentID, userID).Scan(&level)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return level, nil
}

// ListGrants returns all access grants for an agent.
func (s *Store) ListGrants(ctx context.Context, agentID string) ([]*models.AccessGrant, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, agent_id, user_id, level, created_at
		FROM agent_access_grants WHERE agent_id = ? ORDER BY created_at ASC
	`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var grants []*models.AccessGrant
	for rows.Next() {
		grant := &models.AccessGrant{}
		if err := rows.Scan(&grant.ID, &grant.AgentID, &grant.UserID, &grant.Level, &grant.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}
