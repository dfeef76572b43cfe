package models

import "time"

// AccessLevel represents what a user may do with an agent
type AccessLevel string

const (
	// AccessLevelRead grants read-only visibility of the agent
	AccessLevelRead AccessLevel = "read"
	// AccessLevelWrite grants prompt queueing and lifecycle operations
	AccessLevelWrite AccessLevel = "write"
)

// AccessGrant associates a user with an agent at a given access level.
// The creating user receives a write grant when the agent is registered.
type AccessGrant struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	UserID    string      `json:"user_id"`
	Level     AccessLevel `json:"level"`
	CreatedAt time.Time   `json:"created_at"`
}
