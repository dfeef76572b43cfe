package models

import (
	"time"

	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// ContextEventType represents the kind of context-window event
type ContextEventType string

const (
	// ContextEventWarning is recorded when remaining context crosses a 10% threshold downward
	ContextEventWarning ContextEventType = "context_warning"
	// ContextEventCompaction is recorded when the worker compacts the conversation
	ContextEventCompaction ContextEventType = "compaction"
)

// ContextEvent records a context-window threshold crossing or a compaction.
type ContextEvent struct {
	ID               string           `json:"id"`
	AgentID          string           `json:"agent_id"`
	EventType        ContextEventType `json:"event_type"`
	UsedPercent      float64          `json:"used_percent"`
	RemainingPercent float64          `json:"remaining_percent"`
	TotalTokens      int              `json:"total_tokens"`
	ThresholdPercent int              `json:"threshold_percent,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// ToAPI converts internal ContextEvent to API type
func (e *ContextEvent) ToAPI() *v1.ContextEvent {
	return &v1.ContextEvent{
		ID:               e.ID,
		AgentID:          e.AgentID,
		EventType:        string(e.EventType),
		UsedPercent:      e.UsedPercent,
		RemainingPercent: e.RemainingPercent,
		TotalTokens:      e.TotalTokens,
		ThresholdPercent: e.ThresholdPercent,
		CreatedAt:        e.CreatedAt,
	}
}
