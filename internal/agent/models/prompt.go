package models

import (
	"time"

	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// Prompt is a queued unit of work for an agent. Ordering within an agent
// is FIFO by CreatedAt.
type Prompt struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Prompt    string          `json:"prompt"`
	Model     v1.PromptModel  `json:"model"`
	Status    v1.PromptStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IsActive reports whether the prompt still occupies the queue.
func (p *Prompt) IsActive() bool {
	return p.Status == v1.PromptStatusQueued || p.Status == v1.PromptStatusRunning
}

// IsValidModel reports whether m is a known prompt model.
func IsValidModel(m v1.PromptModel) bool {
	switch m {
	case v1.PromptModelOpus, v1.PromptModelSonnet, v1.PromptModelHaiku:
		return true
	default:
		return false
	}
}

// ToAPI converts internal Prompt to API type
func (p *Prompt) ToAPI() *v1.Prompt {
	return &v1.Prompt{
		ID:        p.ID,
		AgentID:   p.AgentID,
		Prompt:    p.Prompt,
		Model:     p.Model,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
