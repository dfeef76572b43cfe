package models

import (
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// MessageRole represents who authored a conversation turn
type MessageRole string

const (
	// MessageRoleUser indicates a turn sent by the human user
	MessageRoleUser MessageRole = "user"
	// MessageRoleAssistant indicates a turn produced by the agent
	MessageRoleAssistant MessageRole = "assistant"
)

// Message represents one conversation turn ingested from the worker.
// A streaming message is a mutable placeholder row; it is finalized in
// place once the worker reports the completed turn. At most one streaming
// message exists per agent.
type Message struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	Role        MessageRole   `json:"role"`
	Content     string        `json:"content"`
	Model       string        `json:"model,omitempty"`
	TaskID      string        `json:"task_id,omitempty"`
	Tools       []v1.ToolCall `json:"tools,omitempty"`
	IsStreaming bool          `json:"is_streaming"`
	SourceUUID  string        `json:"source_uuid,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IsEmpty reports whether the message carries neither content nor tools.
// Empty messages are skipped during ingestion.
func (m *Message) IsEmpty() bool {
	return m.Content == "" && len(m.Tools) == 0
}

// ToolsJSON returns the canonical JSON form of the tool list. Ingestion
// compares these strings to decide whether a re-observed message needs a
// tools update.
func (m *Message) ToolsJSON() (string, error) {
	if len(m.Tools) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(m.Tools)
	if err != nil {
		return "", fmt.Errorf("failed to serialize tools: %w", err)
	}
	return string(data), nil
}

// ToAPI converts internal Message to API type
func (m *Message) ToAPI() *v1.Message {
	return &v1.Message{
		ID:          m.ID,
		AgentID:     m.AgentID,
		Role:        string(m.Role),
		Content:     m.Content,
		Model:       m.Model,
		TaskID:      m.TaskID,
		Tools:       m.Tools,
		IsStreaming: m.IsStreaming,
		Timestamp:   m.Timestamp,
	}
}
