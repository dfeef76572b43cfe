// Package events provides event types and utilities for the Ariana event system.
package events

// Event types for agent lifecycle
const (
	AgentCreated      = "agent.created"
	AgentStateChanged = "agent.state_changed"
	AgentTrashed      = "agent.trashed"
	AgentUntrashed    = "agent.untrashed"
	AgentArchived     = "agent.archived"
)

// Event types for agent data streams (messages, commits, automation output).
// The payload carries added/modified ids so subscribers can fetch deltas.
const (
	AgentEventsChanged = "agent.events_changed"
)

// Event types for prompts
const (
	PromptQueued   = "prompt.queued"
	PromptStarted  = "prompt.started"
	PromptFinished = "prompt.finished"
	PromptFailed   = "prompt.failed"
)

// Event types for context-window tracking
const (
	ContextWarning   = "context.warning"
	ContextCompacted = "context.compacted"
)

// Event types for automations
const (
	AutomationEventStarted  = "automation.event.started"
	AutomationEventFinished = "automation.event.finished"
)

// Event types for the machine pool
const (
	MachineReserved = "machine.reserved"
	MachineAssigned = "machine.assigned"
	MachineReleased = "machine.released"
)

// Event types for pull requests
const (
	PullRequestSynced = "pull_request.synced"
)

// BuildAgentStateSubject creates a state-change subject for a specific agent
func BuildAgentStateSubject(agentID string) string {
	return AgentStateChanged + "." + agentID
}

// BuildAgentStateWildcardSubject creates a wildcard subscription for all agent state changes
func BuildAgentStateWildcardSubject() string {
	return AgentStateChanged + ".*"
}

// BuildAgentEventsSubject creates an events-changed subject for a specific agent
func BuildAgentEventsSubject(agentID string) string {
	return AgentEventsChanged + "." + agentID
}

// BuildAgentEventsWildcardSubject creates a wildcard subscription for all agent data events
func BuildAgentEventsWildcardSubject() string {
	return AgentEventsChanged + ".*"
}

// BuildContextWarningSubject creates a context-warning subject for a specific agent
func BuildContextWarningSubject(agentID string) string {
	return ContextWarning + "." + agentID
}

// BuildContextWarningWildcardSubject creates a wildcard subscription for all context warnings
func BuildContextWarningWildcardSubject() string {
	return ContextWarning + ".*"
}

// BuildPromptSubject creates a prompt lifecycle subject for a specific agent
func BuildPromptSubject(eventType, agentID string) string {
	return eventType + "." + agentID
}

// BuildAutomationEventSubject creates an automation event subject for a specific agent
func BuildAutomationEventSubject(eventType, agentID string) string {
	return eventType + "." + agentID
}
