package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription actions (client -> server)
	ActionAgentSubscribe   = "agent.subscribe"
	ActionAgentUnsubscribe = "agent.unsubscribe"

	// Notification actions (server -> client)
	ActionAgentCreated       = "agent.created"
	ActionAgentStateChanged  = "agent.state_changed"
	ActionAgentTrashed       = "agent.trashed"
	ActionAgentUntrashed     = "agent.untrashed"
	ActionAgentEventsChanged = "agent.events_changed"

	ActionPromptQueued   = "prompt.queued"
	ActionPromptStarted  = "prompt.started"
	ActionPromptFinished = "prompt.finished"
	ActionPromptFailed   = "prompt.failed"

	ActionContextWarning   = "context.warning"
	ActionContextCompacted = "context.compacted"

	ActionAutomationEventStarted  = "automation.event.started"
	ActionAutomationEventFinished = "automation.event.finished"

	ActionPullRequestSynced = "pull_request.synced"
)

// Error codes
const (
	ErrorCodeBadRequest    = "bad_request"
	ErrorCodeValidation    = "validation_error"
	ErrorCodeNotFound      = "not_found"
	ErrorCodeUnknownAction = "unknown_action"
	ErrorCodeInternalError = "internal_error"
)
