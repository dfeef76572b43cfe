package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	ws "github.com/ariana-dot-dev/ariana/pkg/websocket"
)

// AgentEventBroadcaster bridges the event bus to the hub. Events scoped to
// an agent reach only that agent's subscribers; agent creation goes to all
// clients so lists can refresh.
type AgentEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterAgentNotifications subscribes the hub to every event subject the
// control plane publishes. The broadcaster closes its subscriptions when
// ctx is cancelled.
func RegisterAgentNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *AgentEventBroadcaster {
	b := &AgentEventBroadcaster{
		hub:    hub,
		logger: log.WithComponent("ws-agent-broadcaster"),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildAgentStateWildcardSubject(), ws.ActionAgentStateChanged)
	b.subscribe(eventBus, events.BuildAgentEventsWildcardSubject(), ws.ActionAgentEventsChanged)
	b.subscribe(eventBus, events.BuildContextWarningWildcardSubject(), ws.ActionContextWarning)
	b.subscribe(eventBus, events.PromptQueued+".*", ws.ActionPromptQueued)
	b.subscribe(eventBus, events.PromptStarted+".*", ws.ActionPromptStarted)
	b.subscribe(eventBus, events.PromptFinished+".*", ws.ActionPromptFinished)
	b.subscribe(eventBus, events.PromptFailed+".*", ws.ActionPromptFailed)
	b.subscribe(eventBus, events.AutomationEventStarted+".*", ws.ActionAutomationEventStarted)
	b.subscribe(eventBus, events.AutomationEventFinished+".*", ws.ActionAutomationEventFinished)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes all bus subscriptions.
func (b *AgentEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *AgentEventBroadcaster) subscribe(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		// Events change type on the wire: state changes, trashed/untrashed,
		// context compactions, and PR syncs all share a subject family with
		// the action above. The event's own type wins.
		wireAction := action
		switch event.Type {
		case events.AgentCreated:
			wireAction = ws.ActionAgentCreated
		case events.AgentTrashed:
			wireAction = ws.ActionAgentTrashed
		case events.AgentUntrashed:
			wireAction = ws.ActionAgentUntrashed
		case events.ContextCompacted:
			wireAction = ws.ActionContextCompacted
		case events.PullRequestSynced:
			wireAction = ws.ActionPullRequestSynced
		}

		msg, err := ws.NewNotification(wireAction, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification",
				zap.String("action", wireAction), zap.Error(err))
			return nil
		}

		var agentID string
		if data, ok := event.Data.(map[string]interface{}); ok {
			agentID, _ = data["agent_id"].(string)
		}

		// Agent creation predates any subscription; broadcast it.
		if wireAction == ws.ActionAgentCreated || agentID == "" {
			b.hub.Broadcast(msg)
			return nil
		}
		b.hub.BroadcastToAgent(agentID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
