package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	"github.com/ariana-dot-dev/ariana/internal/metrics"
)

// registerMetricObservers feeds the event-driven counters from the bus so
// the controller and poller stay free of metrics plumbing.
func registerMetricObservers(eventBus bus.EventBus, m *metrics.Metrics, log *logger.Logger) {
	subscribe := func(subject string, handler bus.EventHandler) {
		if _, err := eventBus.Subscribe(subject, handler); err != nil {
			log.Error("failed to subscribe metric observer",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}

	subscribe(events.BuildAgentStateWildcardSubject(), func(ctx context.Context, event *bus.Event) error {
		if event.Type != events.AgentStateChanged {
			return nil
		}
		if data, ok := event.Data.(map[string]interface{}); ok {
			if to, ok := data["to"].(string); ok && to != "" {
				m.AgentStateTransitions.WithLabelValues(to).Inc()
			}
		}
		return nil
	})

	subscribe(events.PromptStarted+".*", func(ctx context.Context, event *bus.Event) error {
		m.PromptsPumped.Inc()
		return nil
	})

	subscribe(events.AutomationEventStarted+".*", func(ctx context.Context, event *bus.Event) error {
		m.AutomationsFired.Inc()
		return nil
	})
}
