package poller

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	"github.com/ariana-dot-dev/ariana/internal/worker"
)

// ingestContextEvents records compactions reported by the worker and
// restarts the warning-threshold tracker, so warnings fire again as the
// rebuilt context fills back up.
func (p *Poller) ingestContextEvents(ctx context.Context, agent *models.Agent) ([]string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, constants.PollTimeout)
	reports, err := p.worker.PollContextEvents(pollCtx, agent.ID)
	cancel()
	if err != nil {
		return nil, err
	}

	var added []string
	for _, report := range reports {
		switch report.Type {
		case worker.ContextEventCompaction:
			event := &models.ContextEvent{
				ID:        uuid.New().String(),
				AgentID:   agent.ID,
				EventType: models.ContextEventCompaction,
				CreatedAt: report.Timestamp,
			}
			if err := p.store.InsertContextEvent(ctx, event); err != nil {
				return added, err
			}
			added = append(added, event.ID)
			if p.actions != nil {
				p.actions.ResetContextThreshold(agent.ID)
			}
			p.publishContextCompacted(agent.ID)
		case worker.ContextEventReset:
			if p.actions != nil {
				p.actions.ResetContextThreshold(agent.ID)
			}
		default:
			p.logger.WithAgentID(agent.ID).Debug("unknown context event",
				zap.String("type", report.Type),
			)
		}
	}
	return added, nil
}

func (p *Poller) publishContextCompacted(agentID string) {
	event := bus.NewEvent(events.ContextCompacted, "agent-poller", map[string]interface{}{
		"agent_id": agentID,
	})
	if err := p.eventBus.Publish(context.Background(), events.BuildContextWarningSubject(agentID), event); err != nil {
		p.logger.Warn("publish context compacted", zap.Error(err))
	}
}
