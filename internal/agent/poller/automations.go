package poller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	"github.com/ariana-dot-dev/ariana/internal/worker"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// syncAutomationEvents mirrors the worker's automation executions into the
// events table. A fresh running report supersedes any stale running event
// for the same automation; a terminal report closes the running event, or
// records a whole run at once when the execution finished between polls.
func (p *Poller) syncAutomationEvents(ctx context.Context, agent *models.Agent) ([]string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, constants.PollTimeout)
	reports, err := p.worker.PollAutomationEvents(pollCtx, agent.ID)
	cancel()
	if err != nil {
		return nil, err
	}

	var changed []string
	for _, report := range reports {
		ids, err := p.applyEventReport(ctx, agent, &report)
		if err != nil {
			p.logger.WithAgentID(agent.ID).Warn("apply automation event",
				zap.String("automation_id", report.AutomationID),
				zap.Error(err),
			)
			continue
		}
		changed = append(changed, ids...)
	}
	return changed, nil
}

func (p *Poller) applyEventReport(ctx context.Context, agent *models.Agent, report *worker.AutomationEventReport) ([]string, error) {
	status := automation.EventStatus(report.Status)
	running, err := p.autoStore.RunningEvent(ctx, agent.ID, report.AutomationID)
	if err != nil {
		return nil, err
	}

	if status == automation.EventRunning {
		if running != nil {
			if report.Output != running.Output {
				if err := p.autoStore.UpdateEventOutput(ctx, running.ID, report.Output); err != nil {
					return nil, err
				}
				return []string{running.ID}, nil
			}
			return nil, nil
		}
		// A new run; anything still marked running from before was
		// superseded on the worker.
		if err := p.autoStore.KillRunningEvents(ctx, agent.ID, report.AutomationID); err != nil {
			return nil, err
		}
		event := &automation.Event{
			AutomationID: report.AutomationID,
			AgentID:      agent.ID,
			Status:       automation.EventRunning,
			Output:       report.Output,
			StartedAt:    report.StartedAt,
		}
		if err := p.autoStore.InsertEvent(ctx, event); err != nil {
			return nil, err
		}
		p.publishAutomationEvent(events.AutomationEventStarted, agent.ID, event.ID, report.AutomationID)
		return []string{event.ID}, nil
	}

	if !status.IsTerminal() {
		return nil, fmt.Errorf("unknown automation event status %q", report.Status)
	}

	finishedAt := time.Now().UTC()
	if report.FinishedAt != nil {
		finishedAt = *report.FinishedAt
	}

	var eventID string
	if running != nil {
		if err := p.autoStore.FinishEvent(ctx, running.ID, status, report.Output, report.ExitCode, finishedAt); err != nil {
			return nil, err
		}
		eventID = running.ID
	} else {
		// Fast execution: started and finished between two polls.
		event := &automation.Event{
			AutomationID: report.AutomationID,
			AgentID:      agent.ID,
			Status:       status,
			Output:       report.Output,
			ExitCode:     report.ExitCode,
			StartedAt:    report.StartedAt,
			FinishedAt:   &finishedAt,
		}
		if err := p.autoStore.InsertEvent(ctx, event); err != nil {
			return nil, err
		}
		eventID = event.ID
	}
	p.publishAutomationEvent(events.AutomationEventFinished, agent.ID, eventID, report.AutomationID)

	if _, err := p.hooks.Fire(ctx, agent, automation.TriggerContext{
		Type:                 automation.TriggerOnAutomationFinish,
		FinishedAutomationID: report.AutomationID,
	}); err != nil {
		p.logger.WithAgentID(agent.ID).Warn("on_automation_finishes automations", zap.Error(err))
	}
	return []string{eventID}, nil
}

// applyAutomationActions relays control-plane side effects automations
// requested on the worker: stopping the agent or queueing a follow-up
// prompt.
func (p *Poller) applyAutomationActions(ctx context.Context, agent *models.Agent) error {
	if p.actions == nil {
		return nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, constants.PollTimeout)
	actions, err := p.worker.PollAutomationActions(pollCtx, agent.ID)
	cancel()
	if err != nil {
		return err
	}

	log := p.logger.WithAgentID(agent.ID)
	for _, action := range actions {
		switch action.Type {
		case worker.ActionStopAgent:
			if err := p.actions.Interrupt(ctx, agent.ID); err != nil {
				log.Warn("automation stop_agent", zap.Error(err))
			}
		case worker.ActionQueuePrompt:
			model := v1.PromptModel(action.Model)
			if !models.IsValidModel(model) {
				model = v1.PromptModelSonnet
			}
			if _, err := p.actions.QueuePrompt(ctx, agent.ID, &v1.QueuePromptRequest{
				Prompt: action.Prompt,
				Model:  model,
			}); err != nil {
				log.Warn("automation queue_prompt", zap.Error(err))
			}
		default:
			log.Warn("unknown automation action", zap.String("type", action.Type))
		}
	}
	return nil
}

func (p *Poller) publishAutomationEvent(eventType, agentID, eventID, automationID string) {
	event := bus.NewEvent(eventType, "agent-poller", map[string]interface{}{
		"agent_id":      agentID,
		"event_id":      eventID,
		"automation_id": automationID,
	})
	if err := p.eventBus.Publish(context.Background(), events.BuildAutomationEventSubject(eventType, agentID), event); err != nil {
		p.logger.Warn("publish automation event", zap.Error(err))
	}
}
