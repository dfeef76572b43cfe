package controller

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/worker"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// initialContextBucket is the starting tracked threshold; warnings fire 10%
// below it, so the first one lands at remaining <= 60%.
const initialContextBucket = 70

// StepState runs one state-logic tick for the agent: query the worker,
// track machine health, then act on the agent's current state. Safe to call
// concurrently for different agents, never for the same one.
func (c *Controller) StepState(ctx context.Context, agent *models.Agent) {
	if agent.IsTrashed || !agent.IsPollable() {
		return
	}
	log := c.logger.WithAgentID(agent.ID)

	stateCtx, cancel := context.WithTimeout(ctx, constants.StateLogicTimeout)
	claudeState, err := c.worker.GetClaudeState(stateCtx, agent.ID)
	cancel()
	if err != nil {
		c.recordWorkerFailure(ctx, agent, err)
		return
	}
	c.recordWorkerSuccess(agent.ID)
	c.observeContextUsage(ctx, agent, claudeState.ContextUsage)

	switch agent.State {
	case v1.AgentStateReady:
		c.stepReady(ctx, agent, claudeState, log)
	case v1.AgentStateIdle:
		c.stepIdle(ctx, agent, claudeState, log)
	case v1.AgentStateRunning:
		c.stepRunning(ctx, agent, claudeState, log)
	}
}

// stepReady moves a freshly cloned agent into IDLE once its worker session
// is up, firing the on_agent_ready hooks on the way.
func (c *Controller) stepReady(ctx context.Context, agent *models.Agent, st *worker.ClaudeState, log *logger.Logger) {
	if !st.IsReady || st.HasBlockingAutomation {
		return
	}
	if _, err := c.hooks.Fire(ctx, agent, automation.TriggerContext{Type: automation.TriggerOnAgentReady}); err != nil {
		log.Warn("on_agent_ready automations", zap.Error(err))
	}
	if err := c.store.UpdateAgentState(ctx, agent.ID, v1.AgentStateReady, v1.AgentStateIdle); err != nil {
		log.Error("ready to idle", zap.Error(err))
		return
	}
	c.publishStateChange(agent.ID, v1.AgentStateReady, v1.AgentStateIdle)
}

// stepIdle pumps the next queued prompt when the worker can take one. A
// busy worker means something external started a turn, so the agent is
// moved to RUNNING to track it.
func (c *Controller) stepIdle(ctx context.Context, agent *models.Agent, st *worker.ClaudeState, log *logger.Logger) {
	if !st.IsReady {
		if err := c.store.UpdateAgentState(ctx, agent.ID, v1.AgentStateIdle, v1.AgentStateRunning); err == nil {
			c.publishStateChange(agent.ID, v1.AgentStateIdle, v1.AgentStateRunning)
		}
		return
	}
	if st.HasBlockingAutomation {
		return
	}
	if err := c.pumpPrompt(ctx, agent); err != nil {
		log.Error("prompt pump", zap.Error(err))
	}
}

// stepRunning watches a working agent: ghost detection while the worker is
// busy, checkpoint once it goes quiet.
func (c *Controller) stepRunning(ctx context.Context, agent *models.Agent, st *worker.ClaudeState, log *logger.Logger) {
	if !st.IsReady {
		c.checkGhost(ctx, agent, log)
		return
	}
	c.clearUnproductive(agent.ID)
	if st.HasBlockingAutomation {
		// A blocking automation holds the checkpoint. The gate flags
		// remember where to resume.
		return
	}
	if err := c.checkpoint(ctx, agent); err != nil {
		log.Error("checkpoint", zap.Error(err))
	}
}

// checkGhost detects agents that have been busy for minutes without
// producing a single message. Such a session is wedged; the prompt money is
// already spent, so the agent is parked in ERROR for the user to resume.
func (c *Controller) checkGhost(ctx context.Context, agent *models.Agent, log *logger.Logger) {
	if c.poller == nil {
		return
	}
	if c.poller.LastProcessedCount(agent.ID) > 0 {
		c.clearUnproductive(agent.ID)
		return
	}

	now := time.Now().UTC()
	c.mu.Lock()
	since, ok := c.unproductiveSince[agent.ID]
	if !ok {
		c.unproductiveSince[agent.ID] = now
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if now.Sub(since) < c.cfg.GhostAgentTimeout() {
		return
	}
	log.Warn("ghost agent detected",
		zap.Duration("unproductive_for", now.Sub(since)),
	)
	c.setError(ctx, agent.ID, v1.AgentStateRunning, "agent produced no output and was stopped")
}

func (c *Controller) clearUnproductive(agentID string) {
	c.mu.Lock()
	delete(c.unproductiveSince, agentID)
	c.mu.Unlock()
}

// recordWorkerFailure counts consecutive unreachable ticks. Crossing the
// threshold declares the machine dead.
func (c *Controller) recordWorkerFailure(ctx context.Context, agent *models.Agent, err error) {
	c.mu.Lock()
	c.failureCounts[agent.ID]++
	count := c.failureCounts[agent.ID]
	c.mu.Unlock()

	log := c.logger.WithAgentID(agent.ID)
	if count < c.cfg.MachineFailureThreshold {
		log.Debug("worker unreachable",
			zap.Int("consecutive_failures", count),
			zap.Error(err),
		)
		return
	}
	log.Error("machine declared dead",
		zap.Int("consecutive_failures", count),
		zap.String("machine_id", agent.MachineID),
		zap.Error(err),
	)
	c.setError(ctx, agent.ID, agent.State, fmt.Sprintf("machine unreachable after %d attempts", count))
	if agent.MachineID != "" {
		if relErr := c.pool.Release(ctx, agent.MachineID); relErr != nil {
			log.Warn("release dead machine", zap.Error(relErr))
		}
	}
}

func (c *Controller) recordWorkerSuccess(agentID string) {
	c.mu.Lock()
	delete(c.failureCounts, agentID)
	c.mu.Unlock()
}

// observeContextUsage records a warning each time remaining context crosses
// 10% below the tracked threshold. The tracker starts at 70, so the first
// warning fires once remaining drops to 60% or below; compaction resets the
// tracker via ResetContextThreshold.
func (c *Controller) observeContextUsage(ctx context.Context, agent *models.Agent, usage *worker.ContextUsage) {
	if usage == nil || usage.RemainingPercent <= 0 {
		return
	}

	c.mu.Lock()
	last, ok := c.contextBucket[agent.ID]
	if !ok {
		last = initialContextBucket
	}
	if usage.RemainingPercent > float64(last-10) {
		c.mu.Unlock()
		return
	}
	// The crossed boundary becomes the new threshold, so a straight drop
	// through several decades warns once.
	bucket := int(math.Ceil(usage.RemainingPercent/10)) * 10
	c.contextBucket[agent.ID] = bucket
	c.mu.Unlock()

	event := &models.ContextEvent{
		ID:               uuid.New().String(),
		AgentID:          agent.ID,
		EventType:        models.ContextEventWarning,
		UsedPercent:      usage.UsedPercent,
		RemainingPercent: usage.RemainingPercent,
		TotalTokens:      usage.TotalTokens,
		ThresholdPercent: bucket,
	}
	if err := c.store.InsertContextEvent(ctx, event); err != nil {
		c.logger.WithAgentID(agent.ID).Warn("record context warning", zap.Error(err))
		return
	}
	c.publish(events.BuildContextWarningSubject(agent.ID), events.ContextWarning, map[string]interface{}{
		"agent_id":          agent.ID,
		"threshold_percent": bucket,
		"remaining_percent": usage.RemainingPercent,
	})
}

// ResetContextThreshold restarts warning buckets after the worker compacted
// or reset its conversation.
func (c *Controller) ResetContextThreshold(agentID string) {
	c.mu.Lock()
	delete(c.contextBucket, agentID)
	c.mu.Unlock()
}
