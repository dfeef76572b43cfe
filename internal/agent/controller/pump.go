package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
	"github.com/ariana-dot-dev/ariana/internal/events"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// Canonical prompts for the autonomous modes.
const (
	slopPrompt  = "Continue improving the project on your own. Pick the most valuable next step and do it."
	ralphPrompt = "Read the task description again from scratch and keep working on it."
)

// pumpPrompt sends the next queued prompt to the worker. The prompt is
// marked running before the send so a concurrent tick can never double-send
// it; a failed send flips it to failed rather than back to queued.
func (c *Controller) pumpPrompt(ctx context.Context, agent *models.Agent) error {
	prompt, err := c.store.NextQueuedPrompt(ctx, agent.ID)
	if err != nil {
		return err
	}
	if prompt == nil {
		return nil
	}
	log := c.logger.WithAgentID(agent.ID).WithPromptID(prompt.ID)

	// A leftover task means the previous turn never checkpointed (e.g. the
	// worker went quiet without the controller seeing it). Close it out
	// before the new task starts so its commit lands under the right id.
	if agent.CurrentTaskID != "" {
		done, err := c.checkpointCommit(ctx, agent)
		if err != nil {
			return fmt.Errorf("pre-pump checkpoint: %w", err)
		}
		if !done {
			// Gated on a blocking automation; retry next tick.
			return nil
		}
	}

	if err := c.creds.RefreshWorker(ctx, agent); err != nil {
		log.Warn("refresh worker credentials", zap.Error(err))
	}

	if err := c.store.MarkPromptRunning(ctx, prompt.ID); err != nil {
		if errors.Is(err, store.ErrPromptNotQueued) {
			return nil
		}
		return err
	}
	if err := c.store.SetCurrentTask(ctx, agent.ID, prompt.ID); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, constants.GitTimeout)
	err = c.worker.Prompt(sendCtx, agent.ID, prompt.Prompt, string(prompt.Model))
	cancel()
	if err != nil {
		log.Error("send prompt", zap.Error(err))
		if stErr := c.store.SetPromptStatus(ctx, prompt.ID, v1.PromptStatusFailed); stErr != nil {
			log.Warn("mark prompt failed", zap.Error(stErr))
		}
		if stErr := c.store.SetCurrentTask(ctx, agent.ID, ""); stErr != nil {
			log.Warn("clear current task", zap.Error(stErr))
		}
		c.publish(events.BuildPromptSubject(events.PromptFailed, agent.ID), events.PromptFailed, map[string]interface{}{
			"agent_id":  agent.ID,
			"prompt_id": prompt.ID,
		})
		return nil
	}

	if err := c.store.UpdateAgentState(ctx, agent.ID, v1.AgentStateIdle, v1.AgentStateRunning); err != nil {
		return err
	}
	c.publishStateChange(agent.ID, v1.AgentStateIdle, v1.AgentStateRunning)
	c.publish(events.BuildPromptSubject(events.PromptStarted, agent.ID), events.PromptStarted, map[string]interface{}{
		"agent_id":  agent.ID,
		"prompt_id": prompt.ID,
	})
	log.Info("prompt sent", zap.String("model", string(prompt.Model)))

	c.enrichFromPrompt(agent, prompt)
	return nil
}

// enrichFromPrompt kicks off the cosmetic worker calls that follow a
// prompt: a generated task summary every time, a branch rename on the
// agent's first prompt. Both are fire-and-forget.
func (c *Controller) enrichFromPrompt(agent *models.Agent, prompt *models.Prompt) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), constants.GitTimeout)
		defer cancel()
		log := c.logger.WithAgentID(agent.ID)

		summary, err := c.worker.GenerateTaskSummary(ctx, agent.ID, prompt.Prompt)
		if err != nil {
			log.Debug("generate task summary", zap.Error(err))
		} else if summary != "" {
			if err := c.store.UpdateTaskSummary(ctx, agent.ID, summary); err != nil {
				log.Warn("store task summary", zap.Error(err))
			}
		}

		if agent.TaskSummary != "" {
			return
		}
		// First prompt: trade the generated branch name for one derived
		// from the task.
		branch, err := c.worker.RenameBranchFromPrompt(ctx, agent.ID, prompt.Prompt)
		if err != nil {
			log.Debug("rename branch", zap.Error(err))
			return
		}
		if branch != "" && branch != agent.BranchName {
			if err := c.store.UpdateBranchName(ctx, agent.ID, branch); err != nil {
				log.Warn("store branch name", zap.Error(err))
			}
		}
	}()
}

// continueAutonomously sends the next self-directed prompt when an
// autonomous mode is active. The prompt is inserted directly as running and
// the agent never leaves RUNNING. Returns true when a prompt was sent.
func (c *Controller) continueAutonomously(ctx context.Context, agent *models.Agent) (bool, error) {
	now := time.Now().UTC()
	if !agent.InSlopMode(now) && !agent.InRalphMode {
		return false, nil
	}
	log := c.logger.WithAgentID(agent.ID)

	model, err := c.store.LastUsedModel(ctx, agent.ID)
	if err != nil {
		return false, err
	}
	if model == "" {
		model = v1.PromptModelSonnet
	}

	text := ralphPrompt
	if agent.InSlopMode(now) {
		text = slopPrompt
		if custom := strings.TrimSpace(agent.SlopModeCustomPrompt); custom != "" {
			text = text + "\n\n" + custom
		}
	} else {
		// Ralph mode starts every iteration from a clean session.
		if err := c.worker.Reset(ctx, agent.ID); err != nil {
			return false, fmt.Errorf("reset session: %w", err)
		}
		c.ResetContextThreshold(agent.ID)
		if _, err := c.hooks.Fire(ctx, agent, automation.TriggerContext{Type: automation.TriggerOnAfterReset}); err != nil {
			log.Warn("on_after_reset automations", zap.Error(err))
		}
	}

	prompt := &models.Prompt{
		AgentID: agent.ID,
		Prompt:  text,
		Model:   model,
		Status:  v1.PromptStatusRunning,
	}
	if err := c.store.CreatePrompt(ctx, prompt); err != nil {
		return false, err
	}
	if err := c.store.SetCurrentTask(ctx, agent.ID, prompt.ID); err != nil {
		return false, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, constants.GitTimeout)
	err = c.worker.Prompt(sendCtx, agent.ID, text, string(model))
	cancel()
	if err != nil {
		if stErr := c.store.SetPromptStatus(ctx, prompt.ID, v1.PromptStatusFailed); stErr != nil {
			log.Warn("mark prompt failed", zap.Error(stErr))
		}
		if stErr := c.store.SetCurrentTask(ctx, agent.ID, ""); stErr != nil {
			log.Warn("clear current task", zap.Error(stErr))
		}
		return false, fmt.Errorf("send autonomous prompt: %w", err)
	}
	c.publish(events.BuildPromptSubject(events.PromptStarted, agent.ID), events.PromptStarted, map[string]interface{}{
		"agent_id":   agent.ID,
		"prompt_id":  prompt.ID,
		"autonomous": true,
	})
	log.Info("autonomous prompt sent", zap.Bool("ralph", agent.InRalphMode && !agent.InSlopMode(now)))
	return true, nil
}
