package controller

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
	"github.com/ariana-dot-dev/ariana/internal/events"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// checkpoint closes out a finished turn: commit work, push when a PR is
// open, finish the running prompts, then either continue autonomously or
// drop back to IDLE. Blocking automations suspend the checkpoint; the gate
// flags make the retry resume exactly where it stopped.
func (c *Controller) checkpoint(ctx context.Context, agent *models.Agent) error {
	done, err := c.checkpointCommit(ctx, agent)
	if err != nil {
		return err
	}
	if !done {
		// Waiting on a blocking automation. The agent stays RUNNING and
		// the next quiet tick retries.
		return nil
	}

	finished, err := c.store.FinishRunningPrompts(ctx, agent.ID)
	if err != nil {
		return err
	}
	if finished > 0 {
		c.publish(events.BuildPromptSubject(events.PromptFinished, agent.ID), events.PromptFinished, map[string]interface{}{
			"agent_id": agent.ID,
		})
	}

	sent, err := c.continueAutonomously(ctx, agent)
	if err != nil {
		c.logger.WithAgentID(agent.ID).Error("autonomous continuation", zap.Error(err))
	}
	if sent {
		return nil
	}

	if err := c.store.SetCurrentTask(ctx, agent.ID, ""); err != nil {
		return err
	}
	if err := c.store.UpdateAgentState(ctx, agent.ID, v1.AgentStateRunning, v1.AgentStateIdle); err != nil {
		return err
	}
	c.publishStateChange(agent.ID, v1.AgentStateRunning, v1.AgentStateIdle)
	return nil
}

// checkpointCommit performs the commit-and-push half of a checkpoint.
// Returns done=false when a blocking automation was started and the
// checkpoint must wait.
func (c *Controller) checkpointCommit(ctx context.Context, agent *models.Agent) (bool, error) {
	log := c.logger.WithAgentID(agent.ID)

	gitCtx, cancel := context.WithTimeout(ctx, constants.GitTimeout)
	status, err := c.worker.GetGitStatus(gitCtx, agent.ID)
	cancel()
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}

	committed := false
	if !status.HasUncommittedChanges && agent.PendingCommitTriggered {
		// The tree came back clean while the gate was held; drop the flag
		// so the next checkpoint starts over.
		if err := c.store.SetPendingCommitTriggered(ctx, agent.ID, false); err != nil {
			return false, err
		}
		agent.PendingCommitTriggered = false
	}
	if status.HasUncommittedChanges {
		if !agent.PendingCommitTriggered {
			result, err := c.hooks.Fire(ctx, agent, automation.TriggerContext{Type: automation.TriggerOnBeforeCommit})
			if err != nil {
				return false, fmt.Errorf("on_before_commit automations: %w", err)
			}
			if result.HasBlocking() {
				if err := c.store.SetPendingCommitTriggered(ctx, agent.ID, true); err != nil {
					return false, err
				}
				agent.PendingCommitTriggered = true
				log.Info("checkpoint gated on blocking automations",
					zap.Strings("automation_ids", result.BlockingIDs),
				)
				return false, nil
			}
		}

		gitCtx, cancel := context.WithTimeout(ctx, constants.GitTimeout)
		commit, err := c.worker.GitCommitAndReturn(gitCtx, agent.ID, c.commitMessage(ctx, agent))
		cancel()
		if err != nil {
			return false, fmt.Errorf("commit: %w", err)
		}
		committed = true
		if err := c.store.SetPendingCommitTriggered(ctx, agent.ID, false); err != nil {
			return false, err
		}
		agent.PendingCommitTriggered = false
		if err := c.store.RecordLastCommit(ctx, agent.ID, commit.CommitSHA, commit.CommitURL, commit.CommittedAt); err != nil {
			log.Warn("record last commit", zap.Error(err))
		}
		agent.LastCommitSHA = commit.CommitSHA
		log.Info("checkpoint committed", zap.String("sha", commit.CommitSHA))

		if _, err := c.hooks.Fire(ctx, agent, automation.TriggerContext{Type: automation.TriggerOnAfterCommit}); err != nil {
			log.Warn("on_after_commit automations", zap.Error(err))
		}
	}

	// PendingPushPrTriggered alone re-enters the push path: the commit
	// already landed on the tick that set the flag.
	if (committed || agent.PendingPushPrTriggered) && agent.HasOpenPR() {
		if !agent.PendingPushPrTriggered {
			result, err := c.hooks.Fire(ctx, agent, automation.TriggerContext{Type: automation.TriggerOnBeforePushPR})
			if err != nil {
				return false, fmt.Errorf("on_before_push_pr automations: %w", err)
			}
			if result.HasBlocking() {
				if err := c.store.SetPendingPushPrTriggered(ctx, agent.ID, true); err != nil {
					return false, err
				}
				agent.PendingPushPrTriggered = true
				log.Info("push gated on blocking automations",
					zap.Strings("automation_ids", result.BlockingIDs),
				)
				return false, nil
			}
		}

		gitCtx, cancel := context.WithTimeout(ctx, constants.GitTimeout)
		err := c.worker.GitPush(gitCtx, agent.ID)
		cancel()
		if err != nil {
			return false, fmt.Errorf("push: %w", err)
		}
		if err := c.store.SetPendingPushPrTriggered(ctx, agent.ID, false); err != nil {
			return false, err
		}
		agent.PendingPushPrTriggered = false
		log.Info("checkpoint pushed")

		if _, err := c.hooks.Fire(ctx, agent, automation.TriggerContext{Type: automation.TriggerOnAfterPushPR}); err != nil {
			log.Warn("on_after_push_pr automations", zap.Error(err))
		}
	}

	return true, nil
}

// commitMessage derives the checkpoint commit message from the task being
// closed out.
func (c *Controller) commitMessage(ctx context.Context, agent *models.Agent) string {
	if agent.CurrentTaskID != "" {
		if prompt, err := c.store.GetPrompt(ctx, agent.CurrentTaskID); err == nil && prompt != nil {
			if line := firstLine(prompt.Prompt); line != "" {
				return line
			}
		}
	}
	return "checkpoint: " + agent.Name
}

func firstLine(s string) string {
	line := strings.TrimSpace(s)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	const max = 72
	if len(line) > max {
		line = line[:max-3] + "..."
	}
	return line
}
