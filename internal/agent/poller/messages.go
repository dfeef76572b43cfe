package poller

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
	"github.com/ariana-dot-dev/ariana/internal/worker"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// Tool names whose use fires file and command automations.
var (
	readToolNames = map[string]bool{"Read": true, "Glob": true, "Grep": true}
	editToolNames = map[string]bool{"Edit": true, "Write": true, "MultiEdit": true, "NotebookEdit": true}
)

// ingestMessages pulls the full conversation from the worker and stores the
// part we have not seen. The worker is the source of truth: processing
// restarts one message before the stored finalized count so the last known
// turn is re-observed and late tool results still land.
func (p *Poller) ingestMessages(ctx context.Context, agent *models.Agent) (added, modified []string, err error) {
	pollCtx, cancel := context.WithTimeout(ctx, constants.PollTimeout)
	turns, err := p.worker.GetConversations(pollCtx, agent.ID)
	cancel()
	if err != nil {
		return nil, nil, err
	}

	dbCount, err := p.store.CountFinalizedMessages(ctx, agent.ID)
	if err != nil {
		return nil, nil, err
	}
	start := dbCount - 1
	if start < 0 {
		start = 0
	}

	for i, turn := range turns {
		if i < start {
			continue
		}
		if turn.IsEmpty() {
			continue
		}
		msg := toModelMessage(agent, &turn)
		if turn.Streaming {
			id, created, changed, upErr := p.store.UpsertStreaming(ctx, msg)
			if upErr != nil {
				return added, modified, fmt.Errorf("upsert streaming: %w", upErr)
			}
			if created {
				added = append(added, id)
			} else if changed {
				modified = append(modified, id)
			}
			continue
		}

		a, m, ingErr := p.ingestFinalized(ctx, agent, msg)
		if ingErr != nil {
			return added, modified, ingErr
		}
		added = append(added, a...)
		modified = append(modified, m...)
	}

	count, err := p.store.CountFinalizedMessages(ctx, agent.ID)
	if err == nil {
		p.setMsgCount(agent.ID, count)
	}
	return added, modified, nil
}

// ingestFinalized stores one finalized turn. A streaming placeholder with
// the same source uuid (or the agent's sole streaming row) is finalized in
// place so subscribers keep a stable message id.
func (p *Poller) ingestFinalized(ctx context.Context, agent *models.Agent, msg *models.Message) (added, modified []string, err error) {
	if msg.SourceUUID != "" {
		existing, err := p.store.GetMessageBySourceUUID(ctx, agent.ID, msg.SourceUUID)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			if existing.IsStreaming {
				if err := p.store.FinalizeStreamingMessage(ctx, existing.ID, msg); err != nil {
					return nil, nil, fmt.Errorf("finalize streaming: %w", err)
				}
				p.fireToolAutomations(ctx, agent, msg)
				return nil, []string{existing.ID}, nil
			}
			// Re-observed turn: only the tool results can change.
			oldJSON, err := existing.ToolsJSON()
			if err != nil {
				return nil, nil, err
			}
			newJSON, err := msg.ToolsJSON()
			if err != nil {
				return nil, nil, err
			}
			if oldJSON != newJSON {
				if err := p.store.UpdateMessageTools(ctx, existing.ID, newJSON); err != nil {
					return nil, nil, fmt.Errorf("update tools: %w", err)
				}
				return nil, []string{existing.ID}, nil
			}
			return nil, nil, nil
		}
	}

	streaming, err := p.store.GetStreamingMessage(ctx, agent.ID)
	if err != nil {
		return nil, nil, err
	}
	if streaming != nil {
		if err := p.store.FinalizeStreamingMessage(ctx, streaming.ID, msg); err != nil {
			return nil, nil, fmt.Errorf("finalize streaming: %w", err)
		}
		p.fireToolAutomations(ctx, agent, msg)
		return nil, []string{streaming.ID}, nil
	}

	if err := p.store.InsertMessage(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("insert message: %w", err)
	}
	p.fireToolAutomations(ctx, agent, msg)
	return []string{msg.ID}, nil, nil
}

func toModelMessage(agent *models.Agent, turn *worker.ConversationMessage) *models.Message {
	role := models.MessageRoleAssistant
	if turn.Role == "user" {
		role = models.MessageRoleUser
	}
	tools := make([]v1.ToolCall, 0, len(turn.Tools))
	for _, t := range turn.Tools {
		tools = append(tools, v1.ToolCall{ID: t.ID, Name: t.Name, Input: t.Input, Output: t.Output})
	}
	return &models.Message{
		AgentID:     agent.ID,
		Role:        role,
		Content:     turn.Content,
		Model:       turn.Model,
		TaskID:      agent.CurrentTaskID,
		Tools:       tools,
		IsStreaming: turn.Streaming,
		SourceUUID:  turn.UUID,
		Timestamp:   turn.Timestamp,
	}
}

// fireToolAutomations maps the tools of a newly finalized assistant turn to
// automation triggers: reads, edits, and shell commands.
func (p *Poller) fireToolAutomations(ctx context.Context, agent *models.Agent, msg *models.Message) {
	if msg.Role != models.MessageRoleAssistant || len(msg.Tools) == 0 {
		return
	}
	var readFiles, editFiles []string
	var commands []string
	for _, tool := range msg.Tools {
		switch {
		case readToolNames[tool.Name]:
			if f := fileFromInput(tool.Input); f != "" {
				readFiles = append(readFiles, f)
			}
		case editToolNames[tool.Name]:
			if f := fileFromInput(tool.Input); f != "" {
				editFiles = append(editFiles, f)
			}
		case tool.Name == "Bash":
			if cmd, ok := tool.Input["command"].(string); ok && cmd != "" {
				commands = append(commands, cmd)
			}
		}
	}

	log := p.logger.WithAgentID(agent.ID)
	if len(readFiles) > 0 {
		if _, err := p.hooks.Fire(ctx, agent, automation.TriggerContext{
			Type:  automation.TriggerOnAfterReadFiles,
			Files: readFiles,
		}); err != nil {
			log.Warn("on_after_read_files automations", zap.Error(err))
		}
	}
	if len(editFiles) > 0 {
		if _, err := p.hooks.Fire(ctx, agent, automation.TriggerContext{
			Type:  automation.TriggerOnAfterEditFiles,
			Files: editFiles,
		}); err != nil {
			log.Warn("on_after_edit_files automations", zap.Error(err))
		}
	}
	for _, cmd := range commands {
		if _, err := p.hooks.Fire(ctx, agent, automation.TriggerContext{
			Type:    automation.TriggerOnAfterRunCommand,
			Command: cmd,
		}); err != nil {
			log.Warn("on_after_run_command automations", zap.Error(err))
		}
	}
}

func fileFromInput(input map[string]interface{}) string {
	for _, key := range []string{"file_path", "path", "notebook_path", "pattern"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
