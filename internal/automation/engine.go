package automation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/worker"
)

// WorkerExecutor is the subset of the worker client the engine uses. The
// worker returns the ids it actually executed; only those count.
type WorkerExecutor interface {
	ExecuteAutomations(ctx context.Context, agentID string, specs []worker.AutomationSpec) ([]string, error)
}

// FireResult reports what one trigger occurrence set in motion.
type FireResult struct {
	// TriggeredIDs are the automations the worker accepted for execution.
	TriggeredIDs []string
	// BlockingIDs is the blocking subset of TriggeredIDs. The controller
	// waits on these before committing or pushing.
	BlockingIDs []string
}

// HasBlocking reports whether the occurrence started any blocking automation.
func (r *FireResult) HasBlocking() bool {
	return len(r.BlockingIDs) > 0
}

// Engine matches automations to trigger occurrences and dispatches them.
type Engine struct {
	store    *Store
	executor WorkerExecutor
	logger   *logger.Logger
}

// NewEngine creates the automation hook engine.
func NewEngine(store *Store, executor WorkerExecutor, log *logger.Logger) *Engine {
	return &Engine{
		store:    store,
		executor: executor,
		logger:   log.WithComponent("automation-engine"),
	}
}

// Store exposes the backing store for ingestion and API surfaces.
func (e *Engine) Store() *Store {
	return e.store
}

// Fire computes the automations matching the occurrence for the agent's
// project, deduplicates, and asks the worker to execute them.
//
// Dedup rules: an automation with a running event is skipped; for
// on_before_commit an automation that already ran since the agent's last
// commit is skipped too (the gate fires once per checkpoint).
func (e *Engine) Fire(ctx context.Context, agent *models.Agent, tc TriggerContext) (*FireResult, error) {
	automations, err := e.store.ListByProject(ctx, agent.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}

	var specs []worker.AutomationSpec
	blocking := make(map[string]bool)
	for _, a := range automations {
		if !a.Matches(tc) {
			continue
		}
		skip, err := e.shouldSkip(ctx, agent, a, tc)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		specs = append(specs, worker.AutomationSpec{
			ID:             a.ID,
			Name:           a.Name,
			ScriptLanguage: string(a.ScriptLanguage),
			ScriptContent:  a.ScriptContent,
			Blocking:       a.Blocking,
			FeedOutput:     a.FeedOutput,
			TriggerType:    string(tc.Type),
		})
		blocking[a.ID] = a.Blocking
	}
	if len(specs) == 0 {
		return &FireResult{}, nil
	}

	executed, err := e.executor.ExecuteAutomations(ctx, agent.ID, specs)
	if err != nil {
		return nil, fmt.Errorf("execute automations: %w", err)
	}

	result := &FireResult{TriggeredIDs: executed}
	for _, id := range executed {
		if blocking[id] {
			result.BlockingIDs = append(result.BlockingIDs, id)
		}
	}
	e.logger.Debug("automations triggered",
		zap.String("agent_id", agent.ID),
		zap.String("trigger", string(tc.Type)),
		zap.Int("sent", len(specs)),
		zap.Int("executed", len(executed)),
		zap.Int("blocking", len(result.BlockingIDs)),
	)
	return result, nil
}

func (e *Engine) shouldSkip(ctx context.Context, agent *models.Agent, a *Automation, tc TriggerContext) (bool, error) {
	running, err := e.store.RunningEvent(ctx, agent.ID, a.ID)
	if err != nil {
		return false, err
	}
	if running != nil {
		return true, nil
	}
	if tc.Type == TriggerOnBeforeCommit {
		since := time.Time{}
		if agent.LastCommitAt != nil {
			since = *agent.LastCommitAt
		}
		ran, err := e.store.HasRunSince(ctx, agent.ID, a.ID, since)
		if err != nil {
			return false, err
		}
		if ran {
			return true, nil
		}
	}
	return false, nil
}
