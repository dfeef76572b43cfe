// Package poller ingests worker-side data into the control plane: finalized
// conversation turns, git history, automation events and actions, context
// events, and pull-request state. The controller owns state transitions;
// the poller only records what the worker reports and relays requested
// actions back to the controller.
package poller

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	"github.com/ariana-dot-dev/ariana/internal/githost"
	"github.com/ariana-dot-dev/ariana/internal/worker"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// WorkerAPI is the subset of the worker client the poller reads from.
type WorkerAPI interface {
	GetConversations(ctx context.Context, agentID string) ([]worker.ConversationMessage, error)
	GetGitHistory(ctx context.Context, agentID, sinceSHA string) (*worker.GitHistory, error)
	PollAutomationEvents(ctx context.Context, agentID string) ([]worker.AutomationEventReport, error)
	PollAutomationActions(ctx context.Context, agentID string) ([]worker.AutomationAction, error)
	PollContextEvents(ctx context.Context, agentID string) ([]worker.ContextEventReport, error)
}

// GitHostAPI is the pull-request surface the poller syncs against.
type GitHostAPI interface {
	GetPullRequestState(ctx context.Context, userID, repoFullName string, prNumber int) (*githost.PullRequest, error)
	FindLatestPRForBranch(ctx context.Context, userID, repoFullName, branch string) (*githost.PullRequest, error)
}

// ActionHandler receives the side effects automations request from the
// control plane. The controller implements it.
type ActionHandler interface {
	QueuePrompt(ctx context.Context, agentID string, req *v1.QueuePromptRequest) (*models.Prompt, error)
	Interrupt(ctx context.Context, agentID string) error
	ResetContextThreshold(agentID string)
}

// HookEngine dispatches automations for trigger occurrences observed while
// ingesting (tool use, finished automations).
type HookEngine interface {
	Fire(ctx context.Context, agent *models.Agent, tc automation.TriggerContext) (*automation.FireResult, error)
}

// Poller runs the ingestion cycle for active agents.
type Poller struct {
	store     *store.Store
	worker    WorkerAPI
	hooks     HookEngine
	autoStore *automation.Store
	githost   GitHostAPI
	actions   ActionHandler
	eventBus  bus.EventBus
	cfg       config.LifecycleConfig
	logger    *logger.Logger

	// throttle holds per-agent cooldowns for the expensive sub-polls
	// (pull-request sync, git history).
	throttle *gocache.Cache

	mu        sync.Mutex
	msgCounts map[string]int
	inFlight  map[string]bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a poller. The action handler is attached afterwards because
// the controller and the poller reference each other.
func New(
	st *store.Store,
	workerClient WorkerAPI,
	hooks HookEngine,
	autoStore *automation.Store,
	githost GitHostAPI,
	eventBus bus.EventBus,
	cfg config.LifecycleConfig,
	log *logger.Logger,
) *Poller {
	limit := cfg.MaxConcurrentPolls
	if limit <= 0 {
		limit = 8
	}
	return &Poller{
		store:     st,
		worker:    workerClient,
		hooks:     hooks,
		autoStore: autoStore,
		githost:   githost,
		eventBus:  eventBus,
		cfg:       cfg,
		logger:    log.WithComponent("agent-poller"),
		throttle:  gocache.New(time.Minute, 5*time.Minute),
		msgCounts: make(map[string]int),
		inFlight:  make(map[string]bool),
		sem:       make(chan struct{}, limit),
	}
}

// SetActionHandler attaches the controller-side action sink.
func (p *Poller) SetActionHandler(h ActionHandler) {
	p.actions = h
}

// PollAgent schedules one ingestion pass for the agent. A pass already in
// flight for the same agent makes this a no-op, so slow workers cannot pile
// up ingestion goroutines.
func (p *Poller) PollAgent(ctx context.Context, agent *models.Agent) {
	if !agent.IsPollable() || !agent.HasMachine() {
		return
	}
	p.mu.Lock()
	if p.inFlight[agent.ID] {
		p.mu.Unlock()
		return
	}
	p.inFlight[agent.ID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, agent.ID)
			p.mu.Unlock()
		}()
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			return
		}
		p.pollOnce(ctx, agent)
	}()
}

// pollOnce fans the sub-polls out and waits for all of them except git
// history, which is slow enough (patch generation on the worker) to run
// detached and publish its own change notification. Each sub-poll logs and
// swallows its own failures; a flaky worker endpoint must not stop the
// others.
func (p *Poller) pollOnce(ctx context.Context, agent *models.Agent) {
	log := p.logger.WithAgentID(agent.ID)
	var g errgroup.Group
	g.SetLimit(3)

	var added, modified []string
	var mu sync.Mutex
	record := func(a, m []string) {
		mu.Lock()
		added = append(added, a...)
		modified = append(modified, m...)
		mu.Unlock()
	}

	g.Go(func() error {
		a, m, err := p.ingestMessages(ctx, agent)
		if err != nil {
			log.Warn("ingest conversations", zap.Error(err))
			return nil
		}
		record(a, m)
		return nil
	})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		a, m, err := p.ingestGitHistory(ctx, agent)
		if err != nil {
			log.Warn("ingest git history", zap.Error(err))
			return
		}
		if len(a) > 0 || len(m) > 0 {
			p.publishEventsChanged(agent.ID, a, m)
		}
	}()
	g.Go(func() error {
		a, err := p.syncAutomationEvents(ctx, agent)
		if err != nil {
			log.Warn("sync automation events", zap.Error(err))
			return nil
		}
		record(a, nil)
		return nil
	})
	g.Go(func() error {
		if err := p.applyAutomationActions(ctx, agent); err != nil {
			log.Warn("apply automation actions", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		a, err := p.ingestContextEvents(ctx, agent)
		if err != nil {
			log.Warn("ingest context events", zap.Error(err))
			return nil
		}
		record(a, nil)
		return nil
	})
	g.Go(func() error {
		if err := p.syncPullRequest(ctx, agent); err != nil {
			log.Warn("sync pull request", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	if len(added) > 0 || len(modified) > 0 {
		p.publishEventsChanged(agent.ID, added, modified)
	}
}

// LastProcessedCount returns the finalized-message count last seen for the
// agent. The controller's ghost detection reads it.
func (p *Poller) LastProcessedCount(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgCounts[agentID]
}

// Forget drops per-agent poller bookkeeping. Called by the controller's
// sweeper when an agent leaves the active set.
func (p *Poller) Forget(agentID string) {
	p.mu.Lock()
	delete(p.msgCounts, agentID)
	p.mu.Unlock()
}

// Wait blocks until in-flight ingestion passes drain. Used on shutdown.
func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) setMsgCount(agentID string, count int) {
	p.mu.Lock()
	p.msgCounts[agentID] = count
	p.mu.Unlock()
}

// publishEventsChanged tells subscribers which rows changed so they can
// fetch deltas instead of refetching everything.
func (p *Poller) publishEventsChanged(agentID string, added, modified []string) {
	event := bus.NewEvent(events.AgentEventsChanged, "agent-poller", map[string]interface{}{
		"agent_id":     agentID,
		"added_ids":    added,
		"modified_ids": modified,
	})
	if err := p.eventBus.Publish(context.Background(), events.BuildAgentEventsSubject(agentID), event); err != nil {
		p.logger.Warn("publish events changed", zap.Error(err))
	}
}

// throttled reports whether the keyed sub-poll ran within the cooldown, and
// arms the cooldown when it did not.
func (p *Poller) throttled(key string, cooldown time.Duration) bool {
	if _, found := p.throttle.Get(key); found {
		return true
	}
	p.throttle.Set(key, struct{}{}, cooldown)
	return false
}
