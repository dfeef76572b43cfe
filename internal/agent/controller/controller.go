// Package controller drives the agent lifecycle: provisioning, the prompt
// pump, checkpoints, autonomous modes, and failure detection. It is the only
// writer of Agent.State.
package controller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	"github.com/ariana-dot-dev/ariana/internal/machinepool"
	"github.com/ariana-dot-dev/ariana/internal/worker"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// WorkerAPI is the subset of the worker client the controller calls.
type WorkerAPI interface {
	WaitHealthy(ctx context.Context, address, sharedKey string) error
	Start(ctx context.Context, agentID string, req *worker.StartRequest) error
	RestoreGitHistory(ctx context.Context, agentID, patchBundle string) error
	Prompt(ctx context.Context, agentID, text, model string) error
	Interrupt(ctx context.Context, agentID string) error
	Reset(ctx context.Context, agentID string) error
	GetClaudeState(ctx context.Context, agentID string) (*worker.ClaudeState, error)
	GetGitStatus(ctx context.Context, agentID string) (*worker.GitStatus, error)
	GitCommitAndReturn(ctx context.Context, agentID, message string) (*worker.CommitResult, error)
	GitPush(ctx context.Context, agentID string) error
	UpdateEnvironment(ctx context.Context, agentID string, env map[string]string) error
	RenameBranchFromPrompt(ctx context.Context, agentID, prompt string) (string, error)
	GenerateTaskSummary(ctx context.Context, agentID, prompt string) (string, error)
}

// MachinePool is the machine allocation surface the controller uses.
type MachinePool interface {
	HasCapacity(ctx context.Context) (bool, error)
	Reserve(ctx context.Context, agentID string) (string, error)
	WaitForAssignment(ctx context.Context, reservationID string) (*machinepool.MachineCoords, error)
	Fulfill(ctx context.Context, reservationID string) error
	Cancel(ctx context.Context, reservationID string) error
	ClaimCustom(ctx context.Context, machineID, userID, agentID string) (*machinepool.MachineCoords, error)
	Release(ctx context.Context, machineID string) error
}

// CredentialRefresher pushes fresh provider credentials to a worker.
type CredentialRefresher interface {
	RefreshWorker(ctx context.Context, agent *models.Agent) error
}

// HookEngine dispatches automations for trigger occurrences.
type HookEngine interface {
	Fire(ctx context.Context, agent *models.Agent, tc automation.TriggerContext) (*automation.FireResult, error)
}

// GitHostAPI is the git-host surface used when starting an agent.
type GitHostAPI interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
	GetDefaultBranch(ctx context.Context, userID, repoFullName string) (string, error)
}

// AgentPoller ingests worker-side data for one agent per tick. The
// controller also reads the poller's last processed message count for
// ghost-agent detection.
type AgentPoller interface {
	PollAgent(ctx context.Context, agent *models.Agent)
	LastProcessedCount(agentID string) int
	Forget(agentID string)
}

// Controller owns agent state. All transitions funnel through it.
type Controller struct {
	store    *store.Store
	worker   WorkerAPI
	pool     MachinePool
	creds    CredentialRefresher
	hooks    HookEngine
	githost  GitHostAPI
	poller   AgentPoller
	eventBus bus.EventBus
	cfg      config.LifecycleConfig
	logger   *logger.Logger

	// Process-local lifecycle bookkeeping, swept when an agent leaves the
	// active set. Guarded by mu.
	mu                sync.Mutex
	failureCounts     map[string]int
	unproductiveSince map[string]time.Time
	contextBucket     map[string]int
	inFlight          map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New wires a controller. The poller is attached separately via SetPoller
// because it also calls back into the controller for automation actions.
func New(
	st *store.Store,
	workerClient WorkerAPI,
	pool MachinePool,
	creds CredentialRefresher,
	hooks HookEngine,
	githost GitHostAPI,
	eventBus bus.EventBus,
	cfg config.LifecycleConfig,
	log *logger.Logger,
) *Controller {
	return &Controller{
		store:             st,
		worker:            workerClient,
		pool:              pool,
		creds:             creds,
		hooks:             hooks,
		githost:           githost,
		eventBus:          eventBus,
		cfg:               cfg,
		logger:            log.WithComponent("agent-controller"),
		failureCounts:     make(map[string]int),
		unproductiveSince: make(map[string]time.Time),
		contextBucket:     make(map[string]int),
		inFlight:          make(map[string]bool),
		stopCh:            make(chan struct{}),
	}
}

// SetPoller attaches the poll loop.
func (c *Controller) SetPoller(p AgentPoller) {
	c.poller = p
}

// Store exposes the backing store for API handlers.
func (c *Controller) Store() *store.Store {
	return c.store
}

// Start launches the state, poll, and sweep loops. Call Stop to shut down.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.reconcileOnStartup(ctx); err != nil {
		return err
	}

	c.wg.Add(3)
	go c.runTicker(ctx, c.cfg.StateTick(), c.stateTick)
	go c.runTicker(ctx, c.cfg.PollTick(), c.pollTick)
	go c.runTicker(ctx, c.cfg.SweepInterval(), c.sweepTick)

	c.logger.Info("agent controller started",
		zap.Duration("state_tick", c.cfg.StateTick()),
		zap.Duration("poll_tick", c.cfg.PollTick()),
	)
	return nil
}

// Stop halts the loops and waits for in-flight ticks to drain.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) runTicker(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// stateTick runs state logic for every active agent. Per-agent work runs in
// its own goroutine; an agent whose previous tick is still in flight is
// skipped so state logic stays serial per agent.
func (c *Controller) stateTick(ctx context.Context) {
	agents, err := c.store.ListActiveAgents(ctx)
	if err != nil {
		c.logger.Error("list active agents", zap.Error(err))
		return
	}
	for _, agent := range agents {
		if !c.claim(agent.ID) {
			continue
		}
		c.wg.Add(1)
		go func(a *models.Agent) {
			defer c.wg.Done()
			defer c.release(a.ID)
			c.StepState(ctx, a)
		}(agent)
	}
}

func (c *Controller) pollTick(ctx context.Context) {
	if c.poller == nil {
		return
	}
	agents, err := c.store.ListActiveAgents(ctx)
	if err != nil {
		c.logger.Error("list active agents", zap.Error(err))
		return
	}
	for _, agent := range agents {
		c.poller.PollAgent(ctx, agent)
	}
}

// sweepTick prunes per-agent bookkeeping for agents no longer active, so
// the maps do not grow without bound.
func (c *Controller) sweepTick(ctx context.Context) {
	agents, err := c.store.ListActiveAgents(ctx)
	if err != nil {
		return
	}
	active := make(map[string]bool, len(agents))
	for _, a := range agents {
		active[a.ID] = true
	}

	c.mu.Lock()
	sweptSet := make(map[string]bool)
	for id := range c.failureCounts {
		if !active[id] {
			sweptSet[id] = true
		}
	}
	for id := range c.unproductiveSince {
		if !active[id] {
			sweptSet[id] = true
		}
	}
	for id := range c.contextBucket {
		if !active[id] {
			sweptSet[id] = true
		}
	}
	for id := range sweptSet {
		delete(c.failureCounts, id)
		delete(c.unproductiveSince, id)
		delete(c.contextBucket, id)
	}
	c.mu.Unlock()

	for id := range sweptSet {
		if c.poller != nil {
			c.poller.Forget(id)
		}
	}
	if len(sweptSet) > 0 {
		c.logger.Debug("swept lifecycle maps", zap.Int("agents", len(sweptSet)))
	}
}

func (c *Controller) claim(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[agentID] {
		return false
	}
	c.inFlight[agentID] = true
	return true
}

func (c *Controller) release(agentID string) {
	c.mu.Lock()
	delete(c.inFlight, agentID)
	c.mu.Unlock()
}

// reconcileOnStartup repairs state left over from an unclean shutdown:
// prompts stuck in running go back to queued so the pump retries them, and
// orphaned streaming placeholders are removed.
func (c *Controller) reconcileOnStartup(ctx context.Context) error {
	requeued, err := c.store.RequeueRunningPrompts(ctx)
	if err != nil {
		return err
	}
	deleted, err := c.store.DeleteOrphanedStreaming(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 || deleted > 0 {
		c.logger.Info("startup reconciliation",
			zap.Int64("prompts_requeued", requeued),
			zap.Int64("streaming_deleted", deleted),
		)
	}
	return nil
}

// publish emits a lifecycle event, logging rather than failing on error.
func (c *Controller) publish(subject, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "agent-controller", data)
	if err := c.eventBus.Publish(context.Background(), subject, event); err != nil {
		c.logger.Warn("publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func (c *Controller) publishStateChange(agentID string, from, to v1.AgentState) {
	c.publish(events.BuildAgentStateSubject(agentID), events.AgentStateChanged, map[string]interface{}{
		"agent_id": agentID,
		"from":     string(from),
		"to":       string(to),
	})
}
