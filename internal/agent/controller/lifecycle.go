package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/common/constants"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/machinepool"
	"github.com/ariana-dot-dev/ariana/internal/worker"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

var (
	// ErrWorkerBusy is returned when interrupting an agent whose worker has
	// no initialized session to interrupt.
	ErrWorkerBusy = errors.New("worker has no active session")
	// ErrInvalidModel is returned when queueing a prompt with an unknown model.
	ErrInvalidModel = errors.New("invalid prompt model")
	// ErrAgentNotProvisioned is returned when starting an agent that is not
	// waiting in PROVISIONED.
	ErrAgentNotProvisioned = errors.New("agent is not provisioned")
)

// Create registers a new agent and provisions a machine for it in the
// background. Pool-machine agents are refused outright when the pool is
// already at capacity.
func (c *Controller) Create(ctx context.Context, req *v1.CreateAgentRequest) (*models.Agent, error) {
	machineType := req.MachineType
	if machineType == "" {
		machineType = v1.MachineTypePool
	}
	if machineType == v1.MachineTypePool {
		ok, err := c.pool.HasCapacity(ctx)
		if err != nil {
			return nil, fmt.Errorf("check pool capacity: %w", err)
		}
		if !ok {
			return nil, machinepool.ErrPoolAtCapacity
		}
	}

	agent := &models.Agent{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		MachineType: machineType,
		State:       v1.AgentStateProvisioning,
	}
	if agent.Name == "" {
		agent.Name = "agent-" + agent.ID[:8]
	}
	agent.BranchName = "ariana/" + agent.ID[:8]

	if err := c.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	grant := &models.AccessGrant{AgentID: agent.ID, UserID: req.UserID, Level: models.AccessLevelWrite}
	if err := c.store.GrantAccess(ctx, grant); err != nil {
		return nil, fmt.Errorf("grant access: %w", err)
	}

	c.publish(events.BuildAgentStateSubject(agent.ID), events.AgentCreated, map[string]interface{}{
		"agent_id":   agent.ID,
		"project_id": agent.ProjectID,
	})

	var customMachineID string
	if req.CustomMachineID != nil {
		customMachineID = *req.CustomMachineID
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.provision(context.Background(), agent, customMachineID)
	}()

	return agent, nil
}

// provision allocates a machine, waits for the worker to come up, and moves
// the agent to PROVISIONED. Any failure parks the agent in ERROR with the
// cause recorded; machine type survives so resume retries the same way.
func (c *Controller) provision(ctx context.Context, agent *models.Agent, customMachineID string) {
	log := c.logger.WithAgentID(agent.ID)

	var coords *machineCoords
	var reservationID string
	var err error
	switch agent.MachineType {
	case v1.MachineTypeCustom:
		coords, err = c.claimCustom(ctx, agent, customMachineID)
	default:
		coords, reservationID, err = c.reservePoolMachine(ctx, agent)
	}
	if err != nil {
		log.Error("provisioning failed", zap.Error(err))
		c.setError(ctx, agent.ID, v1.AgentStateProvisioning, fmt.Sprintf("provisioning failed: %v", err))
		return
	}

	if err := c.store.AssignMachine(ctx, agent.ID, coords.machineID, agent.MachineType, coords.address, coords.sharedKey); err != nil {
		log.Error("assign machine", zap.Error(err))
		c.releaseMachine(ctx, coords.machineID, reservationID)
		c.setError(ctx, agent.ID, v1.AgentStateProvisioning, fmt.Sprintf("assign machine: %v", err))
		return
	}

	healthCtx, cancel := context.WithTimeout(ctx, constants.StartTimeout)
	defer cancel()
	if err := c.worker.WaitHealthy(healthCtx, coords.address, coords.sharedKey); err != nil {
		log.Error("worker never became healthy", zap.String("address", coords.address), zap.Error(err))
		c.releaseMachine(ctx, coords.machineID, reservationID)
		if clearErr := c.store.ClearMachineAssignment(ctx, agent.ID); clearErr != nil {
			log.Warn("clear machine assignment", zap.Error(clearErr))
		}
		c.setError(ctx, agent.ID, v1.AgentStateProvisioning, fmt.Sprintf("worker health: %v", err))
		return
	}

	// The preview token lets the worker expose dev servers back through the
	// control plane. It never persists outside the agent row.
	previewToken := uuid.New().String()
	if err := c.store.SetServicePreviewToken(ctx, agent.ID, previewToken); err != nil {
		log.Warn("store preview token", zap.Error(err))
	} else if err := c.worker.UpdateEnvironment(ctx, agent.ID, map[string]string{
		"ARIANA_PREVIEW_TOKEN": previewToken,
	}); err != nil {
		log.Warn("push preview token", zap.Error(err))
	}

	if err := c.store.UpdateAgentState(ctx, agent.ID, v1.AgentStateProvisioning, v1.AgentStateProvisioned); err != nil {
		log.Error("transition to provisioned", zap.Error(err))
		return
	}
	if reservationID != "" {
		if err := c.pool.Fulfill(ctx, reservationID); err != nil {
			log.Warn("fulfill reservation", zap.Error(err))
		}
	}
	c.publishStateChange(agent.ID, v1.AgentStateProvisioning, v1.AgentStateProvisioned)
	log.Info("agent provisioned",
		zap.String("machine_id", coords.machineID),
		zap.String("machine_type", string(agent.MachineType)),
	)
}

type machineCoords struct {
	machineID string
	address   string
	sharedKey string
}

func (c *Controller) reservePoolMachine(ctx context.Context, agent *models.Agent) (*machineCoords, string, error) {
	reservationID, err := c.pool.Reserve(ctx, agent.ID)
	if err != nil {
		return nil, "", fmt.Errorf("reserve machine: %w", err)
	}
	assigned, err := c.pool.WaitForAssignment(ctx, reservationID)
	if err != nil {
		return nil, "", fmt.Errorf("wait for machine: %w", err)
	}
	return &machineCoords{machineID: assigned.MachineID, address: assigned.Address, sharedKey: assigned.SharedKey}, reservationID, nil
}

func (c *Controller) claimCustom(ctx context.Context, agent *models.Agent, machineID string) (*machineCoords, error) {
	if machineID == "" {
		return nil, errors.New("custom machine id required")
	}
	claimed, err := c.pool.ClaimCustom(ctx, machineID, agent.UserID, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("claim custom machine: %w", err)
	}
	return &machineCoords{machineID: claimed.MachineID, address: claimed.Address, sharedKey: claimed.SharedKey}, nil
}

func (c *Controller) releaseMachine(ctx context.Context, machineID, reservationID string) {
	if machineID != "" {
		if err := c.pool.Release(ctx, machineID); err != nil {
			c.logger.Warn("release machine", zap.String("machine_id", machineID), zap.Error(err))
		}
		return
	}
	if reservationID != "" {
		if err := c.pool.Cancel(ctx, reservationID); err != nil {
			c.logger.Warn("cancel reservation", zap.Error(err))
		}
	}
}

// StartAgent boots a provisioned agent with its source: either a clone of a
// hosted repository or a restored patch bundle.
func (c *Controller) StartAgent(ctx context.Context, agentID string, req *v1.StartAgentRequest) error {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.State != v1.AgentStateProvisioned {
		return fmt.Errorf("%w: agent is %s", ErrAgentNotProvisioned, agent.State)
	}
	if err := c.store.UpdateAgentState(ctx, agentID, v1.AgentStateProvisioned, v1.AgentStateCloning); err != nil {
		return err
	}
	c.publishStateChange(agentID, v1.AgentStateProvisioned, v1.AgentStateCloning)

	log := c.logger.WithAgentID(agentID)
	startCtx, cancel := context.WithTimeout(ctx, constants.StartTimeout)
	defer cancel()

	err = c.bootWorker(startCtx, agent, req)
	if err != nil {
		log.Error("agent start failed", zap.Error(err))
		c.setError(ctx, agentID, v1.AgentStateCloning, fmt.Sprintf("start failed: %v", err))
		return err
	}

	if req.RepoFullName != "" {
		if err := c.store.SetRepo(ctx, agentID, req.RepoFullName); err != nil {
			log.Warn("record repo", zap.Error(err))
		}
	}
	if err := c.store.UpdateAgentState(ctx, agentID, v1.AgentStateCloning, v1.AgentStateReady); err != nil {
		return err
	}
	c.publishStateChange(agentID, v1.AgentStateCloning, v1.AgentStateReady)
	log.Info("agent started", zap.String("repo", req.RepoFullName))
	return nil
}

func (c *Controller) bootWorker(ctx context.Context, agent *models.Agent, req *v1.StartAgentRequest) error {
	if req.PatchBundle != "" {
		return c.worker.RestoreGitHistory(ctx, agent.ID, req.PatchBundle)
	}

	startReq := &worker.StartRequest{
		RepoFullName: req.RepoFullName,
		CloneURL:     req.CloneURL,
		BaseBranch:   req.BaseBranch,
		BranchName:   agent.BranchName,
	}
	if req.RepoFullName != "" {
		token, err := c.githost.GetValidToken(ctx, agent.UserID)
		if err != nil {
			return fmt.Errorf("git host token: %w", err)
		}
		startReq.CloneToken = token
		if startReq.BaseBranch == "" {
			branch, err := c.githost.GetDefaultBranch(ctx, agent.UserID, req.RepoFullName)
			if err != nil {
				return fmt.Errorf("default branch: %w", err)
			}
			startReq.BaseBranch = branch
		}
	}
	return c.worker.Start(ctx, agent.ID, startReq)
}

// Resume re-provisions an agent out of ERROR or ARCHIVED, keeping its
// machine type.
func (c *Controller) Resume(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	from := agent.State
	if err := c.store.ResetForProvisioning(ctx, agentID); err != nil {
		return nil, err
	}
	c.publishStateChange(agentID, from, v1.AgentStateProvisioning)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.provision(context.Background(), agent, agent.MachineID)
	}()
	return c.store.GetAgent(ctx, agentID)
}

// QueuePrompt appends a prompt to the agent's FIFO queue. The pump sends it
// on the next idle tick.
func (c *Controller) QueuePrompt(ctx context.Context, agentID string, req *v1.QueuePromptRequest) (*models.Prompt, error) {
	if !models.IsValidModel(req.Model) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidModel, req.Model)
	}
	if _, err := c.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	prompt := &models.Prompt{
		AgentID: agentID,
		Prompt:  req.Prompt,
		Model:   req.Model,
		Status:  v1.PromptStatusQueued,
	}
	if err := c.store.CreatePrompt(ctx, prompt); err != nil {
		return nil, err
	}
	c.publish(events.BuildPromptSubject(events.PromptQueued, agentID), events.PromptQueued, map[string]interface{}{
		"agent_id":  agentID,
		"prompt_id": prompt.ID,
	})
	return prompt, nil
}

// Interrupt stops the worker's current turn and forces the agent back to
// IDLE. Refused when the worker session is not initialized so a stop can
// never race a boot.
func (c *Controller) Interrupt(ctx context.Context, agentID string) error {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if err := c.worker.Interrupt(ctx, agentID); err != nil {
		if errors.Is(err, worker.ErrWorkerNotInitialized) {
			return fmt.Errorf("%w: %v", ErrWorkerBusy, err)
		}
		return fmt.Errorf("interrupt worker: %w", err)
	}

	if _, err := c.store.FinishRunningPrompts(ctx, agentID); err != nil {
		return err
	}
	// Gate flags must not survive an interrupt: the next checkpoint starts
	// over from its first automation.
	if err := c.store.SetPendingCommitTriggered(ctx, agentID, false); err != nil {
		return err
	}
	if err := c.store.SetPendingPushPrTriggered(ctx, agentID, false); err != nil {
		return err
	}
	if err := c.store.SetCurrentTask(ctx, agentID, ""); err != nil {
		return err
	}
	if agent.State == v1.AgentStateRunning {
		if err := c.store.UpdateAgentState(ctx, agentID, v1.AgentStateRunning, v1.AgentStateIdle); err != nil {
			return err
		}
		c.publishStateChange(agentID, v1.AgentStateRunning, v1.AgentStateIdle)
	}
	c.logger.WithAgentID(agentID).Info("agent interrupted")
	return nil
}

// Trash soft-hides an agent; polling and state ticks skip it but nothing is
// destroyed.
func (c *Controller) Trash(ctx context.Context, agentID string) error {
	if err := c.store.SetTrashed(ctx, agentID, true); err != nil {
		return err
	}
	c.publish(events.BuildAgentStateSubject(agentID), events.AgentTrashed, map[string]interface{}{"agent_id": agentID})
	return nil
}

// Untrash restores a trashed agent to the active set.
func (c *Controller) Untrash(ctx context.Context, agentID string) error {
	if err := c.store.SetTrashed(ctx, agentID, false); err != nil {
		return err
	}
	c.publish(events.BuildAgentStateSubject(agentID), events.AgentUntrashed, map[string]interface{}{"agent_id": agentID})
	return nil
}

// EnableSlopMode turns on timed autonomous continuation for the agent.
func (c *Controller) EnableSlopMode(ctx context.Context, agentID string, req *v1.SlopModeRequest) error {
	until := time.Now().UTC().Add(time.Duration(req.DurationMinutes) * time.Minute)
	return c.store.SetSlopMode(ctx, agentID, &until, strings.TrimSpace(req.CustomPrompt))
}

// DisableSlopMode turns autonomous continuation off.
func (c *Controller) DisableSlopMode(ctx context.Context, agentID string) error {
	return c.store.SetSlopMode(ctx, agentID, nil, "")
}

// SetRalphMode toggles reset-and-repeat autonomous mode.
func (c *Controller) SetRalphMode(ctx context.Context, agentID string, enabled bool) error {
	return c.store.SetRalphMode(ctx, agentID, enabled)
}

// setError fails active prompts and parks the agent in ERROR with the cause.
func (c *Controller) setError(ctx context.Context, agentID string, from v1.AgentState, message string) {
	log := c.logger.WithAgentID(agentID)
	if _, err := c.store.FailActivePrompts(ctx, agentID); err != nil {
		log.Warn("fail active prompts", zap.Error(err))
	}
	if err := c.store.UpdateAgentState(ctx, agentID, from, v1.AgentStateError); err != nil {
		if !errors.Is(err, store.ErrStaleAgentState) {
			log.Error("transition to error", zap.Error(err))
		}
		return
	}
	if err := c.store.SetAgentError(ctx, agentID, message); err != nil {
		log.Warn("record error message", zap.Error(err))
	}
	c.pruneLifecycle(agentID)
	c.publishStateChange(agentID, from, v1.AgentStateError)
}

func (c *Controller) pruneLifecycle(agentID string) {
	c.mu.Lock()
	delete(c.failureCounts, agentID)
	delete(c.unproductiveSince, agentID)
	delete(c.contextBucket, agentID)
	c.mu.Unlock()
	if c.poller != nil {
		c.poller.Forget(agentID)
	}
}
