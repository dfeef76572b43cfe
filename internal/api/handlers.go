// Package api exposes the control plane over HTTP. Handlers stay thin:
// request binding, a controller or store call, and status mapping.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/machinepool"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// ControlPlane is the controller surface the handlers call. Implemented by
// *controller.Controller.
type ControlPlane interface {
	Create(ctx context.Context, req *v1.CreateAgentRequest) (*models.Agent, error)
	StartAgent(ctx context.Context, agentID string, req *v1.StartAgentRequest) error
	QueuePrompt(ctx context.Context, agentID string, req *v1.QueuePromptRequest) (*models.Prompt, error)
	Interrupt(ctx context.Context, agentID string) error
	Trash(ctx context.Context, agentID string) error
	Untrash(ctx context.Context, agentID string) error
	Resume(ctx context.Context, agentID string) (*models.Agent, error)
	EnableSlopMode(ctx context.Context, agentID string, req *v1.SlopModeRequest) error
	DisableSlopMode(ctx context.Context, agentID string) error
	SetRalphMode(ctx context.Context, agentID string, enabled bool) error
}

// MachinePool is the pool surface the status endpoint reads.
type MachinePool interface {
	GetActiveCount(ctx context.Context) (int, error)
	MaxActive() int
	GetParkingMetrics(ctx context.Context) (*machinepool.ParkingMetrics, error)
}

// AgentHandlers serves the agent API.
type AgentHandlers struct {
	controller ControlPlane
	store      *store.Store
	pool       MachinePool
	logger     *logger.Logger
}

// NewAgentHandlers creates the handler set.
func NewAgentHandlers(ctrl ControlPlane, st *store.Store, pool MachinePool, log *logger.Logger) *AgentHandlers {
	return &AgentHandlers{
		controller: ctrl,
		store:      st,
		pool:       pool,
		logger:     log.WithComponent("api"),
	}
}

// RegisterRoutes mounts the agent API under /api/v1.
func (h *AgentHandlers) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/agents", h.createAgent)
		api.GET("/agents", h.listAgents)
		api.GET("/agents/:id", h.getAgent)
		api.POST("/agents/:id/start", h.startAgent)
		api.POST("/agents/:id/prompts", h.queuePrompt)
		api.POST("/agents/:id/interrupt", h.interrupt)
		api.POST("/agents/:id/trash", h.trash)
		api.POST("/agents/:id/untrash", h.untrash)
		api.POST("/agents/:id/resume", h.resume)
		api.POST("/agents/:id/slop-mode", h.enableSlopMode)
		api.DELETE("/agents/:id/slop-mode", h.disableSlopMode)
		api.POST("/agents/:id/ralph-mode", h.setRalphMode)
		api.GET("/agents/:id/messages", h.listMessages)
		api.GET("/agents/:id/commits", h.listCommits)
		api.GET("/pool/status", h.poolStatus)
	}
}

func (h *AgentHandlers) createAgent(c *gin.Context) {
	var req v1.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := h.controller.Create(c.Request.Context(), &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, agent.ToAPI())
}

func (h *AgentHandlers) listAgents(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		agents []*models.Agent
		err    error
	)
	if projectID := c.Query("project_id"); projectID != "" {
		agents, err = h.store.ListAgentsByProject(ctx, projectID)
	} else {
		agents, err = h.store.ListAgents(ctx)
	}
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	out := make([]*v1.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.ToAPI())
	}
	c.JSON(http.StatusOK, v1.ListAgentsResponse{Agents: out, Total: len(out)})
}

func (h *AgentHandlers) getAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agent, err := h.store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	prompts, err := h.store.ListPrompts(ctx, agent.ID)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	promptDTOs := make([]v1.Prompt, 0, len(prompts))
	for _, p := range prompts {
		promptDTOs = append(promptDTOs, *p.ToAPI())
	}

	detail := v1.AgentDetail{Agent: agent.ToAPI(), Prompts: promptDTOs}
	if agent.LastCommitSHA != "" {
		commit, err := h.store.GetCommitBySHA(ctx, agent.ID, agent.LastCommitSHA)
		if err != nil {
			handleError(c, h.logger, err)
			return
		}
		if commit != nil {
			detail.LastCommit = commit.ToAPI()
		}
	}
	c.JSON(http.StatusOK, detail)
}

func (h *AgentHandlers) startAgent(c *gin.Context) {
	var req v1.StartAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.controller.StartAgent(c.Request.Context(), c.Param("id"), &req); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cloning"})
}

func (h *AgentHandlers) queuePrompt(c *gin.Context) {
	var req v1.QueuePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prompt, err := h.controller.QueuePrompt(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, prompt.ToAPI())
}

func (h *AgentHandlers) interrupt(c *gin.Context) {
	if err := h.controller.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "interrupted"})
}

func (h *AgentHandlers) trash(c *gin.Context) {
	if err := h.controller.Trash(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "trashed"})
}

func (h *AgentHandlers) untrash(c *gin.Context) {
	if err := h.controller.Untrash(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "untrashed"})
}

func (h *AgentHandlers) resume(c *gin.Context) {
	agent, err := h.controller.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, agent.ToAPI())
}

func (h *AgentHandlers) enableSlopMode(c *gin.Context) {
	var req v1.SlopModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.controller.EnableSlopMode(c.Request.Context(), c.Param("id"), &req); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "slop mode enabled"})
}

func (h *AgentHandlers) disableSlopMode(c *gin.Context) {
	if err := h.controller.DisableSlopMode(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "slop mode disabled"})
}

func (h *AgentHandlers) setRalphMode(c *gin.Context) {
	var req v1.RalphModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.controller.SetRalphMode(c.Request.Context(), c.Param("id"), req.Enabled); err != nil {
		handleError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": req.Enabled})
}

func (h *AgentHandlers) listMessages(c *gin.Context) {
	limit := 200
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	ctx := c.Request.Context()
	if _, err := h.store.GetAgent(ctx, c.Param("id")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	messages, err := h.store.ListMessages(ctx, c.Param("id"), limit)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	out := make([]*v1.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ToAPI())
	}
	c.JSON(http.StatusOK, v1.ListMessagesResponse{Messages: out, Total: len(out)})
}

func (h *AgentHandlers) listCommits(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.store.GetAgent(ctx, c.Param("id")); err != nil {
		handleError(c, h.logger, err)
		return
	}
	includeDeleted := c.Query("include_deleted") == "true"
	commits, err := h.store.ListCommits(ctx, c.Param("id"), includeDeleted)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	out := make([]*v1.Commit, 0, len(commits))
	for _, commit := range commits {
		out = append(out, commit.ToAPI())
	}
	c.JSON(http.StatusOK, gin.H{"commits": out, "total": len(out)})
}

func (h *AgentHandlers) poolStatus(c *gin.Context) {
	ctx := c.Request.Context()
	active, err := h.pool.GetActiveCount(ctx)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}
	metrics, err := h.pool.GetParkingMetrics(ctx)
	if err != nil {
		handleError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, v1.PoolStatus{
		ActiveMachines: active,
		MaxMachines:    h.pool.MaxActive(),
		QueuedCount:    metrics.QueuedCount,
		AssignedCount:  metrics.AssignedCount,
	})
}
