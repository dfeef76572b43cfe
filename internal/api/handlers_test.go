package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ariana-dot-dev/ariana/internal/agent/controller"
	"github.com/ariana-dot-dev/ariana/internal/agent/models"
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/db"
	"github.com/ariana-dot-dev/ariana/internal/machinepool"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

// fakeControlPlane records calls and returns canned results so handler tests
// exercise only binding and status mapping.
type fakeControlPlane struct {
	agent  *models.Agent
	prompt *models.Prompt
	err    error

	interrupted []string
	started     []string
	ralph       map[string]bool
}

func (f *fakeControlPlane) Create(ctx context.Context, req *v1.CreateAgentRequest) (*models.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.agent, nil
}

func (f *fakeControlPlane) StartAgent(ctx context.Context, agentID string, req *v1.StartAgentRequest) error {
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, agentID)
	return nil
}

func (f *fakeControlPlane) QueuePrompt(ctx context.Context, agentID string, req *v1.QueuePromptRequest) (*models.Prompt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prompt, nil
}

func (f *fakeControlPlane) Interrupt(ctx context.Context, agentID string) error {
	if f.err != nil {
		return f.err
	}
	f.interrupted = append(f.interrupted, agentID)
	return nil
}

func (f *fakeControlPlane) Trash(ctx context.Context, agentID string) error   { return f.err }
func (f *fakeControlPlane) Untrash(ctx context.Context, agentID string) error { return f.err }

func (f *fakeControlPlane) Resume(ctx context.Context, agentID string) (*models.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.agent, nil
}

func (f *fakeControlPlane) EnableSlopMode(ctx context.Context, agentID string, req *v1.SlopModeRequest) error {
	return f.err
}

func (f *fakeControlPlane) DisableSlopMode(ctx context.Context, agentID string) error { return f.err }

func (f *fakeControlPlane) SetRalphMode(ctx context.Context, agentID string, enabled bool) error {
	if f.err != nil {
		return f.err
	}
	if f.ralph == nil {
		f.ralph = make(map[string]bool)
	}
	f.ralph[agentID] = enabled
	return nil
}

type fakePool struct {
	active  int
	max     int
	metrics machinepool.ParkingMetrics
}

func (f *fakePool) GetActiveCount(ctx context.Context) (int, error) { return f.active, nil }
func (f *fakePool) MaxActive() int                                  { return f.max }
func (f *fakePool) GetParkingMetrics(ctx context.Context) (*machinepool.ParkingMetrics, error) {
	m := f.metrics
	return &m, nil
}

func setupHandlers(t *testing.T) (*fakeControlPlane, *store.Store, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { writer.Close() })
	st, err := store.New(db.NewSinglePool(writer))
	if err != nil {
		t.Fatalf("init store: %v", err)
	}

	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	ctrl := &fakeControlPlane{}
	handlers := NewAgentHandlers(ctrl, st, &fakePool{active: 2, max: 5, metrics: machinepool.ParkingMetrics{QueuedCount: 1, AssignedCount: 1}}, log)

	router := gin.New()
	handlers.RegisterRoutes(router)
	return ctrl, st, router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedStoredAgent(t *testing.T, st *store.Store, id string) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		ID:        id,
		UserID:    "user-1",
		ProjectID: "project-1",
		Name:      "fix-auth",
		State:     v1.AgentStateIdle,
	}
	if err := st.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return agent
}

func TestCreateAgentReturns201(t *testing.T) {
	ctrl, _, router := setupHandlers(t)
	ctrl.agent = &models.Agent{ID: "agent-1", UserID: "user-1", ProjectID: "project-1", State: v1.AgentStateProvisioning}

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{
		UserID:    "user-1",
		ProjectID: "project-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.Agent
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != "agent-1" {
		t.Errorf("expected agent-1, got %s", resp.ID)
	}
	if resp.State != v1.AgentStateProvisioning {
		t.Errorf("expected PROVISIONING, got %s", resp.State)
	}
}

func TestCreateAgentRejectsMissingUser(t *testing.T) {
	_, _, router := setupHandlers(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents", map[string]string{"project_id": "project-1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestCreateAgentPoolFullMapsTo503(t *testing.T) {
	ctrl, _, router := setupHandlers(t)
	ctrl.err = machinepool.ErrPoolAtCapacity

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{
		UserID:    "user-1",
		ProjectID: "project-1",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetAgentReturnsDetailWithPrompts(t *testing.T) {
	_, st, router := setupHandlers(t)
	ctx := context.Background()
	agent := seedStoredAgent(t, st, "agent-1")

	prompt := &models.Prompt{AgentID: agent.ID, Prompt: "fix the tests", Model: v1.PromptModelSonnet}
	if err := st.CreatePrompt(ctx, prompt); err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/agents/agent-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.AgentDetail
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Agent == nil || resp.Agent.ID != "agent-1" {
		t.Fatalf("expected agent-1 in detail, got %+v", resp.Agent)
	}
	if len(resp.Prompts) != 1 || resp.Prompts[0].Prompt != "fix the tests" {
		t.Errorf("expected one prompt, got %+v", resp.Prompts)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	_, _, router := setupHandlers(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/agents/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestStartAgentAccepted(t *testing.T) {
	ctrl, _, router := setupHandlers(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/start", v1.StartAgentRequest{
		RepoFullName: "octo/web",
		BaseBranch:   "main",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(ctrl.started) != 1 || ctrl.started[0] != "agent-1" {
		t.Errorf("expected start call for agent-1, got %v", ctrl.started)
	}
}

func TestStartAgentNotProvisionedMapsTo409(t *testing.T) {
	ctrl, _, router := setupHandlers(t)
	ctrl.err = controller.ErrAgentNotProvisioned

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/start", v1.StartAgentRequest{})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
}

func TestQueuePromptReturns201(t *testing.T) {
	ctrl, _, router := setupHandlers(t)
	ctrl.prompt = &models.Prompt{
		ID:      "prompt-1",
		AgentID: "agent-1",
		Prompt:  "add pagination",
		Model:   v1.PromptModelOpus,
		Status:  v1.PromptStatusQueued,
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/prompts", v1.QueuePromptRequest{
		Prompt: "add pagination",
		Model:  v1.PromptModelOpus,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.Prompt
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != v1.PromptStatusQueued {
		t.Errorf("expected queued, got %s", resp.Status)
	}
}

func TestQueuePromptInvalidModelMapsTo400(t *testing.T) {
	ctrl, _, router := setupHandlers(t)
	ctrl.err = controller.ErrInvalidModel

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/prompts", v1.QueuePromptRequest{
		Prompt: "do a thing",
		Model:  v1.PromptModel("gpt-9"),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestInterruptBusyWorkerMapsTo409(t *testing.T) {
	ctrl, _, router := setupHandlers(t)
	ctrl.err = controller.ErrWorkerBusy

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/interrupt", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
}

func TestRalphModeToggle(t *testing.T) {
	ctrl, _, router := setupHandlers(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/ralph-mode", v1.RalphModeRequest{Enabled: true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !ctrl.ralph["agent-1"] {
		t.Errorf("expected ralph mode enabled for agent-1")
	}
}

func TestListMessagesChecksAgentFirst(t *testing.T) {
	_, _, router := setupHandlers(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/agents/ghost/messages", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestListMessagesReturnsStoredTurns(t *testing.T) {
	_, st, router := setupHandlers(t)
	ctx := context.Background()
	agent := seedStoredAgent(t, st, "agent-1")

	msg := &models.Message{
		AgentID:    agent.ID,
		SourceUUID: "uuid-1",
		Role:       "assistant",
		Content:    "done, pushed to the branch",
		Timestamp:  time.Now().UTC(),
	}
	if err := st.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/agents/agent-1/messages?limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.ListMessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("expected 1 message, got %d", resp.Total)
	}
	if resp.Messages[0].Content != "done, pushed to the branch" {
		t.Errorf("unexpected content %q", resp.Messages[0].Content)
	}
}

func TestListAgentsFiltersByProject(t *testing.T) {
	_, st, router := setupHandlers(t)
	seedStoredAgent(t, st, "agent-1")

	other := &models.Agent{ID: "agent-2", UserID: "user-1", ProjectID: "project-2", State: v1.AgentStateIdle}
	if err := st.CreateAgent(context.Background(), other); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/agents?project_id=project-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.ListAgentsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Total != 1 || resp.Agents[0].ID != "agent-1" {
		t.Errorf("expected only agent-1, got %+v", resp.Agents)
	}
}

func TestPoolStatus(t *testing.T) {
	_, _, router := setupHandlers(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/pool/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.PoolStatus
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ActiveMachines != 2 || resp.MaxMachines != 5 {
		t.Errorf("unexpected pool status %+v", resp)
	}
	if resp.QueuedCount != 1 {
		t.Errorf("expected 1 queued reservation, got %d", resp.QueuedCount)
	}
}
