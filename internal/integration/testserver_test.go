// Package integration exercises the control plane end to end: real HTTP
// API, real sqlite storage, real controller and poller loops, with the
// worker daemon simulated over HTTP.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ariana-dot-dev/ariana/internal/agent/controller"
	"github.com/ariana-dot-dev/ariana/internal/agent/poller"
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/api"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/credentials"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	gateways "github.com/ariana-dot-dev/ariana/internal/gateway/websocket"
	"github.com/ariana-dot-dev/ariana/internal/githost"
	"github.com/ariana-dot-dev/ariana/internal/machinepool"
	"github.com/ariana-dot-dev/ariana/internal/persistence"
	"github.com/ariana-dot-dev/ariana/internal/worker"
	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"
)

const (
	testUserID    = "user-1"
	testProjectID = "project-1"
	testSharedKey = "integration-key"
)

// TestServer is a fully wired control plane with a simulated worker fleet
// of one machine.
type TestServer struct {
	t *testing.T

	Server *httptest.Server
	Sim    *simWorker

	Store       *store.Store
	Automations *automation.Store
	Controller  *controller.Controller
	Poller      *poller.Poller
	Bus         bus.EventBus
}

func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	tmp := t.TempDir()

	sim := newSimWorker(t, testSharedKey)
	host, port := sim.Addr()

	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 0, ReadTimeout: 30, WriteTimeout: 30},
		Logging: config.LoggingConfig{Level: "error", Format: "json"},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(tmp, "ariana.db"),
		},
		Pool: config.PoolConfig{
			MaxActiveMachines:      2,
			LifetimeUnitMinutes:    30,
			ReservationPollSeconds: 1,
			WorkerPort:             port,
		},
		Lifecycle: config.LifecycleConfig{
			StateTickSeconds:        1,
			PollTickSeconds:         1,
			MachineFailureThreshold: 3,
			GhostAgentMinutes:       10,
			PRSyncSeconds:           3600,
			GitHistorySeconds:       1,
			SweepSeconds:            60,
			MaxConcurrentPolls:      4,
		},
		Credentials: config.CredentialsConfig{
			MasterKeyPath:             filepath.Join(tmp, "master.key"),
			ControlPlaneSecret:        "integration-secret",
			ControlPlaneTokenMinutes:  5,
			OAuthRefreshWindowMinutes: 5,
			GitHostRefreshMinutes:     5,
		},
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	pool, cleanup, err := persistence.Provide(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	keyProvider, err := credentials.NewMasterKeyProvider(cfg.Credentials.MasterKeyPath)
	require.NoError(t, err)

	agentStore, err := store.New(pool)
	require.NoError(t, err)
	autoStore, err := automation.NewStore(pool)
	require.NoError(t, err)
	machineStore, err := machinepool.NewStore(pool)
	require.NoError(t, err)
	credStore, err := credentials.NewStore(pool, keyProvider.Key())
	require.NoError(t, err)
	tokenStore, err := githost.NewTokenStore(pool, keyProvider.Key())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Seed the user with an API key and a git-host token so credential
	// pushes and clone-token minting work for real.
	require.NoError(t, credStore.Upsert(ctx, &credentials.Credential{
		UserID:     testUserID,
		AuthMethod: credentials.AuthMethodAPIKey,
		Provider:   credentials.ProviderAnthropic,
		APIKey:     "sk-integration",
	}))
	require.NoError(t, tokenStore.Upsert(ctx, &githost.Token{
		UserID:      testUserID,
		AccessToken: "ghs_integration",
	}))

	workerClient := worker.NewClient(agentStore, port, log)
	machinePool := machinepool.NewPool(machineStore, eventBus, cfg.Pool, log)
	gitHost := githost.NewClient(tokenStore, cfg.GitHost, log)
	creds := credentials.NewService(credStore, gitHost, workerClient, cfg.Credentials, cfg.GitHost, log)
	hooks := automation.NewEngine(autoStore, workerClient, log)

	ctrl := controller.New(agentStore, workerClient, machinePool, creds, hooks, gitHost, eventBus, cfg.Lifecycle, log)
	p := poller.New(agentStore, workerClient, hooks, autoStore, gitHost, eventBus, cfg.Lifecycle, log)
	ctrl.SetPoller(p)
	p.SetActionHandler(ctrl)

	// Stand in for the fleet manager: every reservation gets the simulated
	// machine immediately.
	_, err = eventBus.Subscribe(events.MachineReserved, func(ctx context.Context, event *bus.Event) error {
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return nil
		}
		reservationID, _ := data["reservation_id"].(string)
		if reservationID == "" {
			return nil
		}
		return machineStore.AssignReservation(ctx, reservationID, machinepool.MachineCoords{
			MachineID: "sim-" + reservationID[:8],
			Address:   host,
			SharedKey: testSharedKey,
		})
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(ctx))
	t.Cleanup(ctrl.Stop)

	gateway := gateways.NewGateway(log)
	go gateway.Hub.Run(ctx)
	broadcaster := gateways.RegisterAgentNotifications(ctx, eventBus, gateway.Hub, log)
	t.Cleanup(broadcaster.Close)

	router := api.NewRouter(cfg, log, nil)
	gateway.SetupRoutes(router)
	api.NewAgentHandlers(ctrl, agentStore, machinePool, log).RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestServer{
		t:           t,
		Server:      server,
		Sim:         sim,
		Store:       agentStore,
		Automations: autoStore,
		Controller:  ctrl,
		Poller:      p,
		Bus:         eventBus,
	}
}

func (ts *TestServer) doJSON(method, path string, body, out interface{}) int {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.Server.URL+path, &buf)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// CreateAgent provisions a pool agent and waits for it to come up.
func (ts *TestServer) CreateAgent() *v1.Agent {
	ts.t.Helper()
	var agent v1.Agent
	code := ts.doJSON(http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{
		UserID:    testUserID,
		ProjectID: testProjectID,
	}, &agent)
	require.Equal(ts.t, http.StatusCreated, code)
	require.Equal(ts.t, v1.AgentStateProvisioning, agent.State)

	ts.WaitForState(agent.ID, v1.AgentStateProvisioned)
	return &agent
}

// StartAgent boots the agent with a hosted repo and waits for READY.
func (ts *TestServer) StartAgent(agentID string) {
	ts.t.Helper()
	code := ts.doJSON(http.MethodPost, "/api/v1/agents/"+agentID+"/start", v1.StartAgentRequest{
		RepoFullName: "octo/web",
		CloneURL:     "https://github.test/octo/web.git",
		BaseBranch:   "main",
	}, nil)
	require.Equal(ts.t, http.StatusAccepted, code)
	ts.WaitForState(agentID, v1.AgentStateReady)
}

func (ts *TestServer) QueuePrompt(agentID, text string) *v1.Prompt {
	ts.t.Helper()
	var prompt v1.Prompt
	code := ts.doJSON(http.MethodPost, "/api/v1/agents/"+agentID+"/prompts", v1.QueuePromptRequest{
		Prompt: text,
		Model:  v1.PromptModelSonnet,
	}, &prompt)
	require.Equal(ts.t, http.StatusCreated, code)
	return &prompt
}

func (ts *TestServer) GetAgent(agentID string) *v1.AgentDetail {
	ts.t.Helper()
	var detail v1.AgentDetail
	code := ts.doJSON(http.MethodGet, "/api/v1/agents/"+agentID, nil, &detail)
	require.Equal(ts.t, http.StatusOK, code)
	return &detail
}

// WaitForState polls the API until the agent reaches the wanted state.
func (ts *TestServer) WaitForState(agentID string, want v1.AgentState) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		return ts.GetAgent(agentID).Agent.State == want
	}, 20*time.Second, 100*time.Millisecond, "agent %s never reached %s", agentID, want)
}
