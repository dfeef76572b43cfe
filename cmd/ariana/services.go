package main

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana/internal/agent/controller"
	"github.com/ariana-dot-dev/ariana/internal/agent/poller"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/credentials"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
	"github.com/ariana-dot-dev/ariana/internal/githost"
	"github.com/ariana-dot-dev/ariana/internal/machinepool"
	"github.com/ariana-dot-dev/ariana/internal/metrics"
	"github.com/ariana-dot-dev/ariana/internal/worker"
)

// Services holds the wired control-plane components.
type Services struct {
	Worker      *instrumentedWorker
	Pool        *machinepool.Pool
	GitHost     *githost.Client
	Credentials *credentials.Service
	Hooks       *automation.Engine
	Controller  *controller.Controller
	Poller      *poller.Poller
}

func provideServices(cfg *config.Config, log *logger.Logger, stores *Stores, eventBus bus.EventBus, m *metrics.Metrics) *Services {
	workerClient := newInstrumentedWorker(
		worker.NewClient(stores.Agents, cfg.Pool.WorkerPort, log),
		m,
	)

	pool := machinepool.NewPool(stores.Machines, eventBus, cfg.Pool, log)
	gitHost := githost.NewClient(stores.GitTokens, cfg.GitHost, log)
	creds := credentials.NewService(stores.Credentials, gitHost, workerClient, cfg.Credentials, cfg.GitHost, log)
	hooks := automation.NewEngine(stores.Automations, workerClient, log)

	ctrl := controller.New(stores.Agents, workerClient, pool, creds, hooks, gitHost, eventBus, cfg.Lifecycle, log)
	p := poller.New(stores.Agents, workerClient, hooks, stores.Automations, gitHost, eventBus, cfg.Lifecycle, log)

	// The controller schedules polls; the poller feeds automation actions back.
	ctrl.SetPoller(p)
	p.SetActionHandler(ctrl)

	return &Services{
		Worker:      workerClient,
		Pool:        pool,
		GitHost:     gitHost,
		Credentials: creds,
		Hooks:       hooks,
		Controller:  ctrl,
		Poller:      p,
	}
}

// seedAutomationBundle loads a YAML automation bundle if one is configured.
// Project templates ship their default automations this way.
func seedAutomationBundle(ctx context.Context, stores *Stores, log *logger.Logger) {
	path := os.Getenv("ARIANA_AUTOMATION_BUNDLE")
	if path == "" {
		return
	}
	projectID := os.Getenv("ARIANA_AUTOMATION_BUNDLE_PROJECT")
	userID := os.Getenv("ARIANA_AUTOMATION_BUNDLE_USER")
	if projectID == "" || userID == "" {
		log.Warn("automation bundle set but project/user missing, skipping",
			zap.String("path", path))
		return
	}

	bundle, err := automation.LoadBundle(path)
	if err != nil {
		log.Error("failed to load automation bundle", zap.String("path", path), zap.Error(err))
		return
	}
	inserted, err := stores.Automations.Seed(ctx, projectID, userID, bundle)
	if err != nil {
		log.Error("failed to seed automation bundle", zap.String("path", path), zap.Error(err))
		return
	}
	log.Info("seeded automation bundle",
		zap.String("path", path),
		zap.Int("inserted", inserted),
		zap.Int("total", len(bundle.Automations)))
}
