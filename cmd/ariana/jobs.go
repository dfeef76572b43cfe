package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	v1 "github.com/ariana-dot-dev/ariana/pkg/api/v1"

	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/metrics"
)

// startJobs wires the periodic maintenance work onto a gocron scheduler:
// machine-pool gauge refresh, idle credential refresh, and lifetime-unit
// accounting. The controller's own state/poll/sweep loops run separately.
func startJobs(cfg *config.Config, log *logger.Logger, svcs *Services, stores *Stores, m *metrics.Metrics) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	jobLog := log.WithComponent("jobs")

	_, err = scheduler.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() { refreshPoolGauges(svcs, m, jobLog) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("pool gauge job: %w", err)
	}

	credEvery := time.Duration(cfg.Credentials.GitHostRefreshMinutes) * time.Minute
	if credEvery <= 0 {
		credEvery = 5 * time.Minute
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(credEvery),
		gocron.NewTask(func() { refreshIdleCredentials(svcs, stores, jobLog) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("credential refresh job: %w", err)
	}

	// Config validation guarantees a positive lifetimeUnitMinutes.
	unitEvery := cfg.Pool.LifetimeUnit()
	_, err = scheduler.NewJob(
		gocron.DurationJob(unitEvery),
		gocron.NewTask(func() { decrementLifetimeUnits(svcs, stores, jobLog) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("lifetime accounting job: %w", err)
	}

	scheduler.Start()
	jobLog.Info("scheduled jobs started",
		zap.Duration("credential_refresh", credEvery),
		zap.Duration("lifetime_unit", unitEvery))
	return scheduler, nil
}

func refreshPoolGauges(svcs *Services, m *metrics.Metrics, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active, err := svcs.Pool.GetActiveCount(ctx)
	if err != nil {
		log.Error("failed to read pool active count", zap.Error(err))
		return
	}
	parking, err := svcs.Pool.GetParkingMetrics(ctx)
	if err != nil {
		log.Error("failed to read parking metrics", zap.Error(err))
		return
	}

	m.PoolActiveMachines.Set(float64(active))
	m.PoolMaxMachines.Set(float64(svcs.Pool.MaxActive()))
	m.PoolQueuedReserves.Set(float64(parking.QueuedCount))
}

// refreshIdleCredentials re-pushes provider credentials to agents that sit
// idle on a machine, so long-lived sessions do not expire mid-prompt.
func refreshIdleCredentials(svcs *Services, stores *Stores, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	agents, err := stores.Agents.ListAgentsInState(ctx, v1.AgentStateIdle)
	if err != nil {
		log.Error("failed to list idle agents", zap.Error(err))
		return
	}
	for _, agent := range agents {
		if agent.MachineID == "" || agent.IsTrashed {
			continue
		}
		if err := svcs.Credentials.RefreshWorker(ctx, agent); err != nil {
			log.Warn("idle credential refresh failed",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		}
	}
}

// decrementLifetimeUnits burns one unit per interval for agents that hold a
// machine. Agents whose budget reaches zero get trashed; a zero budget at
// creation means the agent is not metered.
func decrementLifetimeUnits(svcs *Services, stores *Stores, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	agents, err := stores.Agents.ListActiveAgents(ctx)
	if err != nil {
		log.Error("failed to list active agents", zap.Error(err))
		return
	}
	for _, agent := range agents {
		if agent.MachineID == "" || agent.LifetimeUnits <= 0 {
			continue
		}
		remaining := agent.LifetimeUnits - 1
		if err := stores.Agents.SetLifetimeUnits(ctx, agent.ID, remaining); err != nil {
			log.Error("failed to decrement lifetime units",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
			continue
		}
		if remaining == 0 {
			log.Info("agent lifetime exhausted, trashing", zap.String("agent_id", agent.ID))
			if err := svcs.Controller.Trash(ctx, agent.ID); err != nil {
				log.Error("failed to trash exhausted agent",
					zap.String("agent_id", agent.ID),
					zap.Error(err))
			}
		}
	}
}
