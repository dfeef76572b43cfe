package main

import (
	"github.com/ariana-dot-dev/ariana/internal/agent/store"
	"github.com/ariana-dot-dev/ariana/internal/automation"
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/credentials"
	"github.com/ariana-dot-dev/ariana/internal/db"
	"github.com/ariana-dot-dev/ariana/internal/githost"
	"github.com/ariana-dot-dev/ariana/internal/machinepool"
	"github.com/ariana-dot-dev/ariana/internal/persistence"
)

// Stores bundles every repository built on the shared connection pool.
type Stores struct {
	Agents      *store.Store
	Automations *automation.Store
	Machines    *machinepool.Store
	Credentials *credentials.Store
	GitTokens   *githost.TokenStore
}

func provideStores(cfg *config.Config, log *logger.Logger) (*db.Pool, *Stores, func() error, error) {
	pool, cleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}

	keyProvider, err := credentials.NewMasterKeyProvider(cfg.Credentials.MasterKeyPath)
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	masterKey := keyProvider.Key()

	autoStore, err := automation.NewStore(pool)
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	machineStore, err := machinepool.NewStore(pool)
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	credStore, err := credentials.NewStore(pool, masterKey)
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	tokenStore, err := githost.NewTokenStore(pool, masterKey)
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}
	agentStore, err := store.New(pool)
	if err != nil {
		_ = cleanup()
		return nil, nil, nil, err
	}

	stores := &Stores{
		Agents:      agentStore,
		Automations: autoStore,
		Machines:    machineStore,
		Credentials: credStore,
		GitTokens:   tokenStore,
	}
	return pool, stores, cleanup, nil
}
