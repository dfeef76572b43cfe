package main

import (
	"github.com/ariana-dot-dev/ariana/internal/common/config"
	"github.com/ariana-dot-dev/ariana/internal/common/logger"
	"github.com/ariana-dot-dev/ariana/internal/events"
	"github.com/ariana-dot-dev/ariana/internal/events/bus"
)

func provideEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	provider, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return provider.Bus, cleanup, nil
}
