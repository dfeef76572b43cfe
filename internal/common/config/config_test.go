package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("database.driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Pool.LifetimeUnitMinutes != 20 {
		t.Errorf("pool.lifetimeUnitMinutes = %d, want 20", cfg.Pool.LifetimeUnitMinutes)
	}
	if got := cfg.Pool.LifetimeUnit(); got != 20*time.Minute {
		t.Errorf("LifetimeUnit() = %v, want 20m", got)
	}
	if cfg.Credentials.ControlPlaneSecret == "" {
		t.Error("dev secret not generated")
	}
}

func TestValidateRejectsNonPositiveLifetimeUnit(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Pool.LifetimeUnitMinutes = 0
	if err := validate(cfg); err == nil {
		t.Error("validate accepted lifetimeUnitMinutes = 0")
	}
}
