// Package config provides configuration management for the Ariana control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	GitHost     GitHostConfig     `mapstructure:"githost"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the host/port fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PoolConfig holds machine-pool configuration.
type PoolConfig struct {
	// MaxActiveMachines caps how many machines the pool may hand out at once.
	MaxActiveMachines int `mapstructure:"maxActiveMachines"`

	// LifetimeUnitMinutes is the size in minutes of one agent lifetime unit.
	LifetimeUnitMinutes int `mapstructure:"lifetimeUnitMinutes"`

	// ReservationPollSeconds is how often a provisioning agent re-reads its
	// reservation row while waiting for assignment.
	ReservationPollSeconds int `mapstructure:"reservationPollSeconds"`

	// WorkerPort is the control port the worker daemon listens on.
	WorkerPort int `mapstructure:"workerPort"`
}

// LifecycleConfig holds the controller's tick cadences and failure thresholds.
type LifecycleConfig struct {
	StateTickSeconds        int `mapstructure:"stateTickSeconds"`
	PollTickSeconds         int `mapstructure:"pollTickSeconds"`
	MachineFailureThreshold int `mapstructure:"machineFailureThreshold"`
	GhostAgentMinutes       int `mapstructure:"ghostAgentMinutes"`
	PRSyncSeconds           int `mapstructure:"prSyncSeconds"`
	GitHistorySeconds       int `mapstructure:"gitHistorySeconds"`
	SweepSeconds            int `mapstructure:"sweepSeconds"`
	MaxConcurrentPolls      int `mapstructure:"maxConcurrentPolls"`
}

// CredentialsConfig holds credential-rotation configuration.
type CredentialsConfig struct {
	// MasterKeyPath is the location of the AES master key file.
	MasterKeyPath string `mapstructure:"masterKeyPath"`

	// ControlPlaneSecret signs short-lived worker identity tokens.
	ControlPlaneSecret string `mapstructure:"controlPlaneSecret"`

	// ControlPlaneTokenMinutes is the identity-token lifetime.
	ControlPlaneTokenMinutes int `mapstructure:"controlPlaneTokenMinutes"`

	// OAuthRefreshWindowMinutes refreshes provider tokens this close to expiry.
	OAuthRefreshWindowMinutes int `mapstructure:"oauthRefreshWindowMinutes"`

	// GitHostRefreshMinutes throttles per-agent git-host token refreshes.
	GitHostRefreshMinutes int `mapstructure:"gitHostRefreshMinutes"`
}

// GitHostConfig holds git-hosting provider configuration.
type GitHostConfig struct {
	APIBaseURL   string `mapstructure:"apiBaseUrl"`
	TokenURL     string `mapstructure:"tokenUrl"`
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReservationPollInterval returns the reservation poll cadence as a time.Duration.
func (p *PoolConfig) ReservationPollInterval() time.Duration {
	return time.Duration(p.ReservationPollSeconds) * time.Second
}

// LifetimeUnit returns the size of one lifetime unit as a time.Duration.
func (p *PoolConfig) LifetimeUnit() time.Duration {
	return time.Duration(p.LifetimeUnitMinutes) * time.Minute
}

// StateTick returns the state-logic cadence as a time.Duration.
func (l *LifecycleConfig) StateTick() time.Duration {
	return time.Duration(l.StateTickSeconds) * time.Second
}

// PollTick returns the poll-cycle cadence as a time.Duration.
func (l *LifecycleConfig) PollTick() time.Duration {
	return time.Duration(l.PollTickSeconds) * time.Second
}

// GhostAgentTimeout returns how long a busy agent may stay silent before it
// is declared a ghost.
func (l *LifecycleConfig) GhostAgentTimeout() time.Duration {
	return time.Duration(l.GhostAgentMinutes) * time.Minute
}

// PRSyncInterval returns the per-agent pull-request sync throttle.
func (l *LifecycleConfig) PRSyncInterval() time.Duration {
	return time.Duration(l.PRSyncSeconds) * time.Second
}

// GitHistoryInterval returns the per-agent git-history sync throttle.
func (l *LifecycleConfig) GitHistoryInterval() time.Duration {
	return time.Duration(l.GitHistorySeconds) * time.Second
}

// SweepInterval returns the lifecycle-map sweeper cadence.
func (l *LifecycleConfig) SweepInterval() time.Duration {
	return time.Duration(l.SweepSeconds) * time.Second
}

// ControlPlaneTokenTTL returns the identity-token lifetime as a time.Duration.
func (c *CredentialsConfig) ControlPlaneTokenTTL() time.Duration {
	return time.Duration(c.ControlPlaneTokenMinutes) * time.Minute
}

// OAuthRefreshWindow returns the provider-token refresh window as a time.Duration.
func (c *CredentialsConfig) OAuthRefreshWindow() time.Duration {
	return time.Duration(c.OAuthRefreshWindowMinutes) * time.Minute
}

// GitHostRefreshInterval returns the git-host token refresh throttle.
func (c *CredentialsConfig) GitHostRefreshInterval() time.Duration {
	return time.Duration(c.GitHostRefreshMinutes) * time.Minute
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ARIANA_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./ariana.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "ariana")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "ariana")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ariana-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Pool defaults
	v.SetDefault("pool.maxActiveMachines", 20)
	v.SetDefault("pool.lifetimeUnitMinutes", 20)
	v.SetDefault("pool.reservationPollSeconds", 2)
	v.SetDefault("pool.workerPort", 8789)

	// Lifecycle defaults
	v.SetDefault("lifecycle.stateTickSeconds", 5)
	v.SetDefault("lifecycle.pollTickSeconds", 1)
	v.SetDefault("lifecycle.machineFailureThreshold", 5)
	v.SetDefault("lifecycle.ghostAgentMinutes", 3)
	v.SetDefault("lifecycle.prSyncSeconds", 30)
	v.SetDefault("lifecycle.gitHistorySeconds", 10)
	v.SetDefault("lifecycle.sweepSeconds", 60)
	v.SetDefault("lifecycle.maxConcurrentPolls", 16)

	// Credentials defaults
	v.SetDefault("credentials.masterKeyPath", "")
	v.SetDefault("credentials.controlPlaneSecret", "")
	v.SetDefault("credentials.controlPlaneTokenMinutes", 15)
	v.SetDefault("credentials.oauthRefreshWindowMinutes", 5)
	v.SetDefault("credentials.gitHostRefreshMinutes", 5)

	// Git host defaults
	v.SetDefault("githost.apiBaseUrl", "https://api.github.com")
	v.SetDefault("githost.tokenUrl", "https://github.com/login/oauth/access_token")
	v.SetDefault("githost.clientId", "")
	v.SetDefault("githost.clientSecret", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ARIANA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/ariana/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ARIANA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("pool.maxActiveMachines", "MAX_ACTIVE_MACHINES", "ARIANA_POOL_MAX_ACTIVE_MACHINES")
	_ = v.BindEnv("pool.lifetimeUnitMinutes", "AGENT_LIFETIME_UNIT_MINUTES", "ARIANA_POOL_LIFETIME_UNIT_MINUTES")
	_ = v.BindEnv("database.driver", "ARIANA_DB_DRIVER")
	_ = v.BindEnv("database.path", "ARIANA_DB_PATH")
	_ = v.BindEnv("credentials.controlPlaneSecret", "ARIANA_CONTROL_PLANE_SECRET")
	_ = v.BindEnv("credentials.masterKeyPath", "ARIANA_MASTER_KEY_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ariana/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Pool validation
	if cfg.Pool.MaxActiveMachines <= 0 {
		errs = append(errs, "pool.maxActiveMachines must be positive")
	}
	if cfg.Pool.LifetimeUnitMinutes <= 0 {
		errs = append(errs, "pool.lifetimeUnitMinutes must be positive")
	}

	// Lifecycle validation
	if cfg.Lifecycle.MachineFailureThreshold <= 0 {
		errs = append(errs, "lifecycle.machineFailureThreshold must be positive")
	}
	if cfg.Lifecycle.GhostAgentMinutes <= 0 {
		errs = append(errs, "lifecycle.ghostAgentMinutes must be positive")
	}
	if cfg.Lifecycle.MaxConcurrentPolls <= 0 {
		errs = append(errs, "lifecycle.maxConcurrentPolls must be positive")
	}

	// Credentials validation - generate a dev secret when unset
	if cfg.Credentials.ControlPlaneSecret == "" {
		cfg.Credentials.ControlPlaneSecret = generateDevSecret()
	}
	if cfg.Credentials.ControlPlaneTokenMinutes <= 0 {
		errs = append(errs, "credentials.controlPlaneTokenMinutes must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// Fixed dev prefix so operators can spot an unconfigured secret.
	// In production, set ARIANA_CONTROL_PLANE_SECRET.
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
