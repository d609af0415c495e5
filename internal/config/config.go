// Package config loads server and agent configuration from an optional YAML
// file with sane defaults. CLI flags (cobra) override file values in main;
// this package only knows about the file and the defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server holds every tunable recognised by the server binary. Durations are
// written in Go duration syntax in YAML ("30s", "5m").
type Server struct {
	// ListenAddr is the HTTP listen address hosting the agent websocket
	// endpoint, /metrics and /healthz.
	ListenAddr string `yaml:"listenAddr"`

	// DBDriver is "sqlite" or "postgres"; DBDSN is the DSN or SQLite path.
	DBDriver string `yaml:"dbDriver"`
	DBDSN    string `yaml:"dbDsn"`

	// RequireSecureTransport closes plaintext agent connections unless the
	// request arrived over TLS directly or via an X-Forwarded-Proto: https
	// reverse proxy header.
	RequireSecureTransport bool `yaml:"requireSecureTransport"`

	// HeartbeatInterval is the ping cadence H. An agent is considered dead
	// when its last pong is older than 2×H.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// AuthTimeout is the pre-auth window before an unauthenticated socket is
	// closed with code 4001.
	AuthTimeout time.Duration `yaml:"authTimeout"`

	// MaxContinuations caps auto-continuation re-invocations per task unless
	// the bot overrides it per command.
	MaxContinuations int `yaml:"maxContinuations"`

	// Offline queue tuning (see internal/offline).
	OfflineQueueTTL                 time.Duration `yaml:"offlineQueueTtl"`
	OfflineQueueMaxConcurrent       int           `yaml:"offlineQueueMaxConcurrentDeliveries"`
	OfflineQueuePreserveOrder       bool          `yaml:"offlineQueuePreserveOrder"`
	OfflineQueueRetryAttempts       int           `yaml:"offlineQueueRetryAttempts"`
	OfflineQueueRetryDelay          time.Duration `yaml:"offlineQueueRetryDelay"`
	OfflineQueueDeliveryTimeout     time.Duration `yaml:"offlineQueueDeliveryTimeout"`

	// Chat API client budget.
	ChatRateLimitWindow time.Duration `yaml:"rateLimitWindow"`
	ChatMaxRequests     int           `yaml:"maxRequests"`

	// Retention.
	TaskRetentionDays    int `yaml:"taskRetentionDays"`
	ArchiveRetentionDays int `yaml:"archiveRetentionDays"`

	LogLevel string `yaml:"logLevel"`
}

// Agent holds the agent binary's tunables.
type Agent struct {
	// ServerURL is the websocket endpoint, e.g. "wss://host/ws/agent".
	ServerURL string `yaml:"serverUrl"`
	AgentID   string `yaml:"agentId"`
	APIKey    string `yaml:"apiKey"`

	// MaxConcurrent caps simultaneously running tasks on this agent.
	MaxConcurrent int `yaml:"maxConcurrent"`

	// Resource thresholds in percent; see internal/agent/monitor.
	MaxMemoryPct        float64       `yaml:"maxMemoryPct"`
	MaxCPUPct           float64       `yaml:"maxCpuPct"`
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`

	// EngineBin is the execution engine CLI the runner shells out to. Looked
	// up on PATH when not absolute.
	EngineBin string `yaml:"engineBin"`

	LogLevel string `yaml:"logLevel"`
}

// DefaultServer returns the server defaults applied before the YAML file is
// merged on top.
func DefaultServer() Server {
	return Server{
		ListenAddr:                  ":8080",
		DBDriver:                    "sqlite",
		DBDSN:                       "./taskwire.db",
		HeartbeatInterval:           30 * time.Second,
		AuthTimeout:                 10 * time.Second,
		MaxContinuations:            3,
		OfflineQueueTTL:             24 * time.Hour,
		OfflineQueueMaxConcurrent:   5,
		OfflineQueueRetryAttempts:   3,
		OfflineQueueRetryDelay:      2 * time.Second,
		OfflineQueueDeliveryTimeout: 10 * time.Second,
		ChatRateLimitWindow:         time.Minute,
		ChatMaxRequests:             50,
		TaskRetentionDays:           30,
		ArchiveRetentionDays:        90,
		LogLevel:                    "info",
	}
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() Agent {
	return Agent{
		ServerURL:           "ws://localhost:8080/ws/agent",
		MaxConcurrent:       2,
		MaxMemoryPct:        85,
		MaxCPUPct:           90,
		HealthCheckInterval: 15 * time.Second,
		EngineBin:           "taskwire-engine",
		LogLevel:            "info",
	}
}

// LoadServer reads path (if non-empty) over the defaults and validates the
// result. A missing file with an empty path is not an error — flags and
// defaults are enough to run.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Server{}, err
		}
	}
	if err := cfg.validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// LoadAgent reads path (if non-empty) over the defaults and validates.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return Agent{}, err
		}
	}
	if err := cfg.validate(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c Server) validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeatInterval must be positive")
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("config: authTimeout must be positive")
	}
	if c.OfflineQueueMaxConcurrent < 1 {
		return fmt.Errorf("config: offlineQueueMaxConcurrentDeliveries must be >= 1")
	}
	if c.OfflineQueueRetryAttempts < 1 {
		return fmt.Errorf("config: offlineQueueRetryAttempts must be >= 1")
	}
	if c.TaskRetentionDays < 1 {
		return fmt.Errorf("config: taskRetentionDays must be >= 1")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported dbDriver %q", c.DBDriver)
	}
	return nil
}

func (c Agent) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: serverUrl is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: maxConcurrent must be >= 1")
	}
	if c.MaxMemoryPct <= 0 || c.MaxMemoryPct > 100 {
		return fmt.Errorf("config: maxMemoryPct must be in (0, 100]")
	}
	if c.MaxCPUPct <= 0 || c.MaxCPUPct > 100 {
		return fmt.Errorf("config: maxCpuPct must be in (0, 100]")
	}
	return nil
}
