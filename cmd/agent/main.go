// Package main is the entry point for the taskwire-agent binary. The agent
// runs next to the project checkouts, keeps a persistent websocket session
// to the server, and executes submitted tasks through the local execution
// engine while the monitor watches CPU and memory headroom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/agent/conn"
	"github.com/taskwire-io/taskwire/internal/agent/monitor"
	"github.com/taskwire-io/taskwire/internal/agent/queue"
	"github.com/taskwire-io/taskwire/internal/agent/runner"
	"github.com/taskwire-io/taskwire/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	configPath string
	serverURL  string
	agentID    string
	apiKey     string
	engineBin  string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "taskwire-agent",
		Short: "Taskwire agent — executes coding tasks dispatched by the server",
		Long: `Taskwire agent connects out to the Taskwire server, authenticates with
its API key, and executes submitted tasks through the local execution
engine. It reconnects automatically and sheds load when the machine runs
out of CPU or memory headroom.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.configPath, "config", envOrDefault("TASKWIRE_AGENT_CONFIG", ""), "Path to YAML config file (optional)")
	root.PersistentFlags().StringVar(&f.serverURL, "server-url", envOrDefault("TASKWIRE_SERVER_URL", ""), "Server websocket endpoint (overrides config)")
	root.PersistentFlags().StringVar(&f.agentID, "agent-id", envOrDefault("TASKWIRE_AGENT_ID", ""), "Agent identity (overrides config)")
	root.PersistentFlags().StringVar(&f.apiKey, "api-key", envOrDefault("TASKWIRE_API_KEY", ""), "API key for authentication (overrides config)")
	root.PersistentFlags().StringVar(&f.engineBin, "engine-bin", envOrDefault("TASKWIRE_ENGINE_BIN", ""), "Execution engine binary (overrides config)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("TASKWIRE_AGENT_LOG_LEVEL", ""), "Log level: debug, info, warn, error (overrides config)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskwire-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.LoadAgent(f.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, f)
	if cfg.AgentID == "" {
		return fmt.Errorf("agent id is required (--agent-id or TASKWIRE_AGENT_ID)")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("api key is required (--api-key or TASKWIRE_API_KEY)")
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting taskwire agent",
		zap.String("version", version),
		zap.String("agent_id", cfg.AgentID),
		zap.String("server_url", cfg.ServerURL),
		zap.Int("max_concurrent", cfg.MaxConcurrent),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mon := monitor.New(monitor.Config{
		MaxCPUPct:    cfg.MaxCPUPct,
		MaxMemoryPct: cfg.MaxMemoryPct,
		Interval:     cfg.HealthCheckInterval,
	}, logger)

	engine := runner.NewExecRunner(cfg.EngineBin, logger)
	proc := queue.New(cfg.MaxConcurrent, engine, mon, logger)

	// When the monitor crosses into the danger zone it sheds the longest
	// running task to get back under the limits; if that isn't enough for
	// several samples in a row it asks for a graceful shutdown.
	mon.SetShedder(proc.CancelOldest)
	mon.SetShutdown(cancel)

	mgr := conn.New(conn.Config{
		ServerURL: cfg.ServerURL,
		AgentID:   cfg.AgentID,
		APIKey:    cfg.APIKey,
		Version:   version,
	}, proc, mon, logger)
	proc.SetSender(mgr)

	go mon.Run(ctx)
	mgr.Run(ctx)

	// The connection loop has ended — either shutdown was requested or the
	// credentials were rejected. Stop the in-flight work either way.
	logger.Info("shutting down taskwire agent")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	proc.Shutdown(shutdownCtx)
	return nil
}

func applyFlags(cfg *config.Agent, f *flags) {
	if f.serverURL != "" {
		cfg.ServerURL = f.serverURL
	}
	if f.agentID != "" {
		cfg.AgentID = f.agentID
	}
	if f.apiKey != "" {
		cfg.APIKey = f.apiKey
	}
	if f.engineBin != "" {
		cfg.EngineBin = f.engineBin
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
