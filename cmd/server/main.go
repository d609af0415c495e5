// Package main is the entry point for the taskwire-server binary.
// It wires all internal packages together: database and repositories, agent
// registry, websocket gateway, message router with the lifecycle handlers,
// offline delivery queue, command service, decomposition driver, scheduler
// and the HTTP surface — then blocks until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taskwire-io/taskwire/internal/api"
	"github.com/taskwire-io/taskwire/internal/chat"
	"github.com/taskwire-io/taskwire/internal/command"
	"github.com/taskwire-io/taskwire/internal/config"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/decompose"
	"github.com/taskwire-io/taskwire/internal/gateway"
	"github.com/taskwire-io/taskwire/internal/lifecycle"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/offline"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/router"
	"github.com/taskwire-io/taskwire/internal/scheduler"
	"github.com/taskwire-io/taskwire/internal/store"
	"github.com/taskwire-io/taskwire/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// restartGraceSecs is announced to agents in the shutdown broadcast.
const restartGraceSecs = 30

type flags struct {
	configPath string
	listenAddr string
	dbDriver   string
	dbDSN      string
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
		Use:   "taskwire-server",
		Short: "Taskwire server — task dispatch hub for remote coding agents",
		Long: `Taskwire server accepts coding tasks from chat, routes them over
websockets to remote agents, streams progress back into the originating
thread, and guarantees at-least-once delivery to agents that were offline
when their work arrived.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.configPath, "config", envOrDefault("TASKWIRE_CONFIG", ""), "Path to YAML config file (optional)")
	root.PersistentFlags().StringVar(&f.listenAddr, "listen-addr", envOrDefault("TASKWIRE_LISTEN_ADDR", ""), "HTTP listen address (overrides config)")
	root.PersistentFlags().StringVar(&f.dbDriver, "db-driver", envOrDefault("TASKWIRE_DB_DRIVER", ""), "Database driver, sqlite or postgres (overrides config)")
	root.PersistentFlags().StringVar(&f.dbDSN, "db-dsn", envOrDefault("TASKWIRE_DB_DSN", ""), "Database DSN or SQLite file path (overrides config)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", envOrDefault("TASKWIRE_LOG_LEVEL", ""), "Log level: debug, info, warn, error (overrides config)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskwire-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.LoadServer(f.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, f)

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting taskwire server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database and repositories ---
	database, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	tasks := store.NewTaskRepository(database)
	projects := store.NewProjectRepository(database)
	offlineRepo := store.NewOfflineQueueRepository(database)
	creds := store.NewCredentialRepository(database)
	audit := store.NewAuditRepository(database)
	schedules := store.NewScheduleRepository(database)

	// --- Chat surface ---
	// The log notifier stands in for a real platform adapter; the retrier in
	// front of it owns rate limiting, retries and the failed-delivery ring.
	failed := chat.NewFailedBuffer(256)
	retrierCfg := chat.DefaultRetrierConfig()
	retrierCfg.Window = cfg.ChatRateLimitWindow
	retrierCfg.MaxRequests = cfg.ChatMaxRequests
	notifier := chat.NewRetrier(chat.NewLogNotifier(logger), retrierCfg, failed, logger)
	streams := stream.New(notifier, stream.DefaultConfig(), logger)

	// --- Agent registry and offline delivery ---
	reg := registry.New(logger)
	queue := offline.New(offlineRepo, tasks, reg, notifier, offline.Config{
		TTL:             cfg.OfflineQueueTTL,
		MaxConcurrent:   cfg.OfflineQueueMaxConcurrent,
		PreserveOrder:   cfg.OfflineQueuePreserveOrder,
		RetryAttempts:   cfg.OfflineQueueRetryAttempts,
		RetryDelay:      cfg.OfflineQueueRetryDelay,
		DeliveryTimeout: cfg.OfflineQueueDeliveryTimeout,
		DrainInterval:   30 * time.Second,
	}, logger)
	queue.SetResolver(reg)
	reg.Subscribe(queue.OnRegistryEvent)

	// --- Services ---
	commands := command.New(tasks, projects, audit, reg, queue, notifier,
		command.DefaultBots(), cfg.MaxContinuations, logger)
	lifecycleSvc := lifecycle.New(tasks, audit, notifier, streams, logger)
	decomposer := decompose.New(tasks, commands, notifier, logger)

	// The decomposition driver hooks into the lifecycle service: plan
	// fan-out on completion, next-subtask on child finish, auto-continue on
	// the turn-cap marker.
	lifecycleSvc.SetCompletionListener(decomposer)
	lifecycleSvc.SetChildListener(decomposer)
	lifecycleSvc.SetContinuer(decomposer)

	// --- Router ---
	rt := router.New(logger)
	rt.Handle(protocol.TypeTaskAck, lifecycleSvc.HandleAck)
	rt.Handle(protocol.TypeTaskProgress, lifecycleSvc.HandleProgress)
	rt.Handle(protocol.TypeTaskStream, lifecycleSvc.HandleStream)
	rt.Handle(protocol.TypeTaskComplete, lifecycleSvc.HandleCompletion)
	rt.Handle(protocol.TypeTaskError, lifecycleSvc.HandleError)
	rt.Handle(protocol.TypeTaskCancelled, lifecycleSvc.HandleCancelled)
	rt.Handle(protocol.TypeAgentStatus, lifecycleSvc.HandleAgentStatus)

	// --- Scheduler ---
	sched, err := scheduler.New(schedules, projects, commands, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// --- Gateway and HTTP surface ---
	gw := gateway.New(gateway.Config{
		AuthTimeout:            cfg.AuthTimeout,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		RequireSecureTransport: cfg.RequireSecureTransport,
	}, reg, rt, creds, logger)

	handler := api.NewRouter(api.RouterConfig{
		AgentWS:  gw.HandleAgent,
		Registry: reg,
		Tasks:    tasks,
		Failed:   failed,
		Metrics:  metrics.NewRegistry(),
		Logger:   logger,
	})

	go queue.Run(ctx)
	go gw.Run(ctx)
	go retentionLoop(ctx, tasks, cfg.TaskRetentionDays, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down taskwire server")
	commands.NotifyRestart("server shutting down", restartGraceSecs)
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

// retentionLoop deletes terminal tasks older than the retention window once
// an hour. Offline queue rows expire separately via their own TTL.
func retentionLoop(ctx context.Context, tasks store.TaskRepository, retentionDays int, logger *zap.Logger) {
	log := logger.Named("retention")
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			deleted, err := tasks.DeleteTerminalOlderThan(ctx, cutoff)
			if err != nil {
				log.Error("retention sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				log.Info("retention sweep done",
					zap.Int64("deleted", deleted),
					zap.Time("cutoff", cutoff),
				)
			}
		}
	}
}

func applyFlags(cfg *config.Server, f *flags) {
	if f.listenAddr != "" {
		cfg.ListenAddr = f.listenAddr
	}
	if f.dbDriver != "" {
		cfg.DBDriver = f.dbDriver
	}
	if f.dbDSN != "" {
		cfg.DBDSN = f.dbDSN
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
}

// gormLevel keeps SQL logging quiet unless the whole process is in debug.
func gormLevel(level string) gormlogger.LogLevel {
	if level == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Warn
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
