package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdhq/agentd/internal/api"
	"github.com/agentdhq/agentd/internal/budget"
	"github.com/agentdhq/agentd/internal/config"
	"github.com/agentdhq/agentd/internal/hooks"
	"github.com/agentdhq/agentd/internal/ingress"
	"github.com/agentdhq/agentd/internal/metrics"
	"github.com/agentdhq/agentd/internal/poster"
	"github.com/agentdhq/agentd/internal/queue"
	"github.com/agentdhq/agentd/internal/runner"
	"github.com/agentdhq/agentd/internal/scheduler"
	"github.com/agentdhq/agentd/internal/secrets"
	"github.com/agentdhq/agentd/internal/storage"
	"github.com/agentdhq/agentd/internal/task"
	"github.com/agentdhq/agentd/internal/token"
	"github.com/agentdhq/agentd/internal/version"
	"github.com/agentdhq/agentd/internal/worker"
	"github.com/agentdhq/agentd/internal/workspace"
)

// Exit codes: 1 for configuration problems, 2 for unreachable backing
// stores.
const (
	exitConfig = 1
	exitStore  = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfig)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Println(version.String())
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitConfig)
	}
}

func printUsage() {
	fmt.Println(`agentd - task control plane for autonomous software-engineering agents

Usage:
  agentd <command> [options]

Commands:
  serve    Start webhook ingress, HTTP API and maintenance scheduler
  worker   Start a task execution pool
  version  Print build information

Options:
  -config string   Path to config file (default "config.yaml")
  --with-worker    (serve) Run an execution pool in the same process

Examples:
  agentd serve -config config.yaml
  agentd serve -config config.yaml --with-worker
  agentd worker -config config.yaml`)
}

// validateServeConfig refuses a serve process that could never receive
// work: no webhook provider enabled and no admin token means nothing
// can enqueue a task.
func validateServeConfig(cfg *config.Config) error {
	if len(cfg.EnabledProviders()) == 0 && cfg.API.AdminToken == "" {
		return fmt.Errorf("no intake configured: enable a webhook provider or set api.admin_token")
	}
	return nil
}

// validateWorkerConfig checks the settings only the execution pool needs.
func validateWorkerConfig(cfg *config.Config) error {
	if cfg.Worker.AgentBinary == "" {
		return fmt.Errorf("worker.agent_binary is required to run an execution pool")
	}
	return nil
}

// app holds the components every subcommand needs.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *task.Store
	queue  *queue.Queue
	tokens *token.Service
}

func newApp(configPath string) *app {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitConfig)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(exitConfig)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data dir", zap.Error(err))
		os.Exit(exitConfig)
	}

	store, err := task.NewStore(cfg.Store.URL)
	if err != nil {
		logger.Error("store unreachable", zap.Error(err))
		os.Exit(exitStore)
	}
	q, err := queue.New(cfg.Queue.URL, queue.Options{
		SoftLimit:         cfg.Queue.SoftLimit,
		HardLimit:         cfg.Queue.HardLimit,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxConcurrent:     cfg.Worker.MaxConcurrent,
		MaxPerOrg:         cfg.Worker.MaxPerOrg,
	})
	if err != nil {
		logger.Error("queue unreachable", zap.Error(err))
		os.Exit(exitStore)
	}

	key, err := secrets.LoadOrCreateKey(cfg.EncryptionKey, cfg.DataDir)
	if err != nil {
		logger.Error("failed to load encryption key", zap.Error(err))
		os.Exit(exitConfig)
	}
	enc, err := secrets.NewEncryptor(key)
	if err != nil {
		logger.Error("failed to build encryptor", zap.Error(err))
		os.Exit(exitConfig)
	}

	tokens := token.NewService(token.NewStore(store.Client()), enc, logger)
	if appCfg := cfg.Providers.GitHub.App; appCfg != nil {
		refresher, err := token.NewGitHubAppRefresher(appCfg)
		if err != nil {
			logger.Error("failed to configure github app", zap.Error(err))
			os.Exit(exitConfig)
		}
		tokens.RegisterRefresher("github", refresher)
	}

	metrics.Register(q)

	return &app{cfg: cfg, logger: logger, store: store, queue: q, tokens: tokens}
}

func (a *app) close() {
	_ = a.queue.Close()
	_ = a.store.Close()
	_ = a.logger.Sync()
}

// lockOwner is the fencing identity this process presents for workspace
// locks. Two pools on one host must not share one, so the hostname alone
// is not enough.
func lockOwner() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

func (a *app) newWorkerPool() *worker.Pool {
	ws := workspace.NewManager(a.cfg.Workspace, a.queue, lockOwner(), a.logger)

	agentRunner := runner.NewCLIRunner(a.cfg.Worker.AgentBinary, nil, a.logger)
	agentRunner.Grace = a.cfg.Worker.GracePeriod

	return worker.NewPool(worker.Deps{
		Config:     a.cfg,
		Store:      a.store,
		Queue:      a.queue,
		Workspaces: ws,
		Tokens:     a.tokens,
		Runner:     agentRunner,
		Poster:     poster.New(a.cfg.Providers, a.store, a.tokens, a.logger),
		Hooks:      hooks.NewRunner(a.logger),
		Budget:     budget.NewTracker(a.store.Client(), a.cfg.Budget),
		Archive:    storage.New(a.cfg.DataDir),
		Logger:     a.logger,
	})
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	withWorker := fs.Bool("with-worker", false, "run an execution pool in this process")
	_ = fs.Parse(args)

	a := newApp(*configPath)
	defer a.close()

	if err := validateServeConfig(a.cfg); err != nil {
		a.logger.Error("invalid configuration", zap.Error(err))
		os.Exit(exitConfig)
	}
	if *withWorker {
		if err := validateWorkerConfig(a.cfg); err != nil {
			a.logger.Error("invalid configuration", zap.Error(err))
			os.Exit(exitConfig)
		}
	}

	ih := ingress.NewHandler(a.cfg, a.store, a.queue, a.tokens, a.logger)
	srv := api.New(a.cfg, a.store, a.queue, a.logger,
		api.WithIngress(ih),
		api.WithTokens(a.tokens),
		api.WithArchive(storage.New(a.cfg.DataDir)))

	evictor := workspace.NewManager(a.cfg.Workspace, a.queue, lockOwner(), a.logger)
	sched := scheduler.New(a.store, a.queue, evictor, a.logger)
	sched.RegisterPruner(srv)
	if err := sched.Start(); err != nil {
		a.logger.Error("failed to start scheduler", zap.Error(err))
		os.Exit(exitConfig)
	}

	var pool *worker.Pool
	if *withWorker {
		pool = a.newWorkerPool()
		pool.Start()
	}

	server := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		a.logger.Info("starting server",
			zap.String("addr", a.cfg.ListenAddr),
			zap.String("version", version.String()),
			zap.Strings("providers", a.cfg.EnabledProviders()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("server error", zap.Error(err))
			os.Exit(exitStore)
		}
	}()

	waitForSignal()
	a.logger.Info("shutting down")

	// Stop intake first so the drain below cannot race new work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = server.Shutdown(shutdownCtx)
	cancel()

	if pool != nil {
		pool.Stop()
	}
	sched.Stop()
	finalSweep(a)
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args)

	a := newApp(*configPath)
	defer a.close()

	if err := validateWorkerConfig(a.cfg); err != nil {
		a.logger.Error("invalid configuration", zap.Error(err))
		os.Exit(exitConfig)
	}

	pool := a.newWorkerPool()
	pool.Start()
	a.logger.Info("worker started", zap.String("version", version.String()))

	waitForSignal()
	a.logger.Info("shutting down, draining in-flight tasks")
	pool.Stop()
	finalSweep(a)
}

// finalSweep hands back any lease this process still holds so another
// instance can pick the work up immediately instead of waiting for
// visibility-timeout expiry.
func finalSweep(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	requeued, err := a.queue.ReclaimExpired(ctx, task.LeaseRecovery(a.store))
	if err != nil {
		a.logger.Warn("final lease sweep failed", zap.Error(err))
		return
	}
	if requeued > 0 {
		a.logger.Info("returned leases on shutdown", zap.Int("count", requeued))
	}
}

func waitForSignal() {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
}
