// Package app wires every component into the two long-running processes
// described in spec.md §6: the API server and the worker/scheduler
// runtime, which may share a single process.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alephauto/alephauto/internal/activity"
	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/eventbus"
	"github.com/alephauto/alephauto/internal/gateway"
	"github.com/alephauto/alephauto/internal/logger"
	"github.com/alephauto/alephauto/internal/observability"
	"github.com/alephauto/alephauto/internal/registry"
	"github.com/alephauto/alephauto/internal/retry"
	"github.com/alephauto/alephauto/internal/scheduler"
	"github.com/alephauto/alephauto/internal/store"
	"github.com/alephauto/alephauto/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App holds every wired component. It is the single object cmd/server
// constructs and runs.
type App struct {
	Log       *logger.Logger
	Cfg       Config
	Store     *store.Store
	Bus       *eventbus.Bus
	Feed      *activity.Feed
	Registry  *registry.Registry
	Workers   map[string]*worker.Worker
	Scheduler *scheduler.Scheduler
	Router    *gin.Engine

	redisForwarder *eventbus.RedisForwarder
	otelShutdown   func(context.Context) error
	ctx            context.Context
	cancel         context.CancelFunc
	httpServer     *http.Server
}

// shutdownCtx returns the app's internal lifetime context, cancelled by
// Shutdown.
func (a *App) shutdownCtx() context.Context { return a.ctx }

// Handlers maps a pipeline id to the business logic Worker invokes for
// it. The core ships no concrete pipeline handlers (spec.md §1's
// Non-goals explicitly exclude the pipelines' own logic); callers supply
// them. When no handler is supplied for "repomix", New registers a no-op
// stub worker for it; no other pipeline gets a default worker.
type Handlers map[string]worker.Handler

// New wires logger, config, store, event bus, workers, scheduler,
// registry and gateway, mirroring the teacher's App.New staged-wiring
// shape (logger -> config -> storage -> services -> handlers -> router).
func New(log *logger.Logger, handlers Handlers) (*App, error) {
	cfg := LoadConfig(log)
	log.Info("effective configuration loaded",
		"api_port", cfg.APIPort,
		"environment", cfg.Environment,
		"max_concurrent", cfg.MaxConcurrent,
		"run_on_startup", cfg.RunOnStartup,
		"retry_max_attempts", cfg.RetryMaxAttempts,
	)

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "alephauto",
		Environment: cfg.Environment,
		Version:     "dev",
	})

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	bus := eventbus.New(cfg.EventBusBuffer)
	feed := activity.New(cfg.ActivityCapacity)
	overrides, err := registry.LoadOverrides(cfg.RegistryOverridesPath)
	if err != nil {
		log.Warn("registry overrides not applied", "error", err.Error())
	}
	reg := registry.New(st, overrides)

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		Log:          log,
		Cfg:          cfg,
		Store:        st,
		Bus:          bus,
		Feed:         feed,
		Registry:     reg,
		Workers:      make(map[string]*worker.Worker),
		Scheduler:    scheduler.New(log),
		otelShutdown: otelShutdown,
		ctx:          ctx,
		cancel:       cancel,
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.redisForwarder = eventbus.NewRedisForwarder(client, cfg.RedisChannel, bus, log)
		if err := a.redisForwarder.Start(ctx); err != nil {
			log.Warn("redis event forwarder disabled", "error", err.Error())
			a.redisForwarder = nil
		}
	}

	if handlers == nil {
		handlers = Handlers{}
	}
	for pipelineID, handler := range handlers {
		a.Workers[pipelineID] = a.newWorker(ctx, pipelineID, pipelineID, handler)
	}
	if _, ok := a.Workers["repomix"]; !ok {
		a.Workers["repomix"] = a.newWorker(ctx, "repomix", "Repomix", stubHandler)
	}

	for pipelineID, w := range a.Workers {
		if err := a.Scheduler.Schedule(pipelineID, cfg.PipelineCron, w, func() json.RawMessage { return json.RawMessage(`{}`) }, cfg.RunOnStartup); err != nil {
			return nil, fmt.Errorf("app: schedule %s: %w", pipelineID, err)
		}
	}

	handlersCfg := &gateway.Handlers{Store: st, Registry: reg, Feed: feed, Workers: a.Workers, Log: log}
	hub := gateway.NewHub(bus, log, cfg.AllowedOrigins)
	a.Router = gateway.NewRouter(gateway.RouterConfig{
		Handlers:     handlersCfg,
		WS:           hub,
		AllowOrigins: cfg.AllowedOrigins,
		RouteTimeout: cfg.RouteTimeout,
	})

	return a, nil
}

func (a *App) newWorker(ctx context.Context, pipelineID, pipelineName string, handler worker.Handler) *worker.Worker {
	var gitCfg *worker.GitConfig
	if a.Cfg.EnableGitWorkflow {
		gitCfg = &worker.GitConfig{
			BaseBranch:   a.Cfg.GitBaseBranch,
			BranchPrefix: a.Cfg.GitBranchPrefix,
			DryRun:       a.Cfg.GitDryRun,
			Runner:       worker.NewExecGitRunner("."),
			Opener:       worker.NoopOpener{},
		}
	}
	return worker.New(ctx, worker.Config{
		PipelineID:     pipelineID,
		PipelineName:   pipelineName,
		MaxConcurrent:  a.Cfg.MaxConcurrent,
		QueueCapacity:  a.Cfg.QueueCapacity,
		HandlerTimeout: a.Cfg.HandlerTimeout,
		Retry: retry.Config{
			MaxAttempts:      a.Cfg.RetryMaxAttempts,
			DefaultBaseDelay: time.Duration(a.Cfg.RetryBaseDelayMS) * time.Millisecond,
		},
		Git: gitCfg,
	}, a.Store, a.Bus, a.Feed, handler, a.Log)
}

// stubHandler is the no-op handler used for the repomix pipeline when the
// caller does not supply one for it.
func stubHandler(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	return json.RawMessage(`{"noop":true}`), nil
}

const statusBroadcastInterval = 10 * time.Second

// Start runs the scheduler (and, transitively, every worker's dispatch
// loop, already running since New). It is split from New/Run so the
// worker-only deployment mode (spec.md §6) can start workers without
// binding an HTTP port.
func (a *App) Start() {
	a.Scheduler.Start()
	go a.broadcastStatusLoop()
}

// broadcastStatusLoop periodically publishes pipeline:status so connected
// WS clients get dashboard updates without polling GET /api/status
// (spec.md §4.4's enumerated channel list). It stops when the app's
// internal context is cancelled by Shutdown.
func (a *App) broadcastStatusLoop() {
	ticker := time.NewTicker(statusBroadcastInterval)
	defer ticker.Stop()
	ctx := a.shutdownCtx()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pipelines, err := a.Registry.ComposeStatus(ctx)
			if err != nil {
				a.Log.Warn("pipeline:status broadcast skipped", "error", err.Error())
				continue
			}
			a.Bus.Publish("pipeline:status", gin.H{"pipelines": pipelines})
		}
	}
}

// Run serves HTTP+WS on addr. It blocks until the server stops.
func (a *App) Run(addr string) error {
	a.httpServer = &http.Server{Addr: addr, Handler: a.Router}
	a.Log.Info("gateway listening", "addr", addr)
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown quiesces every component in the order spec.md §5 mandates:
// stop the scheduler, close the gateway's accept loop, then wait for
// in-flight worker handlers up to grace before forcing exit.
func (a *App) Shutdown(ctx context.Context) error {
	grace := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			grace = d
		}
	}

	a.Scheduler.Stop(grace)

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("gateway shutdown did not complete cleanly", "error", err.Error())
		}
	}

	a.Bus.Publish("system:status", map[string]interface{}{
		"state":     "shutting_down",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})

	var eg errgroup.Group
	for _, w := range a.Workers {
		w := w
		eg.Go(func() error {
			w.Stop(grace)
			return nil
		})
	}
	eg.Wait()

	a.cancel()

	if a.redisForwarder != nil {
		if err := a.redisForwarder.Close(); err != nil {
			a.Log.Warn("redis forwarder close failed", "error", err.Error())
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(context.Background()); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err.Error())
		}
	}
	if err := a.Store.Close(); err != nil {
		return err
	}
	a.Log.Sync()
	return nil
}
