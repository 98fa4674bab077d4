package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatdesk-core/internal/abtest"
	"chatdesk-core/internal/audit"
	"chatdesk-core/internal/auth"
	"chatdesk-core/internal/condition"
	"chatdesk-core/internal/config"
	"chatdesk-core/internal/conversation"
	"chatdesk-core/internal/dispatch"
	"chatdesk-core/internal/event"
	"chatdesk-core/internal/pipeline"
	"chatdesk-core/internal/triage"
	"chatdesk-core/internal/workflow"
	"chatdesk-core/pkg/logger"
	"chatdesk-core/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Domain wiring. Conversations are held in process; rules, workflows,
	// runs, tasks, and experiments live in Postgres, idempotency in Redis.
	eval := condition.NewEvaluator()
	conversations := conversation.NewMemoryStore()
	auditSvc := audit.NewService(audit.NewMemoryRepo(), log)

	notifier := dispatch.NewWebhookNotifier(cfg.Automation.NotifyWebhooks, 0)
	registry := dispatch.NewRegistry()
	registry.Register(dispatch.ActionChangeStatus, dispatch.NewStatusHandler(conversations))
	registry.Register(dispatch.ActionNotify, dispatch.NewNotifyHandler(notifier))
	registry.Register(dispatch.ActionAddNote, dispatch.NewNoteHandler(conversations))
	registry.Register(dispatch.ActionExternalCall, dispatch.NewExternalCallHandler(notifier))

	dispatcher := dispatch.NewDispatcher(
		dispatch.NewPostgresTaskStore(db),
		dispatch.NewRedisReserver(rdb),
		registry,
		&audit.DeadLetterAlerter{Svc: auditSvc, Log: log},
		dispatch.Config{DedupWindow: cfg.Automation.DedupWindow},
		log,
	)

	abStore := abtest.NewPostgresStore(db).WithPolicy(abtest.RebalancePolicy(cfg.Automation.RebalancePolicy))
	allocator := abtest.NewAllocator(abStore)

	defStore := workflow.NewPostgresDefinitionStore(db)
	runStore := workflow.NewPostgresRunStore(db)
	sink := &pipeline.ActionSink{
		Dispatcher:    dispatcher,
		Allocator:     allocator,
		Conversations: conversations,
		Log:           log,
	}
	engine := workflow.NewEngine(defStore, runStore, eval, sink, log)
	sweeper := workflow.NewSweeper(runStore, engine, cfg.Automation.WorkflowSweepInterval, log)

	ruleStore := triage.NewPostgresRuleStore(db)
	queueStore := triage.NewPostgresQueueStore(db)
	triageSvc := triage.NewService(ruleStore, queueStore, eval, dispatcher, triage.SentimentThresholds{
		Critical: cfg.Automation.SentimentCritical,
		High:     cfg.Automation.SentimentHigh,
	}, log)

	pipe := pipeline.New(conversations, engine, triageSvc, dispatcher, sweeper, pipeline.Config{
		DispatchInterval: cfg.Automation.DispatchSweepInterval,
	}, log)
	go func() {
		if err := pipe.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("pipeline stopped", "err", err)
			stop()
		}
	}()

	gateway := event.NewGateway(cfg.Gateway.APIKey, log)
	if cfg.Gateway.APIKey == "" {
		if err := auditSvc.LogPermissiveMode(rootCtx, "platform"); err != nil {
			log.Error("permissive mode audit failed", "err", err)
		}
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		authMW:   auth.RequireAccessToken(authManager),
		gateway:  gateway,
		ingestor: pipe,
		triage:   triage.Handlers{Svc: triageSvc, Rules: ruleStore, Audit: auditSvc},
		workflow: workflow.Handlers{Defs: defStore, Saver: defStore, Runs: runStore, Engine: engine, Audit: auditSvc},
		db:       db,
		redis:    rdb,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
