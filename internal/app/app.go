// Package app wires the system's components together in dependency order
// (spec §9: Vault → SafetyLayer{Limiter, Breaker} → State → Pool →
// Orchestrator → WorkflowExecutor → API) and runs either the api or the
// worker mode, tearing everything down in reverse on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-rod/rod"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/internal/api"
	"github.com/wisbric/nightowl/internal/audit"
	"github.com/wisbric/nightowl/internal/browserpool"
	"github.com/wisbric/nightowl/internal/config"
	"github.com/wisbric/nightowl/internal/httpserver"
	"github.com/wisbric/nightowl/internal/idempotency"
	"github.com/wisbric/nightowl/internal/jobstate"
	"github.com/wisbric/nightowl/internal/ops"
	"github.com/wisbric/nightowl/internal/orchestrator"
	"github.com/wisbric/nightowl/internal/platform"
	"github.com/wisbric/nightowl/internal/policy"
	"github.com/wisbric/nightowl/internal/telemetry"
	"github.com/wisbric/nightowl/internal/vault"
	"github.com/wisbric/nightowl/internal/workflow"
	"github.com/wisbric/nightowl/pkg/webhook"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting nightowl", "mode", cfg.Mode, "addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// components is the full dependency graph, held so runAPI and runWorker can
// tear it down in reverse construction order on shutdown.
type components struct {
	auditWriter *audit.Writer
	vault       *vault.Vault
	jobs        *jobstate.Store
	pool        *browserpool.Pool
	enforcer    *policy.Enforcer
	idem        *idempotency.Engine
	orch        *orchestrator.Orchestrator
	wf          *workflow.Executor
}

// build constructs every shared component in the order spec §9 requires:
// Vault → SafetyLayer (the rate limiter and circuit breaker are lightweight
// value objects constructed per call against Redis, so there is no standing
// object for them here) → State → Pool → Orchestrator → WorkflowExecutor.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*components, error) {
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)

	v := vault.New(rdb, vault.Config{
		KDFSalt:           cfg.VaultKDFSalt,
		AllowPlaceholders: cfg.VaultAllowPlaceholders,
	})

	jobs := jobstate.New(db, rdb)

	pool := browserpool.New(browserpool.Config{
		MaxInstances:        cfg.BrowserMaxInstances,
		MinInstances:        cfg.BrowserMinInstances,
		MaxPagesPerInstance: cfg.BrowserMaxPagesPerInstance,
		IdleTTL:             time.Duration(cfg.BrowserIdleTTLSeconds) * time.Second,
		BinPath:             cfg.BrowserBinPath,
		ProxyServer:         cfg.BrowserProxyServer,
		Headless:            true,
	}, logger)
	if err := pool.Start(ctx); err != nil {
		auditWriter.Close()
		return nil, fmt.Errorf("starting browser pool: %w", err)
	}

	enforcer := policy.New(db, rdb, auditWriter)
	idem := idempotency.New(rdb, logger, 0)

	hostname, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	orch := orchestrator.New(orchestrator.Config{
		WorkerCount:        cfg.WorkerCount,
		MaxAttemptsDefault: cfg.MaxAttemptsDefault,
		ArtifactsRoot:      cfg.ArtifactsRoot,
	}, rdb, logger, enforcer, idem, jobs, v, pagePoolAdapter{pool}, consumerName)

	sender := webhook.NewSender(cfg.SlackBotToken, time.Duration(cfg.WebhookTimeoutSeconds)*time.Second, logger)
	wf := workflow.New(db, jobs, orchestratorAdapter{orch}, sender, logger)

	return &components{
		auditWriter: auditWriter,
		vault:       v,
		jobs:        jobs,
		pool:        pool,
		enforcer:    enforcer,
		idem:        idem,
		orch:        orch,
		wf:          wf,
	}, nil
}

// teardown releases components in reverse construction order.
func (c *components) teardown(logger *slog.Logger) {
	logger.Info("tearing down components")
	c.pool.Close()
	c.auditWriter.Close()
}

// pagePoolAdapter satisfies strategy.PagePool over *browserpool.Pool, whose
// method is named AcquirePage rather than Acquire.
type pagePoolAdapter struct{ pool *browserpool.Pool }

func (a pagePoolAdapter) Acquire(ctx context.Context) (*rod.Page, func(), error) {
	return a.pool.AcquirePage(ctx)
}

// orchestratorAdapter satisfies workflow.jobCreator over
// *orchestrator.Orchestrator, converting between the two packages'
// structurally-identical but distinct CreateJobInput/CreateJobResult types
// (spec §9 decoupling: internal/workflow never imports internal/orchestrator).
type orchestratorAdapter struct{ orch *orchestrator.Orchestrator }

func (a orchestratorAdapter) CreateJob(ctx context.Context, in workflow.CreateJobInput) (workflow.CreateJobResult, error) {
	res, err := a.orch.CreateJob(ctx, orchestrator.CreateJobInput{
		Domain:            in.Domain,
		URL:               in.URL,
		JobType:           in.JobType,
		Strategy:          in.Strategy,
		Priority:          in.Priority,
		Payload:           in.Payload,
		IdempotencyKey:    in.IdempotencyKey,
		TimeoutSeconds:    in.TimeoutSeconds,
		MaxAttempts:       in.MaxAttempts,
		AuthorizationMode: in.AuthorizationMode,
		UserID:            in.UserID,
		IPAddress:         in.IPAddress,
	})
	if err != nil {
		return workflow.CreateJobResult{}, err
	}
	return workflow.CreateJobResult{JobID: res.JobID, Status: res.Status, Domain: res.Domain, JobType: res.JobType}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	c, err := build(ctx, cfg, logger, db, rdb)
	if err != nil {
		return err
	}
	defer c.teardown(logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		APIKey:             cfg.APIKey,
	}, logger, db, rdb, metricsReg)

	apiHandler := api.New(c.orch, c.enforcer, c.wf, logger)
	apiHandler.Mount(srv.APIRouter)

	opsHandler := ops.New(rdb, c.jobs, c.orch, c.pool, c.vault, c.auditWriter, logger)
	srv.APIRouter.Route("/ops", func(r chi.Router) {
		opsHandler.Mount(r)
	})

	wfCtx, wfCancel := context.WithCancel(ctx)
	defer wfCancel()
	go func() {
		if err := c.wf.Run(wfCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("workflow executor stopped", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	c, err := build(ctx, cfg, logger, db, rdb)
	if err != nil {
		return err
	}
	defer c.teardown(logger)

	logger.Info("worker started", "worker_count", cfg.WorkerCount)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.orch.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down worker")
		return <-errCh
	case err := <-errCh:
		return err
	}
}
