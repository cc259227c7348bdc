// jobhostd is the job host daemon: it accepts jobs over HTTP, dispatches
// them to Docker hosts and tracks them until they finish.
package main

import (
	"context"
	"errors"
	"flag"
	"jobhost/internal/api"
	"jobhost/internal/apperrors"
	"jobhost/internal/balancer"
	"jobhost/internal/catalog"
	"jobhost/internal/cloud"
	clouddocker "jobhost/internal/cloud/docker"
	"jobhost/internal/config"
	"jobhost/internal/health"
	"jobhost/internal/host"
	"jobhost/internal/job"
	"jobhost/internal/jobworker"
	"jobhost/internal/logging"
	"jobhost/internal/notify"
	"jobhost/internal/observability"
	"jobhost/internal/store/memory"
	"jobhost/internal/store/postgres"
	"jobhost/internal/store/redis"
	"jobhost/internal/task"
	"jobhost/internal/worker/docker"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// jobStore is a job repository that can report its readiness.
type jobStore interface {
	job.Repository
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", os.Getenv("JOBHOST_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(*configPath); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Tracing shutdown error", "error", err)
		}
	}()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Load hosts, tasks and accounts
	if cfg.Catalog == "" {
		return apperrors.Configuration("catalog path is required")
	}
	cat, err := catalog.Load(cfg.Catalog)
	if err != nil {
		return err
	}
	var accounts job.AccountChecker
	if set := cat.AccountSet(); set != nil {
		accounts = set
	}
	logger.Info("Catalog loaded", "hosts", len(cat.Hosts), "tasks", len(cat.Tasks), "grouped", cat.Grouped())

	// Job store
	var store jobStore
	switch cfg.Store.Type {
	case config.StorePostgres:
		pg, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	default:
		store = memory.NewJobRepository()
	}
	logger.Info("Job store ready", "type", cfg.Store.Type)

	// Shared balancing state and dispatch claims
	var (
		rdb     *goredis.Client
		tracker balancer.AssignmentTracker
		claimer jobworker.Claimer = memory.NewClaimer(cfg.Redis.ClaimTTL)
	)
	if cfg.Redis.Enabled() {
		rdb, err = redis.Connect(ctx, &goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		tracker = redis.NewAssignmentTracker(rdb, cfg.Redis.Prefix)
		claimer = redis.NewClaimer(rdb, cfg.Redis.Prefix, cfg.Redis.ClaimTTL)
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	// Webhook notifications
	notifier := notify.NewWebhook(cfg.Notify, metrics, logger)

	taskService := task.NewService(cat.TaskRepository())
	jobService := job.NewService(job.ServiceConfig{
		Repository: store,
		Tasks:      taskService,
		Accounts:   accounts,
		Notifier:   notifier,
		Metrics:    metrics,
		Logger:     logger,
	})

	// Docker worker and container-backed cloud instances
	clients := docker.NewClients()
	endpoints := make(map[string]string, len(cfg.Worker.Endpoints))
	for _, ep := range cfg.Worker.Endpoints {
		endpoints[ep.Host] = ep.Address
	}
	dockerWorker := docker.New(docker.Config{
		Clients:     clients,
		Endpoints:   endpoints,
		Network:     cfg.Worker.Network,
		StopTimeout: cfg.Worker.StopTimeout,
		ProbeCache:  cfg.Worker.ProbeCache,
		Heartbeat:   jobService.UpdateHeartbeat,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err := dockerWorker.Reconcile(ctx); err != nil {
		logger.Warn("Container reconciliation incomplete", "error", err)
	}

	registry := cloud.NewRegistry()
	clouddocker.Register(registry, func(address string) (clouddocker.ContainerAPI, error) {
		cli, err := clients.Get(address)
		if err != nil {
			return nil, err
		}
		return cli, nil
	})
	launcher := cloud.NewLauncher(cloud.LauncherConfig{
		MinInterval: cfg.Cloud.MinInterval,
		OpTimeout:   cfg.Cloud.OpTimeout,
		Metrics:     metrics,
		Logger:      logger,
	})

	var (
		hostService *host.Service
		lb          balancer.LoadBalancer
	)
	if len(cat.Hosts) > 0 {
		hostService = host.NewService(host.ServiceConfig{
			Repository:    cat.HostRepository(),
			DefaultGroup:  cat.DefaultGroup,
			CloudRegistry: registry,
			Logger:        logger,
		})
		balancerCfg := balancer.Config{
			Hosts:    hostService,
			Jobs:     jobService,
			Prober:   dockerWorker,
			Launcher: launcher,
			Metrics:  metrics,
			Logger:   logger,
		}
		switch cfg.Balancer.Strategy {
		case config.BalancerRoundRobin:
			lb = balancer.NewRoundRobin(balancer.RoundRobinConfig{
				Config:                balancerCfg,
				HostResponseThreshold: cfg.Balancer.HostResponseThreshold,
				Tracker:               tracker,
			})
		default:
			lb = balancer.NewSequential(balancerCfg)
		}
	} else {
		logger.Info("No hosts configured, jobs run on the local Docker daemon")
	}

	jobWorker, err := jobworker.New(jobworker.Config{
		Jobs:              jobService,
		Tasks:             taskService,
		Worker:            dockerWorker,
		Hosts:             hostService,
		Balancer:          lb,
		Launcher:          launcher,
		Claimer:           claimer,
		HeartbeatTimeout:  cfg.Jobs.HeartbeatTimeout,
		StartTimeout:      cfg.Jobs.StartTimeout,
		DefaultJobTimeout: cfg.Jobs.DefaultJobTimeout,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	// Create health checker
	checks := []health.Check{
		{Name: "store", Checker: health.ReadyFunc(store.Ping)},
		{Name: "docker", Checker: dockerWorker},
	}
	if rdb != nil {
		checks = append(checks, health.Check{
			Name:     "redis",
			Checker:  health.ReadyFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
			Optional: true,
		})
	}
	healthChecker := health.NewChecker(checks...)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		APIKey:        cfg.Server.APIKey,
		Logger:        logger,
	})

	if cfg.Server.APIKey != "" {
		logger.Info("API authentication enabled")
	} else {
		logger.Warn("API authentication disabled - no api_key_file configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server and scheduler errors
	serverErr := make(chan error, 2)
	schedErr := make(chan error, 1)

	// Start the job worker
	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	go func() {
		schedErr <- jobworker.NewScheduler(jobWorker, cfg.Jobs.Intervals).Run(schedCtx)
	}()

	// Start API server
	go func() {
		logger.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		logger.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal, server error or a fatal sweep error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	schedulerDone := false
	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		logger.Error("Server failed to start", "error", runErr)
	case runErr = <-schedErr:
		schedulerDone = true
		logger.Error("Job worker stopped", "error", runErr)
	}

	if runErr == nil {
		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()

		// Wait for load balancers to stop sending traffic
		if cfg.Server.ShutdownDrainWait > 0 {
			logger.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
			time.Sleep(cfg.Server.ShutdownDrainWait)
		}
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	logger.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop sweeps and the event loop
	stopScheduler()
	if !schedulerDone {
		if err := <-schedErr; err != nil {
			logger.Warn("Job worker stopped with error", "error", err)
		}
	}

	// Phase 4: Release the worker, pending cloud operations and notifications
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := dockerWorker.Close(closeCtx); err != nil {
		logger.Warn("Docker worker shutdown error", "error", err)
	}
	if err := launcher.Close(closeCtx); err != nil {
		logger.Warn("Cloud launcher shutdown error", "error", err)
	}
	if err := notifier.Close(closeCtx); err != nil {
		logger.Warn("Notifier shutdown error", "error", err)
	}
	if err := clients.Close(); err != nil {
		logger.Warn("Docker client shutdown error", "error", err)
	}

	stats := notifier.Stats()
	logger.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Job containers keep running and are picked up again on restart
	logger.Info("Shutdown complete")
	return runErr
}
