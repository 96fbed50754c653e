package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/leadflow-backend/internal/campaigns"
	"github.com/angelmondragon/leadflow-backend/internal/cron"
	"github.com/angelmondragon/leadflow-backend/internal/emailoutbox"
	"github.com/angelmondragon/leadflow-backend/internal/leads"
	"github.com/angelmondragon/leadflow-backend/internal/pipeline"
	"github.com/angelmondragon/leadflow-backend/internal/policy"
	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db"
	"github.com/angelmondragon/leadflow-backend/pkg/email"
	"github.com/angelmondragon/leadflow-backend/pkg/intents"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
	"github.com/angelmondragon/leadflow-backend/pkg/migrate"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
	"github.com/angelmondragon/leadflow-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"
	if cfg.Service.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.Service.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	taskMetrics := metrics.NewTaskMetrics(prometheus.DefaultRegisterer)
	outboxMetrics := metrics.NewOutboxMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	resolver, err := policy.NewResolver(policy.ResolverParams{
		Config:       cfg.Policy,
		IgnoreFields: cfg.Signing.IgnoreFields,
		DB:           dbClient.DB(),
		Logger:       logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create policy resolver", err)
		os.Exit(1)
	}

	stages, err := pipeline.New(pipeline.Params{
		DB:       dbClient,
		Leads:    leads.NewRepository(dbClient.DB()),
		Intents:  intents.NewService(intents.NewRepository(dbClient.DB()), logg),
		Policies: resolver,
		Routing:  cfg.Routing,
		Logger:   logg,
		Metrics:  taskMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create lead pipeline", err)
		os.Exit(1)
	}

	templates, err := email.NewTemplates(cfg.Email.TemplatesDir)
	if err != nil {
		logg.Error(context.Background(), "failed to load email templates", err)
		os.Exit(1)
	}
	transport, err := email.NewTransport(context.Background(), cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create email transport", err)
		os.Exit(1)
	}
	outboxRepo := emailoutbox.NewRepository(dbClient.DB())
	outbox, err := emailoutbox.NewOutbox(emailoutbox.OutboxParams{
		Repository:  outboxRepo,
		Templates:   templates,
		DefaultFrom: cfg.Email.From,
		HighWater:   cfg.MailOutbox.HighWater,
		Logger:      logg,
		Metrics:     outboxMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create email outbox", err)
		os.Exit(1)
	}
	drainer, err := emailoutbox.NewDrainer(emailoutbox.DrainerParams{
		Repository:  outboxRepo,
		Outbox:      outbox,
		Transport:   transport,
		Config:      cfg.MailOutbox,
		SendTimeout: cfg.Email.SendTimeout,
		Logger:      logg,
		Metrics:     outboxMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox drainer", err)
		os.Exit(1)
	}
	scheduler, err := campaigns.NewScheduler(campaigns.SchedulerParams{
		DB:         dbClient,
		Repository: campaigns.NewRepository(dbClient.DB()),
		Outbox:     outbox,
		Config:     cfg.Campaign,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create campaign scheduler", err)
		os.Exit(1)
	}
	retention, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Logger:  logg,
		DB:      dbClient,
		Intents: intents.NewRepository(dbClient.DB()),
		DLQ:     intents.NewDLQRepository(dbClient.DB()),
		Outbox:  outboxRepo,
		Config:  cfg.Retention,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create retention job", err)
		os.Exit(1)
	}

	schedules, err := cron.NewScheduleRegistry(cfg.Schedules, cron.Jobs{
		OutboxDrain: drainer,
		Campaigns:   scheduler,
		Purge:       retention,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to register schedules", err)
		os.Exit(1)
	}
	jobDefs, err := cron.Definitions(schedules, logg, cronMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to build scheduled task definitions", err)
		os.Exit(1)
	}

	registry := queue.NewRegistry(cfg.Queue)
	registry.MustRegister(stages.Definitions()...)
	registry.MustRegister(jobDefs...)

	done, err := queue.NewDoneMarker(redisClient, cfg.Queue.DoneTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create done marker", err)
		os.Exit(1)
	}
	runner, err := queue.NewRunner(queue.RunnerParams{
		Config:   cfg.Queue,
		WorkerID: cfg.Service.WorkerID,
		Broker:   queue.NewRedisBroker(redisClient),
		Registry: registry,
		Done:     done,
		Logger:   logg,
		Metrics:  taskMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create task runner", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Logger: logg,
		DB:     dbClient,
		Redis:  redisClient,
		Runner: runner,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"worker_id":   cfg.Service.WorkerID,
	})

	if port := os.Getenv("METRICS_PORT"); port != "" {
		go serveMetrics(ctx, logg, ":"+port)
	}

	logg.Info(ctx, "starting worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}

func serveMetrics(ctx context.Context, logg *logger.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(ctx, "metrics server stopped", err)
	}
}
