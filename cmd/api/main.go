package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/leadflow-backend/api"
	"github.com/angelmondragon/leadflow-backend/api/routes"
	"github.com/angelmondragon/leadflow-backend/internal/emailoutbox"
	"github.com/angelmondragon/leadflow-backend/internal/idempotency"
	"github.com/angelmondragon/leadflow-backend/internal/leads"
	"github.com/angelmondragon/leadflow-backend/internal/policy"
	"github.com/angelmondragon/leadflow-backend/internal/ratelimit"
	"github.com/angelmondragon/leadflow-backend/internal/signing"
	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db"
	"github.com/angelmondragon/leadflow-backend/pkg/email"
	"github.com/angelmondragon/leadflow-backend/pkg/intents"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
	"github.com/angelmondragon/leadflow-backend/pkg/migrate"
	"github.com/angelmondragon/leadflow-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	intakeMetrics := metrics.NewIntakeMetrics(reg)
	outboxMetrics := metrics.NewOutboxMetrics(reg)

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
	preflight, err := email.NewPreflight(email.PreflightParams{
		Transport: transport,
		Templates: templates,
		Config:    cfg.Preflight,
		From:      cfg.Email.From,
		Service:   "api",
		Logger:    logg,
		Metrics:   outboxMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create email preflight", err)
		os.Exit(1)
	}
	// Strict mode refuses to serve with a broken transport.
	if err := preflight.Run(context.Background()); err != nil {
		logg.Error(context.Background(), "email preflight failed", err)
		os.Exit(1)
	}

	signer, err := signing.NewSigner(cfg.Signing.Secret, cfg.Signing.MaxAge, cfg.Signing.DropEmpty)
	if err != nil {
		logg.Error(context.Background(), "failed to create signer", err)
		os.Exit(1)
	}
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

	outbox, err := emailoutbox.NewOutbox(emailoutbox.OutboxParams{
		Repository:  emailoutbox.NewRepository(dbClient.DB()),
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

	limiter := ratelimit.New(redisClient, cfg.RateLimit.Scopes, logg, ratelimit.WithMetrics(intakeMetrics))
	leadService, err := leads.NewService(leads.ServiceParams{
		DB:         dbClient,
		Repository: leads.NewRepository(dbClient.DB()),
		Signer:     signer,
		Policies:   resolver,
		Limiter:    limiter,
		Intents:    intents.NewService(intents.NewRepository(dbClient.DB()), logg),
		Mail:       outbox,
		Intake:     cfg.Intake,
		Routing:    cfg.Routing,
		Logger:     logg,
		Metrics:    intakeMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create lead service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})

	go preflight.Watch(ctx, cfg.Preflight.RecheckInterval)

	handler := routes.NewRouter(routes.RouterParams{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Redis:       redisClient,
		Leads:       leadService,
		Limiter:     limiter,
		Idempotency: idempotency.NewStore(redisClient, cfg.Idempotency),
		EmailStatus: preflight,
		Gatherer:    reg,
	})
	srv := api.NewServer(addr, handler, cfg.HTTP)

	logg.Info(ctx, "starting api server")
	if err := api.Serve(ctx, srv, cfg.HTTP.ShutdownTimeout, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down gracefully")
}
