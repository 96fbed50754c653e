package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db"
	"github.com/angelmondragon/leadflow-backend/pkg/intents"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/migrate"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
	"github.com/angelmondragon/leadflow-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "intent-dispatcher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "intent-dispatcher"

	logg = logger.New(logger.Options{
		ServiceName: "intent-dispatcher",
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

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Redis:         redisClient,
		Repository:    intents.NewRepository(dbClient.DB()),
		DLQRepository: intents.NewDLQRepository(dbClient.DB()),
		Publisher:     queue.NewRedisBroker(redisClient),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create intent dispatcher", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting intent dispatcher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "intent dispatcher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "intent dispatcher shutting down gracefully")
}
