package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

type pinger interface {
	Ping(context.Context) error
}

type taskRunner interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Logger *logger.Logger
	DB     pinger
	Redis  pinger
	Runner taskRunner
}

// Service checks dependencies and then hosts the task runner.
type Service struct {
	logg   *logger.Logger
	db     pinger
	redis  pinger
	runner taskRunner
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Runner == nil {
		return nil, errors.New("task runner is required")
	}
	return &Service{
		logg:   params.Logger,
		db:     params.DB,
		redis:  params.Redis,
		runner: params.Runner,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "redis", s.redis.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	if err := s.runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logg.Error(ctx, "task runner stopped unexpectedly", err)
		return err
	}
	s.logg.Info(ctx, "worker context canceled")
	return ctx.Err()
}
