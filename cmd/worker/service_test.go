package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubRunner struct {
	runs int
	err  error
}

func (s *stubRunner) Run(ctx context.Context) error {
	s.runs++
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func TestServiceStopsWhenDependencyIsDown(t *testing.T) {
	runner := &stubRunner{}
	svc, err := NewService(ServiceParams{
		Logger: testLogger(),
		DB:     stubPinger{},
		Redis:  stubPinger{err: errors.New("connection refused")},
		Runner: runner,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Run(context.Background()); err == nil {
		t.Fatalf("expected readiness error")
	}
	if runner.runs != 0 {
		t.Fatalf("runner must not start when redis is down")
	}
}

func TestServiceRunsUntilCanceled(t *testing.T) {
	runner := &stubRunner{}
	svc, err := NewService(ServiceParams{
		Logger: testLogger(),
		DB:     stubPinger{},
		Redis:  stubPinger{},
		Runner: runner,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if runner.runs != 1 {
		t.Fatalf("expected runner to start once")
	}
}

func TestServiceSurfacesRunnerFailure(t *testing.T) {
	boom := errors.New("boom")
	svc, err := NewService(ServiceParams{
		Logger: testLogger(),
		DB:     stubPinger{},
		Redis:  stubPinger{},
		Runner: &stubRunner{err: boom},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected runner error, got %v", err)
	}
}
