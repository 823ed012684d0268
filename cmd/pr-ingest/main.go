package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikey/pr-ingest/internal/di"
	"github.com/mikey/pr-ingest/internal/ports"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build the dependency injection container
	container, err := di.BuildContainer(ctx)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(func(s di.Services) error { return run(ctx, cancel, s) }); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(ctx context.Context, cancel context.CancelFunc, s di.Services) error {
	logger := s.Logger
	defer logger.Sync()

	// Runners in start order; stopped in reverse
	runners := []ports.Runner{s.Server}
	if inbox, ok := s.Provider.(ports.Runner); ok {
		runners = append(runners, inbox)
	}
	runners = append(runners, s.Scheduler)

	var started []ports.Runner
	for _, r := range runners {
		if err := r.Start(); err != nil {
			logger.Error("Failed to start", zap.String("runner", fmt.Sprintf("%T", r)), zap.Error(err))
			stopAll(started, logger)
			closeResources(s, logger)
			return err
		}
		started = append(started, r)
	}

	receiveErr := make(chan error, 1)
	go func() {
		receiveErr <- s.Source.Receive(ctx, s.Consumer.OnNotification)
	}()

	logger.Info("Ingestion service started")

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down...", zap.String("signal", sig.String()))
	case err := <-receiveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Notification source stopped", zap.Error(err))
			runErr = err
		}
	}

	cancel()

	// In-flight handlers observe the cancelled context and nack
	select {
	case <-receiveErr:
	case <-time.After(30 * time.Second):
		logger.Warn("Timed out waiting for in-flight notifications")
	}

	stopAll(started, logger)
	closeResources(s, logger)

	logger.Info("Shutdown complete")
	return runErr
}

func stopAll(runners []ports.Runner, logger *zap.Logger) {
	for i := len(runners) - 1; i >= 0; i-- {
		if err := runners[i].Stop(); err != nil {
			logger.Error("Failed to stop", zap.String("runner", fmt.Sprintf("%T", runners[i])), zap.Error(err))
		}
	}
}

// closeResources releases clients that hold connections or background goroutines
func closeResources(s di.Services, logger *zap.Logger) {
	if err := s.Source.Close(); err != nil {
		logger.Error("Failed to close notification source", zap.Error(err))
	}

	if closer, ok := s.LLMClient.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close LLM client", zap.Error(err))
		}
	}

	// Stops ledger cleanup tasks and closes SQL connections
	if stopper, ok := s.LedgerStore.(interface{ Stop() }); ok {
		stopper.Stop()
	}

	if err := s.RedisClient.Close(); err != nil {
		logger.Error("Failed to close redis client", zap.Error(err))
	}

	switch store := s.ObjectStore.(type) {
	case interface{ Close() error }:
		if err := store.Close(); err != nil {
			logger.Error("Failed to close result store", zap.Error(err))
		}
	case interface{ Close(context.Context) error }:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			logger.Error("Failed to close result store", zap.Error(err))
		}
	}
}
