// Package worker provides the loop abstractions that drive background
// processing: a poll loop for the ingestion adapters and a ticker loop for
// the scoring/ranking cadence.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const logFieldWorker = "worker"

// ProcessFunc is called each iteration to process work items.
// It should return quickly if no work is available.
type ProcessFunc func(ctx context.Context) error

// Config configures a poll-based worker loop.
type Config struct {
	// Name identifies the worker for logging.
	Name string

	// PollInterval is the time between process iterations.
	PollInterval time.Duration

	// Process is called each iteration to do the main work.
	Process ProcessFunc

	// OnError is called when Process returns an error.
	// Return true to continue, false to exit the loop.
	OnError func(err error) bool

	// Logger for the worker.
	Logger *zerolog.Logger
}

// Loop runs a poll-based worker loop. It handles context cancellation and
// error recovery, and returns a wrapped ctx.Err() when canceled.
func Loop(ctx context.Context, cfg Config) error {
	logger := getLogger(cfg.Logger)
	logger.Info().Str(logFieldWorker, cfg.Name).Msg("starting worker loop")

	defer logger.Info().Str(logFieldWorker, cfg.Name).Msg("worker loop stopped")

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker loop %s: %w", cfg.Name, ctx.Err())
		default:
		}

		if cfg.Process != nil {
			if err := cfg.Process(ctx); err != nil {
				if cfg.OnError != nil && !cfg.OnError(err) {
					return err
				}

				logger.Error().Err(err).Str(logFieldWorker, cfg.Name).Msg("process error")
			}
		}

		if err := Wait(ctx, cfg.PollInterval); err != nil {
			return err
		}
	}
}

// TickerConfig configures a ticker loop with an optional secondary cadence.
type TickerConfig struct {
	// Name identifies the worker for logging.
	Name string

	// Interval is the main ticker interval.
	Interval time.Duration

	// OnTick is called when the main ticker fires.
	OnTick func(ctx context.Context)

	// RunOnStart runs OnTick immediately when starting.
	RunOnStart bool

	// SecondaryInterval is the interval for secondary periodic tasks (0 to disable).
	SecondaryInterval time.Duration

	// OnSecondaryTick is called when the secondary ticker fires.
	OnSecondaryTick func(ctx context.Context)

	// Logger for the worker.
	Logger *zerolog.Logger
}

// TickerLoop runs OnTick on a fixed cadence until the context is canceled.
func TickerLoop(ctx context.Context, cfg TickerConfig) error {
	logger := getLogger(cfg.Logger)
	logger.Info().Str(logFieldWorker, cfg.Name).Msg("starting ticker loop")

	defer logger.Info().Str(logFieldWorker, cfg.Name).Msg("ticker loop stopped")

	if cfg.RunOnStart && cfg.OnTick != nil {
		cfg.OnTick(ctx)
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	if cfg.SecondaryInterval > 0 {
		return runDualTickerLoop(ctx, cfg, ticker)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ticker loop %s: %w", cfg.Name, ctx.Err())
		case <-ticker.C:
			if cfg.OnTick != nil {
				cfg.OnTick(ctx)
			}
		}
	}
}

func runDualTickerLoop(ctx context.Context, cfg TickerConfig, ticker *time.Ticker) error {
	secondaryTicker := time.NewTicker(cfg.SecondaryInterval)
	defer secondaryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ticker loop %s: %w", cfg.Name, ctx.Err())
		case <-ticker.C:
			if cfg.OnTick != nil {
				cfg.OnTick(ctx)
			}
		case <-secondaryTicker.C:
			if cfg.OnSecondaryTick != nil {
				cfg.OnSecondaryTick(ctx)
			}
		}
	}
}

// Wait blocks until duration elapses or context is canceled.
// Returns a wrapped context error if context is canceled.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("wait interrupted: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// RecoverPanic recovers from panics and logs them.
// Use as: defer worker.RecoverPanic(logger, "operation name")
func RecoverPanic(logger *zerolog.Logger, operation string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("operation", operation).
			Msg("recovered from panic")
	}
}

func getLogger(logger *zerolog.Logger) *zerolog.Logger {
	if logger == nil {
		nop := zerolog.Nop()

		return &nop
	}

	return logger
}
