package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/italolelis/exchange_gateway/internal/logctx"
	"github.com/italolelis/exchange_gateway/internal/storage"
	"github.com/italolelis/exchange_gateway/internal/telemetry"
	"github.com/italolelis/exchange_gateway/internal/transfer"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultErrorInterval = 60 * time.Second
	DefaultMaxParallel   = 4
)

// Engine is the part of the delivery engine a cycle drives.
type Engine interface {
	ScanDue(ctx context.Context) iter.Seq2[storage.TransferRecord, error]
	AttemptDelivery(ctx context.Context, rec storage.TransferRecord) (transfer.Outcome, error)
	ExpirePass(ctx context.Context) (int, error)
}

type Config struct {
	Interval      time.Duration
	ErrorInterval time.Duration
	MaxParallel   int
	Clock         clock.Clock
	Telemetry     *telemetry.Telemetry
}

// Scheduler periodically delivers due transfers and purges expired payloads.
// A process runs exactly one.
type Scheduler struct {
	engine        Engine
	telemetry     *telemetry.Telemetry
	clock         clock.Clock
	interval      time.Duration
	errorInterval time.Duration
	maxParallel   int

	// lifecycle serializes Start and Stop so a restart waits for the
	// previous loop to drain.
	lifecycle sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(engine Engine, cfg Config) *Scheduler {
	s := &Scheduler{
		engine:        engine,
		telemetry:     cfg.Telemetry,
		clock:         cfg.Clock,
		interval:      cfg.Interval,
		errorInterval: cfg.ErrorInterval,
		maxParallel:   cfg.MaxParallel,
	}

	if s.clock == nil {
		s.clock = clock.New()
	}

	if s.interval <= 0 {
		s.interval = DefaultInterval
	}

	if s.errorInterval <= 0 {
		s.errorInterval = DefaultErrorInterval
	}

	if s.maxParallel <= 0 {
		s.maxParallel = DefaultMaxParallel
	}

	return s
}

// Start launches the loop. It returns false when the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.cancel = cancel
	s.done = done

	go s.loop(ctx, done)

	return true
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
// Stopping a scheduler that is not running is a no-op.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return
	}

	cancel()
	<-done

	s.mu.Lock()
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.done != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	logger := logctx.LoggerFromContext(ctx).With("component", "scheduler")
	ctx = logctx.WithLogger(ctx, logger)

	logger.InfoContext(ctx, "scheduler started",
		"interval", s.interval.String(),
		"error_interval", s.errorInterval.String(),
		"max_parallel", s.maxParallel)

	for {
		err := s.safeCycle(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "scheduler cycle failed", "err", err, "retry_in", s.errorInterval.String())
		}

		if !s.sleep(ctx, s.waitAfter(err)) {
			break
		}
	}

	logger.InfoContext(ctx, "scheduler shutdown", "reason", "context_cancelled")
}

// sleep waits for d and reports false if ctx was cancelled first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}

	timer := s.clock.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) waitAfter(err error) time.Duration {
	if err != nil {
		return s.errorInterval
	}

	return s.interval
}

// safeCycle runs one cycle, turning a panic into an error so the loop survives it.
func (s *Scheduler) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "scheduler cycle panic",
				"panic", r,
				"stack", string(debug.Stack()))

			s.telemetry.RecordSystemError(ctx, "scheduler", "panic")

			err = fmt.Errorf("scheduler cycle panic: %v", r)
		}
	}()

	return s.RunCycle(ctx)
}

// RunCycle attempts delivery of every due transfer, at most MaxParallel at a
// time, then runs the expiry pass. Cancellation stops new attempts from being
// dispatched; attempts already running finish first.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	return s.telemetry.InstrumentSchedulerCycle(ctx, func(ctx context.Context) error {
		logger := logctx.LoggerFromContext(ctx)

		var (
			mu       sync.Mutex
			result   *multierror.Error
			outcomes = map[transfer.Outcome]int{}
		)

		record := func(outcome transfer.Outcome, err error) {
			mu.Lock()
			defer mu.Unlock()

			if outcome != "" {
				outcomes[outcome]++
			}

			if err != nil {
				result = multierror.Append(result, err)
			}
		}

		g := new(errgroup.Group)
		g.SetLimit(s.maxParallel)

		for rec, err := range s.engine.ScanDue(ctx) {
			if err != nil {
				record("", fmt.Errorf("failed to scan due transfers: %w", err))

				break
			}

			if ctx.Err() != nil {
				break
			}

			g.Go(func() error {
				record(s.attempt(ctx, rec))

				return nil
			})
		}

		_ = g.Wait()

		purged, err := s.engine.ExpirePass(ctx)
		if err != nil {
			record("", fmt.Errorf("expiry pass failed: %w", err))
		}

		logger.DebugContext(ctx, "scheduler cycle completed",
			"delivered", outcomes[transfer.OutcomeDelivered],
			"retry_scheduled", outcomes[transfer.OutcomeRetryScheduled],
			"failed", outcomes[transfer.OutcomeFailed],
			"skipped", outcomes[transfer.OutcomeSkipped],
			"purged", purged)

		return result.ErrorOrNil()
	})
}

// attempt runs one delivery. Integrity failures are logged by the engine and
// left on the record; they do not fail the cycle.
func (s *Scheduler) attempt(ctx context.Context, rec storage.TransferRecord) (outcome transfer.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "delivery attempt panic",
				"transfer_id", rec.TransferID,
				"panic", r,
				"stack", string(debug.Stack()))

			s.telemetry.RecordSystemError(ctx, "scheduler", "panic")

			outcome, err = "", fmt.Errorf("delivery of %s panicked: %v", rec.TransferID, r)
		}
	}()

	outcome, err = s.engine.AttemptDelivery(ctx, rec)

	var cryptoErr *transfer.CryptoError
	if errors.As(err, &cryptoErr) {
		return outcome, nil
	}

	if err != nil {
		return outcome, fmt.Errorf("delivery of %s: %w", rec.TransferID, err)
	}

	return outcome, nil
}
