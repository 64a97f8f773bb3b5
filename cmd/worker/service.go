package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/angelmondragon/vaultflow-backend/internal/workflow"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

const (
	defaultBatchSize    = 25
	defaultPollInterval = 15 * time.Second
	maxBackoff          = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type pendingProcessor interface {
	ProcessPendingOnce(ctx context.Context, limit int) (workflow.Summary, error)
}

// dependency is a named readiness check run before the loops start.
type dependency struct {
	name string
	ping func(context.Context) error
}

type ServiceParams struct {
	Logger       *logger.Logger
	Driver       pendingProcessor
	Consume      func(ctx context.Context) error
	Dependencies []dependency
	BatchSize    int
	PollInterval time.Duration
}

// Service runs the pending-job poller and, when a queue backend is configured,
// the queue consumer side by side.
type Service struct {
	logg         *logger.Logger
	driver       pendingProcessor
	consume      func(ctx context.Context) error
	deps         []dependency
	batchSize    int
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Driver == nil {
		return nil, errors.New("driver is required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := params.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Service{
		logg:         params.Logger,
		driver:       params.Driver,
		consume:      params.Consume,
		deps:         params.Dependencies,
		batchSize:    batch,
		pollInterval: interval,
		sleep:        sleepContext,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range s.deps {
		if err := dep.ping(ctx); err != nil {
			s.logg.Error(ctx, fmt.Sprintf("%s ping failed", dep.name), err)
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}
	return nil
}

// Run blocks until ctx is canceled or the consumer stops with an error.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}
	s.logg.Info(ctx, "worker dependencies ready")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumerErr := make(chan error, 1)
	if s.consume != nil {
		go func() {
			err := s.consume(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logg.Error(ctx, "queue consumer stopped", err)
				cancel()
			}
			consumerErr <- err
		}()
	}

	pollErr := s.poll(ctx)
	cancel()
	if s.consume != nil {
		if err := <-consumerErr; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	if errors.Is(pollErr, context.Canceled) {
		return nil
	}
	return pollErr
}

// poll drives ProcessPendingOnce. A pass that advanced jobs is followed
// immediately by another; failures back off exponentially up to maxBackoff.
func (s *Service) poll(ctx context.Context) error {
	backoff := s.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		summary, err := s.driver.ProcessPendingOnce(ctx, s.batchSize)
		if err != nil {
			s.logg.Error(ctx, "pending job pass failed", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}
		backoff = s.pollInterval

		if summary.Acquired > 0 {
			s.logg.Info(s.logg.WithFields(ctx, map[string]any{
				"scanned":  summary.Scanned,
				"acquired": summary.Acquired,
				"advanced": summary.Advanced,
				"failed":   summary.Failed,
				"retried":  summary.Retried,
			}), "pending job pass complete")
		}
		if summary.Advanced > 0 {
			continue
		}
		if err := s.sleep(ctx, withJitter(s.pollInterval)); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(jitterSource.Int63n(int64(jitterWindow)))
}
