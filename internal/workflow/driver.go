package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
)

// DriverConfig wires the driver loop.
type DriverConfig struct {
	Jobs           JobReader
	Saver          JobSaver
	Leases         Leaser
	Machine        Advancer
	LeaseDuration  time.Duration
	MaxStepRetries int
	Metrics        *metrics.WorkflowMetrics
	Logger         *logger.Logger
	// Source labels lease contention metrics, e.g. "poller" or "consumer".
	Source string
}

// Summary counts what one ProcessPendingOnce pass did.
type Summary struct {
	Scanned  int
	Acquired int
	Advanced int
	Skipped  int
	Failed   int
	Retried  int
}

// Driver runs single steps of leased jobs. It is safe to run from many processes
// at once; the lease is the only thing preventing duplicate step execution.
type Driver struct {
	jobs          JobReader
	saver         JobSaver
	leases        Leaser
	machine       Advancer
	leaseDuration time.Duration
	maxRetries    int
	metrics       *metrics.WorkflowMetrics
	logg          *logger.Logger
	source        string
}

func NewDriver(cfg DriverConfig) (*Driver, error) {
	switch {
	case cfg.Jobs == nil:
		return nil, fmt.Errorf("job reader required")
	case cfg.Saver == nil:
		return nil, fmt.Errorf("job saver required")
	case cfg.Leases == nil:
		return nil, fmt.Errorf("lease manager required")
	case cfg.Machine == nil:
		return nil, fmt.Errorf("state machine required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case cfg.LeaseDuration <= 0:
		return nil, fmt.Errorf("lease duration must be positive")
	}
	source := cfg.Source
	if source == "" {
		source = "driver"
	}
	retries := cfg.MaxStepRetries
	if retries < 0 {
		retries = 0
	}
	return &Driver{
		jobs:          cfg.Jobs,
		saver:         cfg.Saver,
		leases:        cfg.Leases,
		machine:       cfg.Machine,
		leaseDuration: cfg.LeaseDuration,
		maxRetries:    retries,
		metrics:       cfg.Metrics,
		logg:          cfg.Logger,
		source:        source,
	}, nil
}

type stepOutcome int

const (
	outcomeSkipped stepOutcome = iota
	outcomeIdle
	outcomeAdvanced
	outcomeRetried
	outcomeFailed
)

// ProcessPendingOnce scans up to limit non-terminal jobs and advances each one it
// can lease by a single step.
func (d *Driver) ProcessPendingOnce(ctx context.Context, limit int) (Summary, error) {
	var summary Summary
	pending, err := d.jobs.ListNonTerminal(ctx, limit)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(pending)

	var errs error
	for _, job := range pending {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		outcome, err := d.process(ctx, job.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
		switch outcome {
		case outcomeSkipped:
			summary.Skipped++
			continue
		case outcomeAdvanced:
			summary.Advanced++
		case outcomeRetried:
			summary.Retried++
		case outcomeFailed:
			summary.Failed++
		}
		summary.Acquired++
	}
	return summary, errs
}

// ProcessJob advances one job by a single step. It reports false when another
// worker holds the lease.
func (d *Driver) ProcessJob(ctx context.Context, id string) (bool, error) {
	outcome, err := d.process(ctx, id)
	return outcome != outcomeSkipped, err
}

func (d *Driver) process(ctx context.Context, id string) (outcome stepOutcome, err error) {
	ok, err := d.leases.TryAcquire(ctx, id, d.leaseDuration)
	if err != nil {
		return outcomeSkipped, err
	}
	if !ok {
		d.metrics.IncLeaseContention(d.source)
		return outcomeSkipped, nil
	}
	defer func() {
		if rerr := d.leases.Release(context.WithoutCancel(ctx), id); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("release lease: %w", rerr))
		}
	}()

	ctx = d.logg.WithJobID(ctx, id)
	job, err := d.jobs.Get(ctx, id)
	if err != nil {
		return outcomeIdle, err
	}
	if job.Status.IsTerminal() {
		return outcomeIdle, nil
	}

	transition, stepErr := d.advance(ctx, job)
	if stepErr == nil {
		if transition.Changed {
			return outcomeAdvanced, nil
		}
		return outcomeIdle, nil
	}

	d.metrics.IncStepError(string(job.Kind), string(transition.From), string(pkgerrors.CodeOf(stepErr)))
	if transition.Changed {
		// the transition is committed; only the ledger mirror failed
		d.logg.Error(ctx, "job advanced but ledger mirror failed", stepErr)
		return outcomeAdvanced, stepErr
	}
	if pkgerrors.IsCode(stepErr, pkgerrors.CodeLeaseLost) {
		d.logg.Warn(ctx, "lease expired during step; leaving job for the next holder")
		return outcomeIdle, nil
	}
	return d.handleStepError(ctx, id, stepErr)
}

// advance runs one step, turning a panic into an error.
func (d *Driver) advance(ctx context.Context, job *models.ConversionJob) (t Transition, err error) {
	from := job.Status
	defer func() {
		if r := recover(); r != nil {
			t = Transition{From: from, To: from}
			err = &panicError{value: r}
		}
	}()
	return d.machine.Advance(ctx, job)
}

// handleStepError retries retryable failures up to the configured budget and
// fails the job otherwise. The job is reloaded so partial in-memory edits are dropped.
func (d *Driver) handleStepError(ctx context.Context, id string, stepErr error) (stepOutcome, error) {
	job, err := d.jobs.Get(ctx, id)
	if err != nil {
		return outcomeIdle, multierr.Append(stepErr, err)
	}
	if job.Status.IsTerminal() {
		return outcomeIdle, nil
	}

	var panicked *panicError
	isPanic := errors.As(stepErr, &panicked)
	if !isPanic && pkgerrors.IsRetryable(stepErr) && job.StepFailures < d.maxRetries {
		job.StepFailures++
		if err := d.saver.Save(ctx, job); err != nil {
			return outcomeIdle, multierr.Append(stepErr, err)
		}
		d.logg.Warn(d.logg.WithField(ctx, "step_failures", job.StepFailures), "retryable step error: "+stepErr.Error())
		return outcomeRetried, nil
	}

	d.logg.Error(ctx, "job step failed", stepErr)
	if err := d.machine.Fail(ctx, job, stepErr.Error()); err != nil {
		return outcomeFailed, multierr.Append(stepErr, err)
	}
	return outcomeFailed, nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
