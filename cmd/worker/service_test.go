package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/vaultflow-backend/internal/workflow"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

type scriptedDriver struct {
	mu      sync.Mutex
	results []passResult
	calls   int
	cancel  context.CancelFunc
}

type passResult struct {
	summary workflow.Summary
	err     error
}

func (d *scriptedDriver) ProcessPendingOnce(context.Context, int) (workflow.Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls > len(d.results) {
		d.cancel()
		return workflow.Summary{}, nil
	}
	r := d.results[d.calls-1]
	return r.summary, r.err
}

func newTestService(t *testing.T, driver *scriptedDriver, sleeps *[]time.Duration) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Logger:       logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		Driver:       driver,
		PollInterval: time.Second,
	})
	require.NoError(t, err)
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	return svc
}

func TestPollBacksOffOnErrorsAndResetsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	driver := &scriptedDriver{cancel: cancel, results: []passResult{
		{err: errors.New("db down")},
		{err: errors.New("db down")},
		{summary: workflow.Summary{Scanned: 1, Acquired: 1, Advanced: 1}},
		{summary: workflow.Summary{}},
	}}
	var sleeps []time.Duration
	svc := newTestService(t, driver, &sleeps)

	require.NoError(t, svc.Run(ctx))

	require.GreaterOrEqual(t, len(sleeps), 3)
	assert.GreaterOrEqual(t, sleeps[0], 2*time.Second)
	assert.Less(t, sleeps[0], 2*time.Second+jitterWindow)
	assert.GreaterOrEqual(t, sleeps[1], 4*time.Second)
	// the advancing pass loops without sleeping; the idle pass sleeps one interval
	assert.GreaterOrEqual(t, sleeps[2], time.Second)
	assert.Less(t, sleeps[2], time.Second+jitterWindow)
}

func TestRunFailsWhenDependencyUnavailable(t *testing.T) {
	svc, err := NewService(ServiceParams{
		Logger: logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		Driver: &scriptedDriver{},
		Dependencies: []dependency{{name: "redis", ping: func(context.Context) error {
			return errors.New("connection refused")
		}}},
	})
	require.NoError(t, err)
	assert.ErrorContains(t, svc.Run(context.Background()), "redis ping failed")
}

func TestRunStopsWhenConsumerFails(t *testing.T) {
	ctx := context.Background()
	driver := &scriptedDriver{results: make([]passResult, 1000)}
	driver.cancel = func() {}
	svc, err := NewService(ServiceParams{
		Logger:  logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		Driver:  driver,
		Consume: func(context.Context) error { return errors.New("channel closed") },
	})
	require.NoError(t, err)
	svc.sleep = sleepContext

	assert.ErrorContains(t, svc.Run(ctx), "channel closed")
}

func TestNextBackoffCaps(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Second, maxBackoff))
	assert.Equal(t, maxBackoff, nextBackoff(8*time.Second, time.Second, maxBackoff))
	assert.Equal(t, 2*time.Second, nextBackoff(0, time.Second, maxBackoff))
	assert.Zero(t, withJitter(0))
}
