package cron

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
)

type fakeLock struct {
	held      bool
	releases  int
	extends   int
	err       error
	extendErr error
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Extend(context.Context) error {
	f.extends++
	return f.extendErr
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.releases++
	return nil
}

type testJob struct {
	name  string
	err   error
	panic bool
	runs  int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	if t.panic {
		panic("boom")
	}
	return t.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
}

func TestRunOnceRunsAllJobsEvenOnFailure(t *testing.T) {
	ok := &testJob{name: "success"}
	failing := &testJob{name: "fail", err: errors.New("boom")}
	panicking := &testJob{name: "panic", panic: true}
	registry, err := NewRegistry(failing, panicking, ok)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	cronMetrics := metrics.NewCronJobMetrics(reg)
	lock := &fakeLock{}
	svc, err := NewService(ServiceParams{Logger: testLogger(), Registry: registry, Lock: lock, Metrics: cronMetrics})
	require.NoError(t, err)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, 1, ok.runs)
	assert.Equal(t, 1, failing.runs)
	assert.Equal(t, 1, panicking.runs)
	assert.Equal(t, 1, lock.releases)
	assert.False(t, lock.held)

	families, err := reg.Gather()
	require.NoError(t, err)
	outcomes := map[string]int{}
	for _, mf := range families {
		if mf.GetName() != "vaultflow_cron_job_runs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					outcomes[l.GetValue()] += int(m.GetCounter().GetValue())
				}
			}
		}
	}
	assert.Equal(t, map[string]int{"failure": 2, "success": 1}, outcomes)
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "only"}
	registry, err := NewRegistry(job)
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{Logger: testLogger(), Registry: registry, Lock: &fakeLock{held: true}})
	require.NoError(t, err)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Zero(t, job.runs)
}

func TestRunOnceReportsLockErrors(t *testing.T) {
	registry, err := NewRegistry(&testJob{name: "only"})
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{Logger: testLogger(), Registry: registry, Lock: &fakeLock{err: errors.New("redis down")}})
	require.NoError(t, err)

	assert.Error(t, svc.RunOnce(context.Background()))
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(ServiceParams{Lock: &fakeLock{}})
	assert.Error(t, err)
	_, err = NewService(ServiceParams{Logger: testLogger()})
	assert.Error(t, err)
}

func TestRunOnceRenewsLockBetweenJobs(t *testing.T) {
	first, second := &testJob{name: "first"}, &testJob{name: "second"}
	registry, err := NewRegistry(first, second)
	require.NoError(t, err)
	lock := &fakeLock{}
	svc, err := NewService(ServiceParams{Logger: testLogger(), Registry: registry, Lock: lock})
	require.NoError(t, err)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, 1, lock.extends)
	assert.Equal(t, 1, second.runs)
}

func TestRunOnceStopsWhenLockLost(t *testing.T) {
	first, second := &testJob{name: "first"}, &testJob{name: "second"}
	registry, err := NewRegistry(first, second)
	require.NoError(t, err)
	lock := &fakeLock{extendErr: ErrLockLost}
	svc, err := NewService(ServiceParams{Logger: testLogger(), Registry: registry, Lock: lock})
	require.NoError(t, err)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, 1, first.runs)
	assert.Zero(t, second.runs)
	assert.Equal(t, 1, lock.releases)
}
