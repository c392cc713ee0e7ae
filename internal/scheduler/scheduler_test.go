package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/tailwatch/internal/logging"
)

func TestAddJobValidation(t *testing.T) {
	s := New(logging.Nop())
	noop := func(context.Context) error { return nil }

	require.Error(t, s.AddJob(JobConfig{Schedule: "@daily"}, noop))
	require.Error(t, s.AddJob(JobConfig{Name: "a", Schedule: "@daily"}, nil))
	require.Error(t, s.AddJob(JobConfig{Name: "a"}, noop))
	require.Error(t, s.AddJob(JobConfig{Name: "a", Schedule: "every tuesday"}, noop))

	require.NoError(t, s.AddJob(JobConfig{Name: "a", Schedule: "*/5 * * * *"}, noop))
	require.Error(t, s.AddJob(JobConfig{Name: "a", Schedule: "@daily"}, noop))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Name)
}

func TestServeRunsOnStartAndStops(t *testing.T) {
	s := New(logging.Nop())
	var calls int32
	ran := make(chan struct{}, 1)
	require.NoError(t, s.AddJob(JobConfig{Name: "retention", Schedule: "@daily", RunOnStart: true}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		ran <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on start")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.False(t, s.Jobs()[0].LastRun.IsZero())
}

func TestEveryScheduleFires(t *testing.T) {
	s := New(logging.Nop())
	fired := make(chan struct{}, 4)
	require.NoError(t, s.AddJob(JobConfig{Name: "tick", Schedule: "@every 1s"}, func(context.Context) error {
		fired <- struct{}{}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Serve(ctx) }()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}
}

func TestJobFailureAndPanicAreRecorded(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewWithOptions(logging.Options{Output: &buf})
	require.NoError(t, err)
	s := New(logger)

	require.NoError(t, s.AddJob(JobConfig{Name: "fails", Schedule: "@daily"}, func(context.Context) error {
		return errors.New("disk full")
	}))
	require.NoError(t, s.AddJob(JobConfig{Name: "panics", Schedule: "@daily"}, func(context.Context) error {
		panic("boom")
	}))

	s.execute(s.jobs["fails"])
	s.execute(s.jobs["panics"])

	jobs := s.Jobs()
	assert.Equal(t, "disk full", jobs[0].LastErr)
	assert.Contains(t, jobs[1].LastErr, "panicked")
	assert.Contains(t, buf.String(), "job panic recovered")
}
