package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasksAndReportsResults(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2})
	defer p.Stop(time.Second)

	var (
		mu      sync.Mutex
		results = map[string]error{}
		wg      sync.WaitGroup
	)
	record := func(id string) func(error) {
		return func(err error) {
			mu.Lock()
			results[id] = err
			mu.Unlock()
			wg.Done()
		}
	}

	boom := errors.New("boom")
	tasks := []Task{
		{ID: "ok", Fn: func(context.Context) error { return nil }},
		{ID: "fail", Fn: func(context.Context) error { return boom }},
		{ID: "panic", Fn: func(context.Context) error { panic("bad") }},
	}
	wg.Add(len(tasks))
	for _, task := range tasks {
		require.NoError(t, p.Submit(context.Background(), task, record(task.ID)))
	}
	wg.Wait()

	assert.NoError(t, results["ok"])
	assert.ErrorIs(t, results["fail"], boom)
	assert.ErrorContains(t, results["panic"], "panicked")

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestPool_CanceledContextSkipsTask(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1})
	defer p.Stop(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Submit may pick either ready case, so only check the task never runs.
	ran := false
	done := make(chan error, 1)
	err := p.Submit(ctx, Task{ID: "t", Fn: func(context.Context) error {
		ran = true
		return nil
	}}, func(err error) { done <- err })
	if err == nil {
		assert.ErrorIs(t, <-done, context.Canceled)
	} else {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.False(t, ran)
}

func TestPool_TrySubmitRejectsWhenFull(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{})

	require.True(t, p.TrySubmit(context.Background(), Task{ID: "block", Fn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	assert.True(t, p.TrySubmit(context.Background(), Task{ID: "queued", Fn: func(context.Context) error { return nil }}))
	assert.False(t, p.TrySubmit(context.Background(), Task{ID: "rejected", Fn: func(context.Context) error { return nil }}))
	assert.Equal(t, uint64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := New(Config{Name: "test"})
	require.NoError(t, p.Stop(time.Second))
	require.NoError(t, p.Stop(time.Second))

	err := p.Submit(context.Background(), Task{ID: "late", Fn: func(context.Context) error { return nil }}, nil)
	assert.ErrorContains(t, err, "stopped")
	assert.False(t, p.TrySubmit(context.Background(), Task{ID: "late"}))
}
