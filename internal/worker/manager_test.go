package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/reelforge/internal/apperr"
)

func newTestManager(t *testing.T, opts ...Option) *Manager[string] {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	m := NewManager(NewRegistry[string](), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func value(v string) Task[string] {
	return func(context.Context) (string, error) { return v, nil }
}

func blockUntilCancelled(started chan<- struct{}) Task[string] {
	return func(ctx context.Context) (string, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
}

func TestSubmitAndAwait(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Submit("a", value("done")))

	got, err := m.Await(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	// Collected results are removed.
	_, err = m.Await(context.Background(), "a", time.Second)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAwait_PropagatesTaskError(t *testing.T) {
	m := newTestManager(t)
	boom := errors.New("backend exploded")

	require.NoError(t, m.Submit("a", func(context.Context) (string, error) { return "", boom }))

	_, err := m.Await(context.Background(), "a", time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestAwait_UnknownID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Await(context.Background(), "nope", time.Second)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, apperr.UserMessage(err), "nope")
}

func TestAwait_TimeoutKeepsJobRunning(t *testing.T) {
	m := newTestManager(t)
	release := make(chan struct{})

	require.NoError(t, m.Submit("slow", func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "finished", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))

	_, err := m.Await(context.Background(), "slow", 20*time.Millisecond)
	require.ErrorIs(t, err, apperr.ErrTimeout)

	info, ok := m.Status("slow")
	require.True(t, ok, "entry must survive an await timeout")
	assert.NotEqual(t, StateDone, info.State)

	close(release)
	got, err := m.Await(context.Background(), "slow", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "finished", got)
}

func TestAwait_ZeroTimeoutDoesNotBlock(t *testing.T) {
	m := newTestManager(t)
	started := make(chan struct{})
	require.NoError(t, m.Submit("b", blockUntilCancelled(started)))
	<-started

	begin := time.Now()
	_, err := m.Await(context.Background(), "b", 0)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Less(t, time.Since(begin), 100*time.Millisecond)
}

func TestSubmit_DuplicateIDRejectedAtomically(t *testing.T) {
	m := newTestManager(t, WithPoolSize(1), WithQueueSize(64))

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Submit("same", blockUntilCancelled(nil))
			if err == nil {
				accepted.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrDuplicateID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 1, m.Len())
	assert.True(t, m.Cancel("same"))
}

func TestSubmit_QueueFull(t *testing.T) {
	m := newTestManager(t, WithPoolSize(1), WithQueueSize(1))

	started := make(chan struct{})
	require.NoError(t, m.Submit("running", blockUntilCancelled(started)))
	<-started
	require.NoError(t, m.Submit("queued", blockUntilCancelled(nil)))

	err := m.Submit("overflow", value("x"))
	require.ErrorIs(t, err, ErrQueueFull)

	_, ok := m.Status("overflow")
	assert.False(t, ok, "rejected task must not stay registered")

	m.Cancel("running")
	m.Cancel("queued")
}

func TestPoolBoundsConcurrency(t *testing.T) {
	m := newTestManager(t, WithPoolSize(3))

	var running, peak atomic.Int32
	task := func(context.Context) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	}

	for i := 0; i < 9; i++ {
		require.NoError(t, m.Submit(fmt.Sprintf("t%d", i), task))
	}
	for i := 0; i < 9; i++ {
		_, err := m.Await(context.Background(), fmt.Sprintf("t%d", i), 2*time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestCancel(t *testing.T) {
	m := newTestManager(t)
	started := make(chan struct{})
	cancelled := make(chan struct{})

	require.NoError(t, m.Submit("c", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	}))
	<-started

	assert.True(t, m.Cancel("c"))
	assert.False(t, m.Cancel("c"))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task did not observe cancellation")
	}

	_, err := m.Await(context.Background(), "c", time.Second)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSweepRemovesUncollectedResults(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Submit("old", value("v")))
	require.Eventually(t, func() bool {
		info, ok := m.Status("old")
		return ok && info.State == StateDone
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, m.Sweep(time.Hour))
	assert.Equal(t, 1, m.Sweep(0))
	assert.Equal(t, 0, m.Len())
}

func TestRunSweeper(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Submit("old", value("v")))
	require.Eventually(t, func() bool {
		info, ok := m.Status("old")
		return ok && info.State == StateDone
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunSweeper(ctx, 5*time.Millisecond, time.Nanosecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}

func TestRunSweeper_NonPositiveIntervalReturns(t *testing.T) {
	m := newTestManager(t)

	for _, every := range []time.Duration{0, -time.Minute} {
		done := make(chan struct{})
		go func() {
			m.RunSweeper(context.Background(), every, time.Hour)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("RunSweeper(%s) did not return", every)
		}
	}
}

func TestTaskPanicIsReported(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Submit("p", func(context.Context) (string, error) { panic("kaboom") }))

	_, err := m.Await(context.Background(), "p", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestShutdown(t *testing.T) {
	m := NewManager(NewRegistry[string](), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	require.NoError(t, m.Submit("a", value("v")))
	require.NoError(t, m.Shutdown(context.Background()))

	assert.ErrorIs(t, m.Submit("b", value("v")), ErrClosed)

	got, err := m.Await(context.Background(), "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestShutdown_DeadlineCancelsRunningTasks(t *testing.T) {
	m := NewManager(NewRegistry[string](), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	started := make(chan struct{})
	require.NoError(t, m.Submit("a", blockUntilCancelled(started)))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = m.Await(context.Background(), "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
