// Package worker runs generation tasks on a fixed pool of goroutines and
// tracks each one under its caller-supplied correlation id until the result
// is collected.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/metrics"
)

// Static errors for manager operations.
var (
	// ErrDuplicateID is returned when the correlation id is already registered.
	ErrDuplicateID = errors.New("worker: correlation id already registered")
	// ErrQueueFull is returned when no queue slot is free.
	ErrQueueFull = errors.New("worker: queue is full")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("worker: manager is shut down")
)

// Defaults.
const (
	DefaultPoolSize  = 3
	DefaultQueueSize = 32
)

// Task is a unit of work. It must return promptly once ctx is cancelled.
type Task[T any] func(ctx context.Context) (T, error)

// State is the lifecycle state of a registered task.
type State string

// Task states.
const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
)

// Info is a snapshot of a registered task.
type Info struct {
	ID         string
	State      State
	CreatedAt  time.Time
	ResolvedAt time.Time
}

type options struct {
	poolSize  int
	queueSize int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*options)

// WithPoolSize sets the number of worker goroutines.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithQueueSize sets how many tasks may wait for a worker.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.queueSize = n
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Manager runs tasks on a bounded pool.
type Manager[T any] struct {
	registry *Registry[T]
	queue    chan *entry[T]
	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewManager starts the worker pool. The registry is owned by the manager
// from here on.
func NewManager[T any](registry *Registry[T], opts ...Option) *Manager[T] {
	o := options{
		poolSize:  DefaultPoolSize,
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	base, stop := context.WithCancel(context.Background())
	m := &Manager[T]{
		registry: registry,
		queue:    make(chan *entry[T], o.queueSize),
		base:     base,
		stop:     stop,
		metrics:  o.metrics,
		logger:   o.logger,
	}

	for i := 0; i < o.poolSize; i++ {
		m.wg.Add(1)
		go m.work()
	}
	return m
}

// Submit registers task under id and queues it. The id check and the
// registration are a single atomic step.
func (m *Manager[T]) Submit(id string, task Task[T]) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	e := newEntry(m.base, id, task)
	if !m.registry.insertIfAbsent(e) {
		e.cancel()
		return ErrDuplicateID
	}

	select {
	case m.queue <- e:
		m.metrics.SetQueueDepth(len(m.queue))
		m.logger.Debug("task queued", slog.String("correlation_id", id))
		return nil
	default:
		m.registry.remove(id, e)
		e.cancel()
		return ErrQueueFull
	}
}

// Await waits up to timeout for the task registered under id. A resolved
// task's result is returned and its entry removed. On timeout the task keeps
// running and stays registered. A timeout <= 0 checks without waiting.
func (m *Manager[T]) Await(ctx context.Context, id string, timeout time.Duration) (T, error) {
	const op = "worker.Await"
	var zero T

	e, ok := m.registry.get(id)
	if !ok {
		return zero, apperr.NotFound(op, fmt.Sprintf("no job registered under %q", id))
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	} else {
		ch := make(chan time.Time)
		close(ch)
		expired = ch
	}

	select {
	case <-e.done:
		return m.collect(id, e)
	default:
	}

	select {
	case <-e.done:
		return m.collect(id, e)
	case <-expired:
		return zero, apperr.Timeout(op, id, 0, fmt.Sprintf("job is still %s", e.info().State))
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (m *Manager[T]) collect(id string, e *entry[T]) (T, error) {
	m.registry.remove(id, e)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

// Status returns a snapshot of the task registered under id.
func (m *Manager[T]) Status(id string) (Info, bool) {
	e, ok := m.registry.get(id)
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Cancel asks the task registered under id to stop and forgets it. It
// reports whether id was registered.
func (m *Manager[T]) Cancel(id string) bool {
	e, ok := m.registry.get(id)
	if !ok {
		return false
	}
	e.cancel()
	m.registry.remove(id, e)
	m.logger.Info("task cancelled", slog.String("correlation_id", id))
	return true
}

// Len returns the number of registered tasks.
func (m *Manager[T]) Len() int {
	return m.registry.Len()
}

// Sweep drops resolved entries nobody collected within retention.
func (m *Manager[T]) Sweep(retention time.Duration) int {
	return m.registry.sweep(time.Now().Add(-retention))
}

// RunSweeper calls Sweep every interval until ctx is done. A non-positive
// interval disables sweeping.
func (m *Manager[T]) RunSweeper(ctx context.Context, every, retention time.Duration) {
	if every <= 0 {
		m.logger.Warn("result sweeper disabled", slog.Duration("interval", every))
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(retention); n > 0 {
				m.logger.Info("swept uncollected results", slog.Int("removed", n))
			}
		}
	}
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. When ctx expires first, running tasks are cancelled.
func (m *Manager[T]) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		<-done
		return fmt.Errorf("worker: shutdown: %w", ctx.Err())
	}
}

func (m *Manager[T]) work() {
	defer m.wg.Done()
	for e := range m.queue {
		m.metrics.SetQueueDepth(len(m.queue))
		m.execute(e)
	}
}

func (m *Manager[T]) execute(e *entry[T]) {
	var zero T
	if err := e.ctx.Err(); err != nil {
		e.resolve(zero, err)
		return
	}

	e.setState(StateRunning)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task panicked",
				slog.String("correlation_id", e.id),
				slog.Any("panic", r),
			)
			e.resolve(zero, fmt.Errorf("worker: task %s panicked: %v", e.id, r))
		}
	}()

	result, err := e.task(e.ctx)
	e.resolve(result, err)
}
