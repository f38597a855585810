package worker

import (
	"context"
	"sync"
	"time"
)

// entry is one registered task and its future.
type entry[T any] struct {
	id        string
	task      Task[T]
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time

	done       chan struct{}
	mu         sync.Mutex
	state      State
	result     T
	err        error
	resolvedAt time.Time
}

func newEntry[T any](parent context.Context, id string, task Task[T]) *entry[T] {
	ctx, cancel := context.WithCancel(parent)
	return &entry[T]{
		id:        id,
		task:      task,
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		done:      make(chan struct{}),
		state:     StateQueued,
	}
}

func (e *entry[T]) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// resolve stores the outcome and releases waiters. Only the first call has
// an effect.
func (e *entry[T]) resolve(result T, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDone {
		return
	}
	e.result, e.err = result, err
	e.state = StateDone
	e.resolvedAt = time.Now()
	close(e.done)
	e.cancel()
}

func (e *entry[T]) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{ID: e.id, State: e.state, CreatedAt: e.createdAt, ResolvedAt: e.resolvedAt}
}

// Registry maps correlation ids to in-flight tasks. It uses a map with a
// mutex for thread-safe access and holds at most one entry per id.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]*entry[T])}
}

// insertIfAbsent registers e unless its id is already present.
func (r *Registry[T]) insertIfAbsent(e *entry[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.id]; exists {
		return false
	}
	r.entries[e.id] = e
	return true
}

func (r *Registry[T]) get(id string) (*entry[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// remove deletes id only while it still maps to e, so a stale caller cannot
// drop a newer registration under the same id.
func (r *Registry[T]) remove(id string, e *entry[T]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
		return true
	}
	return false
}

// Len returns the number of registered entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// sweep removes entries resolved before cutoff and returns how many went.
func (r *Registry[T]) sweep(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		info := e.info()
		if info.State == StateDone && info.ResolvedAt.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}
