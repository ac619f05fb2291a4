package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/AdFactory/internal/domain"
	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
)

// Change describes one accepted registry write.
type Change struct {
	Prev task.Task // zero value for an insert
	Next task.Task
	// BatchFinished is set when this write left the batch with no active
	// task while it previously had one.
	BatchFinished bool
}

// Listener is notified after every accepted write, outside the registry lock.
type Listener func(Change)

// Registry is the in-memory store of live tasks, keyed by task id. Each
// entry is written only by its own TaskController.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]task.Task
	byBatch   map[string][]string // task ids in creation order
	active    map[string]int      // non-terminal tasks per batch
	listeners []Listener
	now       func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:   make(map[string]task.Task),
		byBatch: make(map[string][]string),
		active:  make(map[string]int),
		now:     time.Now,
	}
}

// Subscribe registers l. It must be called before any write.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Insert adds a new task.
func (r *Registry) Insert(t task.Task) error {
	r.mu.Lock()
	if _, ok := r.tasks[t.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrConflict)
	}
	r.tasks[t.ID] = t
	r.byBatch[t.BatchID] = append(r.byBatch[t.BatchID], t.ID)
	if !t.Status.IsTerminal() {
		r.active[t.BatchID]++
	}
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, Change{Next: t})
	return nil
}

// Apply merges p into the task with the given id. It reports false when the
// patch was rejected because the task is terminal.
func (r *Registry) Apply(id string, p task.Patch) (task.Task, bool, error) {
	r.mu.Lock()
	prev, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return task.Task{}, false, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	next, accepted := prev.Apply(p, r.now())
	if !accepted {
		r.mu.Unlock()
		return prev, false, nil
	}
	r.tasks[id] = next

	finished := false
	switch wasTerminal, isTerminal := prev.Status.IsTerminal(), next.Status.IsTerminal(); {
	case !wasTerminal && isTerminal:
		r.active[next.BatchID]--
		finished = r.active[next.BatchID] == 0
	case wasTerminal && !isTerminal:
		r.active[next.BatchID]++
	}
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, Change{Prev: prev, Next: next, BatchFinished: finished})
	return next, true, nil
}

// Get returns a snapshot of one task.
func (r *Registry) Get(id string) (task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// BatchTasks returns snapshots of a batch's tasks in creation order.
func (r *Registry) BatchTasks(batchID string) []task.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byBatch[batchID]
	out := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.tasks[id])
	}
	return out
}

// Summary projects the aggregate state of a batch.
func (r *Registry) Summary(batchID string) batch.Summary {
	return batch.Summarize(batchID, r.BatchTasks(batchID))
}

// Count returns the number of tasks in a batch.
func (r *Registry) Count(batchID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byBatch[batchID])
}

// RemoveBatch drops a batch's tasks from memory.
func (r *Registry) RemoveBatch(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.byBatch[batchID] {
		delete(r.tasks, id)
	}
	delete(r.byBatch, batchID)
	delete(r.active, batchID)
}

func notify(listeners []Listener, ch Change) {
	for _, l := range listeners {
		l(ch)
	}
}
