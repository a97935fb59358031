// Package registry keeps the authoritative in-memory record of every download task.
//
// Records live in a sharded map and each record carries its own mutex, so updates to one
// task are serialized while unrelated tasks never wait on each other.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tubefetch/internal/domain"
)

const shardCount = 32

// Update carries the fields applied together with a status transition.
type Update struct {
	Status domain.TaskStatus
	Result *domain.Result
	Error  *domain.TaskError
}

// Registry owns Task records.
type Registry struct {
	shards   [shardCount]*shard
	now      func() time.Time
	onDelete []func(id string)
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

type record struct {
	mu      sync.Mutex
	task    domain.Task
	deleted bool
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// OnDelete registers a hook invoked after a record is removed.
func OnDelete(fn func(id string)) Option {
	return func(r *Registry) { r.onDelete = append(r.onDelete, fn) }
}

func New(opts ...Option) *Registry {
	r := &Registry{now: func() time.Time { return time.Now().UTC() }}
	for i := range r.shards {
		r.shards[i] = &shard{records: make(map[string]*record)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(id string) (*record, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	return rec, ok
}

// Create allocates a pending task for the request.
func (r *Registry) Create(_ context.Context, accountID int64, req domain.Request, cost int64) (domain.Task, error) {
	normalized, err := req.Normalize()
	if err != nil {
		return domain.Task{}, err
	}

	now := r.now()
	task := domain.Task{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    domain.TaskStatusPending,
		Request:   normalized,
		Cost:      cost,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s := r.shardFor(task.ID)
	s.mu.Lock()
	s.records[task.ID] = &record{task: task}
	s.mu.Unlock()
	return task.Clone(), nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(_ context.Context, id string) (domain.Task, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return rec.task.Clone(), nil
}

// Transition applies one state change atomically and returns the new snapshot.
func (r *Registry) Transition(_ context.Context, id string, upd Update) (domain.Task, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	task := &rec.task
	if !domain.CanTransition(task.Status, upd.Status) {
		return domain.Task{}, fmt.Errorf("task %s %s -> %s: %w", id, task.Status, upd.Status, domain.ErrInvalidTransition)
	}

	switch upd.Status {
	case domain.TaskStatusCompleted:
		if upd.Result == nil {
			return domain.Task{}, fmt.Errorf("task %s: completion without result: %w", id, domain.ErrInvalidTransition)
		}
	case domain.TaskStatusFailed:
		if upd.Error == nil {
			return domain.Task{}, fmt.Errorf("task %s: failure without error: %w", id, domain.ErrInvalidTransition)
		}
	}

	now := r.now()
	task.Status = upd.Status
	task.UpdatedAt = now
	if upd.Status != domain.TaskStatusDownloading {
		task.Progress = nil
	}

	switch upd.Status {
	case domain.TaskStatusCompleted:
		res := *upd.Result
		task.Result = &res
		task.Error = nil
		task.CompletedAt = &now
	case domain.TaskStatusFailed:
		e := *upd.Error
		task.Error = &e
		task.Result = nil
		task.FailedAt = &now
	}

	return task.Clone(), nil
}

// UpdateProgress records the latest transfer snapshot of a downloading task. Percentage
// never moves backwards while the total stays the same.
func (r *Registry) UpdateProgress(_ context.Context, id string, p domain.Progress) (domain.Task, error) {
	rec, ok := r.lookup(id)
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}

	task := &rec.task
	if task.Status != domain.TaskStatusDownloading {
		return domain.Task{}, fmt.Errorf("task %s: progress while %s: %w", id, task.Status, domain.ErrInvalidTransition)
	}

	next := p
	if next.Percentage != nil {
		v := *next.Percentage
		next.Percentage = &v
	}
	if prev := task.Progress; prev != nil && prev.TotalBytes == next.TotalBytes &&
		prev.Percentage != nil && next.Percentage != nil && *prev.Percentage > *next.Percentage {
		v := *prev.Percentage
		next.Percentage = &v
	}

	task.Progress = &next
	task.UpdatedAt = r.now()
	return task.Clone(), nil
}

// Delete removes the task and fires the deletion hooks. Deleting an unknown id is not an
// error; the boolean reports whether a record was removed.
func (r *Registry) Delete(_ context.Context, id string) (domain.Task, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	rec, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	s.mu.Unlock()
	if !ok {
		return domain.Task{}, false
	}

	rec.mu.Lock()
	rec.deleted = true
	snapshot := rec.task.Clone()
	rec.mu.Unlock()

	for _, fn := range r.onDelete {
		fn(id)
	}
	return snapshot, true
}

// List returns the account's tasks, newest first.
func (r *Registry) List(_ context.Context, accountID int64) []domain.Task {
	var tasks []domain.Task
	for _, s := range r.shards {
		s.mu.RLock()
		recs := make([]*record, 0, len(s.records))
		for _, rec := range s.records {
			recs = append(recs, rec)
		}
		s.mu.RUnlock()

		for _, rec := range recs {
			rec.mu.Lock()
			if !rec.deleted && rec.task.AccountID == accountID {
				tasks = append(tasks, rec.task.Clone())
			}
			rec.mu.Unlock()
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}
