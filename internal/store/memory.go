package store

import (
	"fmt"
	"sync"

	"github.com/lablink-io/conductor/internal/lock"
	"github.com/lablink-io/conductor/internal/model"
)

// MemoryStore keeps task records in a map guarded by an RWMutex for map
// access, with a per-task mutex map serializing read-modify-write cycles so
// the agent's completion handler and the supervisor's timeout handler can
// never interleave on the same record.
type MemoryStore struct {
	mu    sync.RWMutex
	locks *lock.MutexMap
	tasks map[string]*model.Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks: lock.NewMutexMap(),
		tasks: make(map[string]*model.Task),
	}
}

func (s *MemoryStore) Put(task *model.Task) (*model.Task, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("put task: empty id")
	}
	s.locks.Lock(task.ID)
	defer s.locks.Unlock(task.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return nil, fmt.Errorf("put task %s: %w", task.ID, ErrAlreadyExists)
	}
	stored := task.Clone()
	stored.Version = 1
	s.tasks[task.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) Get(id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return task.Clone(), nil
}

func (s *MemoryStore) Update(id string, fn func(*model.Task) error) (*model.Task, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	return s.applyLocked(id, -1, fn)
}

func (s *MemoryStore) CompareAndUpdate(id string, expectedVersion int64, fn func(*model.Task) error) (*model.Task, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	return s.applyLocked(id, expectedVersion, fn)
}

// applyLocked runs one read-modify-write cycle. Caller holds the per-task
// lock. expectedVersion < 0 skips the version check.
func (s *MemoryStore) applyLocked(id string, expectedVersion int64, fn func(*model.Task) error) (*model.Task, error) {
	s.mu.RLock()
	cur, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	if cur.Status == model.StatusCompleted {
		return nil, fmt.Errorf("update task %s: completed task is immutable: %w", id, ErrInvalidState)
	}
	if expectedVersion >= 0 && cur.Version != expectedVersion {
		return nil, fmt.Errorf("update task %s: expected version %d, have %d: %w",
			id, expectedVersion, cur.Version, ErrVersionConflict)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1

	s.mu.Lock()
	s.tasks[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *MemoryStore) List() []*model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.Clone())
	}
	return out
}

func (s *MemoryStore) Delete(id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("delete task %s: %w", id, ErrNotFound)
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}
