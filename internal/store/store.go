// Package store defines the task store port shared by the scheduler, agent
// and supervisor, plus the in-memory implementation the daemon runs with.
// The store is the single resource mutated from multiple control loops;
// implementations must serialize mutation per task id.
package store

import (
	"errors"

	"github.com/lablink-io/conductor/internal/model"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrVersionConflict = errors.New("task version conflict")
	ErrInvalidState    = errors.New("invalid task state")
	ErrAlreadyExists   = errors.New("task already exists")
)

// TaskStore hands out defensive copies only. Update and CompareAndUpdate
// apply fn to a private clone under a per-task lock and commit it with the
// version incremented; a completed task is immutable and any mutation of one
// fails with ErrInvalidState.
type TaskStore interface {
	Put(task *model.Task) (*model.Task, error)
	Get(id string) (*model.Task, error)
	Update(id string, fn func(*model.Task) error) (*model.Task, error)
	CompareAndUpdate(id string, expectedVersion int64, fn func(*model.Task) error) (*model.Task, error)
	List() []*model.Task
	Delete(id string) error
	Len() int
}
