// Package correlation maps controller activity IDs back to the experiment
// context that spawned them. Every dispatched activity gets one record
// carrying its task, run, campaign and step identifiers plus a trace id, so
// that data products and status changes arriving from a controller can be
// attributed without consulting the task store.
package correlation

import (
	"errors"
	"sync"
	"time"

	"github.com/lablink-io/conductor/internal/model"
)

// ErrNotFound is returned when no record exists for an activity ID.
var ErrNotFound = errors.New("correlation not found")

// Store is the correlation registry. Records are keyed by activity ID and
// indexed by experiment run and step for reverse lookups.
type Store interface {
	Save(c *model.Correlation) error
	FindByActivityID(activityID string) (*model.Correlation, error)
	FindByExperimentRunID(runID string) []*model.Correlation
	FindByStepID(stepID string) []*model.Correlation
	UpdateStatus(activityID string, status model.Status) error
	SetProducts(activityID string, products []string) error
	Delete(activityID string) error
	Len() int
}

// MemoryStore is an in-memory Store. Index slices keep insertion order, so
// run and step lookups come back in dispatch order.
type MemoryStore struct {
	mu         sync.RWMutex
	byActivity map[string]*model.Correlation
	byRun      map[string][]string
	byStep     map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byActivity: make(map[string]*model.Correlation),
		byRun:      make(map[string][]string),
		byStep:     make(map[string][]string),
	}
}

func (s *MemoryStore) Save(c *model.Correlation) error {
	if c == nil || c.ActivityID == "" {
		return errors.New("correlation requires an activity ID")
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byActivity[c.ActivityID]; ok {
		s.unindexLocked(old)
	}

	stored := c.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.byActivity[stored.ActivityID] = stored
	if stored.ExperimentRunID != "" {
		s.byRun[stored.ExperimentRunID] = append(s.byRun[stored.ExperimentRunID], stored.ActivityID)
	}
	if stored.StepID != "" {
		s.byStep[stored.StepID] = append(s.byStep[stored.StepID], stored.ActivityID)
	}
	return nil
}

func (s *MemoryStore) FindByActivityID(activityID string) (*model.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byActivity[activityID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) FindByExperimentRunID(runID string) []*model.Correlation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byRun[runID])
}

func (s *MemoryStore) FindByStepID(stepID string) []*model.Correlation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byStep[stepID])
}

func (s *MemoryStore) UpdateStatus(activityID string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byActivity[activityID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetProducts(activityID string, products []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byActivity[activityID]
	if !ok {
		return ErrNotFound
	}
	c.Products = make([]string, len(products))
	copy(c.Products, products)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(activityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byActivity[activityID]
	if !ok {
		return ErrNotFound
	}
	s.unindexLocked(c)
	delete(s.byActivity, activityID)
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byActivity)
}

func (s *MemoryStore) collectLocked(ids []string) []*model.Correlation {
	out := make([]*model.Correlation, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.byActivity[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (s *MemoryStore) unindexLocked(c *model.Correlation) {
	if c.ExperimentRunID != "" {
		s.byRun[c.ExperimentRunID] = removeID(s.byRun[c.ExperimentRunID], c.ActivityID)
		if len(s.byRun[c.ExperimentRunID]) == 0 {
			delete(s.byRun, c.ExperimentRunID)
		}
	}
	if c.StepID != "" {
		s.byStep[c.StepID] = removeID(s.byStep[c.StepID], c.ActivityID)
		if len(s.byStep[c.StepID]) == 0 {
			delete(s.byStep, c.StepID)
		}
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
