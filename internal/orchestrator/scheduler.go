package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/lablink-io/conductor/internal/events"
	"github.com/lablink-io/conductor/internal/fileio"
	"github.com/lablink-io/conductor/internal/model"
	"github.com/lablink-io/conductor/internal/store"
)

// errRetriesExhausted aborts a ScheduleRetry mutation without committing.
var errRetriesExhausted = errors.New("retries exhausted")

// Scheduler owns task records: creation, queue ordering, state transitions,
// retry bookkeeping and statistics. All mutations go through the task store's
// per-key read-modify-write, so concurrent agent and supervisor writes to the
// same task serialize here.
type Scheduler struct {
	store    store.TaskStore
	config   model.SchedulerConfig
	logger   *log.Logger
	level    atomic.Int32
	eventBus *events.Bus
}

// NewScheduler creates a new Scheduler on top of the given task store.
func NewScheduler(st store.TaskStore, cfg model.SchedulerConfig, logger *log.Logger, level LogLevel) *Scheduler {
	s := &Scheduler{
		store:  st,
		config: cfg,
		logger: logger,
	}
	s.level.Store(int32(level))
	return s
}

// SetEventBus sets the bus for archive notifications. Optional.
func (s *Scheduler) SetEventBus(bus *events.Bus) {
	s.eventBus = bus
}

// SetLogLevel changes the log level at runtime.
func (s *Scheduler) SetLogLevel(level LogLevel) {
	s.level.Store(int32(level))
}

// ScheduleTask creates a new task in status pending. Priority defaults to
// normal, maxRetries to the scheduler config default.
func (s *Scheduler) ScheduleTask(params model.TaskParams) (*model.Task, error) {
	if params.ExperimentRunID == "" {
		return nil, fmt.Errorf("experiment run id is required")
	}
	if params.ControllerID == "" {
		return nil, fmt.Errorf("controller id is required")
	}
	if params.ActivityName == "" {
		return nil, fmt.Errorf("activity name is required")
	}

	priority := params.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", params.Priority)
	}

	maxRetries := s.config.DefaultMaxRetries
	if params.MaxRetries != nil {
		if *params.MaxRetries < 0 {
			return nil, fmt.Errorf("max retries must not be negative")
		}
		maxRetries = *params.MaxRetries
	}

	id, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}

	now := time.Now().UTC()
	task := &model.Task{
		ID:              id,
		ExperimentRunID: params.ExperimentRunID,
		CampaignID:      params.CampaignID,
		ControllerID:    params.ControllerID,
		ActivityName:    params.ActivityName,
		ActivityOptions: params.ActivityOptions,
		Status:          model.StatusPending,
		Priority:        priority,
		MaxRetries:      maxRetries,
		CreatedAt:       now,
		ScheduledAt:     &now,
		Deadline:        params.Deadline,
		Metadata:        params.Metadata,
	}

	created, err := s.store.Put(task)
	if err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}

	s.log(LogLevelInfo, "task_scheduled task=%s run=%s controller=%s activity=%s priority=%s",
		created.ID, created.ExperimentRunID, created.ControllerID, created.ActivityName, created.Priority)
	return created, nil
}

// GetTask returns a copy of the task, or store.ErrNotFound.
func (s *Scheduler) GetTask(id string) (*model.Task, error) {
	return s.store.Get(id)
}

// UpdateTask applies fn to the task under its per-key lock. With
// expectedVersion >= 0 the mutation is rejected with ErrVersionConflict when
// the stored version differs; a negative expectedVersion skips the check.
func (s *Scheduler) UpdateTask(id string, expectedVersion int64, fn func(*model.Task) error) (*model.Task, error) {
	if expectedVersion >= 0 {
		return s.store.CompareAndUpdate(id, expectedVersion, fn)
	}
	return s.store.Update(id, fn)
}

// CancelTask cancels a task with the given reason. Cancelling a completed
// task fails with ErrInvalidState; re-cancelling an already terminal task is
// an idempotent no-op.
func (s *Scheduler) CancelTask(id, reason string) (*model.Task, error) {
	cancelled, err := s.store.Update(id, func(t *model.Task) error {
		if err := model.ValidateCancel(t.Status); err != nil {
			return fmt.Errorf("%w: %s", store.ErrInvalidState, err)
		}
		if model.IsTerminal(t.Status) {
			return nil
		}
		now := time.Now().UTC()
		t.Status = model.StatusCancelled
		t.Error = reason
		t.CompletedAt = &now
		t.NextRetry = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(LogLevelInfo, "task_cancelled task=%s reason=%q", id, reason)
	return cancelled, nil
}

// GetReadyTasks returns up to limit dispatchable tasks: status pending or
// scheduled, retry delay elapsed, deadline not passed. Ordered by priority
// rank (critical first), then FIFO within a rank.
func (s *Scheduler) GetReadyTasks(limit int) []*model.Task {
	if limit <= 0 {
		return nil
	}
	now := time.Now().UTC()

	var ready []*model.Task
	for _, t := range s.store.List() {
		if !model.IsDispatchable(t.Status) {
			continue
		}
		if t.NextRetry != nil && t.NextRetry.After(now) {
			continue
		}
		if t.Deadline != nil && t.Deadline.Before(now) {
			continue
		}
		ready = append(ready, t)
	}

	sort.Slice(ready, func(i, j int) bool {
		ri, rj := ready[i].Priority.Rank(), ready[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		ti, tj := dispatchTime(ready[i]), dispatchTime(ready[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return ready[i].ID < ready[j].ID
	})

	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

func dispatchTime(t *model.Task) time.Time {
	if t.ScheduledAt != nil {
		return *t.ScheduledAt
	}
	return t.CreatedAt
}

// GetNextTask returns the highest-priority ready task, or nil.
func (s *Scheduler) GetNextTask() *model.Task {
	ready := s.GetReadyTasks(1)
	if len(ready) == 0 {
		return nil
	}
	return ready[0]
}

// QueryTasks filters tasks and returns them newest first, paginated by
// Offset/Limit.
func (s *Scheduler) QueryTasks(q model.TaskQuery) []*model.Task {
	statusSet := make(map[model.Status]bool, len(q.Statuses))
	for _, st := range q.Statuses {
		statusSet[st] = true
	}

	var out []*model.Task
	for _, t := range s.store.List() {
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		if q.ExperimentRunID != "" && t.ExperimentRunID != q.ExperimentRunID {
			continue
		}
		if q.CampaignID != "" && t.CampaignID != q.CampaignID {
			continue
		}
		if q.ControllerID != "" && t.ControllerID != q.ControllerID {
			continue
		}
		if q.Priority != "" && t.Priority != q.Priority {
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// GetTaskStats aggregates per-status counts, average completion time over
// tasks that both started and completed, and average retry count over tasks
// that retried at least once.
func (s *Scheduler) GetTaskStats() model.TaskStats {
	stats := model.TaskStats{ByStatus: make(map[model.Status]int)}

	var completionMs float64
	var completions int
	var retries int
	var retried int

	for _, t := range s.store.List() {
		stats.Total++
		stats.ByStatus[t.Status]++
		if t.StartedAt != nil && t.CompletedAt != nil {
			completionMs += float64(t.CompletedAt.Sub(*t.StartedAt).Milliseconds())
			completions++
		}
		if t.RetryCount > 0 {
			retries += t.RetryCount
			retried++
		}
	}

	if completions > 0 {
		stats.AvgCompletionMs = completionMs / float64(completions)
	}
	if retried > 0 {
		stats.AvgRetries = float64(retries) / float64(retried)
	}
	return stats
}

// MarkStarted transitions a task to running and records the activity id
// assigned by the controller.
func (s *Scheduler) MarkStarted(id, activityID string) (*model.Task, error) {
	return s.store.Update(id, func(t *model.Task) error {
		if err := model.ValidateTaskTransition(t.Status, model.StatusRunning); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.Status = model.StatusRunning
		t.ActivityID = activityID
		t.StartedAt = &now
		t.LastAttempt = &now
		t.NextRetry = nil
		return nil
	})
}

// MarkCompleted transitions a task to completed. The record becomes
// immutable at the store level.
func (s *Scheduler) MarkCompleted(id string) (*model.Task, error) {
	return s.store.Update(id, func(t *model.Task) error {
		if err := model.ValidateTaskTransition(t.Status, model.StatusCompleted); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.Status = model.StatusCompleted
		t.CompletedAt = &now
		return nil
	})
}

// MarkFailed transitions a task to failed with the error recorded.
// CompletedAt stays unset: a failed task may still be retried.
func (s *Scheduler) MarkFailed(id, errText string) (*model.Task, error) {
	return s.store.Update(id, func(t *model.Task) error {
		if err := model.ValidateTaskTransition(t.Status, model.StatusFailed); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.Status = model.StatusFailed
		t.Error = errText
		t.LastAttempt = &now
		return nil
	})
}

// MarkTimedOut forces a running task into the terminal timeout status.
func (s *Scheduler) MarkTimedOut(id, errText string) (*model.Task, error) {
	return s.store.Update(id, func(t *model.Task) error {
		if err := model.ValidateTaskTransition(t.Status, model.StatusTimeout); err != nil {
			return err
		}
		now := time.Now().UTC()
		t.Status = model.StatusTimeout
		t.Error = errText
		t.CompletedAt = &now
		return nil
	})
}

// ScheduleRetry moves a failed task back to scheduled with an exponential
// backoff delay. Returns (nil, nil) when the task has no retries left.
func (s *Scheduler) ScheduleRetry(id string) (*model.Task, error) {
	scheduled, err := s.store.Update(id, func(t *model.Task) error {
		if t.RetryCount >= t.MaxRetries {
			return errRetriesExhausted
		}
		if err := model.ValidateTaskTransition(t.Status, model.StatusScheduled); err != nil {
			return err
		}
		t.RetryCount++
		delay := s.retryDelay(t.RetryCount)
		now := time.Now().UTC()
		next := now.Add(delay)
		t.Status = model.StatusScheduled
		t.ScheduledAt = &now
		t.NextRetry = &next
		t.Error = ""
		return nil
	})
	if errors.Is(err, errRetriesExhausted) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.log(LogLevelInfo, "retry_scheduled task=%s retry=%d/%d next_retry=%s",
		scheduled.ID, scheduled.RetryCount, scheduled.MaxRetries, scheduled.NextRetry.Format(time.RFC3339))
	return scheduled, nil
}

// retryDelay computes min(2^retryCount * base * (1 + jitter), max) with
// jitter in [0, 0.3).
func (s *Scheduler) retryDelay(retryCount int) time.Duration {
	base := time.Duration(s.config.BaseRetryDelayMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	maxDelay := time.Duration(s.config.MaxRetryDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	if retryCount > 30 {
		return maxDelay
	}
	jitter := 1.0 + rand.Float64()*0.3
	delay := time.Duration(float64(int64(1)<<uint(retryCount)) * float64(base) * jitter)
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}

// taskArchive is the schema of one archive file written by ArchiveTerminal.
type taskArchive struct {
	SchemaVersion int           `yaml:"schema_version"`
	FileType      string        `yaml:"file_type"`
	ArchivedAt    string        `yaml:"archived_at"`
	Tasks         []*model.Task `yaml:"tasks"`
}

// ArchiveTerminal moves terminal tasks whose completion is older than
// olderThan into a YAML archive file under archiveDir and deletes them from
// the store. Returns the number of tasks archived.
func (s *Scheduler) ArchiveTerminal(archiveDir string, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var candidates []*model.Task
	for _, t := range s.store.List() {
		if !model.IsTerminal(t.Status) {
			continue
		}
		end := t.CompletedAt
		if end == nil {
			end = &t.CreatedAt
		}
		if end.After(cutoff) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}

	now := time.Now().UTC()
	filename := fmt.Sprintf("tasks_%s_%09d.yaml", now.Format("20060102T150405Z"), now.Nanosecond())
	archivePath := filepath.Join(archiveDir, filename)
	archive := taskArchive{
		SchemaVersion: fileio.CurrentSchemaVersion,
		FileType:      fileio.FileTypeTaskArchive,
		ArchivedAt:    now.Format(time.RFC3339),
		Tasks:         candidates,
	}
	if err := fileio.AtomicWrite(archivePath, archive); err != nil {
		return 0, fmt.Errorf("write archive: %w", err)
	}

	archived := 0
	for _, t := range candidates {
		if err := s.store.Delete(t.ID); err != nil {
			s.log(LogLevelWarn, "archive_delete task=%s error=%v", t.ID, err)
			continue
		}
		archived++
		if s.eventBus != nil {
			s.eventBus.PublishTask(events.TaskEvent{
				Type:            events.TaskArchived,
				TaskID:          t.ID,
				ActivityID:      t.ActivityID,
				ControllerID:    t.ControllerID,
				ExperimentRunID: t.ExperimentRunID,
				Status:          t.Status,
			})
		}
	}

	s.log(LogLevelInfo, "tasks_archived count=%d file=%s", archived, filename)
	return archived, nil
}

func (s *Scheduler) log(level LogLevel, format string, args ...any) {
	if level < LogLevel(s.level.Load()) {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
