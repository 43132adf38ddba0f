package model

import "time"

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var priorityRanks = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Rank orders priorities for dispatch, lowest first. Unknown priorities
// rank with normal so a malformed record cannot jump the queue.
func (p Priority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityNormal]
}

func (p Priority) Valid() bool {
	_, ok := priorityRanks[p]
	return ok
}

// KeyValue preserves the order of activity options as submitted; controllers
// may treat option order as significant.
type KeyValue struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type Task struct {
	ID              string            `json:"id" yaml:"id"`
	ExperimentRunID string            `json:"experimentRunId" yaml:"experiment_run_id"`
	CampaignID      string            `json:"campaignId,omitempty" yaml:"campaign_id,omitempty"`
	ControllerID    string            `json:"controllerId" yaml:"controller_id"`
	ActivityName    string            `json:"activityName" yaml:"activity_name"`
	ActivityOptions []KeyValue        `json:"activityOptions,omitempty" yaml:"activity_options,omitempty"`
	Status          Status            `json:"status" yaml:"status"`
	Priority        Priority          `json:"priority" yaml:"priority"`
	RetryCount      int               `json:"retryCount" yaml:"retry_count"`
	MaxRetries      int               `json:"maxRetries" yaml:"max_retries"`
	CreatedAt       time.Time         `json:"createdAt" yaml:"created_at"`
	ScheduledAt     *time.Time        `json:"scheduledAt,omitempty" yaml:"scheduled_at,omitempty"`
	StartedAt       *time.Time        `json:"startedAt,omitempty" yaml:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty" yaml:"completed_at,omitempty"`
	LastAttempt     *time.Time        `json:"lastAttempt,omitempty" yaml:"last_attempt,omitempty"`
	NextRetry       *time.Time        `json:"nextRetry,omitempty" yaml:"next_retry,omitempty"`
	Deadline        *time.Time        `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	ActivityID      string            `json:"activityId,omitempty" yaml:"activity_id,omitempty"`
	Error           string            `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Version         int64             `json:"version" yaml:"version"`
}

// Clone returns a deep copy. The store hands out clones only, so callers can
// never mutate a stored record outside Update.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.ActivityOptions != nil {
		c.ActivityOptions = make([]KeyValue, len(t.ActivityOptions))
		copy(c.ActivityOptions, t.ActivityOptions)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.ScheduledAt = cloneTime(t.ScheduledAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.LastAttempt = cloneTime(t.LastAttempt)
	c.NextRetry = cloneTime(t.NextRetry)
	c.Deadline = cloneTime(t.Deadline)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TaskParams is the input to task creation. Zero-valued fields fall back to
// scheduler config defaults.
type TaskParams struct {
	ExperimentRunID string            `json:"experimentRunId"`
	CampaignID      string            `json:"campaignId,omitempty"`
	ControllerID    string            `json:"controllerId"`
	ActivityName    string            `json:"activityName"`
	ActivityOptions []KeyValue        `json:"activityOptions,omitempty"`
	Priority        Priority          `json:"priority,omitempty"`
	MaxRetries      *int              `json:"maxRetries,omitempty"`
	Deadline        *time.Time        `json:"deadline,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// TaskQuery filters and paginates task listings. A nil/empty Statuses slice
// matches every status.
type TaskQuery struct {
	Statuses        []Status `json:"statuses,omitempty"`
	ExperimentRunID string   `json:"experimentRunId,omitempty"`
	CampaignID      string   `json:"campaignId,omitempty"`
	ControllerID    string   `json:"controllerId,omitempty"`
	Priority        Priority `json:"priority,omitempty"`
	Offset          int      `json:"offset,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

type TaskStats struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"byStatus"`
	AvgCompletionMs float64        `json:"avgCompletionMs"`
	AvgRetries      float64        `json:"avgRetries"`
}
