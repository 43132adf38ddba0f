package model

import "time"

type EscalationType string

const (
	EscalationTaskFailed        EscalationType = "task_failed"
	EscalationActivityTimeout   EscalationType = "activity_timeout"
	EscalationControllerOffline EscalationType = "controller_offline"
	EscalationRepeatedFailures  EscalationType = "repeated_failures"
)

// Escalation is emitted when automated recovery cannot resolve a failure.
// Optional fields stay zero-valued when they do not apply, e.g. a
// controller_offline escalation carries no task id.
type Escalation struct {
	ID              string         `json:"id" yaml:"id"`
	Type            EscalationType `json:"type" yaml:"type"`
	TaskID          string         `json:"taskId,omitempty" yaml:"task_id,omitempty"`
	ActivityID      string         `json:"activityId,omitempty" yaml:"activity_id,omitempty"`
	ControllerID    string         `json:"controllerId,omitempty" yaml:"controller_id,omitempty"`
	ExperimentRunID string         `json:"experimentRunId,omitempty" yaml:"experiment_run_id,omitempty"`
	Error           string         `json:"error,omitempty" yaml:"error,omitempty"`
	RetryCount      int            `json:"retryCount,omitempty" yaml:"retry_count,omitempty"`
	Timestamp       time.Time      `json:"timestamp" yaml:"timestamp"`
}
