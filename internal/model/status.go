package model

import "fmt"

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// ActivityStatus is the normalized lifecycle a controller reports for one
// activity. It is narrower than Status: the controller never sees scheduling
// or retry states.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityCancelled ActivityStatus = "cancelled"
)

// failed is not terminal: the retry loop reopens it via scheduled.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
	StatusTimeout:   true,
}

var dispatchableStatuses = map[Status]bool{
	StatusPending:   true,
	StatusScheduled: true,
}

var knownStatuses = map[Status]bool{
	StatusPending:   true,
	StatusScheduled: true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
	StatusTimeout:   true,
}

// Task status transitions: pending/scheduled → running → terminal,
// failed → scheduled forming the retry loop. timeout only from running
// (supervisor-enforced wall-clock ceiling).
var validTaskTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusScheduled: true,
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusScheduled: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusTimeout:   true,
	},
	StatusFailed: {
		StatusScheduled: true,
		StatusCancelled: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsDispatchable(s Status) bool {
	return dispatchableStatuses[s]
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !knownStatuses[st] {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func ValidateTaskTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

// ValidateCancel permits cancellation from any state except completed.
// Re-cancelling an already cancelled or timed-out task is accepted so that
// operator-issued cancels stay idempotent.
func ValidateCancel(from Status) error {
	if from == StatusCompleted {
		return fmt.Errorf("cannot cancel completed task")
	}
	return nil
}

// ValidateForceRetry guards the operator escape hatch: any task except a
// completed one may be reset to pending.
func ValidateForceRetry(from Status) error {
	if from == StatusCompleted {
		return fmt.Errorf("cannot force retry of completed task")
	}
	return nil
}
