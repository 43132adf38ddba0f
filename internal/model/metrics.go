package model

import "time"

type AgentMetrics struct {
	AgentID             string     `json:"agentId"`
	StartedAt           time.Time  `json:"startedAt"`
	TasksProcessed      int        `json:"tasksProcessed"`
	TasksSucceeded      int        `json:"tasksSucceeded"`
	TasksFailed         int        `json:"tasksFailed"`
	CurrentlyProcessing int        `json:"currentlyProcessing"`
	LastTaskTime        *time.Time `json:"lastTaskTime,omitempty"`
	AvgProcessingTimeMs float64    `json:"avgProcessingTimeMs"`
}

type SupervisorMetrics struct {
	ChecksPerformed         int        `json:"checksPerformed"`
	StaleActivitiesDetected int        `json:"staleActivitiesDetected"`
	TimeoutsEnforced        int        `json:"timeoutsEnforced"`
	RetriesScheduled        int        `json:"retriesScheduled"`
	FailuresEscalated       int        `json:"failuresEscalated"`
	HandlerErrors           int        `json:"handlerErrors"`
	CheckErrors             int        `json:"checkErrors"`
	HealthChecksPerformed   int        `json:"healthChecksPerformed"`
	ControllersOnline       int        `json:"controllersOnline"`
	ControllersOffline      int        `json:"controllersOffline"`
	LastCheckTime           *time.Time `json:"lastCheckTime,omitempty"`
}

// ControllerHealth is one entry of the supervisor's health snapshot.
// Snapshots are defensive copies; mutating one never touches supervisor state.
type ControllerHealth struct {
	ControllerID        string    `json:"controllerId"`
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"lastCheck"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Error               string    `json:"error,omitempty"`
}
