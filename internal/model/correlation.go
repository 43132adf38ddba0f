package model

import "time"

// Correlation links a dispatched activity back to its originating task,
// experiment run, campaign and step. Created when an activity starts,
// updated on every terminal status change.
type Correlation struct {
	ActivityID      string    `json:"activityId" yaml:"activity_id"`
	TaskID          string    `json:"taskId" yaml:"task_id"`
	ExperimentRunID string    `json:"experimentRunId" yaml:"experiment_run_id"`
	CampaignID      string    `json:"campaignId,omitempty" yaml:"campaign_id,omitempty"`
	ControllerID    string    `json:"controllerId" yaml:"controller_id"`
	ActivityName    string    `json:"activityName" yaml:"activity_name"`
	StepID          string    `json:"stepId,omitempty" yaml:"step_id,omitempty"`
	TraceID         string    `json:"traceId" yaml:"trace_id"`
	Status          Status    `json:"status" yaml:"status"`
	Products        []string  `json:"products,omitempty" yaml:"products,omitempty"`
	CreatedAt       time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" yaml:"updated_at"`
}

func (c *Correlation) Clone() *Correlation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Products != nil {
		cp.Products = make([]string, len(c.Products))
		copy(cp.Products, c.Products)
	}
	return &cp
}
