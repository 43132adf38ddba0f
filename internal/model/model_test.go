package model

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("expected %q to rank before %q", order[i-1], order[i])
		}
	}
	if Priority("bogus").Rank() != PriorityNormal.Rank() {
		t.Errorf("unknown priority should rank as normal, got %d", Priority("bogus").Rank())
	}
}

func TestTaskClone_Independence(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	orig := &Task{
		ID:              "tsk_1771722060_b7c1d4e9",
		ExperimentRunID: "run-42",
		ControllerID:    "ctl-east",
		ActivityName:    "BUILD",
		ActivityOptions: []KeyValue{{Key: "material", Value: "Ti64"}},
		Status:          StatusRunning,
		Priority:        PriorityHigh,
		StartedAt:       &started,
		Metadata:        map[string]string{"step_id": "s-7"},
		Version:         3,
	}

	c := orig.Clone()
	c.ActivityOptions[0].Value = "316L"
	c.Metadata["step_id"] = "s-8"
	*c.StartedAt = c.StartedAt.Add(time.Hour)

	if orig.ActivityOptions[0].Value != "Ti64" {
		t.Errorf("clone mutated original options: %q", orig.ActivityOptions[0].Value)
	}
	if orig.Metadata["step_id"] != "s-7" {
		t.Errorf("clone mutated original metadata: %q", orig.Metadata["step_id"])
	}
	if !orig.StartedAt.Equal(started) {
		t.Errorf("clone mutated original startedAt: %v", orig.StartedAt)
	}
}

func TestTaskClone_Nil(t *testing.T) {
	var tk *Task
	if tk.Clone() != nil {
		t.Error("expected nil clone of nil task")
	}
}

func TestTaskYAMLRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	completed := created.Add(42 * time.Minute)
	task := Task{
		ID:              "tsk_1771722060_b7c1d4e9",
		ExperimentRunID: "run-42",
		ControllerID:    "ctl-east",
		ActivityName:    "SCAN",
		Status:          StatusCompleted,
		Priority:        PriorityNormal,
		MaxRetries:      3,
		CreatedAt:       created,
		CompletedAt:     &completed,
		Version:         5,
	}

	data, err := yaml.Marshal(&task)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Task
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Status != StatusCompleted {
		t.Errorf("status: got %q, want %q", decoded.Status, StatusCompleted)
	}
	if decoded.CompletedAt == nil || !decoded.CompletedAt.Equal(completed) {
		t.Errorf("completed_at: got %v, want %v", decoded.CompletedAt, completed)
	}
	if decoded.StartedAt != nil {
		t.Errorf("started_at should stay nil, got %v", decoded.StartedAt)
	}
	if decoded.Version != 5 {
		t.Errorf("version: got %d, want %d", decoded.Version, 5)
	}
}
