package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablink-io/conductor/internal/events"
	"github.com/lablink-io/conductor/internal/model"
)

func newTestSimulator(t *testing.T, durationMs int) *Simulator {
	t.Helper()
	cfg := model.SimulatorConfig{
		Controllers: []model.SimControllerConfig{
			{ID: "ctl-test", Activities: []string{"BUILD", "SCAN"}, ActivityDurationMs: durationMs},
		},
	}
	sim := NewSimulator(cfg, nil)
	t.Cleanup(sim.Close)
	return sim
}

func waitForStatus(t *testing.T, sim *Simulator, activityID string, want model.ActivityStatus, timeout time.Duration) StatusReply {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		reply, err := sim.GetActivityStatus(context.Background(), "ctl-test", activityID)
		require.NoError(t, err)
		if reply.Status == want {
			return reply
		}
		time.Sleep(10 * time.Millisecond)
	}
	reply, _ := sim.GetActivityStatus(context.Background(), "ctl-test", activityID)
	t.Fatalf("activity %s never reached %s, last status %s", activityID, want, reply.Status)
	return StatusReply{}
}

func TestSimulatorDefaultController(t *testing.T) {
	sim := NewSimulator(model.SimulatorConfig{}, nil)
	defer sim.Close()

	controllers, err := sim.ListControllers(context.Background())
	require.NoError(t, err)
	require.Len(t, controllers, 1)
	assert.Equal(t, "ctl-sim-1", controllers[0].ID)
	assert.Len(t, controllers[0].Activities, 2)
}

func TestSimulatorActivityLifecycle(t *testing.T) {
	sim := newTestSimulator(t, 100)

	reply, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "BUILD",
	})
	require.NoError(t, err)
	assert.Regexp(t, `^act_\d{4}$`, reply.ActivityID)

	status, err := sim.GetActivityStatus(context.Background(), "ctl-test", reply.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityPending, status.Status, "pending immediately after start")

	waitForStatus(t, sim, reply.ActivityID, model.ActivityCompleted, 2*time.Second)

	data, err := sim.GetActivityData(context.Background(), "ctl-test", reply.ActivityID)
	require.NoError(t, err)
	assert.Len(t, data.Products, 2)
}

func TestSimulatorSequentialActivityIDs(t *testing.T) {
	sim := newTestSimulator(t, 50)

	first, err := sim.StartActivity(context.Background(), StartRequest{ControllerID: "ctl-test", ActivityName: "BUILD"})
	require.NoError(t, err)
	second, err := sim.StartActivity(context.Background(), StartRequest{ControllerID: "ctl-test", ActivityName: "SCAN"})
	require.NoError(t, err)

	assert.Equal(t, "act_0001", first.ActivityID)
	assert.Equal(t, "act_0002", second.ActivityID)
}

func TestSimulatorUnknownController(t *testing.T) {
	sim := newTestSimulator(t, 50)

	_, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-nope",
		ActivityName: "BUILD",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource_not_found")
}

func TestSimulatorUnknownActivity(t *testing.T) {
	sim := newTestSimulator(t, 50)

	_, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "TELEPORT",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_activity")
}

func TestSimulatorInvalidOptions(t *testing.T) {
	sim := newTestSimulator(t, 50)

	_, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "BUILD",
		Options:      []model.KeyValue{{Key: "", Value: "42"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_options")
}

func TestSimulatorDataNotReady(t *testing.T) {
	sim := newTestSimulator(t, 500)

	reply, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "SCAN",
	})
	require.NoError(t, err)

	_, err = sim.GetActivityData(context.Background(), "ctl-test", reply.ActivityID)
	assert.ErrorIs(t, err, ErrDataNotReady, "data must not be readable before completion")
}

func TestSimulatorDeadlineExceeded(t *testing.T) {
	sim := newTestSimulator(t, 100)

	past := time.Now().Add(-1 * time.Second)
	reply, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "BUILD",
		Deadline:     &past,
	})
	require.NoError(t, err)

	status := waitForStatus(t, sim, reply.ActivityID, model.ActivityCancelled, 2*time.Second)
	assert.Equal(t, "Deadline exceeded", status.Message)
}

func TestSimulatorCancelActivity(t *testing.T) {
	sim := newTestSimulator(t, 500)

	reply, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "BUILD",
	})
	require.NoError(t, err)

	require.NoError(t, sim.CancelActivity(context.Background(), "ctl-test", reply.ActivityID, "operator abort"))

	status, err := sim.GetActivityStatus(context.Background(), "ctl-test", reply.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityCancelled, status.Status)
	assert.Equal(t, "operator abort", status.Message)

	// cancelling again is a no-op
	assert.NoError(t, sim.CancelActivity(context.Background(), "ctl-test", reply.ActivityID, "again"))
}

func TestSimulatorCancelCompletedKeepsData(t *testing.T) {
	sim := newTestSimulator(t, 60)

	reply, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "BUILD",
	})
	require.NoError(t, err)
	waitForStatus(t, sim, reply.ActivityID, model.ActivityCompleted, 2*time.Second)

	require.NoError(t, sim.CancelActivity(context.Background(), "ctl-test", reply.ActivityID, "too late"),
		"cancel after completion should be a no-op")

	status, _ := sim.GetActivityStatus(context.Background(), "ctl-test", reply.ActivityID)
	assert.Equal(t, model.ActivityCompleted, status.Status, "completed activity must stay completed")

	_, err = sim.GetActivityData(context.Background(), "ctl-test", reply.ActivityID)
	assert.NoError(t, err, "data should remain retrievable")
}

func TestSimulatorControllerHealth(t *testing.T) {
	sim := newTestSimulator(t, 50)

	health, err := sim.GetControllerHealth(context.Background(), "ctl-test")
	require.NoError(t, err)
	assert.True(t, health.Healthy, "controller should start healthy")

	sim.SetControllerHealthy("ctl-test", false, "link down")

	health, err = sim.GetControllerHealth(context.Background(), "ctl-test")
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	assert.Equal(t, "link down", health.Message)

	_, err = sim.GetControllerHealth(context.Background(), "ctl-ghost")
	assert.Error(t, err, "unknown controller health should fail")
}

func TestSimulatorPublishesEvents(t *testing.T) {
	bus := events.NewBus(100)
	bus.Start()
	defer bus.Close()

	var mu sync.Mutex
	seen := make(map[model.ActivityStatus]bool)
	unsubscribe := bus.SubscribeActivity(func(e events.ActivityEvent) {
		mu.Lock()
		seen[e.Status] = true
		mu.Unlock()
	})
	defer unsubscribe()

	cfg := model.SimulatorConfig{
		Controllers: []model.SimControllerConfig{
			{ID: "ctl-test", Activities: []string{"BUILD"}, ActivityDurationMs: 80},
		},
	}
	sim := NewSimulator(cfg, bus)
	defer sim.Close()

	_, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "BUILD",
	})
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, want := range []model.ActivityStatus{model.ActivityPending, model.ActivityRunning, model.ActivityCompleted} {
		assert.True(t, seen[want], "expected %s event to be published", want)
	}
}

func TestSimulatorCloseStopsInflight(t *testing.T) {
	cfg := model.SimulatorConfig{
		Controllers: []model.SimControllerConfig{
			{ID: "ctl-test", Activities: []string{"BUILD"}, ActivityDurationMs: 5000},
		},
	}
	sim := NewSimulator(cfg, nil)

	_, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "BUILD",
	})
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		sim.Close()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while activity was in flight")
	}
}

func TestSimulatorFailureRate(t *testing.T) {
	cfg := model.SimulatorConfig{
		Controllers: []model.SimControllerConfig{
			{ID: "ctl-test", Activities: []string{"BUILD"}, ActivityDurationMs: 40, FailureRate: 1.0},
		},
	}
	sim := NewSimulator(cfg, nil)
	defer sim.Close()

	reply, err := sim.StartActivity(context.Background(), StartRequest{
		ControllerID: "ctl-test",
		ActivityName: "BUILD",
	})
	require.NoError(t, err)

	waitForStatus(t, sim, reply.ActivityID, model.ActivityFailed, 2*time.Second)

	_, err = sim.GetActivityData(context.Background(), "ctl-test", reply.ActivityID)
	assert.Error(t, err, "failed activity should not yield data")
}
