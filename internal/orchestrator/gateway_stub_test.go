package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/lablink-io/conductor/internal/gateway"
	"github.com/lablink-io/conductor/internal/model"
)

// fakeGateway is a scripted Gateway for agent and supervisor tests. It never
// advances activities on its own; tests publish activity events or flip
// statuses explicitly.
type fakeGateway struct {
	mu sync.Mutex

	nextNum    int
	started    []gateway.StartRequest
	activities map[string]gateway.StatusReply
	data       map[string][]string
	cancelled  map[string]string

	startErr  error
	statusErr error

	controllers []gateway.ControllerInfo
	health      map[string]gateway.HealthReply
	healthErr   map[string]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		activities: make(map[string]gateway.StatusReply),
		data:       make(map[string][]string),
		cancelled:  make(map[string]string),
		controllers: []gateway.ControllerInfo{
			{ID: "ctl-1", Activities: []string{"BUILD", "SCAN"}},
		},
		health:    make(map[string]gateway.HealthReply),
		healthErr: make(map[string]error),
	}
}

func (f *fakeGateway) StartActivity(ctx context.Context, req gateway.StartRequest) (gateway.StartReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return gateway.StartReply{}, f.startErr
	}
	f.nextNum++
	id := fmt.Sprintf("act_%04d", f.nextNum)
	f.started = append(f.started, req)
	f.activities[id] = gateway.StatusReply{Status: model.ActivityRunning}
	return gateway.StartReply{ActivityID: id}, nil
}

func (f *fakeGateway) GetActivityStatus(ctx context.Context, controllerID, activityID string) (gateway.StatusReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return gateway.StatusReply{}, f.statusErr
	}
	reply, ok := f.activities[activityID]
	if !ok {
		return gateway.StatusReply{}, fmt.Errorf("resource_not_found: unknown activity %q", activityID)
	}
	return reply, nil
}

func (f *fakeGateway) GetActivityData(ctx context.Context, controllerID, activityID string) (gateway.DataReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	products, ok := f.data[activityID]
	if !ok {
		return gateway.DataReply{}, fmt.Errorf("activity %s: %w", activityID, gateway.ErrDataNotReady)
	}
	return gateway.DataReply{Products: products}, nil
}

func (f *fakeGateway) CancelActivity(ctx context.Context, controllerID, activityID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[activityID] = reason
	f.activities[activityID] = gateway.StatusReply{Status: model.ActivityCancelled, Message: reason}
	return nil
}

func (f *fakeGateway) ListControllers(ctx context.Context) ([]gateway.ControllerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.ControllerInfo, len(f.controllers))
	copy(out, f.controllers)
	return out, nil
}

func (f *fakeGateway) GetControllerHealth(ctx context.Context, controllerID string) (gateway.HealthReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.healthErr[controllerID]; err != nil {
		return gateway.HealthReply{}, err
	}
	if reply, ok := f.health[controllerID]; ok {
		return reply, nil
	}
	return gateway.HealthReply{Healthy: true}, nil
}

func (f *fakeGateway) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeGateway) setStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

func (f *fakeGateway) setStatus(activityID string, status model.ActivityStatus, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities[activityID] = gateway.StatusReply{Status: status, Message: message}
}

func (f *fakeGateway) setData(activityID string, products []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[activityID] = products
}

func (f *fakeGateway) setHealth(controllerID string, healthy bool, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[controllerID] = gateway.HealthReply{Healthy: healthy, Message: message}
}

func (f *fakeGateway) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeGateway) lastStarted() (gateway.StartRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return gateway.StartRequest{}, false
	}
	return f.started[len(f.started)-1], true
}

func (f *fakeGateway) cancelReason(activityID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.cancelled[activityID]
	return reason, ok
}
