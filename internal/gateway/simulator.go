package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lablink-io/conductor/internal/events"
	"github.com/lablink-io/conductor/internal/model"
)

const defaultActivityDuration = 700 * time.Millisecond

// Simulator is an in-process Gateway backed by fake instrument controllers.
// Each started activity advances pending → running on a timer, then either
// completes with generated data products, fails (per-controller failure
// rate), or is cancelled when its deadline has passed. Every transition is
// published as a normalized activity status event.
type Simulator struct {
	mu          sync.RWMutex
	controllers map[string]*simController
	activities  map[string]*simActivity
	bus         *events.Bus
	nextNum     int
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type simController struct {
	id         string
	activities map[string]bool
	duration   time.Duration
	failRate   float64
	healthy    bool
	healthMsg  string
}

type simActivity struct {
	id           string
	name         string
	controllerID string
	status       model.ActivityStatus
	statusMsg    string
	products     []string
	deadline     *time.Time
	timeBegin    time.Time
	timeEnd      *time.Time
}

// NewSimulator builds controllers from config. With no controllers
// configured, a single "ctl-sim-1" supporting BUILD and SCAN is created.
func NewSimulator(cfg model.SimulatorConfig, bus *events.Bus) *Simulator {
	s := &Simulator{
		controllers: make(map[string]*simController),
		activities:  make(map[string]*simActivity),
		bus:         bus,
		done:        make(chan struct{}),
	}

	specs := cfg.Controllers
	if len(specs) == 0 {
		specs = []model.SimControllerConfig{{ID: "ctl-sim-1", Activities: []string{"BUILD", "SCAN"}}}
	}
	for _, c := range specs {
		names := c.Activities
		if len(names) == 0 {
			names = []string{"BUILD", "SCAN"}
		}
		supported := make(map[string]bool, len(names))
		for _, n := range names {
			supported[n] = true
		}
		duration := time.Duration(c.ActivityDurationMs) * time.Millisecond
		if duration <= 0 {
			duration = defaultActivityDuration
		}
		s.controllers[c.ID] = &simController{
			id:         c.ID,
			activities: supported,
			duration:   duration,
			failRate:   c.FailureRate,
			healthy:    true,
			healthMsg:  "ok",
		}
	}
	return s
}

// Close stops all in-flight activity timers and waits for them to exit.
func (s *Simulator) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// SetControllerHealthy flips a controller's reported health, for exercising
// the supervisor's offline detection.
func (s *Simulator) SetControllerHealthy(controllerID string, healthy bool, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.controllers[controllerID]; ok {
		c.healthy = healthy
		c.healthMsg = msg
	}
}

func (s *Simulator) StartActivity(ctx context.Context, req StartRequest) (StartReply, error) {
	if err := ctx.Err(); err != nil {
		return StartReply{}, err
	}
	for _, opt := range req.Options {
		if opt.Key == "" {
			return StartReply{}, fmt.Errorf("invalid_options: empty option key for activity %s", req.ActivityName)
		}
	}

	s.mu.Lock()
	ctl, ok := s.controllers[req.ControllerID]
	if !ok {
		s.mu.Unlock()
		return StartReply{}, fmt.Errorf("resource_not_found: unknown controller %q", req.ControllerID)
	}
	if !ctl.activities[req.ActivityName] {
		s.mu.Unlock()
		return StartReply{}, fmt.Errorf("unknown_activity: controller %s does not support %q", req.ControllerID, req.ActivityName)
	}

	s.nextNum++
	act := &simActivity{
		id:           fmt.Sprintf("act_%04d", s.nextNum),
		name:         req.ActivityName,
		controllerID: req.ControllerID,
		status:       model.ActivityPending,
		deadline:     req.Deadline,
		timeBegin:    time.Now().UTC(),
	}
	s.activities[act.id] = act
	duration := ctl.duration
	failRate := ctl.failRate
	s.mu.Unlock()

	s.publish(act.id, model.ActivityPending, "", "")

	s.wg.Add(1)
	go s.run(act.id, duration, failRate)

	return StartReply{ActivityID: act.id}, nil
}

// run drives one activity through its lifecycle. Cancellation may land at
// any point; every transition re-checks the current status under lock.
func (s *Simulator) run(activityID string, duration time.Duration, failRate float64) {
	defer s.wg.Done()

	if !s.sleep(duration / 4) {
		return
	}
	if !s.transition(activityID, model.ActivityPending, model.ActivityRunning, "") {
		return
	}
	progress := 50
	s.publishProgress(activityID, model.ActivityRunning, &progress)

	if !s.sleep(duration - duration/4) {
		return
	}

	s.mu.Lock()
	act, ok := s.activities[activityID]
	if !ok || act.status != model.ActivityRunning {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	switch {
	case act.deadline != nil && now.After(*act.deadline):
		act.status = model.ActivityCancelled
		act.statusMsg = "Deadline exceeded"
		act.timeEnd = &now
		s.mu.Unlock()
		s.publish(activityID, model.ActivityCancelled, "Deadline exceeded", "")
	case failRate > 0 && rand.Float64() < failRate:
		act.status = model.ActivityFailed
		act.statusMsg = "simulated fault"
		act.timeEnd = &now
		s.mu.Unlock()
		s.publish(activityID, model.ActivityFailed, "", "simulated fault")
	default:
		act.status = model.ActivityCompleted
		act.products = []string{uuid.NewString(), uuid.NewString()}
		act.timeEnd = &now
		s.mu.Unlock()
		s.publish(activityID, model.ActivityCompleted, "", "")
	}
}

func (s *Simulator) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.done:
		return false
	}
}

func (s *Simulator) transition(activityID string, from, to model.ActivityStatus, msg string) bool {
	s.mu.Lock()
	act, ok := s.activities[activityID]
	if !ok || act.status != from {
		s.mu.Unlock()
		return false
	}
	act.status = to
	if msg != "" {
		act.statusMsg = msg
	}
	s.mu.Unlock()
	return true
}

func (s *Simulator) publish(activityID string, status model.ActivityStatus, msg, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.PublishActivity(events.ActivityEvent{
		ActivityID: activityID,
		Status:     status,
		Message:    msg,
		Error:      errMsg,
	})
}

func (s *Simulator) publishProgress(activityID string, status model.ActivityStatus, progress *int) {
	if s.bus == nil {
		return
	}
	s.bus.PublishActivity(events.ActivityEvent{
		ActivityID: activityID,
		Status:     status,
		Progress:   progress,
	})
}

func (s *Simulator) GetActivityStatus(ctx context.Context, controllerID, activityID string) (StatusReply, error) {
	if err := ctx.Err(); err != nil {
		return StatusReply{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	act, ok := s.activities[activityID]
	if !ok {
		return StatusReply{}, fmt.Errorf("resource_not_found: unknown activity %q", activityID)
	}
	return StatusReply{Status: act.status, Message: act.statusMsg}, nil
}

func (s *Simulator) GetActivityData(ctx context.Context, controllerID, activityID string) (DataReply, error) {
	if err := ctx.Err(); err != nil {
		return DataReply{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	act, ok := s.activities[activityID]
	if !ok {
		return DataReply{}, fmt.Errorf("resource_not_found: unknown activity %q", activityID)
	}
	if act.status != model.ActivityCompleted {
		return DataReply{}, fmt.Errorf("activity %s: %w", activityID, ErrDataNotReady)
	}
	products := make([]string, len(act.products))
	copy(products, act.products)
	return DataReply{Products: products}, nil
}

func (s *Simulator) CancelActivity(ctx context.Context, controllerID, activityID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	act, ok := s.activities[activityID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("resource_not_found: unknown activity %q", activityID)
	}
	if act.status == model.ActivityCompleted || act.status == model.ActivityCancelled {
		s.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	act.status = model.ActivityCancelled
	act.statusMsg = reason
	act.timeEnd = &now
	s.mu.Unlock()

	s.publish(activityID, model.ActivityCancelled, reason, "")
	return nil
}

func (s *Simulator) ListControllers(ctx context.Context) ([]ControllerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ControllerInfo, 0, len(s.controllers))
	for _, c := range s.controllers {
		names := make([]string, 0, len(c.activities))
		for n := range c.activities {
			names = append(names, n)
		}
		sort.Strings(names)
		out = append(out, ControllerInfo{ID: c.id, Activities: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Simulator) GetControllerHealth(ctx context.Context, controllerID string) (HealthReply, error) {
	if err := ctx.Err(); err != nil {
		return HealthReply{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.controllers[controllerID]
	if !ok {
		return HealthReply{}, fmt.Errorf("resource_not_found: unknown controller %q", controllerID)
	}
	return HealthReply{Healthy: c.healthy, Message: c.healthMsg}, nil
}
