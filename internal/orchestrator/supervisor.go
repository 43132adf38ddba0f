package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lablink-io/conductor/internal/correlation"
	"github.com/lablink-io/conductor/internal/events"
	"github.com/lablink-io/conductor/internal/gateway"
	"github.com/lablink-io/conductor/internal/model"
	"github.com/lablink-io/conductor/internal/store"
)

// EscalationHandler receives escalations that need operator attention.
// Handlers run sequentially; an error or panic in one does not stop the
// others.
type EscalationHandler func(model.Escalation) error

// offlineThreshold is the number of consecutive failed health checks before
// a controller is escalated as offline.
const offlineThreshold = 3

// nonRetryableMarkers identify permanent controller errors. A failed task
// whose error contains one of these is escalated instead of retried.
var nonRetryableMarkers = []string{
	"invalid_options",
	"unknown_activity",
	"authorization_failed",
	"resource_not_found",
}

// controllerState tracks health-check history for one controller.
type controllerState struct {
	healthy             bool
	lastCheck           time.Time
	consecutiveFailures int
	err                 string
}

// Supervisor watches running tasks for staleness and timeouts, schedules
// retries for failed tasks, escalates what cannot be retried, and health
// checks controllers. One monitor cycle is fan-out over errgroup; stale
// status probes coalesce through singleflight so overlapping cycles do not
// stampede a slow controller.
type Supervisor struct {
	scheduler    *Scheduler
	gateway      gateway.Gateway
	correlations correlation.Store
	bus          *events.Bus
	config       model.SupervisorConfig
	logger       *log.Logger
	level        atomic.Int32

	autoRetry         atomic.Bool
	escalationEnabled atomic.Bool
	statusQueries     singleflight.Group

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	handlers  []EscalationHandler
	health    map[string]*controllerState
	escalated map[string]bool

	checksPerformed       int
	staleDetected         int
	timeoutsEnforced      int
	retriesScheduled      int
	failuresEscalated     int
	handlerErrors         int
	checkErrors           int
	healthChecksPerformed int
	controllersOnline     int
	controllersOffline    int
	lastCheckTime         *time.Time

	wg sync.WaitGroup
}

// NewSupervisor creates a new Supervisor.
func NewSupervisor(sched *Scheduler, gw gateway.Gateway, corr correlation.Store, bus *events.Bus, cfg model.SupervisorConfig, logger *log.Logger, level LogLevel) *Supervisor {
	sv := &Supervisor{
		scheduler:    sched,
		gateway:      gw,
		correlations: corr,
		bus:          bus,
		config:       cfg,
		logger:       logger,
		health:       make(map[string]*controllerState),
		escalated:    make(map[string]bool),
	}
	sv.level.Store(int32(level))
	sv.autoRetry.Store(cfg.AutoRetryEnabled)
	sv.escalationEnabled.Store(cfg.EscalationEnabled)
	return sv
}

// SetLogLevel changes the log level at runtime.
func (sv *Supervisor) SetLogLevel(level LogLevel) {
	sv.level.Store(int32(level))
}

// SetAutoRetry toggles automatic retry of failed tasks at runtime.
func (sv *Supervisor) SetAutoRetry(enabled bool) {
	if sv.autoRetry.Swap(enabled) != enabled {
		sv.log(LogLevelInfo, "auto_retry_changed enabled=%t", enabled)
	}
}

// SetEscalationEnabled toggles escalation delivery at runtime.
func (sv *Supervisor) SetEscalationEnabled(enabled bool) {
	if sv.escalationEnabled.Swap(enabled) != enabled {
		sv.log(LogLevelInfo, "escalation_changed enabled=%t", enabled)
	}
}

// OnEscalation registers a handler for escalations. Handlers registered
// after Start still receive subsequent escalations.
func (sv *Supervisor) OnEscalation(h EscalationHandler) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.handlers = append(sv.handlers, h)
}

// Start begins the monitor and health-check loops. Idempotent.
func (sv *Supervisor) Start() {
	sv.mu.Lock()
	if sv.running {
		sv.mu.Unlock()
		return
	}
	sv.running = true
	sv.stopCh = make(chan struct{})
	stopCh := sv.stopCh
	sv.mu.Unlock()

	sv.wg.Add(2)
	go sv.monitorLoop(stopCh)
	go sv.healthLoop(stopCh)
	sv.log(LogLevelInfo, "supervisor_started monitor_interval_ms=%d health_interval_ms=%d",
		sv.config.MonitorIntervalMs, sv.config.HealthCheckIntervalMs)
}

// Stop halts both loops and waits for in-progress cycles to finish.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if !sv.running {
		sv.mu.Unlock()
		return
	}
	sv.running = false
	close(sv.stopCh)
	sv.mu.Unlock()

	sv.wg.Wait()
	sv.log(LogLevelInfo, "supervisor_stopped")
}

// IsRunning reports whether the loops are active.
func (sv *Supervisor) IsRunning() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.running
}

func (sv *Supervisor) monitorInterval() time.Duration {
	if sv.config.MonitorIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(sv.config.MonitorIntervalMs) * time.Millisecond
}

func (sv *Supervisor) healthInterval() time.Duration {
	if sv.config.HealthCheckIntervalMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(sv.config.HealthCheckIntervalMs) * time.Millisecond
}

func (sv *Supervisor) monitorLoop(stopCh chan struct{}) {
	defer sv.wg.Done()
	sv.runMonitorCycle()
	ticker := time.NewTicker(sv.monitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			sv.runMonitorCycle()
		}
	}
}

func (sv *Supervisor) healthLoop(stopCh chan struct{}) {
	defer sv.wg.Done()
	sv.runHealthChecks()
	ticker := time.NewTicker(sv.healthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			sv.runHealthChecks()
		}
	}
}

// runMonitorCycle runs stale detection, timeout enforcement and failed-task
// processing concurrently and waits for all three.
func (sv *Supervisor) runMonitorCycle() {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return sv.checkStaleActivities(ctx) })
	g.Go(func() error { return sv.checkTimeouts(ctx) })
	g.Go(func() error { return sv.processFailedTasks() })
	if err := g.Wait(); err != nil {
		sv.mu.Lock()
		sv.checkErrors++
		sv.mu.Unlock()
		sv.log(LogLevelError, "monitor_cycle error=%v", err)
	}

	now := time.Now().UTC()
	sv.mu.Lock()
	sv.checksPerformed++
	sv.lastCheckTime = &now
	sv.mu.Unlock()
}

func (sv *Supervisor) staleThreshold() time.Duration {
	if sv.config.StaleThresholdMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(sv.config.StaleThresholdMs) * time.Millisecond
}

// checkStaleActivities reconciles running tasks whose last progress is older
// than the stale threshold against the controller's actual activity status.
func (sv *Supervisor) checkStaleActivities(ctx context.Context) error {
	threshold := sv.staleThreshold()
	now := time.Now().UTC()

	for _, task := range sv.scheduler.QueryTasks(model.TaskQuery{Statuses: []model.Status{model.StatusRunning}}) {
		ref := task.LastAttempt
		if ref == nil {
			ref = task.StartedAt
		}
		if ref == nil || now.Sub(*ref) < threshold {
			continue
		}
		if task.ActivityID == "" {
			continue
		}
		sv.reconcileStale(ctx, task)
	}
	return nil
}

// reconcileStale queries the controller for the true activity status and
// repairs the task record to match it.
func (sv *Supervisor) reconcileStale(ctx context.Context, task *model.Task) {
	sv.mu.Lock()
	sv.staleDetected++
	sv.mu.Unlock()
	sv.log(LogLevelWarn, "stale_activity task=%s activity=%s controller=%s", task.ID, task.ActivityID, task.ControllerID)

	v, err, _ := sv.statusQueries.Do(task.ActivityID, func() (any, error) {
		return sv.gateway.GetActivityStatus(ctx, task.ControllerID, task.ActivityID)
	})
	if err != nil {
		if _, markErr := sv.scheduler.MarkFailed(task.ID, err.Error()); markErr != nil {
			sv.noteCheckError("reconcile_mark_failed", markErr)
			return
		}
		sv.updateCorrelationStatus(task.ActivityID, model.StatusFailed)
		return
	}
	reply := v.(gateway.StatusReply)

	switch reply.Status {
	case model.ActivityCompleted:
		if _, err := sv.scheduler.MarkCompleted(task.ID); err != nil {
			sv.noteCheckError("reconcile_mark_completed", err)
			return
		}
		sv.updateCorrelationStatus(task.ActivityID, model.StatusCompleted)
		sv.log(LogLevelInfo, "late_completion task=%s activity=%s", task.ID, task.ActivityID)
	case model.ActivityFailed, model.ActivityCancelled:
		errText := reply.Message
		if errText == "" {
			errText = fmt.Sprintf("activity %s", reply.Status)
		}
		if _, err := sv.scheduler.MarkFailed(task.ID, errText); err != nil {
			sv.noteCheckError("reconcile_mark_failed", err)
			return
		}
		if reply.Status == model.ActivityCancelled {
			sv.updateCorrelationStatus(task.ActivityID, model.StatusCancelled)
		} else {
			sv.updateCorrelationStatus(task.ActivityID, model.StatusFailed)
		}
	default:
		// Still in progress on the controller. Refresh the attempt
		// timestamp so the task is not re-flagged every cycle.
		if _, err := sv.scheduler.UpdateTask(task.ID, -1, func(t *model.Task) error {
			now := time.Now().UTC()
			t.LastAttempt = &now
			return nil
		}); err != nil {
			sv.noteCheckError("reconcile_refresh", err)
		}
	}
}

func (sv *Supervisor) activityTimeout() time.Duration {
	if sv.config.ActivityTimeoutMs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(sv.config.ActivityTimeoutMs) * time.Millisecond
}

// checkTimeouts forces tasks that ran past the activity timeout into the
// terminal timeout status.
func (sv *Supervisor) checkTimeouts(ctx context.Context) error {
	timeout := sv.activityTimeout()
	now := time.Now().UTC()

	for _, task := range sv.scheduler.QueryTasks(model.TaskQuery{Statuses: []model.Status{model.StatusRunning}}) {
		if task.StartedAt == nil || now.Sub(*task.StartedAt) <= timeout {
			continue
		}
		sv.enforceTimeout(ctx, task, timeout)
	}
	return nil
}

func (sv *Supervisor) enforceTimeout(ctx context.Context, task *model.Task, timeout time.Duration) {
	sv.log(LogLevelWarn, "timeout_exceeded task=%s activity=%s running_for=%s", task.ID, task.ActivityID, time.Since(*task.StartedAt).Round(time.Second))

	if task.ActivityID != "" {
		if err := sv.gateway.CancelActivity(ctx, task.ControllerID, task.ActivityID, "Timeout exceeded"); err != nil {
			sv.noteCheckError("timeout_cancel_activity", err)
		}
		sv.updateCorrelationStatus(task.ActivityID, model.StatusCancelled)
	}

	errText := fmt.Sprintf("activity timeout exceeded after %dms", timeout.Milliseconds())
	timedOut, err := sv.scheduler.MarkTimedOut(task.ID, errText)
	if err != nil {
		// Lost the race against a concurrent finalization. Do not
		// escalate a task that is no longer timed out.
		sv.noteCheckError("mark_timed_out", err)
		return
	}

	sv.mu.Lock()
	sv.timeoutsEnforced++
	sv.mu.Unlock()

	sv.bus.PublishTask(events.TaskEvent{
		Type:            events.TaskTimedOut,
		TaskID:          timedOut.ID,
		ActivityID:      timedOut.ActivityID,
		ControllerID:    timedOut.ControllerID,
		ExperimentRunID: timedOut.ExperimentRunID,
		Status:          timedOut.Status,
		Error:           errText,
	})
	sv.escalate(model.Escalation{
		Type:            model.EscalationActivityTimeout,
		TaskID:          timedOut.ID,
		ActivityID:      timedOut.ActivityID,
		ControllerID:    timedOut.ControllerID,
		ExperimentRunID: timedOut.ExperimentRunID,
		Error:           errText,
		RetryCount:      timedOut.RetryCount,
	})
}

// processFailedTasks schedules retries for failed tasks with attempts left
// and escalates the rest. Each failed task escalates at most once while it
// stays failed.
func (sv *Supervisor) processFailedTasks() error {
	if !sv.autoRetry.Load() {
		return nil
	}

	failed := sv.scheduler.QueryTasks(model.TaskQuery{Statuses: []model.Status{model.StatusFailed}})

	failedSet := make(map[string]bool, len(failed))
	for _, t := range failed {
		failedSet[t.ID] = true
	}
	sv.mu.Lock()
	for id := range sv.escalated {
		if !failedSet[id] {
			delete(sv.escalated, id)
		}
	}
	sv.mu.Unlock()

	for _, task := range failed {
		sv.mu.Lock()
		seen := sv.escalated[task.ID]
		sv.mu.Unlock()
		if seen {
			continue
		}

		if !sv.ShouldRetry(task) {
			sv.escalateFailedTask(task)
			continue
		}

		scheduled, err := sv.scheduler.ScheduleRetry(task.ID)
		if err != nil {
			sv.noteCheckError("schedule_retry", err)
			continue
		}
		if scheduled == nil {
			// Retries ran out between the query and the update.
			sv.escalateFailedTask(task)
			continue
		}

		sv.mu.Lock()
		sv.retriesScheduled++
		sv.mu.Unlock()
		sv.bus.PublishTask(events.TaskEvent{
			Type:            events.TaskRetryScheduled,
			TaskID:          scheduled.ID,
			ControllerID:    scheduled.ControllerID,
			ExperimentRunID: scheduled.ExperimentRunID,
			Status:          scheduled.Status,
		})
	}
	return nil
}

// ShouldRetry reports whether a failed task is eligible for another attempt:
// retries left, deadline not passed, and the error not marked permanent.
func (sv *Supervisor) ShouldRetry(task *model.Task) bool {
	if task.RetryCount >= task.MaxRetries {
		return false
	}
	if task.Deadline != nil && task.Deadline.Before(time.Now().UTC()) {
		return false
	}
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(task.Error, marker) {
			return false
		}
	}
	return true
}

func (sv *Supervisor) escalateFailedTask(task *model.Task) {
	escType := model.EscalationTaskFailed
	if task.RetryCount >= task.MaxRetries {
		escType = model.EscalationRepeatedFailures
	}

	// Mark before delivering so a task is never escalated twice even when
	// escalation is currently disabled.
	sv.mu.Lock()
	sv.escalated[task.ID] = true
	sv.mu.Unlock()

	sv.escalate(model.Escalation{
		Type:            escType,
		TaskID:          task.ID,
		ActivityID:      task.ActivityID,
		ControllerID:    task.ControllerID,
		ExperimentRunID: task.ExperimentRunID,
		Error:           task.Error,
		RetryCount:      task.RetryCount,
	})
}

// escalate delivers one escalation to the bus and all registered handlers.
func (sv *Supervisor) escalate(e model.Escalation) {
	if !sv.escalationEnabled.Load() {
		return
	}
	if e.ID == "" {
		if id, err := model.GenerateID(model.IDTypeEscalation); err == nil {
			e.ID = id
		}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	sv.mu.Lock()
	sv.failuresEscalated++
	handlers := make([]EscalationHandler, len(sv.handlers))
	copy(handlers, sv.handlers)
	sv.mu.Unlock()

	sv.log(LogLevelWarn, "escalation type=%s task=%s controller=%s error=%q", e.Type, e.TaskID, e.ControllerID, e.Error)
	sv.bus.PublishEscalation(e)

	for i, h := range handlers {
		if err := sv.safeInvoke(h, e); err != nil {
			sv.mu.Lock()
			sv.handlerErrors++
			sv.mu.Unlock()
			sv.log(LogLevelError, "escalation_handler handler=%d type=%s task=%s error=%v", i, e.Type, e.TaskID, err)
		}
	}
}

func (sv *Supervisor) safeInvoke(h EscalationHandler, e model.Escalation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(e)
}

// runHealthChecks probes every known controller and escalates one
// controller_offline per offline episode once the failure streak reaches the
// threshold.
func (sv *Supervisor) runHealthChecks() {
	controllers, err := sv.gateway.ListControllers(context.Background())
	if err != nil {
		sv.noteCheckError("list_controllers", err)
		return
	}

	now := time.Now().UTC()
	online, offline := 0, 0
	for _, ctl := range controllers {
		reply, err := sv.gateway.GetControllerHealth(context.Background(), ctl.ID)
		healthy := err == nil && reply.Healthy

		sv.mu.Lock()
		state := sv.health[ctl.ID]
		if state == nil {
			state = &controllerState{}
			sv.health[ctl.ID] = state
		}
		state.lastCheck = now
		state.healthy = healthy
		if healthy {
			state.consecutiveFailures = 0
			state.err = ""
			online++
			sv.mu.Unlock()
			continue
		}

		state.consecutiveFailures++
		switch {
		case err != nil:
			state.err = err.Error()
		case reply.Message != "":
			state.err = reply.Message
		default:
			state.err = "controller reported unhealthy"
		}
		failures := state.consecutiveFailures
		errText := state.err
		offline++
		sv.mu.Unlock()

		sv.log(LogLevelWarn, "controller_unhealthy controller=%s failures=%d error=%q", ctl.ID, failures, errText)
		if failures == offlineThreshold {
			sv.escalate(model.Escalation{
				Type:         model.EscalationControllerOffline,
				ControllerID: ctl.ID,
				Error:        errText,
			})
		}
	}

	sv.mu.Lock()
	sv.healthChecksPerformed++
	sv.controllersOnline = online
	sv.controllersOffline = offline
	sv.mu.Unlock()
}

// ForceRetry resets a failed or otherwise reentrant task to pending with a
// zero retry count. Completed tasks are refused.
func (sv *Supervisor) ForceRetry(taskID string) (*model.Task, error) {
	task, err := sv.scheduler.UpdateTask(taskID, -1, func(t *model.Task) error {
		if err := model.ValidateForceRetry(t.Status); err != nil {
			return fmt.Errorf("%w: %s", store.ErrInvalidState, err)
		}
		now := time.Now().UTC()
		t.Status = model.StatusPending
		t.RetryCount = 0
		t.Error = ""
		t.NextRetry = nil
		t.ScheduledAt = &now
		t.CompletedAt = nil
		t.StartedAt = nil
		t.LastAttempt = nil
		t.ActivityID = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	sv.mu.Lock()
	delete(sv.escalated, taskID)
	sv.mu.Unlock()

	sv.log(LogLevelInfo, "force_retry task=%s", taskID)
	return task, nil
}

// CancelAllPending cancels every pending or scheduled task of an experiment
// run. Returns the number of tasks cancelled.
func (sv *Supervisor) CancelAllPending(runID, reason string) int {
	tasks := sv.scheduler.QueryTasks(model.TaskQuery{
		Statuses:        []model.Status{model.StatusPending, model.StatusScheduled},
		ExperimentRunID: runID,
	})

	cancelled := 0
	for _, task := range tasks {
		done, err := sv.scheduler.CancelTask(task.ID, reason)
		if err != nil {
			sv.noteCheckError("cancel_pending", err)
			continue
		}
		cancelled++
		sv.bus.PublishTask(events.TaskEvent{
			Type:            events.TaskCancelled,
			TaskID:          done.ID,
			ControllerID:    done.ControllerID,
			ExperimentRunID: done.ExperimentRunID,
			Status:          done.Status,
			Error:           reason,
		})
	}

	sv.log(LogLevelInfo, "cancel_all_pending run=%s cancelled=%d reason=%q", runID, cancelled, reason)
	return cancelled
}

// Metrics returns a snapshot of the supervisor's counters.
func (sv *Supervisor) Metrics() model.SupervisorMetrics {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	m := model.SupervisorMetrics{
		ChecksPerformed:         sv.checksPerformed,
		StaleActivitiesDetected: sv.staleDetected,
		TimeoutsEnforced:        sv.timeoutsEnforced,
		RetriesScheduled:        sv.retriesScheduled,
		FailuresEscalated:       sv.failuresEscalated,
		HandlerErrors:           sv.handlerErrors,
		CheckErrors:             sv.checkErrors,
		HealthChecksPerformed:   sv.healthChecksPerformed,
		ControllersOnline:       sv.controllersOnline,
		ControllersOffline:      sv.controllersOffline,
	}
	if sv.lastCheckTime != nil {
		t := *sv.lastCheckTime
		m.LastCheckTime = &t
	}
	return m
}

// ControllerHealthSnapshot returns the current view of controller health.
func (sv *Supervisor) ControllerHealthSnapshot() map[string]model.ControllerHealth {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	out := make(map[string]model.ControllerHealth, len(sv.health))
	for id, state := range sv.health {
		out[id] = model.ControllerHealth{
			ControllerID:        id,
			Healthy:             state.healthy,
			LastCheck:           state.lastCheck,
			ConsecutiveFailures: state.consecutiveFailures,
			Error:               state.err,
		}
	}
	return out
}

func (sv *Supervisor) updateCorrelationStatus(activityID string, status model.Status) {
	if err := sv.correlations.UpdateStatus(activityID, status); err != nil && err != correlation.ErrNotFound {
		sv.noteCheckError("correlation_status", err)
	}
}

// noteCheckError records an error the supervisor absorbed instead of
// propagating, so it still surfaces through metrics.
func (sv *Supervisor) noteCheckError(op string, err error) {
	sv.mu.Lock()
	sv.checkErrors++
	sv.mu.Unlock()
	sv.log(LogLevelError, "%s error=%v", op, err)
}

func (sv *Supervisor) log(level LogLevel, format string, args ...any) {
	if level < LogLevel(sv.level.Load()) {
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
	sv.logger.Printf("%s %s supervisor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
