package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lablink-io/conductor/internal/correlation"
	"github.com/lablink-io/conductor/internal/events"
	"github.com/lablink-io/conductor/internal/gateway"
	"github.com/lablink-io/conductor/internal/model"
)

// avgWindowSize bounds the sliding window for the average processing time.
const avgWindowSize = 100

type execStatus int

const (
	execStarting execStatus = iota
	execWaiting
	execRunning
	execCompleted
	execFailed
)

// execution tracks one dispatched task until a terminal activity event
// arrives for it.
type execution struct {
	taskID       string
	activityID   string
	controllerID string
	runID        string
	startTime    time.Time
	status       execStatus
}

// Agent polls the scheduler for ready tasks and dispatches them to the
// gateway, keeping at most MaxConcurrent activities in flight. Completion is
// event-driven: the agent subscribes to activity status events and finalizes
// tasks when their activity reaches a terminal status.
type Agent struct {
	scheduler    *Scheduler
	gateway      gateway.Gateway
	correlations correlation.Store
	bus          *events.Bus
	config       model.AgentConfig
	agentID      string
	logger       *log.Logger
	level        atomic.Int32

	mu          sync.Mutex
	inFlight    map[string]*execution
	byActivity  map[string]string
	running     bool
	stopCh      chan struct{}
	unsubscribe func()

	startedAt      time.Time
	tasksProcessed int
	tasksSucceeded int
	tasksFailed    int
	lastTaskTime   *time.Time
	durations      []time.Duration
}

// NewAgent creates a new Agent. An empty AgentID gets a generated one.
func NewAgent(sched *Scheduler, gw gateway.Gateway, corr correlation.Store, bus *events.Bus, cfg model.AgentConfig, logger *log.Logger, level LogLevel) *Agent {
	agentID := cfg.AgentID
	if agentID == "" {
		agentID = "agent-" + uuid.NewString()[:8]
	}
	a := &Agent{
		scheduler:    sched,
		gateway:      gw,
		correlations: corr,
		bus:          bus,
		config:       cfg,
		agentID:      agentID,
		logger:       logger,
		inFlight:     make(map[string]*execution),
		byActivity:   make(map[string]string),
	}
	a.level.Store(int32(level))
	return a
}

// SetLogLevel changes the log level at runtime.
func (a *Agent) SetLogLevel(level LogLevel) {
	a.level.Store(int32(level))
}

// AgentID returns the agent's identifier.
func (a *Agent) AgentID() string {
	return a.agentID
}

// Start begins the poll loop. Idempotent.
func (a *Agent) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	if a.startedAt.IsZero() {
		a.startedAt = time.Now().UTC()
	}
	if a.unsubscribe == nil {
		a.unsubscribe = a.bus.SubscribeActivity(a.handleActivityEvent)
	}
	a.stopCh = make(chan struct{})
	stopCh := a.stopCh
	a.mu.Unlock()

	go a.pollLoop(stopCh)
	a.log(LogLevelInfo, "agent_started id=%s max_concurrent=%d", a.agentID, a.maxConcurrent())
}

// Stop halts polling for new tasks. The activity subscription and in-flight
// executions are kept so already dispatched activities still finalize.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	close(a.stopCh)
	a.log(LogLevelInfo, "agent_stopped id=%s in_flight=%d", a.agentID, len(a.inFlight))
}

// IsRunning reports whether the poll loop is active.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Agent) maxConcurrent() int {
	if a.config.MaxConcurrent <= 0 {
		return 1
	}
	return a.config.MaxConcurrent
}

func (a *Agent) pollInterval() time.Duration {
	if a.config.PollIntervalMs <= 0 {
		return time.Second
	}
	return time.Duration(a.config.PollIntervalMs) * time.Millisecond
}

func (a *Agent) pollLoop(stopCh chan struct{}) {
	select {
	case <-stopCh:
		return
	default:
	}
	a.poll()

	ticker := time.NewTicker(a.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.poll()
		}
	}
}

// poll claims up to the number of free slots and dispatches each claimed
// task in its own goroutine so a slow controller never blocks the tick.
func (a *Agent) poll() {
	a.mu.Lock()
	slots := a.maxConcurrent() - len(a.inFlight)
	a.mu.Unlock()
	if slots <= 0 {
		a.log(LogLevelDebug, "poll_skipped id=%s reason=at_capacity", a.agentID)
		return
	}

	for _, task := range a.scheduler.GetReadyTasks(slots) {
		a.processTask(task)
	}
}

func (a *Agent) processTask(task *model.Task) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	if _, dup := a.inFlight[task.ID]; dup {
		a.mu.Unlock()
		return
	}
	if len(a.inFlight) >= a.maxConcurrent() {
		a.mu.Unlock()
		return
	}
	exec := &execution{
		taskID:       task.ID,
		controllerID: task.ControllerID,
		runID:        task.ExperimentRunID,
		startTime:    time.Now().UTC(),
		status:       execStarting,
	}
	a.inFlight[task.ID] = exec
	a.tasksProcessed++
	a.mu.Unlock()

	go a.dispatch(task, exec)
}

func (a *Agent) dispatch(task *model.Task, exec *execution) {
	traceID := uuid.NewString()
	reply, err := a.gateway.StartActivity(context.Background(), gateway.StartRequest{
		ControllerID: task.ControllerID,
		ActivityName: task.ActivityName,
		Options:      task.ActivityOptions,
		Deadline:     task.Deadline,
		Correlation: gateway.CorrelationRef{
			TaskID:          task.ID,
			ExperimentRunID: task.ExperimentRunID,
			CampaignID:      task.CampaignID,
			StepID:          task.Metadata["step_id"],
			TraceID:         traceID,
		},
	})
	if err != nil {
		a.log(LogLevelError, "dispatch_task_failed task=%s controller=%s error=%v", task.ID, task.ControllerID, err)
		if _, markErr := a.scheduler.MarkFailed(task.ID, err.Error()); markErr != nil {
			a.log(LogLevelWarn, "mark_failed task=%s error=%v", task.ID, markErr)
		}
		a.removeExecution(exec, false)
		a.publishTaskEvent(events.TaskFailed, task.ID, "", task, err.Error())
		return
	}

	a.mu.Lock()
	exec.activityID = reply.ActivityID
	exec.status = execWaiting
	a.byActivity[reply.ActivityID] = task.ID
	a.mu.Unlock()

	if _, err := a.scheduler.MarkStarted(task.ID, reply.ActivityID); err != nil {
		// Task was cancelled or otherwise moved on while we were
		// starting the activity. Best effort: stop the activity too.
		a.log(LogLevelWarn, "mark_started task=%s activity=%s error=%v", task.ID, reply.ActivityID, err)
		if cancelErr := a.gateway.CancelActivity(context.Background(), task.ControllerID, reply.ActivityID, "task no longer dispatchable"); cancelErr != nil {
			a.log(LogLevelWarn, "cancel_orphan_activity activity=%s error=%v", reply.ActivityID, cancelErr)
		}
		a.removeExecution(exec, false)
		return
	}

	corr := &model.Correlation{
		ActivityID:      reply.ActivityID,
		TaskID:          task.ID,
		ExperimentRunID: task.ExperimentRunID,
		CampaignID:      task.CampaignID,
		ControllerID:    task.ControllerID,
		ActivityName:    task.ActivityName,
		StepID:          task.Metadata["step_id"],
		TraceID:         traceID,
		Status:          model.StatusRunning,
	}
	if err := a.correlations.Save(corr); err != nil {
		a.log(LogLevelWarn, "save_correlation activity=%s error=%v", reply.ActivityID, err)
	}

	a.mu.Lock()
	exec.status = execRunning
	a.mu.Unlock()

	a.publishTaskEvent(events.TaskStarted, task.ID, reply.ActivityID, task, "")
	a.log(LogLevelInfo, "task_started task=%s activity=%s controller=%s activity_name=%s",
		task.ID, reply.ActivityID, task.ControllerID, task.ActivityName)
}

// handleActivityEvent finalizes the owning task when its activity reaches a
// terminal status. Events for activities this agent did not dispatch are
// ignored.
func (a *Agent) handleActivityEvent(e events.ActivityEvent) {
	a.mu.Lock()
	taskID, ok := a.byActivity[e.ActivityID]
	var exec *execution
	if ok {
		exec = a.inFlight[taskID]
	}
	a.mu.Unlock()
	if !ok || exec == nil {
		return
	}

	switch e.Status {
	case model.ActivityCompleted:
		a.finalizeSuccess(taskID, exec, e)
	case model.ActivityFailed, model.ActivityCancelled:
		a.finalizeFailure(taskID, exec, e)
	}
}

func (a *Agent) finalizeSuccess(taskID string, exec *execution, e events.ActivityEvent) {
	products := a.fetchProducts(exec)
	if len(products) > 0 {
		if _, err := a.scheduler.UpdateTask(taskID, -1, func(t *model.Task) error {
			if t.Metadata == nil {
				t.Metadata = make(map[string]string)
			}
			t.Metadata["data_products"] = strings.Join(products, ",")
			return nil
		}); err != nil {
			a.log(LogLevelWarn, "record_products task=%s error=%v", taskID, err)
		}
	}

	task, err := a.scheduler.MarkCompleted(taskID)
	if err != nil {
		a.log(LogLevelWarn, "mark_completed task=%s error=%v", taskID, err)
	}

	if err := a.correlations.UpdateStatus(exec.activityID, model.StatusCompleted); err != nil && err != correlation.ErrNotFound {
		a.log(LogLevelWarn, "correlation_status activity=%s error=%v", exec.activityID, err)
	}
	if len(products) > 0 {
		if err := a.correlations.SetProducts(exec.activityID, products); err != nil && err != correlation.ErrNotFound {
			a.log(LogLevelWarn, "correlation_products activity=%s error=%v", exec.activityID, err)
		}
	}

	duration := time.Since(exec.startTime)
	a.mu.Lock()
	exec.status = execCompleted
	delete(a.inFlight, taskID)
	delete(a.byActivity, exec.activityID)
	a.tasksSucceeded++
	now := time.Now().UTC()
	a.lastTaskTime = &now
	a.durations = append(a.durations, duration)
	if len(a.durations) > avgWindowSize {
		a.durations = a.durations[len(a.durations)-avgWindowSize:]
	}
	a.mu.Unlock()

	a.publishTaskEvent(events.TaskCompleted, taskID, exec.activityID, task, "")
	a.log(LogLevelInfo, "task_completed task=%s activity=%s duration_ms=%d products=%d",
		taskID, exec.activityID, duration.Milliseconds(), len(products))
}

func (a *Agent) finalizeFailure(taskID string, exec *execution, e events.ActivityEvent) {
	errText := e.Error
	if errText == "" {
		errText = e.Message
	}
	if errText == "" {
		errText = fmt.Sprintf("activity %s", e.Status)
	}

	task, err := a.scheduler.MarkFailed(taskID, errText)
	if err != nil {
		a.log(LogLevelWarn, "mark_failed task=%s error=%v", taskID, err)
	}

	corrStatus := model.StatusFailed
	if e.Status == model.ActivityCancelled {
		corrStatus = model.StatusCancelled
	}
	if err := a.correlations.UpdateStatus(exec.activityID, corrStatus); err != nil && err != correlation.ErrNotFound {
		a.log(LogLevelWarn, "correlation_status activity=%s error=%v", exec.activityID, err)
	}

	a.mu.Lock()
	exec.status = execFailed
	delete(a.inFlight, taskID)
	delete(a.byActivity, exec.activityID)
	a.tasksFailed++
	now := time.Now().UTC()
	a.lastTaskTime = &now
	a.mu.Unlock()

	a.publishTaskEvent(events.TaskFailed, taskID, exec.activityID, task, errText)
	a.log(LogLevelInfo, "task_failed task=%s activity=%s error=%q", taskID, exec.activityID, errText)
}

// fetchProducts asks the gateway for result data. Failure to fetch products
// never fails the task.
func (a *Agent) fetchProducts(exec *execution) []string {
	reply, err := a.gateway.GetActivityData(context.Background(), exec.controllerID, exec.activityID)
	if err != nil {
		a.log(LogLevelDebug, "fetch_products activity=%s error=%v", exec.activityID, err)
		return nil
	}
	return reply.Products
}

func (a *Agent) removeExecution(exec *execution, succeeded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	exec.status = execFailed
	if succeeded {
		exec.status = execCompleted
	}
	delete(a.inFlight, exec.taskID)
	if exec.activityID != "" {
		delete(a.byActivity, exec.activityID)
	}
	if succeeded {
		a.tasksSucceeded++
	} else {
		a.tasksFailed++
	}
	now := time.Now().UTC()
	a.lastTaskTime = &now
}

func (a *Agent) publishTaskEvent(typ events.TaskEventType, taskID, activityID string, task *model.Task, errText string) {
	ev := events.TaskEvent{
		Type:       typ,
		TaskID:     taskID,
		ActivityID: activityID,
		Error:      errText,
	}
	if task != nil {
		ev.ControllerID = task.ControllerID
		ev.ExperimentRunID = task.ExperimentRunID
		ev.Status = task.Status
	}
	a.bus.PublishTask(ev)
}

// Metrics returns a snapshot of the agent's counters.
func (a *Agent) Metrics() model.AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := model.AgentMetrics{
		AgentID:             a.agentID,
		StartedAt:           a.startedAt,
		TasksProcessed:      a.tasksProcessed,
		TasksSucceeded:      a.tasksSucceeded,
		TasksFailed:         a.tasksFailed,
		CurrentlyProcessing: len(a.inFlight),
	}
	if a.lastTaskTime != nil {
		t := *a.lastTaskTime
		m.LastTaskTime = &t
	}
	if len(a.durations) > 0 {
		var total time.Duration
		for _, d := range a.durations {
			total += d
		}
		m.AvgProcessingTimeMs = float64(total.Milliseconds()) / float64(len(a.durations))
	}
	return m
}

func (a *Agent) log(level LogLevel, format string, args ...any) {
	if level < LogLevel(a.level.Load()) {
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
	a.logger.Printf("%s %s agent: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
