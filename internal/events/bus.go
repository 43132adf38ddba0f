package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lablink-io/conductor/internal/model"
)

// Kind discriminates the closed set of event payloads carried by the bus.
type Kind string

const (
	// KindActivityStatus carries controller-side activity progress, the
	// payload the agent finalizes tasks from.
	KindActivityStatus Kind = "activity_status"
	// KindTaskLifecycle carries local task state changes for the audit trail.
	KindTaskLifecycle Kind = "task_lifecycle"
	// KindEscalation carries supervisor escalations.
	KindEscalation Kind = "escalation"
)

// ActivityEvent is the normalized status notification for one activity.
// Exactly the fields a controller reports; optional fields stay zero-valued
// (Progress nil) when the controller did not include them.
type ActivityEvent struct {
	ActivityID string
	Status     model.ActivityStatus
	Progress   *int
	Message    string
	Error      string
}

// TaskEventType is the closed set of local lifecycle changes.
type TaskEventType string

const (
	TaskStarted        TaskEventType = "task_started"
	TaskCompleted      TaskEventType = "task_completed"
	TaskFailed         TaskEventType = "task_failed"
	TaskCancelled      TaskEventType = "task_cancelled"
	TaskTimedOut       TaskEventType = "task_timed_out"
	TaskRetryScheduled TaskEventType = "task_retry_scheduled"
	TaskArchived       TaskEventType = "task_archived"
)

// TaskEvent records one local task lifecycle change.
type TaskEvent struct {
	Type            TaskEventType
	TaskID          string
	ActivityID      string
	ControllerID    string
	ExperimentRunID string
	Status          model.Status
	Error           string
}

// Event is the closed union carried on the bus: exactly one payload pointer
// is set, matching Kind.
type Event struct {
	Kind       Kind
	Timestamp  time.Time
	Activity   *ActivityEvent
	Task       *TaskEvent
	Escalation *model.Escalation
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus delivering events
// asynchronously via buffered channels. When a subscriber's channel is full
// the event is dropped for that subscriber and the drop counter incremented.
// Publish is a no-op while the bus is stopped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	bufferSize  int
	running     atomic.Bool
	dropped     atomic.Uint64
}

// NewBus creates a stopped bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Kind][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Start enables delivery. Idempotent.
func (b *Bus) Start() {
	b.running.Store(true)
}

// Stop disables delivery without dropping subscriptions. Idempotent.
func (b *Bus) Stop() {
	b.running.Store(false)
}

func (b *Bus) IsRunning() bool {
	return b.running.Load()
}

// Dropped reports how many events were discarded because a subscriber's
// channel was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe registers a subscriber for one event kind. The subscriber runs
// on its own delivery goroutine; a panic inside it is recovered so one bad
// subscriber cannot take the bus down. Returns an unsubscribe function.
func (b *Bus) Subscribe(kind Kind, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[kind] = append(b.subscribers[kind], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[kind]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[kind] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeActivity registers a handler for normalized activity status
// events. Returns an unsubscribe function.
func (b *Bus) SubscribeActivity(fn func(ActivityEvent)) func() {
	return b.Subscribe(KindActivityStatus, func(ev Event) {
		if ev.Activity != nil {
			fn(*ev.Activity)
		}
	})
}

// Publish sends an event to all subscribers of its kind. Non-blocking: a
// full subscriber channel drops the event for that subscriber.
func (b *Bus) Publish(ev Event) {
	if !b.running.Load() {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[ev.Kind] {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishActivity publishes one controller status notification.
func (b *Bus) PublishActivity(ev ActivityEvent) {
	b.Publish(Event{Kind: KindActivityStatus, Activity: &ev})
}

// PublishTask publishes one local lifecycle change.
func (b *Bus) PublishTask(ev TaskEvent) {
	b.Publish(Event{Kind: KindTaskLifecycle, Task: &ev})
}

// PublishEscalation publishes one supervisor escalation.
func (b *Bus) PublishEscalation(esc model.Escalation) {
	b.Publish(Event{Kind: KindEscalation, Escalation: &esc})
}

// Close stops delivery, closes all subscriber channels and clears
// subscriptions.
func (b *Bus) Close() {
	b.running.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, kind)
	}
}
