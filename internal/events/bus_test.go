package events

import (
	"sync"
	"testing"
	"time"

	"github.com/lablink-io/conductor/internal/model"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	var mu sync.Mutex
	received := []Event{}

	unsub := bus.Subscribe(KindTaskLifecycle, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	defer unsub()

	bus.PublishTask(TaskEvent{Type: TaskStarted, TaskID: "tsk_1771722060_b7c1d4e9"})

	// Wait for async delivery
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Kind != KindTaskLifecycle {
		t.Errorf("expected kind %s, got %s", KindTaskLifecycle, received[0].Kind)
	}
	if received[0].Task == nil || received[0].Task.TaskID != "tsk_1771722060_b7c1d4e9" {
		t.Errorf("unexpected payload: %+v", received[0].Task)
	}
	if received[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped on publish")
	}
}

func TestBus_StoppedBusDropsPublishes(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(KindTaskLifecycle, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer unsub()

	// Not started yet: publish must be a no-op
	bus.PublishTask(TaskEvent{Type: TaskStarted})
	time.Sleep(20 * time.Millisecond)

	bus.Start()
	if !bus.IsRunning() {
		t.Fatal("expected bus to report running after Start")
	}
	bus.PublishTask(TaskEvent{Type: TaskStarted})
	time.Sleep(50 * time.Millisecond)

	bus.Stop()
	if bus.IsRunning() {
		t.Fatal("expected bus to report stopped after Stop")
	}
	bus.PublishTask(TaskEvent{Type: TaskStarted})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly 1 delivered event, got %d", count)
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	var mu1, mu2 sync.Mutex
	received1 := 0
	received2 := 0

	unsub1 := bus.Subscribe(KindEscalation, func(e Event) {
		mu1.Lock()
		received1++
		mu1.Unlock()
	})
	defer unsub1()

	unsub2 := bus.Subscribe(KindEscalation, func(e Event) {
		mu2.Lock()
		received2++
		mu2.Unlock()
	})
	defer unsub2()

	bus.PublishEscalation(model.Escalation{Type: model.EscalationTaskFailed})

	time.Sleep(50 * time.Millisecond)

	mu1.Lock()
	count1 := received1
	mu1.Unlock()

	mu2.Lock()
	count2 := received2
	mu2.Unlock()

	if count1 != 1 {
		t.Errorf("subscriber 1 expected 1 event, got %d", count1)
	}
	if count2 != 1 {
		t.Errorf("subscriber 2 expected 1 event, got %d", count2)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	bus.Start()
	defer bus.Close()

	// Subscribe with slow consumer
	unsub := bus.Subscribe(KindActivityStatus, func(e Event) {
		time.Sleep(100 * time.Millisecond)
	})
	defer unsub()

	// Publish multiple events rapidly
	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.PublishActivity(ActivityEvent{ActivityID: "act-1", Status: model.ActivityRunning})
	}
	elapsed := time.Since(start)

	// Publishing should complete quickly even though consumer is slow
	if elapsed > 50*time.Millisecond {
		t.Errorf("publish blocked for %v, expected non-blocking", elapsed)
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped counter to rise with a full subscriber channel")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	unsub := bus.Subscribe(KindTaskLifecycle, func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.PublishTask(TaskEvent{Type: TaskCompleted})
	time.Sleep(50 * time.Millisecond)

	unsub()
	time.Sleep(10 * time.Millisecond)

	bus.PublishTask(TaskEvent{Type: TaskCompleted})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 1 {
		t.Errorf("expected 1 event before unsubscribe, got %d", count)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	var mu sync.Mutex
	received := false

	// Subscriber that panics
	unsub1 := bus.Subscribe(KindActivityStatus, func(e Event) {
		panic("test panic")
	})
	defer unsub1()

	// Subscriber that should still receive events
	unsub2 := bus.Subscribe(KindActivityStatus, func(e Event) {
		mu.Lock()
		received = true
		mu.Unlock()
	})
	defer unsub2()

	bus.PublishActivity(ActivityEvent{ActivityID: "act-1", Status: model.ActivityCompleted})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if !received {
		t.Error("second subscriber did not receive event after first panicked")
	}
}

func TestBus_SubscribeActivity(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	var mu sync.Mutex
	var got ActivityEvent

	unsub := bus.SubscribeActivity(func(ev ActivityEvent) {
		mu.Lock()
		got = ev
		mu.Unlock()
	})
	defer unsub()

	progress := 50
	bus.PublishActivity(ActivityEvent{
		ActivityID: "act-7",
		Status:     model.ActivityRunning,
		Progress:   &progress,
		Message:    "halfway",
	})
	// Lifecycle events must not reach activity subscribers
	bus.PublishTask(TaskEvent{Type: TaskStarted})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if got.ActivityID != "act-7" || got.Status != model.ActivityRunning {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.Progress == nil || *got.Progress != 50 {
		t.Errorf("expected progress 50, got %v", got.Progress)
	}
}

func TestBus_KindIsolation(t *testing.T) {
	bus := NewBus(10)
	bus.Start()
	defer bus.Close()

	var mu sync.Mutex
	lifecycle := 0
	escalations := 0

	unsub1 := bus.Subscribe(KindTaskLifecycle, func(e Event) {
		mu.Lock()
		lifecycle++
		mu.Unlock()
	})
	defer unsub1()

	unsub2 := bus.Subscribe(KindEscalation, func(e Event) {
		mu.Lock()
		escalations++
		mu.Unlock()
	})
	defer unsub2()

	bus.PublishTask(TaskEvent{Type: TaskStarted})
	bus.PublishEscalation(model.Escalation{Type: model.EscalationActivityTimeout})
	bus.PublishTask(TaskEvent{Type: TaskFailed})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if lifecycle != 2 {
		t.Errorf("expected 2 lifecycle events, got %d", lifecycle)
	}
	if escalations != 1 {
		t.Errorf("expected 1 escalation event, got %d", escalations)
	}
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(100)
	bus.Start()
	defer bus.Close()

	// Add some subscribers
	for i := 0; i < 5; i++ {
		bus.Subscribe(KindTaskLifecycle, func(e Event) {
			// no-op
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.PublishTask(TaskEvent{Type: TaskStarted, TaskID: "tsk_1771722060_b7c1d4e9"})
	}
}
