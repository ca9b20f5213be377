package swiftq

import "testing"

func TestBusEmitInvokesSubscribers(t *testing.T) {
	bus := NewBus()
	var got []any
	bus.On(EventInsert, func(payload any) { got = append(got, payload) })

	bus.Emit(EventInsert, InsertEvent{Queue: "emails", ID: "1"})
	bus.Emit(EventWork, WorkEvent{Queue: "emails", Count: 2})

	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
	ev, ok := got[0].(InsertEvent)
	if !ok || ev.Queue != "emails" || ev.ID != "1" {
		t.Fatalf("unexpected payload: %+v", got[0])
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	off := bus.On(EventStopped, func(any) { calls++ })

	bus.Emit(EventStopped, StoppedEvent{})
	off()
	bus.Emit(EventStopped, StoppedEvent{})

	if calls != 1 {
		t.Fatalf("expected 1 call before unsubscribe, got %d", calls)
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	a, b := 0, 0
	bus.On(EventJob, func(any) { a++ })
	bus.On(EventJob, func(any) { b++ })

	bus.Emit(EventJob, JobEvent{Queue: "q", ID: "1", State: StateCompleted})

	if a != 1 || b != 1 {
		t.Fatalf("expected both subscribers invoked once, got a=%d b=%d", a, b)
	}
}
