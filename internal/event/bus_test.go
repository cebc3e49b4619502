package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	var received Event
	var wg sync.WaitGroup
	wg.Add(1)

	unsub := bus.Subscribe(ChatMessageReceived, func(e Event) {
		received = e
		wg.Done()
	})
	defer unsub()

	event := Event{Type: ChatMessageReceived, Data: ChatMessageData{BotID: "bot-1", MessageID: "m1"}}
	bus.Publish(event)

	// Wait for async delivery
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Type != ChatMessageReceived {
			t.Errorf("Expected ChatMessageReceived, got %v", received.Type)
		}
		data, ok := received.Data.(ChatMessageData)
		if !ok || data.MessageID != "m1" {
			t.Errorf("Expected ChatMessageData with m1, got %v", received.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int32
	var wg sync.WaitGroup
	wg.Add(3)

	unsub := bus.SubscribeAll(func(e Event) {
		atomic.AddInt32(&count, 1)
		wg.Done()
	})
	defer unsub()

	// Publish different event types
	bus.Publish(Event{Type: ChatMessageReceived, Data: nil})
	bus.Publish(Event{Type: ConnectorUnhealthy, Data: nil})
	bus.Publish(Event{Type: StopRequested, Data: nil})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if got := atomic.LoadInt32(&count); got != 3 {
			t.Errorf("Expected 3 events, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for events")
	}
}

func TestBus_PublishSyncOrdering(t *testing.T) {
	bus := NewBus()

	var got []string
	unsub := bus.Subscribe(ChatMessageReceived, func(e Event) {
		got = append(got, e.Data.(ChatMessageData).MessageID)
	})
	defer unsub()

	for _, id := range []string{"m1", "m2", "m3"} {
		bus.PublishSync(Event{Type: ChatMessageReceived, Data: ChatMessageData{MessageID: id}})
	}

	if len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
		t.Errorf("PublishSync must preserve order, got %v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	unsub := bus.Subscribe(ChatMessageReceived, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.PublishSync(Event{Type: ChatMessageReceived})
	unsub()
	bus.PublishSync(Event{Type: ChatMessageReceived})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", got)
	}
}

func TestBus_ClosedBusDropsEvents(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(ChatMessageReceived, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	bus.PublishSync(Event{Type: ChatMessageReceived})

	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("Closed bus must not deliver, got %d", got)
	}

	// Subscribing after close is a no-op unsubscribe.
	unsub := bus.Subscribe(ChatMessageReceived, func(e Event) {})
	unsub()
}
