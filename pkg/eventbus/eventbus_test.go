package eventbus

import (
	"testing"
	"time"

	"github.com/jxucoder/buildbot/pkg/model"
)

func TestSubscribePublishUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ch, cancel := bus.Subscribe("build-1")

	bus.Publish("build-1", &model.Event{SessionID: "build-1", Type: "step", Data: "Cloning repository"})

	select {
	case got := <-ch:
		if got.Data != "Cloning repository" {
			t.Fatalf("unexpected event data: %s", got.Data)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not receive event")
	}

	cancel()
	cancel()
	if n := bus.Subscribers("build-1"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	_, cancel := bus.Subscribe("build-2")
	defer cancel()

	for i := 0; i < DefaultBuffer; i++ {
		bus.Publish("build-2", &model.Event{SessionID: "build-2", Type: "output", Data: "x"})
	}

	done := make(chan struct{})
	go func() {
		// This publish should be dropped and return immediately.
		bus.Publish("build-2", &model.Event{SessionID: "build-2", Type: "output", Data: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full channel")
	}
}

func TestPublishToWrongSession(t *testing.T) {
	bus := NewInMemoryBus()
	ch, cancel := bus.Subscribe("build-3")
	defer cancel()

	bus.Publish("build-other", &model.Event{SessionID: "build-other", Type: "status", Data: "x"})

	select {
	case <-ch:
		t.Fatal("should not receive event for a different session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseEndsAllSubscriptions(t *testing.T) {
	bus := NewInMemoryBus()
	ch1, cancel1 := bus.Subscribe("build-4")
	ch2, _ := bus.Subscribe("build-4")

	bus.Close("build-4")

	for _, ch := range []<-chan *model.Event{ch1, ch2} {
		if _, ok := <-ch; ok {
			t.Fatal("expected channel to be closed")
		}
	}

	// Unsubscribing after Close must not double-close.
	cancel1()
	if n := bus.Subscribers("build-4"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
