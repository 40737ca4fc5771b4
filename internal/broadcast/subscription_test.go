package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mpepping/rxcache/internal/event"
	"github.com/mpepping/rxcache/pkg/limits"
)

func TestNewSubscription(t *testing.T) {
	sub := NewSubscription[string, string](0)

	if sub == nil {
		t.Fatal("NewSubscription returned nil")
	}

	if cap(sub.ch) != limits.SubscriptionBufferSize {
		t.Errorf("expected buffer %d, got %d", limits.SubscriptionBufferSize, cap(sub.ch))
	}

	if sub.closed {
		t.Error("subscription should not be closed initially")
	}
}

func TestSubscriptionSend(t *testing.T) {
	sub := NewSubscription[string, string](0)

	ok := sub.Send(event.Insert("test", "value"))
	if !ok {
		t.Error("Send returned false")
	}

	select {
	case received := <-sub.Ch():
		if received.Key != "test" {
			t.Errorf("expected key 'test', got %q", received.Key)
		}
		if received.Kind != event.Inserted {
			t.Errorf("expected inserted event, got %s", received.Kind)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestSubscriptionSendFull(t *testing.T) {
	sub := NewSubscription[string, string](4)

	for i := 0; i < 4; i++ {
		if !sub.Send(event.Insert("test", "v")) {
			t.Errorf("Send failed at iteration %d", i)
		}
	}

	// Next send should fail (non-blocking)
	if sub.Send(event.Insert("overflow", "v")) {
		t.Error("Send should return false when channel is full")
	}

	sub.OnNext(event.Insert("overflow", "v"))
	if sub.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", sub.Dropped())
	}
}

func TestSubscriptionSendAfterClose(t *testing.T) {
	sub := NewSubscription[string, string](0)

	sub.Close()
	sub.Close()

	if sub.Send(event.Insert("test", "v")) {
		t.Error("Send should return false after close")
	}

	if _, ok := <-sub.Ch(); ok {
		t.Error("channel should be closed")
	}
}

func TestObserveReceivesEvents(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Observe(context.Background(), 0)

	b.OnChange(event.Insert(1, "one"))
	b.OnChange(event.Delete(1, "one"))

	for _, want := range []event.Kind{event.Inserted, event.Deleted} {
		select {
		case evt := <-sub.Ch():
			if evt.Kind != want {
				t.Errorf("expected %s, got %s", want, evt.Kind)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	sub.Unsubscribe()

	if b.Len() != 0 {
		t.Errorf("expected no subscribers after Unsubscribe, got %d", b.Len())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}

func TestObserveContextCancel(t *testing.T) {
	b := newTestBroadcaster()

	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Observe(ctx, 0)

	cancel()

	select {
	case _, ok := <-sub.Ch():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}

	if !errors.Is(sub.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", sub.Err())
	}
	if b.Len() != 0 {
		t.Errorf("expected subscription to be detached, got %d subscribers", b.Len())
	}
}

func TestObserveBroadcasterClosed(t *testing.T) {
	b := newTestBroadcaster()
	sub := b.Observe(context.Background(), 0)

	cause := errors.New("withdrawn")
	b.CloseWithError(cause)

	if _, ok := <-sub.Ch(); ok {
		t.Error("channel should be closed when the broadcaster closes")
	}
	if !errors.Is(sub.Err(), cause) {
		t.Errorf("expected %v, got %v", cause, sub.Err())
	}

	late := b.Observe(context.Background(), 0)
	if _, ok := <-late.Ch(); ok {
		t.Error("observing a closed broadcaster should yield a closed channel")
	}
}

func TestObserveDoneContext(t *testing.T) {
	b := newTestBroadcaster()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 100; i++ {
		sub := b.Observe(ctx, 0)

		select {
		case _, ok := <-sub.Ch():
			if ok {
				t.Fatal("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Fatal("subscription on a done context was not closed")
		}

		if !errors.Is(sub.Err(), context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", sub.Err())
		}
	}

	if b.Len() != 0 {
		t.Errorf("expected no registered subscriptions, got %d", b.Len())
	}
}
