package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("stream.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStreamConnected, Timestamp: time.Now()})

	select {
	case evt := <-ch:
		if evt.Kind != KindStreamConnected {
			t.Errorf("got kind %q, want %q", evt.Kind, KindStreamConnected)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindChatListUpdated})
	b.Publish(Event{Kind: KindMessageUpserted})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyNamespaceMatchesEverything(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStreamMessage})
	b.Publish(Event{Kind: KindChatUpdated})

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestEmitFillsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	defer unsub()

	b.Emit(KindChatUpdated, "c1")

	select {
	case evt := <-ch:
		if evt.Timestamp.IsZero() {
			t.Error("Emit left timestamp zero")
		}
		if evt.Payload != "c1" {
			t.Errorf("payload = %v, want c1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("stream.", 10)
	unsub()

	b.Publish(Event{Kind: KindStreamConnected})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("stream.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindStreamConnected})
	// Buffer full: this one is dropped rather than blocking the publisher.
	b.Publish(Event{Kind: KindStreamDisconnected})

	evt := <-ch
	if evt.Kind != KindStreamConnected {
		t.Errorf("got %q, want %q", evt.Kind, KindStreamConnected)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %v", evt)
	default:
	}
}
