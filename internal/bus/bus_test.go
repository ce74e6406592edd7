package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("conversation.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTurnStarted, ConversationEvent{ProjectID: "p1", TurnID: "t1"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTurnStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTurnStarted)
		}
		payload, ok := event.Payload.(ConversationEvent)
		if !ok {
			t.Fatalf("payload type = %T", event.Payload)
		}
		if payload.TurnID != "t1" {
			t.Fatalf("turn id = %q, want t1", payload.TurnID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	convSub := b.Subscribe("conversation.")
	defer b.Unsubscribe(convSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTurnUpdated, ConversationEvent{ProjectID: "p1"})
	b.Publish(TopicSessionConnected, SessionEvent{ProjectID: "p1", Connected: true})

	select {
	case event := <-convSub.Ch():
		if event.Topic != TopicTurnUpdated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTurnUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for conversation event")
	}

	// convSub must not see the session event.
	select {
	case event := <-convSub.Ch():
		t.Fatalf("unexpected event on convSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTurnUpdated, ConversationEvent{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(TopicTurnUpdated, ConversationEvent{})
			}
		}()
	}
	// Drain while publishing.
	go func() {
		for range sub.Ch() {
		}
	}()
	wg.Wait()
}
