package bus

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	received := make(chan *Envelope, 1)

	sub, err := b.Subscribe("bridge.message.ping", func(msg *Envelope) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("bridge.message.ping", "hello"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Data != "hello" {
			t.Errorf("Expected 'hello', got %v", msg.Data)
		}
		if msg.Subject != "bridge.message.ping" {
			t.Errorf("Expected subject 'bridge.message.ping', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var received atomic.Int32

	sub, err := b.Subscribe("bridge.message.document.*", func(msg *Envelope) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish("bridge.message.document.opened", 1)
	b.Publish("bridge.message.document.changed", 2)
	b.Publish("bridge.message.terminal.output", 3) // should not match
	b.Publish("bridge.state", 4)                   // should not match

	deadline := time.Now().Add(time.Second)
	for received.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := received.Load(); got != 2 {
		t.Errorf("Expected 2 matched messages, got %d", got)
	}
}

func TestMemoryBus_TailWildcard(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	received := make(chan *Envelope, 4)
	sub, err := b.Subscribe("bridge.>", func(msg *Envelope) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish("bridge.state", "connected")
	b.Publish("bridge.message.workspace.tree", "snapshot")

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for message %d", i)
		}
	}
}

func TestMemoryBus_OrderingPerSubscription(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	got := make(chan int, 100)
	sub, err := b.Subscribe("seq", func(msg *Envelope) {
		got <- msg.Data.(int)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	for i := 0; i < 100; i++ {
		b.Publish("seq", i)
	}

	for i := 0; i < 100; i++ {
		select {
		case v := <-got:
			if v != i {
				t.Fatalf("Out of order delivery: expected %d, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for message %d", i)
		}
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var received atomic.Int32
	sub, err := b.Subscribe("x", func(msg *Envelope) {
		received.Add(1)
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != ErrClosed {
		t.Errorf("Second unsubscribe should return ErrClosed, got %v", err)
	}

	b.Publish("x", "ignored")
	time.Sleep(20 * time.Millisecond)
	if received.Load() != 0 {
		t.Error("Unsubscribed handler should not receive messages")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus()

	if _, err := b.Subscribe("x", func(msg *Envelope) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Publish("x", "nope"); err != ErrClosed {
		t.Errorf("Publish after close should return ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe("y", func(msg *Envelope) {}); err != ErrClosed {
		t.Errorf("Subscribe after close should return ErrClosed, got %v", err)
	}
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b", "a.b", true},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.b", "a.c", false},
		{"*.b", "a.b", true},
		{"bridge.message.document.*", "bridge.message.document.saved", true},
		{"bridge.message.document.*", "bridge.message.terminal.output", false},
	}

	for _, tc := range cases {
		if got := matchSubject(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}
