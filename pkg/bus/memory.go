package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// MemoryBus is the in-process Broadcaster implementation. Delivery to each
// subscription goes through a buffered channel drained by a dedicated
// goroutine, so per-subscription ordering is preserved and a slow handler
// never blocks the publisher.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        atomic.Bool
}

// NewMemoryBus creates a new in-process broadcast bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
	}
}

func (b *MemoryBus) Publish(subject string, data any) error {
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Envelope{
		Subject: subject,
		Data:    data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for pattern, subs := range b.subscriptions {
		if !matchSubject(pattern, subject) {
			continue
		}
		for _, sub := range subs {
			if sub.closed.Load() {
				continue
			}
			// Non-blocking send; a full buffer means the subscriber is
			// too slow and the message is dropped for it.
			select {
			case sub.messages <- msg:
			default:
			}
		}
	}

	return nil
}

func (b *MemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		id:       ulid.Make().String(),
		pattern:  pattern,
		messages: make(chan *Envelope, 256),
		handler:  handler,
		bus:      b,
	}

	b.mu.Lock()
	b.subscriptions[pattern] = append(b.subscriptions[pattern], sub)
	b.mu.Unlock()

	go sub.run()

	return sub, nil
}

func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.messages)
			}
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	return nil
}

func (b *MemoryBus) remove(target *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[target.pattern]
	for i, sub := range subs {
		if sub.id == target.id {
			b.subscriptions[target.pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[target.pattern]) == 0 {
		delete(b.subscriptions, target.pattern)
	}
}

type memorySubscription struct {
	id       string
	pattern  string
	messages chan *Envelope
	handler  Handler
	bus      *MemoryBus
	closed   atomic.Bool
}

func (s *memorySubscription) run() {
	for msg := range s.messages {
		s.handler(msg)
	}
}

func (s *memorySubscription) Unsubscribe() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.bus.remove(s)
	close(s.messages)
	return nil
}

func (s *memorySubscription) Pattern() string {
	return s.pattern
}

// matchSubject checks a dot-separated subject against a pattern with
// NATS-style wildcards.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	pi, si := 0, 0
	for pi < len(patternParts) && si < len(subjectParts) {
		switch patternParts[pi] {
		case "*":
			// Matches exactly one token
			pi++
			si++
		case ">":
			// Matches one or more tokens (must be last)
			return true
		default:
			if patternParts[pi] != subjectParts[si] {
				return false
			}
			pi++
			si++
		}
	}

	return pi == len(patternParts) && si == len(subjectParts)
}
