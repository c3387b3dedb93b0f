// Package bus provides the in-process broadcast primitive that fans decoded
// bridge messages out to independent subscribers (document sync, workspace
// and terminal routers, UI observers). Subjects are dot-separated with
// NATS-style wildcards: "*" matches one token, ">" matches the rest.
package bus

import "errors"

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Handler processes messages delivered to a subscription. Handlers for a
// given subscription run sequentially in subscription order.
type Handler func(msg *Envelope)

// Envelope carries one published value.
type Envelope struct {
	Subject string
	Data    any
}

// Broadcaster is the fan-out interface the client publishes into and
// routers subscribe on. Implementations must be safe for concurrent use.
type Broadcaster interface {
	// Publish delivers a value to every subscription whose pattern matches
	// the subject. Returns immediately; slow subscribers are dropped rather
	// than blocking the publisher.
	Publish(subject string, data any) error

	// Subscribe registers a handler for subjects matching pattern.
	Subscribe(pattern string, handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops delivery and releases resources.
	Unsubscribe() error

	// Pattern returns the subject pattern this subscription is for.
	Pattern() string
}
