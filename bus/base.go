// Package bus moves encoded events between processes.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrDiscard marks a message that must not be redelivered. Handlers wrap
	// it for payloads that can never be processed.
	ErrDiscard = errors.New("bus: discard message")
	// ErrClosed is returned by a bus that has been closed.
	ErrClosed = errors.New("bus: closed")
)

// Handler consumes one message. A non-nil error asks the transport to
// redeliver the message when it supports doing so, unless it wraps
// ErrDiscard.
type Handler func(ctx context.Context, msg []byte) error

// Subscription is an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a transport for encoded events.
//
// Subscribe with an empty queue receives every message published on
// subject. Subscribers sharing a non-empty queue compete, so each message
// reaches only one of them.
type Bus interface {
	Publish(ctx context.Context, subject string, msg []byte) error
	Subscribe(ctx context.Context, subject, queue string, handler Handler) (Subscription, error)
	Close() error
}

// Redeliver reports whether a handler error should lead to redelivery.
func Redeliver(err error) bool {
	return err != nil && !errors.Is(err, ErrDiscard)
}
