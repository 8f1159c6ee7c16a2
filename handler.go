package events

import "context"

// Handler processes events of a single type E. Returning an error, or
// panicking, marks the handling as failed.
type Handler[E Event] interface {
	Handle(ctx context.Context, event E) error
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc[E Event] func(ctx context.Context, event E) error

// Handle implements Handler.
func (f HandlerFunc[E]) Handle(ctx context.Context, event E) error {
	return f(ctx, event)
}

// HandleAsync runs h against event on its own goroutine and returns
// immediately. The returned Completion reports the outcome.
func HandleAsync[E Event](ctx context.Context, h Handler[E], event E) *Completion {
	if isNilHandler(h) {
		return Completed(ErrNilHandler)
	}
	return Go(ctx, func(ctx context.Context) error {
		return h.Handle(ctx, event)
	})
}

func isNilHandler[E Event](h Handler[E]) bool {
	if h == nil {
		return true
	}
	f, ok := h.(HandlerFunc[E])
	return ok && f == nil
}
