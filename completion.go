package events

import (
	"context"
	"runtime/debug"
	"sync"
)

// Completion is the asynchronous outcome of handling or dispatching an
// event. It carries no value, only success or failure.
type Completion struct {
	done chan struct{}
	err  error

	mu    sync.Mutex
	thens []func(error)
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and returns a Completion that resolves with
// its result. A panic inside fn resolves the Completion with a *PanicError.
func Go(ctx context.Context, fn func(ctx context.Context) error) *Completion {
	c := newCompletion()
	go func() {
		c.resolve(call(ctx, fn))
	}()
	return c
}

// Completed returns a Completion already resolved with err.
func Completed(err error) *Completion {
	c := newCompletion()
	c.resolve(err)
	return c
}

// call invokes fn and converts a panic into a *PanicError.
func call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

func (c *Completion) resolve(err error) {
	c.mu.Lock()
	c.err = err
	thens := c.thens
	c.thens = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range thens {
		continueWith(fn, err)
	}
}

// continueWith runs a continuation. A panicking continuation is dropped so
// that it cannot take down the goroutine resolving the Completion or stop
// the continuations registered after it.
func continueWith(fn func(error), err error) {
	defer func() { _ = recover() }()
	fn(err)
}

// Done is closed once the work has finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the outcome, or nil while the work is still pending.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the work finishes or ctx is done. In the latter case
// the work keeps running and ctx.Err() is returned.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then registers fn to be called with the outcome. If the work has already
// finished, fn runs synchronously on the calling goroutine. A panic in fn is
// recovered and discarded.
func (c *Completion) Then(fn func(err error)) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		continueWith(fn, c.err)
		return
	default:
	}
	c.thens = append(c.thens, fn)
	c.mu.Unlock()
}
