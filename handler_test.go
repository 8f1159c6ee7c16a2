package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderPlaced struct {
	OrderID string `json:"order_id" validate:"required"`
	Amount  int    `json:"amount" validate:"gte=0"`
}

func (OrderPlaced) EventName() string { return "order.placed" }

type OrderShipped struct {
	OrderID string `json:"order_id"`
}

func (*OrderShipped) EventName() string { return "order.shipped" }

type counterHandler struct {
	count atomic.Int64
}

func (h *counterHandler) Handle(ctx context.Context, event OrderPlaced) error {
	h.count.Add(1)
	return nil
}

var (
	_ Handler[OrderPlaced]   = (*counterHandler)(nil)
	_ Handler[*OrderShipped] = HandlerFunc[*OrderShipped](nil)
)

func TestHandleAsyncCountsEvent(t *testing.T) {
	ctx := context.Background()
	h := &counterHandler{}

	c := HandleAsync[OrderPlaced](ctx, h, OrderPlaced{OrderID: "o-1"})

	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, int64(1), h.count.Load())
	assert.NoError(t, c.Err())
}

func TestHandleAsyncDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	h := HandlerFunc[OrderPlaced](func(ctx context.Context, event OrderPlaced) error {
		<-release
		return nil
	})

	c := HandleAsync[OrderPlaced](ctx, h, OrderPlaced{OrderID: "o-1"})

	select {
	case <-c.Done():
		t.Fatal("completion resolved before handler was released")
	default:
	}
	assert.NoError(t, c.Err(), "pending completion reports no error")

	close(release)
	require.NoError(t, c.Wait(ctx))
}

func TestHandleAsyncFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	h := HandlerFunc[OrderPlaced](func(ctx context.Context, event OrderPlaced) error {
		return boom
	})

	err := HandleAsync[OrderPlaced](ctx, h, OrderPlaced{}).Wait(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestHandleAsyncPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	h := HandlerFunc[OrderPlaced](func(ctx context.Context, event OrderPlaced) error {
		panic("halfway through")
	})

	err := HandleAsync[OrderPlaced](ctx, h, OrderPlaced{}).Wait(ctx)

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "halfway through", perr.Value)
	assert.NotEmpty(t, perr.Stack)
}

func TestHandleAsyncNilHandler(t *testing.T) {
	ctx := context.Background()
	err := HandleAsync[OrderPlaced](ctx, nil, OrderPlaced{}).Wait(ctx)
	assert.ErrorIs(t, err, ErrNilHandler)

	err = HandleAsync[OrderPlaced](ctx, HandlerFunc[OrderPlaced](nil), OrderPlaced{}).Wait(ctx)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestCompletionWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := Go(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}

func TestCompletionThen(t *testing.T) {
	boom := errors.New("boom")
	release := make(chan struct{})
	c := Go(context.Background(), func(ctx context.Context) error {
		<-release
		return boom
	})

	got := make(chan error, 2)
	c.Then(func(err error) { got <- err })
	close(release)
	<-c.Done()
	// Registered after resolution: runs immediately.
	c.Then(func(err error) { got <- err })

	assert.ErrorIs(t, <-got, boom)
	assert.ErrorIs(t, <-got, boom)
}

func TestCompletionThenRecoversPanics(t *testing.T) {
	boom := errors.New("boom")
	release := make(chan struct{})
	c := Go(context.Background(), func(ctx context.Context) error {
		<-release
		return boom
	})

	got := make(chan error, 2)
	c.Then(func(err error) { panic("continuation exploded") })
	c.Then(func(err error) { got <- err })
	close(release)
	<-c.Done()

	assert.NotPanics(t, func() {
		c.Then(func(err error) { panic("late continuation exploded") })
	})
	c.Then(func(err error) { got <- err })

	assert.ErrorIs(t, <-got, boom)
	assert.ErrorIs(t, <-got, boom)
	assert.ErrorIs(t, c.Err(), boom)
}

func TestCompleted(t *testing.T) {
	c := Completed(nil)
	select {
	case <-c.Done():
	default:
		t.Fatal("Completed must be resolved")
	}
	assert.NoError(t, c.Wait(context.Background()))
}
