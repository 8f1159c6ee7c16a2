package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ose-micro/events/bus"
	"github.com/ose-micro/events/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const subject = "events.order.placed"

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestBroadcast(t *testing.T) {
	ctx := context.Background()
	b := New(WithLogger(logging.FromZap(zaptest.NewLogger(t))))
	defer b.Close()

	first, second := make(chan string, 1), make(chan string, 1)
	_, err := b.Subscribe(ctx, subject, "", func(ctx context.Context, msg []byte) error {
		first <- string(msg)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, subject, "", func(ctx context.Context, msg []byte) error {
		second <- string(msg)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, subject, []byte("hello")))

	assert.Equal(t, "hello", receive(t, first))
	assert.Equal(t, "hello", receive(t, second))
}

func TestQueueGroupDeliversOnce(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	got := make(chan string, 10)
	var a, c atomic.Int64
	for _, counter := range []*atomic.Int64{&a, &c} {
		_, err := b.Subscribe(ctx, subject, "workers", func(ctx context.Context, msg []byte) error {
			counter.Add(1)
			got <- string(msg)
			return nil
		})
		require.NoError(t, err)
	}

	for i := range 4 {
		require.NoError(t, b.Publish(ctx, subject, []byte(fmt.Sprint(i))))
	}
	for range 4 {
		receive(t, got)
	}

	assert.Equal(t, int64(2), a.Load())
	assert.Equal(t, int64(2), c.Load())
}

func TestOrderedDelivery(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	got := make(chan string, 10)
	_, err := b.Subscribe(ctx, subject, "", func(ctx context.Context, msg []byte) error {
		got <- string(msg)
		return nil
	})
	require.NoError(t, err)

	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, subject, []byte(m)))
	}

	assert.Equal(t, "a", receive(t, got))
	assert.Equal(t, "b", receive(t, got))
	assert.Equal(t, "c", receive(t, got))
}

func TestRedelivery(t *testing.T) {
	ctx := context.Background()
	b := New(WithRedeliveries(2))
	defer b.Close()

	var calls atomic.Int64
	done := make(chan string, 1)
	_, err := b.Subscribe(ctx, subject, "", func(ctx context.Context, msg []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		done <- string(msg)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, subject, []byte("retry me")))
	assert.Equal(t, "retry me", receive(t, done))
	assert.Equal(t, int64(3), calls.Load())
}

func TestDiscardIsNotRedelivered(t *testing.T) {
	ctx := context.Background()
	b := New(WithRedeliveries(5))
	defer b.Close()

	calls := make(chan struct{}, 10)
	_, err := b.Subscribe(ctx, subject, "", func(ctx context.Context, msg []byte) error {
		calls <- struct{}{}
		return fmt.Errorf("%w: garbage", bus.ErrDiscard)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, subject, []byte("garbage")))
	<-calls
	// A follow-up message proves the first one was dropped, not retried.
	require.NoError(t, b.Publish(ctx, subject, []byte("next")))
	<-calls
	assert.Empty(t, calls)
}

func TestUnsubscribeAndClose(t *testing.T) {
	ctx := context.Background()
	b := New()

	got := make(chan string, 1)
	sub, err := b.Subscribe(ctx, subject, "", func(ctx context.Context, msg []byte) error {
		got <- string(msg)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(ctx, subject, []byte("lost")))
	select {
	case msg := <-got:
		t.Fatalf("unexpected message %q", msg)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, subject, nil), bus.ErrClosed)
	_, err = b.Subscribe(ctx, subject, "", func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Subscribe(ctx, subject, "", func(context.Context, []byte) error { return nil })
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		return b.Subscribers(subject) == 0
	}, time.Second, 5*time.Millisecond)
}
