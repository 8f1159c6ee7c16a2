package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ose-micro/events/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const SUBJECT string = "fundme.account.created"

func natsURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return "nats://localhost:4222"
}

func TestNatsPublishSubscribe(t *testing.T) {
	log := logging.FromZap(zaptest.NewLogger(t))
	b, err := New(Config{URL: natsURL()}, log)
	if err != nil {
		t.Skipf("NATS not reachable: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	sub, err := b.Subscribe(ctx, SUBJECT, "mailer", func(ctx context.Context, msg []byte) error {
		got <- string(msg)
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Give a tiny moment for the subscriber to be set up
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, SUBJECT, []byte(`{"to":"hello@gudtok.com"}`)))

	select {
	case msg := <-got:
		assert.JSONEq(t, `{"to":"hello@gudtok.com"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnectFailsFast(t *testing.T) {
	_, err := New(Config{URL: "nats://127.0.0.1:1"}, logging.FromZap(zaptest.NewLogger(t)))
	assert.Error(t, err)
}
