package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(OrderPlaced{OrderID: "o-1", Amount: 12})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, env.ID)
	assert.Equal(t, "order.placed", env.Name)
	assert.WithinDuration(t, time.Now(), env.OccurredAt, time.Minute)
	assert.JSONEq(t, `{"order_id":"o-1","amount":12}`, string(env.Payload))
}

func TestNewEnvelopeRejectsNil(t *testing.T) {
	var shipped *OrderShipped
	_, err := NewEnvelope(shipped)
	assert.ErrorIs(t, err, ErrMissingEvent)
}

func TestRegistryDecode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[OrderPlaced](r, "order.placed"))
	require.NoError(t, Register[*OrderShipped](r, "order.shipped"))

	placed, err := NewEnvelope(OrderPlaced{OrderID: "o-1", Amount: 3})
	require.NoError(t, err)
	raw, err := json.Marshal(placed)
	require.NoError(t, err)

	var wire Envelope
	require.NoError(t, json.Unmarshal(raw, &wire))
	evt, err := r.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, OrderPlaced{OrderID: "o-1", Amount: 3}, evt)

	shipped, err := NewEnvelope(&OrderShipped{OrderID: "o-1"})
	require.NoError(t, err)
	evt, err = r.Decode(shipped)
	require.NoError(t, err)
	assert.Equal(t, &OrderShipped{OrderID: "o-1"}, evt)

	assert.Equal(t, []string{"order.placed", "order.shipped"}, r.Names())
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register[OrderPlaced](r, "order.placed"))

	assert.ErrorIs(t, Register[OrderPlaced](r, "order.placed"), ErrDuplicateEvent)
	assert.ErrorIs(t, Register[OrderPlaced](r, ""), ErrEmptyEventName)

	_, err := r.Decode(Envelope{Name: "order.cancelled"})
	var unknown *UnknownEventError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "order.cancelled", unknown.EventName)

	_, err = r.Decode(Envelope{Name: "order.placed", Payload: json.RawMessage(`{"amount":"x"}`)})
	assert.Error(t, err)
}

func TestEnvelopeContext(t *testing.T) {
	_, ok := EnvelopeFromContext(context.Background())
	assert.False(t, ok)

	env, err := NewEnvelope(OrderPlaced{OrderID: "o-1"})
	require.NoError(t, err)

	got, ok := EnvelopeFromContext(ContextWithEnvelope(context.Background(), env))
	require.True(t, ok)
	assert.Equal(t, env.ID, got.ID)
}
