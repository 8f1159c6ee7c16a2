package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire form of an event.
type Envelope struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	OccurredAt time.Time         `json:"occurred_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
}

// NewEnvelope encodes event as JSON and stamps it with a fresh id.
func NewEnvelope(event Event) (Envelope, error) {
	if isNil(event) {
		return Envelope{}, ErrMissingEvent
	}
	name := event.EventName()
	if name == "" {
		return Envelope{}, ErrEmptyEventName
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %q: %w", name, err)
	}

	return Envelope{
		ID:         uuid.New(),
		Name:       name,
		OccurredAt: time.Now().UTC(),
		Metadata:   map[string]string{},
		Payload:    payload,
	}, nil
}

type envelopeKey struct{}

// ContextWithEnvelope attaches the envelope an event was delivered in.
func ContextWithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

// EnvelopeFromContext returns the envelope of the event being handled, if
// it arrived through a transport.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(Envelope)
	return env, ok
}

type decoder func(payload json.RawMessage) (Event, error)

// Registry knows how to turn envelopes back into typed events.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]decoder)}
}

// Register makes envelopes named name decode into E.
func Register[E Event](r *Registry, name string) error {
	if name == "" {
		return ErrEmptyEventName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, name)
	}
	r.decoders[name] = func(payload json.RawMessage) (Event, error) {
		var e E
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("events: unmarshal %q: %w", name, err)
		}
		return e, nil
	}
	return nil
}

// Decode returns the typed event carried by env.
func (r *Registry) Decode(env Envelope) (Event, error) {
	r.mu.RLock()
	dec, ok := r.decoders[env.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownEventError{EventName: env.Name}
	}
	return dec(env.Payload)
}

// Names returns the registered event names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
