package events

// Event is implemented by every domain event. The name returned by
// EventName routes the event to its handlers and must be stable.
type Event interface {
	EventName() string
}
