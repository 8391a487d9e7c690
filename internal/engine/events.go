package engine

// Event represents a lifecycle event (model load, image swap, teardown, process spawn).
// Minimal and stable: name + model path and optional fields via key/values.
type Event struct {
	Name   string
	Model  string
	Fields map[string]any
}

// EventPublisher receives lifecycle events. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// NoopPublisher drops events. It is the default everywhere a publisher is optional.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}
