package events

// Record is the rendered form of an event: a type tag plus flat string
// attributes, suitable for indexing and audit trails.
type Record struct {
	Type       string
	Attributes map[string]string
}

// Event represents a structured state change emitted by the exchange core.
type Event interface {
	EventType() string
	Record() *Record
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
