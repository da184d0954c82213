package events

import "log/slog"

// SlogEmitter renders events as structured log lines. It is the default sink
// for services that have no dedicated event bus.
type SlogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (e SlogEmitter) Emit(event Event) {
	if event == nil {
		return
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	record := event.Record()
	if record == nil {
		return
	}
	attrs := make([]any, 0, len(record.Attributes)*2)
	for key, value := range record.Attributes {
		attrs = append(attrs, key, value)
	}
	logger.Info("event "+record.Type, attrs...)
}
