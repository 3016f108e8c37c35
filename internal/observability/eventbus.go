package observability

import (
	"context"
	"log/slog"
)

// EventBus records turn lifecycle events (turn_completed, turn_regenerated,
// turn_failed) on the structured log. Billing-grade accounting lives in the
// ledger; these events exist for operators tailing the service.
type EventBus struct {
	logger *slog.Logger
}

// NewEventBus creates an event bus writing to the given logger. A nil logger
// turns publishing into a no-op.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
	}
}

// Publish records one lifecycle event. The event name becomes the log
// message and each payload entry becomes an attribute, so the session and
// request identifiers already on ctx land next to the turn's own fields.
func (e *EventBus) Publish(ctx context.Context, event string, payload map[string]interface{}) {
	if e.logger == nil {
		return
	}

	attrs := make([]interface{}, 0, len(payload)*2)
	for k, v := range payload {
		attrs = append(attrs, k, v)
	}

	e.logger.InfoContext(ctx, event, attrs...)
}
