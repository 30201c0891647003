package gateway

import (
	"context"
	"log/slog"

	"recambio/pkg/bus"
)

// observeEvents logs bus events until ctx ends or the bus closes. Slow
// logging drops events rather than blocking the engine.
func observeEvents(ctx context.Context, messageBus *bus.MessageBus, log *slog.Logger) {
	log = log.With("component", "bus.events")
	events, unsubscribe := messageBus.SubscribeEvents(ctx, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"request_id", event.RequestID,
		"channel", event.Channel,
		"client_id", event.ClientID,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventReconcileFailed:
		log.Error("Reconcile event", append(attrs, "category", event.Category, "error", event.Error)...)
	case bus.EventReconcileCompleted, bus.EventMessageStored:
		log.Info("Reconcile event", attrs...)
	default:
		log.Debug("Reconcile event", attrs...)
	}
}
