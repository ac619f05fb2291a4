package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// batchScoped is implemented by payloads that belong to one batch.
type batchScoped interface {
	ScopeBatchID() string
}

// BroadcastEvent marshals a typed event and broadcasts it. Payloads that
// implement ScopeBatchID reach only clients watching that batch.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	var batchID string
	if s, ok := payload.(batchScoped); ok {
		batchID = s.ScopeBatchID()
	}

	h.Broadcast(ctx, batchID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
