package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fichecontact/internal/domain"
)

// Sink persists audit events.
type Sink interface {
	AppendEvent(ctx context.Context, evt domain.Event) error
}

type Writer struct {
	Sink Sink
	Now  func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, ficheID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	// Round-trip so every sink stores the same plain JSON document.
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return w.Sink.AppendEvent(ctx, domain.Event{
		TS:      w.Now().UTC().Format(time.RFC3339),
		Type:    evtType,
		FicheID: ficheID,
		Payload: doc,
	})
}
