package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// OUTBOUND EVENTS
// =============================================================================

type EventType string

const (
	// EventTaskCreated fires whenever a hop opens (submit, approve with a
	// next step, refer, escalate). Consumed by the notification dispatcher.
	EventTaskCreated EventType = "task.created"
	// EventDocumentFinalized fires once per chain, on terminal approval or
	// rejection. Consumed by document-specific follow-ups such as numbering.
	EventDocumentFinalized EventType = "document.finalized"
)

type Event struct {
	ID           string
	Type         EventType
	Document     DocumentRef
	ChainID      ChainID
	HopID        HopID
	TaskID       TaskID
	AssignedFrom UserID
	AssignedTo   UserID
	Status       DocumentStatus
	OccurredAt   time.Time
}

// Publisher delivers events after the transaction that produced them has
// committed. Delivery failures never undo the transition.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

func newEvent(t EventType, doc DocumentRef, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, Document: doc, OccurredAt: at}
}

// LogPublisher writes events to a zerolog logger. It is the default when
// no broker is wired.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, e Event) error {
	ev := p.Logger.Info().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("document_kind", string(e.Document.Kind)).
		Int64("document_id", int64(e.Document.ID)).
		Int64("chain_id", int64(e.ChainID))
	switch e.Type {
	case EventTaskCreated:
		ev = ev.Int64("hop_id", int64(e.HopID)).
			Int64("task_id", int64(e.TaskID)).
			Int64("assigned_from", int64(e.AssignedFrom)).
			Int64("assigned_to", int64(e.AssignedTo))
	case EventDocumentFinalized:
		ev = ev.Str("status", string(e.Status))
	}
	ev.Msg("event published")
	return nil
}

// publishAll is non-fatal: a failed publish is logged and the rest still go out.
func publishAll(ctx context.Context, pub Publisher, log zerolog.Logger, events []Event) {
	if pub == nil {
		return
	}
	for _, e := range events {
		if err := pub.Publish(ctx, e); err != nil {
			log.Warn().Err(err).
				Str("event_id", e.ID).
				Str("event_type", string(e.Type)).
				Str("document", e.Document.String()).
				Msg("failed to publish event (non-fatal)")
		}
	}
}
