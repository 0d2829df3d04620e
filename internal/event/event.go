// Package event defines the immutable project lifecycle events that flow
// through the notification pipeline.
//
// Events are constructed exclusively through New(), which validates the
// payload for its kind. Call sites never re-validate; an Event in hand is a
// valid Event.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stored alongside every event row so the log can be
// migrated if payload shapes ever change.
const SchemaVersion = 1

// Kind identifies a lifecycle event variant. Values are stable wire names.
type Kind string

const (
	KindProjectCreated       Kind = "project_created"
	KindProjectProgress      Kind = "project_progress"
	KindProjectRelease       Kind = "project_release"
	KindProjectReleaseRevert Kind = "project_release_revert"
	KindProjectDropped       Kind = "project_dropped"
	KindProjectResumed       Kind = "project_resumed"
)

// Kinds lists every valid event kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindProjectCreated,
		KindProjectProgress,
		KindProjectRelease,
		KindProjectReleaseRevert,
		KindProjectDropped,
		KindProjectResumed,
	}
}

// ParseKind validates a wire name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	switch k {
	case KindProjectCreated, KindProjectProgress, KindProjectRelease,
		KindProjectReleaseRevert, KindProjectDropped, KindProjectResumed:
		return k, nil
	}
	return "", fmt.Errorf("unknown event kind %q", raw)
}

// Event is an immutable record of a project lifecycle change.
//
// Sequence is assigned by the event bus when the event enters the pipeline;
// it is monotonic per ProjectID and zero until then.
type Event struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	Kind       Kind
	OccurredAt time.Time
	Sequence   uint64
	Payload    Payload
}

// WithSequence returns a copy carrying the given per-project sequence.
// Only the event bus assigns sequences; everything else treats them as read-only.
func (e Event) WithSequence(n uint64) Event {
	e.Sequence = n
	return e
}

// ValidationError reports an invalid payload at construction time.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s event: %s: %s", e.Kind, e.Field, e.Reason)
}

// New builds a validated Event for the given project.
//
// The event ID is a UUIDv7, globally unique and time-sortable. New fails fast
// with a *ValidationError when the payload is incomplete for its kind; it
// never constructs a partially-valid event.
func New(projectID uuid.UUID, p Payload) (Event, error) {
	if p == nil {
		return Event{}, &ValidationError{Field: "payload", Reason: "must not be nil"}
	}
	if projectID == uuid.Nil {
		return Event{}, &ValidationError{Kind: p.EventKind(), Field: "project_id", Reason: "must not be empty"}
	}
	if err := p.validate(); err != nil {
		return Event{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, fmt.Errorf("generate event id: %w", err)
	}
	return Event{
		ID:         id,
		ProjectID:  projectID,
		Kind:       p.EventKind(),
		OccurredAt: time.Now().UTC(),
		Payload:    p,
	}, nil
}
