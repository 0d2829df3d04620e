package dispatch

import (
	"time"

	"github.com/google/uuid"

	"tayang/internal/event"
	"tayang/internal/render"
	"tayang/internal/subscription"
)

// State tracks a delivery job through its lifecycle.
type State string

const (
	// StatePending: created, waiting for a worker.
	StatePending State = "pending"
	// StateScheduled: failed transiently, waiting for its next attempt time.
	StateScheduled State = "scheduled"
	// StateInFlight: a worker is executing the HTTP delivery right now.
	StateInFlight State = "inflight"
	// StateDelivered: terminal success.
	StateDelivered State = "delivered"
	// StateAbandoned: terminal failure (permanent error or attempts exhausted).
	StateAbandoned State = "abandoned"
)

func (s State) Terminal() bool { return s == StateDelivered || s == StateAbandoned }

// jobKey is the delivery idempotency key: one job per (event, subscription).
type jobKey struct {
	EventID        uuid.UUID
	SubscriptionID uuid.UUID
}

// Job is one pending or completed webhook delivery.
// Fields are guarded by the dispatcher mutex.
type Job struct {
	Key       jobKey
	Event     event.Event
	Sub       subscription.Subscription
	Message   render.Message
	State     State
	Attempts  int
	NextTry   time.Time
	LastError string
	CreatedAt time.Time
}

// JobView is a copy of a job's externally visible fields for diagnostics.
type JobView struct {
	EventID        uuid.UUID `json:"event_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Target         string    `json:"target"`
	State          State     `json:"state"`
	Attempts       int       `json:"attempts"`
	NextTry        time.Time `json:"next_try,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}

// Snapshot summarizes the dispatcher's current workload.
type Snapshot struct {
	Pending   int       `json:"pending"`
	Scheduled int       `json:"scheduled"`
	InFlight  int       `json:"inflight"`
	Delivered uint64    `json:"delivered"`
	Abandoned uint64    `json:"abandoned"`
	Retries   uint64    `json:"retries"`
	Jobs      []JobView `json:"jobs,omitempty"`
}
