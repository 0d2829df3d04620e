// Package eventbus is the single entry point for recorded lifecycle events.
//
// Record assigns each event its per-project sequence number, hands it to the
// durable log, and fans it out to registered listeners. The log write is
// asynchronous and best-effort; listener notification is synchronous but
// bounded per listener, so one stuck consumer cannot stall the pipeline.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tayang/internal/event"
	logx "tayang/pkg/logx"
)

// Listener consumes recorded events. OnEvent must return promptly; the bus
// abandons a notification that exceeds the configured listener timeout.
type Listener interface {
	OnEvent(e event.Event)
}

// Appender is the durable side of the bus, satisfied by the eventlog store.
type Appender interface {
	Append(e event.Event) error
}

type Config struct {
	// ListenerTimeout bounds each listener's OnEvent call.
	ListenerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenerTimeout <= 0 {
		c.ListenerTimeout = 2 * time.Second
	}
	return c
}

type registered struct {
	name string
	l    Listener
}

type Bus struct {
	log   logx.Logger
	store Appender
	cfg   Config

	// seqMu guards the per-project sequence counters.
	seqMu sync.Mutex
	seq   map[uuid.UUID]uint64

	// fanMu serializes stamping plus fan-out so listeners observe events in
	// sequence order even under concurrent Record calls.
	fanMu     sync.Mutex
	listeners []registered

	recorded atomic.Uint64
	timeouts atomic.Uint64
}

func New(store Appender, cfg Config, log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{
		log:   log,
		store: store,
		cfg:   cfg.withDefaults(),
		seq:   map[uuid.UUID]uint64{},
	}
}

// Subscribe registers a listener. Listeners are notified in registration
// order. Intended for wiring time, before events start flowing.
func (b *Bus) Subscribe(name string, l Listener) {
	if l == nil {
		return
	}
	b.fanMu.Lock()
	defer b.fanMu.Unlock()
	b.listeners = append(b.listeners, registered{name: name, l: l})
}

// Record stamps the event with the next sequence for its project, appends it
// to the durable log, and notifies every listener. Log failures are logged
// and swallowed: durability problems never block notification fan-out.
func (b *Bus) Record(ctx context.Context, e event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if e.ID == uuid.Nil || e.Payload == nil {
		return event.Event{}, errors.New("eventbus: event must be built via event.New")
	}

	// Stamping and fan-out share one critical section: a second Record for
	// the same project must not dispatch its (higher) sequence before this
	// one reaches the listeners.
	b.fanMu.Lock()
	b.seqMu.Lock()
	b.seq[e.ProjectID]++
	stamped := e.WithSequence(b.seq[e.ProjectID])
	b.seqMu.Unlock()

	if b.store != nil {
		if err := b.store.Append(stamped); err != nil {
			b.log.Warn("event log append rejected",
				logx.String("event_id", stamped.ID.String()),
				logx.Err(err))
		}
	}

	b.dispatch(stamped, b.listeners)
	b.fanMu.Unlock()

	b.recorded.Add(1)
	return stamped, nil
}

// SeedSequence primes a project's counter, used at startup to continue
// numbering after what the durable log already holds.
func (b *Bus) SeedSequence(projectID uuid.UUID, last uint64) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	if last > b.seq[projectID] {
		b.seq[projectID] = last
	}
}

// Recorded returns the number of successfully recorded events.
func (b *Bus) Recorded() uint64 { return b.recorded.Load() }

// ListenerTimeouts returns the number of abandoned listener notifications.
func (b *Bus) ListenerTimeouts() uint64 { return b.timeouts.Load() }

func (b *Bus) dispatch(e event.Event, listeners []registered) {
	for _, reg := range listeners {
		done := make(chan struct{})
		go func(l Listener) {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("listener panicked",
						logx.String("listener", reg.name),
						logx.Any("panic", r))
				}
			}()
			l.OnEvent(e)
		}(reg.l)

		timer := time.NewTimer(b.cfg.ListenerTimeout)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			// The goroutine keeps running; we stop waiting for it so later
			// listeners and later events are not held hostage.
			b.timeouts.Add(1)
			b.log.Warn("listener timed out, dropping notification",
				logx.String("listener", reg.name),
				logx.String("event_id", e.ID.String()),
				logx.Duration("timeout", b.cfg.ListenerTimeout))
		}
	}
}
