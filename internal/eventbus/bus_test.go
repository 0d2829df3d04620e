package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tayang/internal/event"
	logx "tayang/pkg/logx"
)

type recordingListener struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *recordingListener) OnEvent(e event.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *recordingListener) seen() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Event(nil), l.events...)
}

type failingAppender struct{}

func (failingAppender) Append(event.Event) error { return errors.New("log down") }

func mustEvent(t *testing.T, proj uuid.UUID) event.Event {
	t.Helper()
	e, err := event.New(proj, event.ProjectDropped{Title: "Foo"})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestRecordAssignsMonotonicSequencePerProject(t *testing.T) {
	t.Parallel()

	b := New(nil, Config{}, logx.Nop())
	projA, projB := uuid.New(), uuid.New()

	for want := uint64(1); want <= 3; want++ {
		got, err := b.Record(context.Background(), mustEvent(t, projA))
		if err != nil {
			t.Fatal(err)
		}
		if got.Sequence != want {
			t.Fatalf("project A sequence = %d, want %d", got.Sequence, want)
		}
	}
	got, err := b.Record(context.Background(), mustEvent(t, projB))
	if err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 1 {
		t.Fatalf("project B sequence = %d, want independent numbering", got.Sequence)
	}
}

func TestListenersNotifiedInOrder(t *testing.T) {
	t.Parallel()

	b := New(nil, Config{}, logx.Nop())
	first := &recordingListener{}
	second := &recordingListener{}
	b.Subscribe("first", first)
	b.Subscribe("second", second)

	proj := uuid.New()
	for i := 0; i < 5; i++ {
		if _, err := b.Record(context.Background(), mustEvent(t, proj)); err != nil {
			t.Fatal(err)
		}
	}

	for _, l := range []*recordingListener{first, second} {
		seen := l.seen()
		if len(seen) != 5 {
			t.Fatalf("listener saw %d events, want 5", len(seen))
		}
		for i, e := range seen {
			if e.Sequence != uint64(i+1) {
				t.Fatalf("event %d has sequence %d, want in-order delivery", i, e.Sequence)
			}
		}
	}
}

func TestConcurrentRecordsFanOutInSequenceOrder(t *testing.T) {
	t.Parallel()

	b := New(nil, Config{}, logx.Nop())
	l := &recordingListener{}
	b.Subscribe("order", l)

	proj := uuid.New()
	const n = 200
	events := make([]event.Event, n)
	for i := range events {
		events[i] = mustEvent(t, proj)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(e event.Event) {
			defer wg.Done()
			if _, err := b.Record(context.Background(), e); err != nil {
				t.Error(err)
			}
		}(events[i])
	}
	wg.Wait()

	seen := l.seen()
	if len(seen) != n {
		t.Fatalf("listener saw %d events, want %d", len(seen), n)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i].Sequence <= seen[i-1].Sequence {
			t.Fatalf("fan-out order inverted: sequence %d delivered after %d",
				seen[i].Sequence, seen[i-1].Sequence)
		}
	}
}

func TestSlowListenerDoesNotBlockRecord(t *testing.T) {
	t.Parallel()

	b := New(nil, Config{ListenerTimeout: 20 * time.Millisecond}, logx.Nop())
	release := make(chan struct{})
	b.Subscribe("stuck", listenerFunc(func(event.Event) { <-release }))
	after := &recordingListener{}
	b.Subscribe("after", after)
	defer close(release)

	start := time.Now()
	if _, err := b.Record(context.Background(), mustEvent(t, uuid.New())); err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Record blocked for %v on a stuck listener", took)
	}
	if b.ListenerTimeouts() != 1 {
		t.Fatalf("timeouts = %d, want 1", b.ListenerTimeouts())
	}
	if len(after.seen()) != 1 {
		t.Fatal("later listener was not notified after a timeout")
	}
}

func TestStoreFailureDoesNotBlockFanOut(t *testing.T) {
	t.Parallel()

	b := New(failingAppender{}, Config{}, logx.Nop())
	l := &recordingListener{}
	b.Subscribe("l", l)

	got, err := b.Record(context.Background(), mustEvent(t, uuid.New()))
	if err != nil {
		t.Fatalf("Record failed on a store error: %v", err)
	}
	if got.Sequence != 1 {
		t.Fatalf("sequence = %d", got.Sequence)
	}
	if len(l.seen()) != 1 {
		t.Fatal("listener not notified despite store failure")
	}
}

func TestRecordRejectsUnbuiltEvents(t *testing.T) {
	t.Parallel()

	b := New(nil, Config{}, logx.Nop())
	if _, err := b.Record(context.Background(), event.Event{}); err == nil {
		t.Fatal("expected error for zero event")
	}
}

func TestSeedSequence(t *testing.T) {
	t.Parallel()

	b := New(nil, Config{}, logx.Nop())
	proj := uuid.New()
	b.SeedSequence(proj, 41)

	got, err := b.Record(context.Background(), mustEvent(t, proj))
	if err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 42 {
		t.Fatalf("sequence = %d, want numbering to continue after seed", got.Sequence)
	}
	// Seeding backwards never rewinds.
	b.SeedSequence(proj, 10)
	got, _ = b.Record(context.Background(), mustEvent(t, proj))
	if got.Sequence != 43 {
		t.Fatalf("sequence = %d after stale seed, want 43", got.Sequence)
	}
}

type listenerFunc func(event.Event)

func (f listenerFunc) OnEvent(e event.Event) { f(e) }
