package eventlog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tayang/internal/event"
	"tayang/internal/subscription"
	logx "tayang/pkg/logx"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		BatchSize:     4,
		FlushInterval: 10 * time.Millisecond,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeEvent(t *testing.T, proj uuid.UUID, seq uint64) event.Event {
	t.Helper()
	e, err := event.New(proj, event.ProjectRelease{
		Title:    "Foo",
		Release:  event.ReleaseEpisodic,
		Episodes: &event.EpisodeRange{Start: 1, End: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	return e.WithSequence(seq)
}

func TestAppendAndQueryByProject(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	s.Start(context.Background())

	proj := uuid.New()
	other := uuid.New()
	var want []event.Event
	for i := uint64(1); i <= 5; i++ {
		e := makeEvent(t, proj, i)
		want = append(want, e)
		if err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(makeEvent(t, other, 1)); err != nil {
		t.Fatal(err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	cur, err := s.QueryByProject(context.Background(), proj, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cur.Close() }()

	var got []event.Event
	for cur.Next() {
		got = append(got, cur.Event())
	}
	if err := cur.Err(); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i, e := range got {
		if e.ID != want[i].ID {
			t.Fatalf("row %d: id %s, want %s", i, e.ID, want[i].ID)
		}
		if e.Sequence != want[i].Sequence {
			t.Fatalf("row %d: sequence %d, want %d", i, e.Sequence, want[i].Sequence)
		}
		rel, ok := e.Payload.(event.ProjectRelease)
		if !ok || rel.Title != "Foo" || rel.Episodes == nil || rel.Episodes.End != 3 {
			t.Fatalf("row %d: payload %#v", i, e.Payload)
		}
	}

	if stats := s.Stats(); stats.Appended != 6 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAppendAfterStopIsRejectedNotBlocking(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	s.Start(context.Background())
	s.Stop(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Append(makeEvent(t, uuid.New(), 1)) }()
	select {
	case err := <-done:
		if err != ErrStopped {
			t.Fatalf("err = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Append blocked after Stop")
	}
}

func TestAppendRacingStopNeverPanics(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		s := openStore(t)
		s.Start(context.Background())
		base := makeEvent(t, uuid.New(), 1)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for seq := uint64(1); ; seq++ {
					if err := s.Append(base.WithSequence(seq)); err == ErrStopped {
						return
					}
				}
			}()
		}

		s.Stop(context.Background())
		wg.Wait()
	}
}

func TestAppendIsIdempotentPerEventID(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	s.Start(context.Background())

	proj := uuid.New()
	e := makeEvent(t, proj, 1)
	if err := s.Append(e); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(e); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())

	cur, err := s.QueryByProject(context.Background(), proj, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cur.Close() }()
	n := 0
	for cur.Next() {
		n++
	}
	if n != 1 {
		t.Fatalf("stored %d rows for one event id, want 1", n)
	}
}

func TestQueryWindow(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	s.Start(context.Background())

	proj := uuid.New()
	early := makeEvent(t, proj, 1)
	early.OccurredAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := makeEvent(t, proj, 2)
	late.OccurredAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, e := range []event.Event{early, late} {
		if err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	s.Stop(context.Background())

	cur, err := s.QueryByProject(context.Background(), proj,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cur.Close() }()
	var got []event.Event
	for cur.Next() {
		got = append(got, cur.Event())
	}
	if len(got) != 1 || got[0].ID != late.ID {
		t.Fatalf("window query returned %d rows", len(got))
	}
}

func TestLastSequences(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	s.Start(context.Background())

	projA, projB := uuid.New(), uuid.New()
	for i := uint64(1); i <= 3; i++ {
		if err := s.Append(makeEvent(t, projA, i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(makeEvent(t, projB, 7)); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())

	seqs, err := s.LastSequences(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if seqs[projA] != 3 || seqs[projB] != 7 {
		t.Fatalf("seqs = %v", seqs)
	}
}

func TestSubscriptionPersistence(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	sub := subscription.Subscription{
		ID:        uuid.Must(uuid.NewV7()),
		ProjectID: uuid.New(),
		TargetURL: "https://example.com/hook",
		Locale:    "en",
		Kinds:     []event.Kind{event.KindProjectRelease, event.KindProjectDropped},
	}
	if err := s.SaveSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	// Upsert replaces in place.
	sub.Locale = "id"
	if err := s.SaveSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	subs, err := s.LoadSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("loaded %d subscriptions, want 1", len(subs))
	}
	got := subs[0]
	if got.ID != sub.ID || got.Locale != "id" || len(got.Kinds) != 2 {
		t.Fatalf("loaded %+v", got)
	}

	if err := s.DeleteSubscription(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	subs, err = s.LoadSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Fatalf("loaded %d subscriptions after delete", len(subs))
	}
}

func TestDeliveredMarkers(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	eventID, subID := uuid.New(), uuid.New()

	ok, err := s.Delivered(ctx, eventID, subID)
	if err != nil || ok {
		t.Fatalf("fresh key delivered = %v, %v", ok, err)
	}
	if err := s.MarkDelivered(ctx, eventID, subID); err != nil {
		t.Fatal(err)
	}
	// Marking twice is a no-op.
	if err := s.MarkDelivered(ctx, eventID, subID); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Delivered(ctx, eventID, subID)
	if err != nil || !ok {
		t.Fatalf("delivered = %v, %v, want true", ok, err)
	}
}
