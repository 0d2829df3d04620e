package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"tayang/internal/event"
	"tayang/internal/render"
	"tayang/internal/subscription"
	logx "tayang/pkg/logx"
)

type staticSubs struct {
	subs []subscription.Subscription
}

func (s staticSubs) Lookup(projectID uuid.UUID, k event.Kind) []subscription.Subscription {
	out := make([]subscription.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.ProjectID == projectID && sub.Matches(k) {
			out = append(out, sub)
		}
	}
	return out
}

type staticRenderer struct{}

func (staticRenderer) Render(e event.Event, locale string) render.Message {
	return render.Message{Title: string(e.Kind), Description: "body", Locale: locale}
}

// fakeTransport scripts per-attempt outcomes and tracks concurrency.
type fakeTransport struct {
	mu       sync.Mutex
	attempts []time.Time

	// script returns the error for the nth attempt (1-based).
	script func(attempt int, target string) error

	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeTransport) Deliver(ctx context.Context, target string, msg render.Message) error {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.attempts = append(f.attempts, time.Now())
	n := len(f.attempts)
	f.mu.Unlock()

	if f.script == nil {
		return nil
	}
	return f.script(n, target)
}

func (f *fakeTransport) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attempts...)
}

type memDeliveries struct {
	mu   sync.Mutex
	seen map[[2]uuid.UUID]bool
}

func newMemDeliveries() *memDeliveries {
	return &memDeliveries{seen: map[[2]uuid.UUID]bool{}}
}

func (m *memDeliveries) Delivered(_ context.Context, eventID, subID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[[2]uuid.UUID{eventID, subID}], nil
}

func (m *memDeliveries) MarkDelivered(_ context.Context, eventID, subID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[[2]uuid.UUID{eventID, subID}] = true
	return nil
}

func testEvent(t *testing.T, proj uuid.UUID) event.Event {
	t.Helper()
	e, err := event.New(proj, event.ProjectDropped{Title: "Foo"})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func testSub(proj uuid.UUID, url string) subscription.Subscription {
	return subscription.Subscription{
		ID:        uuid.Must(uuid.NewV7()),
		ProjectID: proj,
		TargetURL: url,
		Locale:    "id",
	}
}

func fastCfg() Config {
	return Config{
		Workers:       4,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 50 * time.Millisecond,
		RetryJitter:   0.0001,
	}
}

func startDispatcher(t *testing.T, subs SubscriptionSource, tr Transport, store DeliveryStore, cfg Config) *Dispatcher {
	t.Helper()
	d := New(subs, staticRenderer{}, store, tr, cfg, logx.Nop())
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func waitSettled(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("jobs did not settle: %v", err)
	}
}

func TestTwoSubscriptionsBothDelivered(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	subA := testSub(proj, "https://a.test/hook")
	subB := testSub(proj, "https://b.test/hook")
	tr := &fakeTransport{}
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{subA, subB}}, tr, nil, fastCfg())

	e := testEvent(t, proj)
	d.OnEvent(e)
	waitSettled(t, d)

	for _, sub := range []subscription.Subscription{subA, subB} {
		st, ok := d.JobState(e.ID, sub.ID)
		if !ok || st != StateDelivered {
			t.Fatalf("job for %s: state=%q ok=%v", sub.TargetURL, st, ok)
		}
	}
	snap := d.Snapshot(false)
	if snap.Delivered != 2 || snap.Retries != 0 || snap.Abandoned != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if got := len(tr.calls()); got != 2 {
		t.Fatalf("transport calls = %d, want 2", got)
	}
}

func TestDuplicateEventCreatesNoExtraJobs(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	tr := &fakeTransport{}
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{sub}}, tr, nil, fastCfg())

	e := testEvent(t, proj)
	d.OnEvent(e)
	d.OnEvent(e)
	waitSettled(t, d)

	if got := len(tr.calls()); got != 1 {
		t.Fatalf("transport calls = %d, want 1 despite duplicate notification", got)
	}
	if snap := d.Snapshot(false); snap.Delivered != 1 {
		t.Fatalf("delivered = %d", snap.Delivered)
	}
}

func TestPermanentFailureAbandonsImmediately(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	tr := &fakeTransport{script: func(int, string) error {
		return NoRetry(errors.New("target returned 404"))
	}}
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{sub}}, tr, nil, fastCfg())

	e := testEvent(t, proj)
	d.OnEvent(e)
	waitSettled(t, d)

	st, _ := d.JobState(e.ID, sub.ID)
	if st != StateAbandoned {
		t.Fatalf("state = %q, want abandoned", st)
	}
	if got := len(tr.calls()); got != 1 {
		t.Fatalf("transport calls = %d, want exactly 1 for a permanent failure", got)
	}
}

func TestTransientFailureAbandonsExactlyAtMaxAttempts(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	tr := &fakeTransport{script: func(int, string) error {
		return errors.New("target returned 503")
	}}
	cfg := fastCfg()
	cfg.RetryMax = 4
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{sub}}, tr, nil, cfg)

	e := testEvent(t, proj)
	d.OnEvent(e)
	waitSettled(t, d)

	st, _ := d.JobState(e.ID, sub.ID)
	if st != StateAbandoned {
		t.Fatalf("state = %q, want abandoned", st)
	}
	if got := len(tr.calls()); got != 4 {
		t.Fatalf("transport calls = %d, want exactly RetryMax", got)
	}
	if snap := d.Snapshot(false); snap.Retries != 3 {
		t.Fatalf("retries = %d, want 3", snap.Retries)
	}
}

func TestTransientThenSuccess(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	tr := &fakeTransport{script: func(attempt int, _ string) error {
		if attempt < 3 {
			return errors.New("target returned 502")
		}
		return nil
	}}
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{sub}}, tr, nil, fastCfg())

	e := testEvent(t, proj)
	d.OnEvent(e)
	waitSettled(t, d)

	st, _ := d.JobState(e.ID, sub.ID)
	if st != StateDelivered {
		t.Fatalf("state = %q, want delivered after retries", st)
	}
	if got := len(tr.calls()); got != 3 {
		t.Fatalf("transport calls = %d, want 3", got)
	}
}

func TestRetryAfterHintDelaysNextAttempt(t *testing.T) {
	t.Parallel()

	const hint = 60 * time.Millisecond
	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	tr := &fakeTransport{script: func(attempt int, _ string) error {
		if attempt == 1 {
			return RetryAfter(errors.New("target returned 429"), hint)
		}
		return nil
	}}
	cfg := fastCfg()
	cfg.RetryMaxDelay = time.Second
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{sub}}, tr, nil, cfg)

	d.OnEvent(testEvent(t, proj))
	waitSettled(t, d)

	calls := tr.calls()
	if len(calls) != 2 {
		t.Fatalf("transport calls = %d, want 2", len(calls))
	}
	if gap := calls[1].Sub(calls[0]); gap < hint/2 {
		t.Fatalf("retry fired after %v, want at least the server hint (%v)", gap, hint)
	}
}

func TestPerTargetInflightCap(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	target := "https://shared.test/hook"
	subs := make([]subscription.Subscription, 0, 6)
	for i := 0; i < 6; i++ {
		s := testSub(proj, target)
		subs = append(subs, s)
	}
	tr := &fakeTransport{delay: 20 * time.Millisecond}
	cfg := fastCfg()
	cfg.Workers = 6
	cfg.PerTargetInflight = 1
	d := startDispatcher(t, staticSubs{subs}, tr, nil, cfg)

	d.OnEvent(testEvent(t, proj))
	waitSettled(t, d)

	if got := len(tr.calls()); got != 6 {
		t.Fatalf("transport calls = %d, want 6", got)
	}
	if max := tr.maxInFlight.Load(); max > 1 {
		t.Fatalf("max in-flight = %d, want <= 1 for a shared target", max)
	}
}

func TestDeliveredMarkerSuppressesResend(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	store := newMemDeliveries()
	e := testEvent(t, proj)
	if err := store.MarkDelivered(context.Background(), e.ID, sub.ID); err != nil {
		t.Fatal(err)
	}

	tr := &fakeTransport{}
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{sub}}, tr, store, fastCfg())
	d.OnEvent(e)
	waitSettled(t, d)

	if got := len(tr.calls()); got != 0 {
		t.Fatalf("transport calls = %d, want 0 when already delivered", got)
	}
	st, _ := d.JobState(e.ID, sub.ID)
	if st != StateDelivered {
		t.Fatalf("state = %q", st)
	}
}

func TestSuccessWritesDeliveredMarker(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	store := newMemDeliveries()
	tr := &fakeTransport{}
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{sub}}, tr, store, fastCfg())

	e := testEvent(t, proj)
	d.OnEvent(e)
	waitSettled(t, d)

	ok, err := store.Delivered(context.Background(), e.ID, sub.ID)
	if err != nil || !ok {
		t.Fatalf("marker = %v, %v; want recorded", ok, err)
	}
}

func TestEnabledKindsFilter(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	tr := &fakeTransport{}
	cfg := fastCfg()
	cfg.EnabledKinds = []event.Kind{event.KindProjectRelease}
	d := startDispatcher(t, staticSubs{[]subscription.Subscription{sub}}, tr, nil, cfg)

	d.OnEvent(testEvent(t, proj)) // a dropped event; filtered out
	time.Sleep(20 * time.Millisecond)

	if got := len(tr.calls()); got != 0 {
		t.Fatalf("transport calls = %d, want 0 for a disabled kind", got)
	}
}

func TestTerminalJobsEvictedBeyondRetention(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	subs := make([]subscription.Subscription, 0, 5)
	for i := 0; i < 5; i++ {
		subs = append(subs, testSub(proj, "https://a.test/hook"))
	}
	tr := &fakeTransport{}
	cfg := fastCfg()
	cfg.RetainTerminal = 2
	d := startDispatcher(t, staticSubs{subs}, tr, nil, cfg)

	e := testEvent(t, proj)
	d.OnEvent(e)
	waitSettled(t, d)

	snap := d.Snapshot(true)
	if snap.Delivered != 5 {
		t.Fatalf("delivered = %d, want 5", snap.Delivered)
	}
	if got := len(snap.Jobs); got > 2 {
		t.Fatalf("retained %d finished jobs, want at most 2", got)
	}
	retained := 0
	for _, sub := range subs {
		if _, ok := d.JobState(e.ID, sub.ID); ok {
			retained++
		}
	}
	if retained > 2 {
		t.Fatalf("JobState answers for %d jobs, want at most 2", retained)
	}
}

func TestOnEventBeforeStartDropsWholeEvent(t *testing.T) {
	t.Parallel()

	proj := uuid.New()
	sub := testSub(proj, "https://a.test/hook")
	tr := &fakeTransport{}
	d := New(staticSubs{[]subscription.Subscription{sub}}, staticRenderer{}, nil, tr, fastCfg(), logx.Nop())

	e := testEvent(t, proj)
	d.OnEvent(e)

	if got := len(tr.calls()); got != 0 {
		t.Fatalf("transport calls = %d, want 0 before Start", got)
	}
	if _, ok := d.JobState(e.ID, sub.ID); ok {
		t.Fatal("job created while dispatcher was not running")
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	cfg := Config{
		RetryBase:     100 * time.Millisecond,
		RetryMaxDelay: time.Second,
		RetryJitter:   0.2,
	}.withDefaults()

	// Without an RNG the schedule is deterministic.
	var prev time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoffDelay(cfg, attempt, errors.New("transient"), nil)
		if d < prev {
			t.Fatalf("delay(%d) = %v < delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > cfg.RetryMaxDelay {
			t.Fatalf("delay(%d) = %v exceeds cap", attempt, d)
		}
		prev = d
	}
	if prev != cfg.RetryMaxDelay {
		t.Fatalf("late attempts = %v, want capped at %v", prev, cfg.RetryMaxDelay)
	}

	// The hint path is bounded by the cap too.
	hinted := backoffDelay(cfg, 1, RetryAfter(errors.New("429"), time.Hour), nil)
	if hinted != cfg.RetryMaxDelay {
		t.Fatalf("hinted delay = %v, want capped", hinted)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	resp := func(code int, retryAfter string) *http.Response {
		r := &http.Response{StatusCode: code, Header: http.Header{}}
		if retryAfter != "" {
			r.Header.Set("Retry-After", retryAfter)
		}
		return r
	}

	if err := classifyStatus(resp(204, "")); err != nil {
		t.Fatalf("2xx: %v", err)
	}
	if err := classifyStatus(resp(404, "")); !IsNoRetry(err) {
		t.Fatalf("404 should be permanent, got %v", err)
	}
	if err := classifyStatus(resp(500, "")); err == nil || IsNoRetry(err) {
		t.Fatalf("500 should be transient, got %v", err)
	}

	err := classifyStatus(resp(429, "2"))
	var ra RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("429 with header should carry a hint, got %v", err)
	}
	if ra.RetryAfter() != 2*time.Second {
		t.Fatalf("hint = %v", ra.RetryAfter())
	}

	if err := classifyStatus(resp(429, "")); err == nil || IsNoRetry(err) {
		t.Fatalf("429 without header should be plain transient, got %v", err)
	}
}

func TestTransportRejectsMalformedURL(t *testing.T) {
	t.Parallel()

	tr := NewHTTPTransport(nil, WebhookConfig{})
	err := tr.Deliver(context.Background(), "not a url", render.Message{})
	if !IsNoRetry(err) {
		t.Fatalf("malformed URL should be permanent, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	d := New(staticSubs{}, staticRenderer{}, nil, &fakeTransport{}, fastCfg(), logx.Nop())
	d.Start(context.Background())
	ctx := context.Background()
	d.Stop(ctx)
	d.Stop(ctx)
}
