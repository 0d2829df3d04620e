// Package dispatch delivers rendered notifications to webhook targets.
//
// Each (event, subscription) pair becomes exactly one delivery job. Jobs run
// on a shared worker pool, but every target URL has its own in-flight cap and
// rate limit so one slow or rate-limited endpoint cannot absorb the pool.
// Transient failures retry with jittered exponential backoff up to a bounded
// attempt count; permanent failures abandon immediately.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tayang/internal/event"
	"tayang/internal/render"
	rtsup "tayang/internal/runtime/supervisor"
	"tayang/internal/subscription"
	logx "tayang/pkg/logx"
)

// Config tunes the worker pool and retry policy.
type Config struct {
	Workers   int
	QueueSize int

	// PerTargetInflight caps concurrent requests per target URL.
	PerTargetInflight int
	// RatePerSec throttles request starts per target URL. Zero disables.
	RatePerSec float64

	// RetryMax is the total attempt budget per job, first try included.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	RequestTimeout time.Duration

	// RetainTerminal caps how many finished (delivered or abandoned) jobs
	// stay queryable; the oldest are evicted first. Durable delivered-markers
	// keep idempotency across eviction.
	RetainTerminal int

	// EnabledKinds restricts which event kinds are delivered at all.
	// Empty means every kind.
	EnabledKinds []event.Kind
}

func (c Config) kindEnabled(k event.Kind) bool {
	if len(c.EnabledKinds) == 0 {
		return true
	}
	for _, want := range c.EnabledKinds {
		if want == k {
			return true
		}
	}
	return false
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.PerTargetInflight <= 0 {
		c.PerTargetInflight = 1
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RetainTerminal <= 0 {
		c.RetainTerminal = 1024
	}
	return c
}

// SubscriptionSource is satisfied by the subscription registry.
type SubscriptionSource interface {
	Lookup(projectID uuid.UUID, k event.Kind) []subscription.Subscription
}

// MessageRenderer is satisfied by the render package.
type MessageRenderer interface {
	Render(e event.Event, locale string) render.Message
}

// DeliveryStore records completed deliveries durably so a restart cannot
// redeliver. Satisfied by the eventlog store; nil disables the check.
type DeliveryStore interface {
	Delivered(ctx context.Context, eventID, subscriptionID uuid.UUID) (bool, error)
	MarkDelivered(ctx context.Context, eventID, subscriptionID uuid.UUID) error
}

type targetState struct {
	sem     *targetSemaphore
	limiter *rate.Limiter
	rate    float64
}

type Dispatcher struct {
	log       logx.Logger
	subs      SubscriptionSource
	renderer  MessageRenderer
	store     DeliveryStore
	transport Transport

	mu      sync.Mutex
	cfg     Config
	jobs    map[jobKey]*Job
	// terminal holds finished job keys in completion order for eviction.
	terminal []jobKey
	targets  map[string]*targetState
	queue   chan jobKey
	stopCh  chan struct{}
	sup     *rtsup.Supervisor
	started bool

	delivered atomic.Uint64
	abandoned atomic.Uint64
	retries   atomic.Uint64
}

func New(subs SubscriptionSource, renderer MessageRenderer, store DeliveryStore, transport Transport, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		log:       log,
		subs:      subs,
		renderer:  renderer,
		store:     store,
		transport: transport,
		cfg:       cfg.withDefaults(),
		jobs:      map[jobKey]*Job{},
		targets:   map[string]*targetState{},
	}
}

// Start launches the worker pool. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.queue = make(chan jobKey, d.cfg.QueueSize)
	d.stopCh = make(chan struct{})
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log.With(logx.String("comp", "dispatch"))))

	for i := 0; i < d.cfg.Workers; i++ {
		idx := i
		d.sup.GoRestart("worker", func(c context.Context) error {
			d.worker(c, idx)
			return nil
		})
	}
	d.log.Info("dispatcher started",
		logx.Int("workers", d.cfg.Workers),
		logx.Int("per_target_inflight", d.cfg.PerTargetInflight),
		logx.Int("retry_max", d.cfg.RetryMax))
}

// Stop drains the workers. In-flight requests get until the ctx deadline;
// scheduled retries are left behind (the durable delivered-markers make
// redelivery after restart safe).
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.stopCh)
	sup := d.sup
	d.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}
	d.log.Info("dispatcher stopped", logx.Uint64("delivered", d.delivered.Load()), logx.Uint64("abandoned", d.abandoned.Load()))
}

// Apply updates the retry and throttling policy at runtime. Worker count and
// queue size changes take effect on the next Start.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	for _, ts := range d.targets {
		if ts.rate != cfg.RatePerSec {
			ts.limiter = newLimiter(cfg.RatePerSec)
			ts.rate = cfg.RatePerSec
		}
	}
}

// OnEvent implements the bus listener: fan the event out into one job per
// matching subscription. Duplicate events reuse the existing job.
func (d *Dispatcher) OnEvent(e event.Event) {
	d.mu.Lock()
	enabled := d.cfg.kindEnabled(e.Kind)
	started := d.started
	d.mu.Unlock()
	if !enabled {
		return
	}
	if !started {
		d.log.Warn("dispatcher not running, dropping event", logx.String("event_id", e.ID.String()))
		return
	}

	matched := d.subs.Lookup(e.ProjectID, e.Kind)
	if len(matched) == 0 {
		return
	}

	// One render per distinct locale, shared across that locale's targets.
	msgs := map[string]render.Message{}
	now := time.Now()

	for i, sub := range matched {
		msg, ok := msgs[sub.Locale]
		if !ok {
			msg = d.renderer.Render(e, sub.Locale)
			msgs[sub.Locale] = msg
		}

		k := jobKey{EventID: e.ID, SubscriptionID: sub.ID}
		d.mu.Lock()
		if !d.started {
			d.mu.Unlock()
			d.log.Warn("dispatcher stopped mid fan-out, dropping remaining deliveries",
				logx.String("event_id", e.ID.String()),
				logx.Int("dropped", len(matched)-i))
			break
		}
		if _, exists := d.jobs[k]; exists {
			d.mu.Unlock()
			continue
		}
		d.jobs[k] = &Job{
			Key:       k,
			Event:     e,
			Sub:       sub,
			Message:   msg,
			State:     StatePending,
			CreatedAt: now,
		}
		d.mu.Unlock()

		d.enqueue(k)
	}
}

func (d *Dispatcher) enqueue(k jobKey) {
	d.mu.Lock()
	q := d.queue
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}
	select {
	case q <- k:
	default:
		// Saturated queue: retry the enqueue shortly rather than blocking the
		// event bus fan-out.
		d.log.Warn("dispatch queue full, delaying enqueue")
		time.AfterFunc(100*time.Millisecond, func() { d.enqueue(k) })
	}
}

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	d.mu.Lock()
	queue := d.queue
	stopCh := d.stopCh
	d.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case k := <-queue:
			d.runJob(ctx, stopCh, k, rng)
		}
	}
}

func (d *Dispatcher) runJob(ctx context.Context, stopCh <-chan struct{}, k jobKey, rng *rand.Rand) {
	d.mu.Lock()
	job, ok := d.jobs[k]
	if !ok || job.State.Terminal() || job.State == StateInFlight {
		d.mu.Unlock()
		return
	}
	cfg := d.cfg
	ts := d.targetLocked(job.Sub.TargetURL)
	d.mu.Unlock()

	if !ts.sem.tryAcquire() {
		// Target at its in-flight cap: come back shortly so the worker can
		// serve other targets meanwhile.
		time.AfterFunc(20*time.Millisecond, func() { d.enqueue(k) })
		return
	}
	defer ts.sem.release()

	if ts.limiter != nil {
		if err := ts.limiter.Wait(ctx); err != nil {
			return
		}
	}

	select {
	case <-stopCh:
		return
	case <-ctx.Done():
		return
	default:
	}

	d.mu.Lock()
	job.State = StateInFlight
	job.Attempts++
	attempt := job.Attempts
	msg := job.Message
	target := job.Sub.TargetURL
	d.mu.Unlock()

	// A delivery marker from a previous run (or a crash between send and
	// state update) means the webhook already fired; do not send it again.
	if d.store != nil {
		already, err := d.store.Delivered(ctx, k.EventID, k.SubscriptionID)
		if err != nil {
			d.log.Warn("delivered lookup failed", logx.Err(err))
		} else if already {
			d.finish(job, StateDelivered, "")
			return
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	err := d.transport.Deliver(reqCtx, target, msg)
	cancel()

	switch {
	case err == nil:
		if d.store != nil {
			if markErr := d.store.MarkDelivered(context.Background(), k.EventID, k.SubscriptionID); markErr != nil {
				d.log.Warn("delivery marker write failed", logx.Err(markErr))
			}
		}
		d.finish(job, StateDelivered, "")
		d.log.Debug("delivery succeeded",
			logx.String("event_id", k.EventID.String()),
			logx.String("target", target),
			logx.Int("attempts", attempt))

	case IsNoRetry(err):
		d.finish(job, StateAbandoned, err.Error())
		d.log.Warn("delivery abandoned, permanent failure",
			logx.String("event_id", k.EventID.String()),
			logx.String("target", target),
			logx.Err(err))

	case attempt >= cfg.RetryMax:
		d.finish(job, StateAbandoned, err.Error())
		d.log.Warn("delivery abandoned, attempts exhausted",
			logx.String("event_id", k.EventID.String()),
			logx.String("target", target),
			logx.Int("attempts", attempt),
			logx.Err(err))

	default:
		delay := backoffDelay(cfg, attempt, err, rng)
		d.retries.Add(1)
		d.mu.Lock()
		job.State = StateScheduled
		job.NextTry = time.Now().Add(delay)
		job.LastError = err.Error()
		d.mu.Unlock()
		d.log.Debug("delivery retry scheduled",
			logx.String("event_id", k.EventID.String()),
			logx.String("target", target),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		time.AfterFunc(delay, func() { d.enqueue(k) })
	}
}

func (d *Dispatcher) finish(job *Job, st State, lastErr string) {
	d.mu.Lock()
	job.State = st
	job.NextTry = time.Time{}
	job.LastError = lastErr
	d.terminal = append(d.terminal, job.Key)
	for len(d.terminal) > d.cfg.RetainTerminal {
		delete(d.jobs, d.terminal[0])
		d.terminal = d.terminal[1:]
	}
	d.mu.Unlock()
	if st == StateDelivered {
		d.delivered.Add(1)
	} else {
		d.abandoned.Add(1)
	}
}

func (d *Dispatcher) targetLocked(url string) *targetState {
	ts := d.targets[url]
	if ts == nil {
		ts = &targetState{
			sem:     newTargetSemaphore(d.cfg.PerTargetInflight),
			limiter: newLimiter(d.cfg.RatePerSec),
			rate:    d.cfg.RatePerSec,
		}
		d.targets[url] = ts
	}
	return ts
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Wait blocks until every non-terminal job finished or ctx expired.
// Test helper and shutdown aid.
func (d *Dispatcher) Wait(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if d.activeJobs() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (d *Dispatcher) activeJobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, j := range d.jobs {
		if !j.State.Terminal() {
			n++
		}
	}
	return n
}

// Snapshot reports current job states and lifetime counters.
func (d *Dispatcher) Snapshot(includeJobs bool) Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Snapshot{
		Delivered: d.delivered.Load(),
		Abandoned: d.abandoned.Load(),
		Retries:   d.retries.Load(),
	}
	for _, j := range d.jobs {
		switch j.State {
		case StatePending:
			snap.Pending++
		case StateScheduled:
			snap.Scheduled++
		case StateInFlight:
			snap.InFlight++
		}
		if includeJobs {
			snap.Jobs = append(snap.Jobs, JobView{
				EventID:        j.Key.EventID,
				SubscriptionID: j.Key.SubscriptionID,
				Target:         j.Sub.TargetURL,
				State:          j.State,
				Attempts:       j.Attempts,
				NextTry:        j.NextTry,
				LastError:      j.LastError,
			})
		}
	}
	return snap
}

// JobState looks up the state of one delivery by its idempotency key.
func (d *Dispatcher) JobState(eventID, subscriptionID uuid.UUID) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[jobKey{EventID: eventID, SubscriptionID: subscriptionID}]
	if !ok {
		return "", false
	}
	return j.State, true
}

// backoffDelay computes the wait before the next attempt. A RetryAfter hint
// from the target overrides the exponential schedule; both paths are bounded
// by RetryMaxDelay and jittered to avoid thundering herds.
func backoffDelay(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	maxD := cfg.RetryMaxDelay

	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > maxD {
			d = maxD
		}
		return jitter(d, cfg.RetryJitter, maxD, rng)
	}

	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return jitter(d, cfg.RetryJitter, maxD, rng)
}

func jitter(d time.Duration, frac float64, maxD time.Duration, rng *rand.Rand) time.Duration {
	if frac > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * frac
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
