// Package eventlog persists lifecycle events to an append-only sqlite log.
//
// Durability and live notification are independent failure domains: Append is
// asynchronous and batched, store failures are retried with bounded attempts
// behind a circuit breaker, and a failing log never blocks the fan-out path.
// The authoritative project state lives in the CRUD store; this log exists
// for audit and history.
package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tayang/internal/event"
	rtsup "tayang/internal/runtime/supervisor"
	logx "tayang/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var (
	ErrStopped = errors.New("event log stopped")
)

// Config controls the sqlite log and its batched writer.
type Config struct {
	Path string

	// BatchSize flushes the write buffer once this many events are pending.
	BatchSize int
	// FlushInterval flushes a non-empty buffer at least this often.
	FlushInterval time.Duration
	QueueSize     int

	BusyTimeout time.Duration

	// Insert retry policy (per batch).
	RetryMax  int
	RetryBase time.Duration

	// Circuit breaker (consecutive failed batches).
	BreakerTripFailures int
	BreakerBaseDelay    time.Duration
	BreakerMaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.BreakerTripFailures <= 0 {
		c.BreakerTripFailures = 5
	}
	if c.BreakerBaseDelay <= 0 {
		c.BreakerBaseDelay = 5 * time.Second
	}
	if c.BreakerMaxDelay <= 0 {
		c.BreakerMaxDelay = 2 * time.Minute
	}
	return c
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Appended    uint64
	Dropped     uint64
	FailedBatch uint64
	BreakerOpen bool
}

// Store is the sqlite-backed event log. It also persists webhook
// subscriptions and delivered-markers for the dispatcher, so the whole
// pipeline shares one database file.
type Store struct {
	db  *sql.DB
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	queue     chan event.Event
	accepting bool
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	breaker breaker

	appended    atomic.Uint64
	dropped     atomic.Uint64
	failedBatch atomic.Uint64
}

// Open opens (creating if needed) the sqlite database and runs migrations.
// The batched writer is not running until Start.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("eventlog: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, cfg: cfg, log: log}
	s.breaker = breaker{
		trip:      cfg.BreakerTripFailures,
		baseDelay: cfg.BreakerBaseDelay,
		maxDelay:  cfg.BreakerMaxDelay,
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Start launches the batched writer.
func (s *Store) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan event.Event, s.cfg.QueueSize)
	s.accepting = true
	q := s.queue

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "eventlog"))),
		// Log failures must never take down the app; writing is best-effort.
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("writer", func(c context.Context) error {
		s.writerLoop(c, q)
		return nil
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("event log started",
		logx.String("path", s.cfg.Path),
		logx.Int("batch_size", s.cfg.BatchSize),
		logx.Duration("flush_interval", s.cfg.FlushInterval))
}

// Stop stops intake, flushes whatever is buffered best-effort until the ctx
// deadline, and closes the writer.
func (s *Store) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Close under mu: Append sends while holding it, so no send can
		// land on a closed channel.
		s.mu.Lock()
		close(q)
		s.mu.Unlock()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Close closes the underlying database. Call Stop first.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append enqueues an event for durable append. It never blocks: when the
// writer is stopped or the queue is full the event is dropped with a warning
// and the caller proceeds. The fan-out path must not depend on this result.
//
// The send happens under the mutex that Stop takes before closing the
// queue, so Append can never race a close into a panic.
func (s *Store) Append(e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.accepting || s.queue == nil {
		return ErrStopped
	}
	select {
	case s.queue <- e:
		return nil
	default:
		s.dropped.Add(1)
		s.log.Warn("event log queue full, dropping append",
			logx.String("event_id", e.ID.String()),
			logx.String("kind", string(e.Kind)))
		return nil
	}
}

func (s *Store) writerLoop(ctx context.Context, q <-chan event.Event) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]event.Event, 0, s.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flushBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case e, ok := <-q:
			if !ok {
				// Intake closed: drain the buffer and exit.
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushBatch writes one batch inside a transaction, retrying with backoff.
// A batch that still fails after the bounded retries is dropped and counted;
// the circuit breaker then suppresses writes for a cooldown period.
func (s *Store) flushBatch(ctx context.Context, batch []event.Event) {
	now := time.Now()
	if open, until := s.breaker.open(now); open {
		s.dropped.Add(uint64(len(batch)))
		s.log.Warn("event log breaker open, dropping batch",
			logx.Int("events", len(batch)),
			logx.Time("until", until))
		return
	}

	var err error
	for attempt := 1; attempt <= s.cfg.RetryMax; attempt++ {
		err = s.insertBatch(ctx, batch)
		if err == nil {
			s.breaker.record(time.Now(), nil)
			s.appended.Add(uint64(len(batch)))
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < s.cfg.RetryMax {
			delay := s.cfg.RetryBase << (attempt - 1)
			s.log.Debug("event log insert retry scheduled",
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}

	s.failedBatch.Add(1)
	s.dropped.Add(uint64(len(batch)))
	s.breaker.record(time.Now(), err)
	s.log.Error("event log batch write failed",
		logx.Int("events", len(batch)),
		logx.Int("attempts", s.cfg.RetryMax),
		logx.Err(err))
}

func (s *Store) insertBatch(ctx context.Context, batch []event.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO events(event_id, project_id, kind, occurred_at, sequence, payload, schema_version)
		 VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range batch {
		payload, err := event.EncodePayload(e.Payload)
		if err != nil {
			// A payload that cannot be serialized is a programming error;
			// skip the row rather than poisoning the whole batch.
			s.log.Error("event payload encode failed", logx.String("event_id", e.ID.String()), logx.Err(err))
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID.String(), e.ProjectID.String(), string(e.Kind),
			e.OccurredAt.Format(time.RFC3339Nano), int64(e.Sequence),
			string(payload), event.SchemaVersion,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Stats returns best-effort counters for diagnostics.
func (s *Store) Stats() Stats {
	open, _ := s.breaker.open(time.Now())
	return Stats{
		Appended:    s.appended.Load(),
		Dropped:     s.dropped.Load(),
		FailedBatch: s.failedBatch.Load(),
		BreakerOpen: open,
	}
}

// MarkDelivered durably records a successful delivery for an idempotency key.
func (s *Store) MarkDelivered(ctx context.Context, eventID, subscriptionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries(event_id, subscription_id, delivered_at) VALUES(?,?,?)`,
		eventID.String(), subscriptionID.String(), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Delivered reports whether the idempotency key already has a successful delivery.
func (s *Store) Delivered(ctx context.Context, eventID, subscriptionID uuid.UUID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deliveries WHERE event_id = ? AND subscription_id = ?`,
		eventID.String(), subscriptionID.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
