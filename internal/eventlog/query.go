package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tayang/internal/event"
)

// Cursor streams query results ordered by occurrence time then sequence.
// The usual loop is: for cur.Next() { e := cur.Event() }; cur.Err(); cur.Close().
type Cursor struct {
	rows *sql.Rows
	cur  event.Event
	err  error
}

// Next advances to the next event, decoding its payload.
// Rows whose payload no longer decodes are skipped with the error retained
// only if nothing else fails; corrupt history must not hide newer rows.
func (c *Cursor) Next() bool {
	for c.rows.Next() {
		var (
			idRaw, projRaw, kindRaw, occurredRaw, payloadRaw string
			seq                                              int64
			schema                                           int
		)
		if err := c.rows.Scan(&idRaw, &projRaw, &kindRaw, &occurredRaw, &seq, &payloadRaw, &schema); err != nil {
			c.err = err
			return false
		}
		e, err := decodeRow(idRaw, projRaw, kindRaw, occurredRaw, payloadRaw, seq)
		if err != nil {
			c.err = err
			continue
		}
		c.cur = e
		return true
	}
	if err := c.rows.Err(); err != nil {
		c.err = err
	}
	return false
}

// Event returns the event at the cursor. Valid only after Next returned true.
func (c *Cursor) Event() event.Event { return c.cur }

func (c *Cursor) Err() error { return c.err }

func (c *Cursor) Close() error { return c.rows.Close() }

func decodeRow(idRaw, projRaw, kindRaw, occurredRaw, payloadRaw string, seq int64) (event.Event, error) {
	id, err := uuid.Parse(idRaw)
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s: bad id: %w", idRaw, err)
	}
	proj, err := uuid.Parse(projRaw)
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s: bad project id: %w", idRaw, err)
	}
	kind, err := event.ParseKind(kindRaw)
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s: %w", idRaw, err)
	}
	occurred, err := time.Parse(time.RFC3339Nano, occurredRaw)
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s: bad occurred_at: %w", idRaw, err)
	}
	payload, err := event.DecodePayload(kind, []byte(payloadRaw))
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s: %w", idRaw, err)
	}
	return event.Event{
		ID:         id,
		ProjectID:  proj,
		Kind:       kind,
		OccurredAt: occurred,
		Sequence:   uint64(seq),
		Payload:    payload,
	}, nil
}

// LastSequences returns the highest stored sequence per project, used at
// startup to resume per-project numbering.
func (s *Store) LastSequences(ctx context.Context) (map[uuid.UUID]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, MAX(sequence) FROM events GROUP BY project_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[uuid.UUID]uint64{}
	for rows.Next() {
		var projRaw string
		var seq int64
		if err := rows.Scan(&projRaw, &seq); err != nil {
			return nil, err
		}
		proj, err := uuid.Parse(projRaw)
		if err != nil {
			continue
		}
		out[proj] = uint64(seq)
	}
	return out, rows.Err()
}

// QueryByProject returns the events recorded for a project inside the
// half-open window [from, to), oldest first. A zero `to` means no upper bound.
//
// Reads see only flushed batches; recently appended events may still be
// buffered in the writer.
func (s *Store) QueryByProject(ctx context.Context, projectID uuid.UUID, from, to time.Time) (*Cursor, error) {
	q := `SELECT event_id, project_id, kind, occurred_at, sequence, payload, schema_version
	      FROM events WHERE project_id = ? AND occurred_at >= ?`
	args := []any{projectID.String(), from.UTC().Format(time.RFC3339Nano)}
	if !to.IsZero() {
		q += ` AND occurred_at < ?`
		args = append(args, to.UTC().Format(time.RFC3339Nano))
	}
	q += ` ORDER BY occurred_at ASC, sequence ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return &Cursor{rows: rows}, nil
}
