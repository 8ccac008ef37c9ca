package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is one entry of the append-only log.
type Event struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	OrgID     string          `json:"-"`
	JobID     string          `json:"job_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendEvent appends e and returns it with its sequence number.
func (s *SQLite) AppendEvent(ctx context.Context, e Event) (Event, error) {
	return appendEvent(ctx, s.db, e)
}

func appendEvent(ctx context.Context, q dbtx, e Event) (Event, error) {
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO events (id, org_id, job_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.JobID, e.Type, string(e.Payload), toUnix(e.CreatedAt))
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	e.Seq = seq
	return e, nil
}

// JobEvents returns the events of one job in log order.
func (s *SQLite) JobEvents(ctx context.Context, orgID, jobID string) ([]Event, error) {
	return s.queryEvents(ctx, `SELECT seq, id, org_id, job_id, type, payload, created_at FROM events
		WHERE org_id = ? AND job_id = ? ORDER BY seq`, orgID, jobID)
}

// EventsAfter returns up to limit events with seq > after, in log order.
func (s *SQLite) EventsAfter(ctx context.Context, after int64, limit int) ([]Event, error) {
	return s.queryEvents(ctx, `SELECT seq, id, org_id, job_id, type, payload, created_at FROM events
		WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
}

func (s *SQLite) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var e Event
		var payload string
		var created int64
		if err := rows.Scan(&e.Seq, &e.ID, &e.OrgID, &e.JobID, &e.Type, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = fromUnix(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
