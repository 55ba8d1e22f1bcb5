package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/repository"
)

const eventSchema = `CREATE TABLE IF NOT EXISTS call_events (
	session_id text,
	seq bigint,
	status text,
	duration_seconds int,
	error text,
	occurred_at timestamp,
	PRIMARY KEY (session_id, seq)
) WITH CLUSTERING ORDER BY (seq ASC)`

// EventStore persists session timelines in Scylla. Rows are keyed by
// (session_id, seq) so a redelivered message overwrites itself.
type EventStore struct {
	session *gocql.Session
}

// NewEventStore creates a new event store.
func NewEventStore(session *gocql.Session) *EventStore {
	return &EventStore{session: session}
}

// EnsureSchema creates the call_events table in the session keyspace.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	if err := s.session.Query(eventSchema).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event store: ensure schema: %w", err)
	}
	return nil
}

// Append writes one timeline entry.
func (s *EventStore) Append(ctx context.Context, event domain.CallEvent) error {
	var errText *string
	if event.Error != "" {
		e := event.Error
		errText = &e
	}
	if err := s.session.Query(`INSERT INTO call_events (session_id, seq, status, duration_seconds, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.SessionID, event.Seq, string(event.Status), event.DurationSeconds, errText, event.OccurredAt.UTC(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event store: insert call_events: %w", err)
	}
	return nil
}

// pager is the paging surface of *gocql.Query.
type pager[Q any] interface {
	PageSize(n int) Q
	PageState(state []byte) Q
}

// paginate always sets the page state; a nil state starts from the first page
// and clears anything left on a reused query.
func paginate[Q pager[Q]](q Q, limit int, state []byte) Q {
	return q.PageSize(limit).PageState(state)
}

// ListBySession pages through a session's timeline in order.
func (s *EventStore) ListBySession(ctx context.Context, sessionID string, limit int, pagingState []byte) ([]domain.CallEvent, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT seq, status, duration_seconds, error, occurred_at
		FROM call_events WHERE session_id = ?`, sessionID).WithContext(ctx)
	query = paginate(query, limit, pagingState)

	iter := query.Iter()
	events := make([]domain.CallEvent, 0, limit)

	var (
		seq        int64
		status     string
		duration   int
		errText    *string
		occurredAt time.Time
	)
	for iter.Scan(&seq, &status, &duration, &errText, &occurredAt) {
		ev := domain.CallEvent{
			SessionID:       sessionID,
			Seq:             seq,
			Status:          domain.Status(status),
			DurationSeconds: duration,
			OccurredAt:      occurredAt,
		}
		if errText != nil {
			ev.Error = *errText
		}
		events = append(events, ev)
		errText = nil
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("event store: iter close: %w", err)
	}
	return events, iter.PageState(), nil
}

var _ repository.CallEventStore = (*EventStore)(nil)
