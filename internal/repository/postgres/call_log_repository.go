package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/repository"
)

const callLogSchema = `CREATE TABLE IF NOT EXISTS call_logs (
	session_id       TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL DEFAULT '',
	destination      TEXT NOT NULL DEFAULT '',
	caller_id        TEXT NOT NULL DEFAULT '',
	call_type        TEXT NOT NULL DEFAULT 'outbound',
	custom_field     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	backend          TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	error            TEXT,
	started_at       TIMESTAMPTZ NOT NULL,
	answered_at      TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS call_logs_agent_started_idx ON call_logs (agent_id, started_at DESC);`

// CallLogRepository implements repository.CallLogRepository using PostgreSQL.
type CallLogRepository struct {
	db *sqlx.DB
}

// NewCallLogRepository constructs a new repository.
func NewCallLogRepository(db *sqlx.DB) *CallLogRepository {
	return &CallLogRepository{db: db}
}

// EnsureSchema creates the call_logs table when missing.
func (r *CallLogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, callLogSchema); err != nil {
		return fmt.Errorf("call log repo: ensure schema: %w", err)
	}
	return nil
}

// Upsert merges a status into the session's row. Once a row has ended it is
// left untouched, so a redelivered or reordered message cannot reopen it.
func (r *CallLogRepository) Upsert(ctx context.Context, record *domain.CallRecord) error {
	q := `INSERT INTO call_logs (
		session_id, agent_id, destination, caller_id, call_type, custom_field,
		status, backend, duration_seconds, error, started_at, answered_at, ended_at
	) VALUES (
		:session_id, :agent_id, :destination, :caller_id, :call_type, :custom_field,
		:status, :backend, :duration_seconds, :error, :started_at, :answered_at, :ended_at
	)
	ON CONFLICT (session_id) DO UPDATE SET
		agent_id = COALESCE(NULLIF(EXCLUDED.agent_id, ''), call_logs.agent_id),
		destination = COALESCE(NULLIF(EXCLUDED.destination, ''), call_logs.destination),
		caller_id = COALESCE(NULLIF(EXCLUDED.caller_id, ''), call_logs.caller_id),
		custom_field = COALESCE(NULLIF(EXCLUDED.custom_field, ''), call_logs.custom_field),
		backend = COALESCE(NULLIF(EXCLUDED.backend, ''), call_logs.backend),
		status = EXCLUDED.status,
		duration_seconds = GREATEST(call_logs.duration_seconds, EXCLUDED.duration_seconds),
		error = COALESCE(EXCLUDED.error, call_logs.error),
		started_at = LEAST(call_logs.started_at, EXCLUDED.started_at),
		answered_at = COALESCE(call_logs.answered_at, EXCLUDED.answered_at),
		ended_at = EXCLUDED.ended_at
	WHERE call_logs.ended_at IS NULL`

	if _, err := r.db.NamedExecContext(ctx, q, record); err != nil {
		return fmt.Errorf("call log repo: upsert: %w", err)
	}
	return nil
}

// Get fetches the row of one session.
func (r *CallLogRepository) Get(ctx context.Context, sessionID string) (*domain.CallRecord, error) {
	q := `SELECT session_id, agent_id, destination, caller_id, call_type, custom_field,
	       status, backend, duration_seconds, error, started_at, answered_at, ended_at
	  FROM call_logs WHERE session_id = $1`

	var record domain.CallRecord
	if err := r.db.GetContext(ctx, &record, q, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call log repo: get: %w", err)
	}
	return &record, nil
}

// ListByAgent returns the agent's most recent calls first.
func (r *CallLogRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := `SELECT session_id, agent_id, destination, caller_id, call_type, custom_field,
	       status, backend, duration_seconds, error, started_at, answered_at, ended_at
	  FROM call_logs WHERE agent_id = $1
	 ORDER BY started_at DESC
	 LIMIT $2`

	records := make([]domain.CallRecord, 0, limit)
	if err := r.db.SelectContext(ctx, &records, q, agentID, limit); err != nil {
		return nil, fmt.Errorf("call log repo: list by agent: %w", err)
	}
	return records, nil
}

var _ repository.CallLogRepository = (*CallLogRepository)(nil)
