package repository

import (
	"context"

	"github.com/acme/telecalling/internal/domain"
	apperrors "github.com/acme/telecalling/pkg/errors"
)

// ErrNotFound indicates the entity was not located.
var ErrNotFound = apperrors.ErrNotFound

// CallLogRepository keeps one row per call session.
type CallLogRepository interface {
	Upsert(ctx context.Context, record *domain.CallRecord) error
	Get(ctx context.Context, sessionID string) (*domain.CallRecord, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]domain.CallRecord, error)
}

// CallEventStore keeps the status timeline of every session.
type CallEventStore interface {
	Append(ctx context.Context, event domain.CallEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int, pagingState []byte) ([]domain.CallEvent, []byte, error)
}
