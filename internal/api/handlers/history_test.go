package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/repository"
	"github.com/acme/telecalling/internal/service/common"
)

type memLogs struct {
	records map[string]domain.CallRecord
}

func (m *memLogs) Upsert(_ context.Context, rec *domain.CallRecord) error {
	m.records[rec.SessionID] = *rec
	return nil
}

func (m *memLogs) Get(_ context.Context, sessionID string) (*domain.CallRecord, error) {
	rec, ok := m.records[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (m *memLogs) ListByAgent(_ context.Context, agentID string, _ int) ([]domain.CallRecord, error) {
	var out []domain.CallRecord
	for _, rec := range m.records {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// memEvents pages by offset; the paging state is the next offset as one byte.
type memEvents struct {
	events []domain.CallEvent
}

func (m *memEvents) Append(_ context.Context, ev domain.CallEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) ListBySession(_ context.Context, sessionID string, limit int, state []byte) ([]domain.CallEvent, []byte, error) {
	start := 0
	if len(state) == 1 {
		start = int(state[0])
	}
	var matched []domain.CallEvent
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			matched = append(matched, ev)
		}
	}
	if start >= len(matched) {
		return nil, nil, nil
	}
	end := start + limit
	if end >= len(matched) {
		return matched[start:], nil, nil
	}
	return matched[start:end], []byte{byte(end)}, nil
}

func sampleTimeline() *memEvents {
	events := &memEvents{}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, st := range []domain.Status{domain.StatusConnecting, domain.StatusRinging, domain.StatusAnswered, domain.StatusEnded} {
		events.events = append(events.events, domain.CallEvent{SessionID: "s1", Seq: int64(i + 1), Status: st, OccurredAt: at})
	}
	return events
}

func TestCallHistory(t *testing.T) {
	logs := &memLogs{records: map[string]domain.CallRecord{
		"s1": {SessionID: "s1", AgentID: "agent-7", To: "+911234567890", Status: domain.StatusEnded, DurationSeconds: 42},
	}}
	events := sampleTimeline()
	app := newApp(Deps{CallLogs: logs, Events: events, AgentID: "agent-7"})

	code, body := do(t, app, http.MethodGet, "/api/v1/history/calls", nil)
	require.Equal(t, http.StatusOK, code)
	calls, ok := body["calls"].([]any)
	require.True(t, ok)
	assert.Len(t, calls, 1)

	code, body = do(t, app, http.MethodGet, "/api/v1/history/calls/s1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(42), body["duration_seconds"])

	code, _ = do(t, app, http.MethodGet, "/api/v1/history/calls/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = do(t, app, http.MethodGet, "/api/v1/history/calls/s1/events?limit=3", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["events"], 3)
	token, _ := body["next_page_token"].(string)
	require.Equal(t, common.EncodePageToken([]byte{3}), token)

	code, body = do(t, app, http.MethodGet, "/api/v1/history/calls/s1/events?limit=3&page_token="+token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["events"], 1)
	assert.Nil(t, body["next_page_token"])

	code, _ = do(t, app, http.MethodGet, "/api/v1/history/calls/s1/events?page_token=***", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestHistoryRoutesNeedStores(t *testing.T) {
	app := newApp(Deps{})

	code, _ := do(t, app, http.MethodGet, "/api/v1/history/calls", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := do(t, app, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "initialized")
}
