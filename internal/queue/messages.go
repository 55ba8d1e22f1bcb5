package queue

import (
	"time"

	"github.com/acme/telecalling/internal/domain"
)

// DialCommand asks the telecalling process of one agent to place a call.
// Other CRM screens publish it for click-to-call.
type DialCommand struct {
	RequestID   string          `json:"request_id"`
	AgentID     string          `json:"agent_id"`
	To          string          `json:"to"`
	From        string          `json:"from,omitempty"`
	CallType    domain.CallType `json:"call_type,omitempty"`
	CustomField string          `json:"custom_field,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Options converts the command into call options.
func (c DialCommand) Options() domain.CallOptions {
	return domain.CallOptions{
		To:          c.To,
		From:        c.From,
		CallType:    c.CallType,
		CustomField: c.CustomField,
	}
}

// Expired reports whether the command is older than maxAge at now. A zero
// maxAge never expires.
func (c DialCommand) Expired(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || c.RequestedAt.IsZero() {
		return false
	}
	return now.Sub(c.RequestedAt) > maxAge
}

// StatusMessage is one broadcast status, enriched with the call details the
// status worker needs to maintain the call log.
type StatusMessage struct {
	SessionID   string          `json:"session_id"`
	Seq         int64           `json:"seq"`
	AgentID     string          `json:"agent_id,omitempty"`
	Status      domain.Status   `json:"status"`
	Duration    int             `json:"duration"`
	Error       string          `json:"error,omitempty"`
	CustomField string          `json:"custom_field,omitempty"`
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"`
	CallType    domain.CallType `json:"call_type,omitempty"`
	Backend     string          `json:"backend,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Event converts the message into a timeline entry.
func (m StatusMessage) Event() domain.CallEvent {
	return domain.CallEvent{
		SessionID:       m.SessionID,
		Seq:             m.Seq,
		Status:          m.Status,
		DurationSeconds: m.Duration,
		Error:           m.Error,
		OccurredAt:      m.OccurredAt,
	}
}

// Record converts the message into a call-log row. Fields the message does
// not know stay empty and are merged by the repository.
func (m StatusMessage) Record() domain.CallRecord {
	at := m.OccurredAt.UTC()
	rec := domain.CallRecord{
		SessionID:       m.SessionID,
		AgentID:         m.AgentID,
		To:              m.To,
		From:            m.From,
		CallType:        m.CallType,
		CustomField:     m.CustomField,
		Status:          m.Status,
		Backend:         m.Backend,
		DurationSeconds: m.Duration,
		StartedAt:       at,
	}
	if rec.CallType == "" {
		rec.CallType = domain.CallTypeOutbound
	}
	if m.Error != "" {
		e := m.Error
		rec.Error = &e
	}
	if m.Status == domain.StatusAnswered {
		answered := at.Add(-time.Duration(m.Duration) * time.Second)
		rec.AnsweredAt = &answered
	}
	if m.Status.Terminal() {
		rec.EndedAt = &at
		if m.Duration > 0 {
			answered := at.Add(-time.Duration(m.Duration) * time.Second)
			rec.AnsweredAt = &answered
		}
	}
	return rec
}

// Tick reports whether the message is a periodic duration update rather than
// a transition.
func (m StatusMessage) Tick() bool {
	return m.Status == domain.StatusAnswered && m.Duration > 0
}
