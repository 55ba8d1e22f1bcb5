package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/acme/telecalling/pkg/errors"
)

// Status enumerates lifecycle stages of a call session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
)

// Terminal reports whether no further transitions can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusFailed, StatusBusy, StatusNoAnswer:
		return true
	}
	return false
}

// CallType distinguishes outbound dialing from inbound legs.
type CallType string

const (
	CallTypeOutbound CallType = "outbound"
	CallTypeInbound  CallType = "inbound"
)

// WebRTCConfig carries the vendor credentials supplied once at initialize time.
type WebRTCConfig struct {
	ClientID     string `json:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret" mapstructure:"client_secret"`
	CustomerID   string `json:"customer_id" mapstructure:"customer_id"`
	AppID        string `json:"app_id" mapstructure:"app_id"`
	UserID       string `json:"user_id" mapstructure:"user_id"`
	SIPUsername  string `json:"sip_username" mapstructure:"sip_username"`
	SIPPassword  string `json:"sip_password" mapstructure:"sip_password"`
}

// Validate checks the fields every backend needs.
func (c WebRTCConfig) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("%w: user id is required", apperrors.ErrValidation)
	}
	return nil
}

// CallOptions describes a call to place.
type CallOptions struct {
	To          string   `json:"to"`
	From        string   `json:"from,omitempty"`
	CallType    CallType `json:"call_type,omitempty"`
	CustomField string   `json:"custom_field,omitempty"`
}

// Normalize fills defaults and validates the options.
func (o CallOptions) Normalize() (CallOptions, error) {
	o.To = strings.TrimSpace(o.To)
	o.From = strings.TrimSpace(o.From)
	if o.To == "" {
		return o, fmt.Errorf("%w: destination number is required", apperrors.ErrValidation)
	}
	switch o.CallType {
	case "":
		o.CallType = CallTypeOutbound
	case CallTypeOutbound, CallTypeInbound:
	default:
		return o, fmt.Errorf("%w: unknown call type %q", apperrors.ErrValidation, o.CallType)
	}
	return o, nil
}

// CallStatus is the value broadcast to observers on every transition.
type CallStatus struct {
	Status      Status    `json:"status"`
	Duration    int       `json:"duration"`
	CallID      string    `json:"call_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	CustomField string    `json:"custom_field,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// CallInfo is a snapshot of the active session.
type CallInfo struct {
	ID            string     `json:"id"`
	To            string     `json:"to"`
	From          string     `json:"from,omitempty"`
	CallType      CallType   `json:"call_type"`
	CustomField   string     `json:"custom_field,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	Duration      int        `json:"duration"`
	IsMuted       bool       `json:"is_muted"`
	IsOnHold      bool       `json:"is_on_hold"`
	Backend       string     `json:"backend"`
	UsingFallback bool       `json:"using_fallback"`
}

// CallRecord is the persisted call-log row.
type CallRecord struct {
	SessionID       string     `db:"session_id" json:"session_id"`
	AgentID         string     `db:"agent_id" json:"agent_id"`
	To              string     `db:"destination" json:"to"`
	From            string     `db:"caller_id" json:"from,omitempty"`
	CallType        CallType   `db:"call_type" json:"call_type"`
	CustomField     string     `db:"custom_field" json:"custom_field,omitempty"`
	Status          Status     `db:"status" json:"status"`
	Backend         string     `db:"backend" json:"backend"`
	DurationSeconds int        `db:"duration_seconds" json:"duration_seconds"`
	Error           *string    `db:"error" json:"error,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	AnsweredAt      *time.Time `db:"answered_at" json:"answered_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// CallEvent is one entry of a session's status timeline.
type CallEvent struct {
	SessionID       string    `json:"session_id"`
	Seq             int64     `json:"seq"`
	Status          Status    `json:"status"`
	DurationSeconds int       `json:"duration_seconds"`
	Error           string    `json:"error,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
