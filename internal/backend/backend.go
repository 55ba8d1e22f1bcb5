package backend

import (
	"context"
	"errors"
	"time"

	"github.com/acme/telecalling/internal/domain"
)

// ErrEndedWhileDialing is returned by MakeCall when EndCall ran before the
// dial completed. The backend has already hung the call up.
var ErrEndedWhileDialing = errors.New("call ended while dialing")

// EventKind enumerates the call progress events a backend reports.
type EventKind string

const (
	EventInitiated EventKind = "initiated"
	EventRinging   EventKind = "ringing"
	EventAnswered  EventKind = "answered"
	EventEnded     EventKind = "ended"
	EventFailed    EventKind = "failed"
	EventBusy      EventKind = "busy"
	EventNoAnswer  EventKind = "no-answer"
)

// Status maps an event to the status it moves the session to. Initiated
// has no status of its own since the session is already connecting.
func (k EventKind) Status() (domain.Status, bool) {
	switch k {
	case EventRinging:
		return domain.StatusRinging, true
	case EventAnswered:
		return domain.StatusAnswered, true
	case EventEnded:
		return domain.StatusEnded, true
	case EventFailed:
		return domain.StatusFailed, true
	case EventBusy:
		return domain.StatusBusy, true
	case EventNoAnswer:
		return domain.StatusNoAnswer, true
	}
	return "", false
}

// Event is one progress report for a call.
type Event struct {
	SessionID string
	Kind      EventKind
	CallID    string
	Err       error
	At        time.Time
}

// EventSink receives backend events. Backends may call it from any goroutine
// and must not call it while holding their own locks.
type EventSink func(Event)

// CallRequest is what the session hands to a backend when dialing.
type CallRequest struct {
	SessionID string
	Options   domain.CallOptions
}

// Handle identifies a call inside the backend that placed it.
type Handle struct {
	SessionID string
	CallID    string
}

// Adapter is the call-control contract shared by every backend.
type Adapter interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Initialize prepares the backend for the given credentials.
	Initialize(ctx context.Context, cfg domain.WebRTCConfig) error
	// MakeCall starts dialing and returns without waiting for an answer.
	// Progress is reported through sink.
	MakeCall(ctx context.Context, req CallRequest, sink EventSink) (Handle, error)
	// EndCall hangs up or cancels the call. Pending events for the call
	// are dropped.
	EndCall(ctx context.Context, h Handle) error
	// SetMuted mirrors the local mute state into the backend.
	SetMuted(h Handle, muted bool) error
	// ToggleHold flips hold and returns the new value.
	ToggleHold(h Handle) (bool, error)
	// IsCallActive reports whether the backend holds a live call.
	IsCallActive() bool
	// Close releases backend resources.
	Close() error
}
