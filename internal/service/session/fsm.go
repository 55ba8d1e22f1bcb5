package session

import (
	"github.com/looplab/fsm"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/domain"
)

const (
	eventDial     = "dial"
	eventRing     = "ring"
	eventAnswer   = "answer"
	eventHangup   = "hangup"
	eventFail     = "fail"
	eventBusy     = "busy"
	eventNoAnswer = "noanswer"
)

// newMachine builds the per-call state machine. Terminal states have no
// outgoing events.
func newMachine() *fsm.FSM {
	var (
		connecting = string(domain.StatusConnecting)
		ringing    = string(domain.StatusRinging)
		answered   = string(domain.StatusAnswered)
		live       = []string{connecting, ringing, answered}
		early      = []string{connecting, ringing}
	)

	return fsm.NewFSM(
		string(domain.StatusIdle),
		fsm.Events{
			{Name: eventDial, Src: []string{string(domain.StatusIdle)}, Dst: connecting},
			{Name: eventRing, Src: []string{connecting}, Dst: ringing},
			{Name: eventAnswer, Src: early, Dst: answered},
			{Name: eventHangup, Src: live, Dst: string(domain.StatusEnded)},
			{Name: eventFail, Src: live, Dst: string(domain.StatusFailed)},
			{Name: eventBusy, Src: early, Dst: string(domain.StatusBusy)},
			{Name: eventNoAnswer, Src: early, Dst: string(domain.StatusNoAnswer)},
		},
		fsm.Callbacks{},
	)
}

// machineEvent maps a backend event to the state machine event it fires.
func machineEvent(kind backend.EventKind) (string, bool) {
	switch kind {
	case backend.EventRinging:
		return eventRing, true
	case backend.EventAnswered:
		return eventAnswer, true
	case backend.EventEnded:
		return eventHangup, true
	case backend.EventFailed:
		return eventFail, true
	case backend.EventBusy:
		return eventBusy, true
	case backend.EventNoAnswer:
		return eventNoAnswer, true
	}
	return "", false
}
