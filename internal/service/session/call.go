package session

import (
	"time"

	"github.com/looplab/fsm"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/scheduler"
)

// callSession is the single in-progress call of a Service. Every field is
// guarded by the service mutex.
type callSession struct {
	id        string
	opts      domain.CallOptions
	machine   *fsm.FSM
	handle    backend.Handle
	backend   string
	createdAt time.Time

	startTime time.Time
	endTime   time.Time
	onHold    bool

	ticker     scheduler.Handle
	ticking    bool
	lineLocked bool
}

func newCallSession(id string, opts domain.CallOptions, backendName string, now time.Time) *callSession {
	return &callSession{
		id:        id,
		opts:      opts,
		machine:   newMachine(),
		handle:    backend.Handle{SessionID: id},
		backend:   backendName,
		createdAt: now,
	}
}

func (c *callSession) status() domain.Status {
	return domain.Status(c.machine.Current())
}

func (c *callSession) answered() bool {
	return !c.startTime.IsZero()
}

// duration is whole seconds since answer, frozen once the call ended.
func (c *callSession) duration(now time.Time) int {
	if !c.answered() {
		return 0
	}
	end := now
	if !c.endTime.IsZero() {
		end = c.endTime
	}
	if end.Before(c.startTime) {
		return 0
	}
	return int(end.Sub(c.startTime) / time.Second)
}

func (c *callSession) info(now time.Time, muted, usingFallback bool) domain.CallInfo {
	info := domain.CallInfo{
		ID:            c.id,
		To:            c.opts.To,
		From:          c.opts.From,
		CallType:      c.opts.CallType,
		CustomField:   c.opts.CustomField,
		Status:        c.status(),
		CreatedAt:     c.createdAt,
		Duration:      c.duration(now),
		IsMuted:       muted,
		IsOnHold:      c.onHold,
		Backend:       c.backend,
		UsingFallback: usingFallback,
	}
	if c.answered() {
		start := c.startTime
		info.StartTime = &start
	}
	return info
}
