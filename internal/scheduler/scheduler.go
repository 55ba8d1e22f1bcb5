package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/acme/telecalling/pkg/logger"
)

// ErrClosed is returned when scheduling on a closed scheduler.
var ErrClosed = errors.New("scheduler: closed")

// Handle identifies one scheduled task.
type Handle struct {
	key string
	id  uint64
}

// Key returns the owner key the task was registered under.
func (h Handle) Key() string { return h.key }

type task struct {
	id       uint64
	key      string
	interval time.Duration
	timer    *clock.Timer
	fn       func()
}

// Scheduler keeps cancellable timers grouped by an owner key (a session id),
// so an owner can drop exactly the timers that belong to it. A callback only
// runs if its task is still registered when the timer fires.
type Scheduler struct {
	clock  clock.Clock
	logger *logger.Logger

	mu     sync.Mutex
	nextID uint64
	tasks  map[string]map[uint64]*task
	closed bool
}

// New constructs a scheduler driven by the given clock.
func New(clk clock.Clock, lg *logger.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		logger: lg.Named("scheduler"),
		tasks:  make(map[string]map[uint64]*task),
	}
}

// Clock exposes the time source used for every task.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// After runs fn once after d unless cancelled first.
func (s *Scheduler) After(key string, d time.Duration, fn func()) (Handle, error) {
	return s.schedule(key, d, 0, fn)
}

// Every runs fn each interval until cancelled.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) (Handle, error) {
	if interval <= 0 {
		interval = time.Second
	}
	return s.schedule(key, interval, interval, fn)
}

func (s *Scheduler) schedule(key string, d, interval time.Duration, fn func()) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Handle{}, ErrClosed
	}

	s.nextID++
	t := &task{id: s.nextID, key: key, interval: interval, fn: fn}
	owned, ok := s.tasks[key]
	if !ok {
		owned = make(map[uint64]*task)
		s.tasks[key] = owned
	}
	owned[t.id] = t
	t.timer = s.clock.AfterFunc(d, func() { s.fire(t) })

	return Handle{key: key, id: t.id}, nil
}

func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	owned, ok := s.tasks[t.key]
	if !ok || owned[t.id] != t {
		s.mu.Unlock()
		return
	}
	if t.interval > 0 {
		t.timer = s.clock.AfterFunc(t.interval, func() { s.fire(t) })
	} else {
		s.removeLocked(t)
	}
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("key", t.key), zap.Any("panic", r))
		}
	}()
	t.fn()
}

// Cancel stops a single task. It reports whether the task was still pending.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned, ok := s.tasks[h.key]
	if !ok {
		return false
	}
	t, ok := owned[h.id]
	if !ok {
		return false
	}
	t.timer.Stop()
	s.removeLocked(t)
	return true
}

// CancelKey stops every task registered under key and returns how many were pending.
func (s *Scheduler) CancelKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := s.tasks[key]
	for _, t := range owned {
		t.timer.Stop()
	}
	delete(s.tasks, key)
	return len(owned)
}

// Pending returns the number of live tasks for key.
func (s *Scheduler) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[key])
}

// Len returns the number of live tasks across all keys.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, owned := range s.tasks {
		n += len(owned)
	}
	return n
}

// Close cancels every task and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, owned := range s.tasks {
		for _, t := range owned {
			t.timer.Stop()
		}
		delete(s.tasks, key)
	}
	s.closed = true
}

func (s *Scheduler) removeLocked(t *task) {
	owned := s.tasks[t.key]
	delete(owned, t.id)
	if len(owned) == 0 {
		delete(s.tasks, t.key)
	}
}
