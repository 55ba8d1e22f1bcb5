package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/config"
	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/media"
	"github.com/acme/telecalling/internal/scheduler"
	apperrors "github.com/acme/telecalling/pkg/errors"
	"github.com/acme/telecalling/pkg/logger"
)

// Name is the backend name reported in logs and metrics.
const Name = "fallback"

type call struct {
	handle   backend.Handle
	answered bool
	muted    bool
}

// Backend simulates call progression locally. Ringing and answer are
// scheduled under the session id so ending the call drops exactly them.
type Backend struct {
	sched       *scheduler.Scheduler
	guard       *media.Guard
	ringDelay   time.Duration
	answerDelay time.Duration
	logger      *logger.Logger

	mu          sync.Mutex
	initialized bool
	calls       map[string]*call
}

// New constructs the fallback backend.
func New(sched *scheduler.Scheduler, guard *media.Guard, cfg config.CallConfig, lg *logger.Logger) *Backend {
	cfg = cfg.WithDefaults()
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Backend{
		sched:       sched,
		guard:       guard,
		ringDelay:   cfg.RingDelay,
		answerDelay: cfg.AnswerDelay,
		logger:      lg.Named("fallback"),
		calls:       make(map[string]*call),
	}
}

func (b *Backend) Name() string { return Name }

// Initialize checks microphone permission up front since there is no remote
// side to defer it to.
func (b *Backend) Initialize(ctx context.Context, cfg domain.WebRTCConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("fallback: initialize: %w", err)
	}
	if b.guard != nil {
		if err := b.guard.Verify(ctx); err != nil {
			return fmt.Errorf("fallback: initialize: %w", err)
		}
	}

	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()

	b.logger.Info("fallback backend ready", zap.String("user_id", cfg.UserID))
	return nil
}

func (b *Backend) MakeCall(_ context.Context, req backend.CallRequest, sink backend.EventSink) (backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return backend.Handle{}, fmt.Errorf("fallback: make call: %w", apperrors.ErrNotInitialized)
	}
	if _, busy := b.calls[req.SessionID]; busy {
		return backend.Handle{}, fmt.Errorf("fallback: make call: %w", apperrors.ErrAlreadyInCall)
	}

	h := backend.Handle{SessionID: req.SessionID, CallID: "sim-" + uuid.NewString()}
	if _, err := b.sched.After(req.SessionID, b.ringDelay, b.progress(h, backend.EventRinging, sink)); err != nil {
		return backend.Handle{}, fmt.Errorf("fallback: schedule ringing: %w", err)
	}
	if _, err := b.sched.After(req.SessionID, b.answerDelay, b.progress(h, backend.EventAnswered, sink)); err != nil {
		b.sched.CancelKey(req.SessionID)
		return backend.Handle{}, fmt.Errorf("fallback: schedule answer: %w", err)
	}
	b.calls[req.SessionID] = &call{handle: h}

	b.logger.Debug("simulated call placed",
		zap.String("session_id", req.SessionID),
		zap.String("call_id", h.CallID),
		zap.String("to", req.Options.To),
	)
	return h, nil
}

func (b *Backend) progress(h backend.Handle, kind backend.EventKind, sink backend.EventSink) func() {
	return func() {
		b.mu.Lock()
		c, ok := b.calls[h.SessionID]
		live := ok && c.handle == h
		if live && kind == backend.EventAnswered {
			c.answered = true
		}
		b.mu.Unlock()

		if !live {
			return
		}
		sink(backend.Event{
			SessionID: h.SessionID,
			Kind:      kind,
			CallID:    h.CallID,
			At:        b.sched.Clock().Now().UTC(),
		})
	}
}

// EndCall drops the call and every pending simulated transition. Calls are
// matched on session id, so a handle without a call id still ends its call.
func (b *Backend) EndCall(_ context.Context, h backend.Handle) error {
	b.mu.Lock()
	c, ok := b.calls[h.SessionID]
	if ok {
		delete(b.calls, h.SessionID)
	}
	b.mu.Unlock()

	n := b.sched.CancelKey(h.SessionID)
	if ok {
		b.logger.Debug("simulated call ended",
			zap.String("session_id", h.SessionID),
			zap.Bool("answered", c.answered),
			zap.Int("cancelled_timers", n),
		)
	}
	return nil
}

func (b *Backend) SetMuted(h backend.Handle, muted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.calls[h.SessionID]
	if !ok {
		return fmt.Errorf("fallback: set muted: %w", apperrors.ErrNotFound)
	}
	c.muted = muted
	return nil
}

// ToggleHold is not simulated.
func (b *Backend) ToggleHold(backend.Handle) (bool, error) {
	return false, apperrors.ErrHoldUnsupported
}

func (b *Backend) IsCallActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls) > 0
}

// Close ends every simulated call.
func (b *Backend) Close() error {
	b.mu.Lock()
	keys := make([]string, 0, len(b.calls))
	for k := range b.calls {
		keys = append(keys, k)
	}
	b.calls = make(map[string]*call)
	b.initialized = false
	b.mu.Unlock()

	for _, k := range keys {
		b.sched.CancelKey(k)
	}
	return nil
}
