package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/config"
	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/media"
	"github.com/acme/telecalling/internal/scheduler"
	"github.com/acme/telecalling/internal/telemetry"
	apperrors "github.com/acme/telecalling/pkg/errors"
	"github.com/acme/telecalling/pkg/logger"
)

// LineLock reserves an agent's line so the same account cannot hold two
// calls from different workstations.
type LineLock interface {
	Acquire(ctx context.Context, agentID, sessionID string) (bool, error)
	Release(ctx context.Context, agentID, sessionID string) error
}

// lineLockTimeout bounds the line lock round trip before a call.
const lineLockTimeout = 2 * time.Second

// Option customises a Service.
type Option func(*Service)

// WithLineLock takes the agent's line lock for every call.
func WithLineLock(lock LineLock, agentID string) Option {
	return func(s *Service) {
		s.lineLock = lock
		s.agentID = agentID
	}
}

// WithMetrics records call metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithNotifier shares an existing observer registry.
func WithNotifier(n *Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// Service is the call-control facade used by the telecalling screen. It owns
// at most one call at a time. Public operations report success as booleans;
// failures reach observers as a failed status.
type Service struct {
	selector *backend.Selector
	guard    *media.Guard
	sched    *scheduler.Scheduler
	clock    clock.Clock
	notifier *Notifier
	lineLock LineLock
	agentID  string
	interval time.Duration
	metrics  *telemetry.Metrics
	logger   *logger.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	adapter backend.Adapter
	config  domain.WebRTCConfig
	current *callSession
	outbox  []domain.CallStatus

	// starting is the call between reserve and connecting.
	starting     *callSession
	// clearPending asks whichever goroutine drains the outbox to drop every
	// observer once the outbox is empty.
	clearPending bool

	// emitMu is held by whichever goroutine is draining the outbox.
	emitMu sync.Mutex
}

// NewService wires a service. The scheduler also provides the clock.
func NewService(selector *backend.Selector, guard *media.Guard, sched *scheduler.Scheduler, cfg config.CallConfig, lg *logger.Logger, opts ...Option) *Service {
	cfg = cfg.WithDefaults()
	if lg == nil {
		lg = logger.NewNop()
	}
	s := &Service{
		selector: selector,
		guard:    guard,
		sched:    sched,
		clock:    sched.Clock(),
		interval: cfg.DurationInterval,
		logger:   lg.Named("session"),
		tracer:   otel.Tracer("telecalling.session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewNotifier(lg, s.metrics)
	}
	return s
}

// Initialize selects and prepares a backend for cfg. On failure the service
// stays uninitialized and MakeCall fails until a later Initialize succeeds.
func (s *Service) Initialize(ctx context.Context, cfg domain.WebRTCConfig) bool {
	ctx, span := s.tracer.Start(ctx, "session.initialize", trace.WithAttributes(attribute.String("user_id", cfg.UserID)))
	defer span.End()

	if err := cfg.Validate(); err != nil {
		s.logger.Warn("initialize rejected", zap.Error(err))
		recordError(span, err)
		return false
	}

	s.mu.Lock()
	if s.current != nil || s.starting != nil {
		s.mu.Unlock()
		s.logger.Warn("initialize rejected", zap.Error(apperrors.ErrAlreadyInCall))
		recordError(span, apperrors.ErrAlreadyInCall)
		return false
	}
	prev := s.adapter
	s.adapter = nil
	s.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			s.logger.Warn("close previous backend", zap.String("backend", prev.Name()), zap.Error(err))
		}
	}

	adapter, err := s.selector.Select(ctx, cfg)
	if err != nil {
		s.logger.Error("initialize failed", zap.String("user_id", cfg.UserID), zap.Error(err))
		recordError(span, err)
		return false
	}

	s.mu.Lock()
	s.adapter = adapter
	s.config = cfg
	s.mu.Unlock()

	fallback := s.selector.UsingFallback()
	span.SetAttributes(attribute.String("backend", adapter.Name()), attribute.Bool("using_fallback", fallback))
	s.logger.Info("call service initialized",
		zap.String("user_id", cfg.UserID),
		zap.String("backend", adapter.Name()),
		zap.Bool("using_fallback", fallback),
	)
	return true
}

// MakeCall places a call. It returns false when a call is already active
// (nothing is emitted) or when the call could not start (a failed status is
// emitted).
func (s *Service) MakeCall(ctx context.Context, opts domain.CallOptions) bool {
	return s.StartCall(ctx, opts) == nil
}

// StartCall is MakeCall returning the reason a call did not start.
func (s *Service) StartCall(ctx context.Context, opts domain.CallOptions) error {
	ctx, span := s.tracer.Start(ctx, "session.make_call", trace.WithAttributes(attribute.String("to", opts.To)))
	defer span.End()
	defer s.flush()

	sess, adapter, err := s.beginCall(ctx, opts)
	if err != nil {
		recordError(span, err)
		return err
	}
	span.SetAttributes(attribute.String("session_id", sess.id), attribute.String("backend", adapter.Name()))

	h, err := adapter.MakeCall(ctx, backend.CallRequest{SessionID: sess.id, Options: sess.opts}, s.onBackendEvent)

	s.mu.Lock()
	live := s.current == sess
	var after func(context.Context)
	switch {
	case err != nil && live:
		if !errors.Is(err, apperrors.ErrCallInitiationFailed) {
			err = fmt.Errorf("%w: %v", apperrors.ErrCallInitiationFailed, err)
		}
		s.fireLocked(sess, eventFail)
		after = s.teardownLocked(sess, err)
	case err == nil && live:
		sess.handle = h
	}
	s.mu.Unlock()

	if after != nil {
		after(ctx)
	}
	if !live {
		if err == nil {
			if endErr := adapter.EndCall(ctx, h); endErr != nil {
				s.logger.Warn("end call after early hangup", zap.String("session_id", sess.id), zap.Error(endErr))
			}
		}
		s.logger.Info("call ended while dialing", zap.String("session_id", sess.id))
		recordError(span, backend.ErrEndedWhileDialing)
		return backend.ErrEndedWhileDialing
	}
	if err != nil {
		s.logger.Warn("call initiation failed", zap.String("session_id", sess.id), zap.Error(err))
		recordError(span, err)
		return err
	}

	s.logger.Info("call started",
		zap.String("session_id", sess.id),
		zap.String("to", sess.opts.To),
		zap.String("backend", adapter.Name()),
	)
	return nil
}

// beginCall runs the checks and acquisitions that precede dialing and puts
// the new session in connecting. The line lock and the microphone are taken
// without holding s.mu; s.starting keeps a second call out meanwhile.
func (s *Service) beginCall(ctx context.Context, opts domain.CallOptions) (*callSession, backend.Adapter, error) {
	sess, err := s.reserve(opts)
	if err != nil {
		return nil, nil, err
	}

	if s.lineLock != nil {
		lockCtx, cancel := context.WithTimeout(ctx, lineLockTimeout)
		ok, err := s.lineLock.Acquire(lockCtx, s.agentID, sess.id)
		cancel()
		switch {
		case err != nil:
			s.logger.Warn("line lock unavailable, continuing without it", zap.String("agent_id", s.agentID), zap.Error(err))
		case !ok:
			return nil, nil, s.abortStart(sess, fmt.Errorf("%w: agent line held elsewhere", apperrors.ErrAlreadyInCall))
		default:
			sess.lineLocked = true
		}
	}

	if err := s.guard.Acquire(ctx); err != nil {
		return nil, nil, s.abortStart(sess, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.starting != sess || s.adapter == nil {
		// Destroyed while acquiring.
		s.guard.Release()
		if s.starting == sess {
			s.starting = nil
		}
		if sess.lineLocked {
			go s.releaseLine(sess.id)
		}
		err := apperrors.ErrNotInitialized
		s.enqueueLocked(s.failedBeforeDial(sess, err, s.clock.Now().UTC()))
		return nil, nil, err
	}
	s.starting = nil

	s.fireLocked(sess, eventDial)
	s.current = sess
	s.metrics.CallStarted()
	s.enqueueLocked(s.statusLocked(sess, nil))
	return sess, s.adapter, nil
}

// reserve validates a call request and claims the single call slot.
func (s *Service) reserve(opts domain.CallOptions) (*callSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil || s.starting != nil {
		s.logger.Warn("make call rejected", zap.Error(apperrors.ErrAlreadyInCall))
		return nil, apperrors.ErrAlreadyInCall
	}

	now := s.clock.Now().UTC()
	if s.adapter == nil {
		err := apperrors.ErrNotInitialized
		s.enqueueLocked(domain.CallStatus{Status: domain.StatusFailed, Error: apperrors.Message(err), CustomField: opts.CustomField, OccurredAt: now})
		return nil, err
	}

	opts, err := opts.Normalize()
	if err != nil {
		s.enqueueLocked(domain.CallStatus{Status: domain.StatusFailed, Error: apperrors.Message(err), CustomField: opts.CustomField, OccurredAt: now})
		return nil, err
	}

	sess := newCallSession(uuid.NewString(), opts, s.adapter.Name(), now)
	s.starting = sess
	return sess, nil
}

// abortStart gives back the call slot and reports err as a failed status.
func (s *Service) abortStart(sess *callSession, err error) error {
	s.mu.Lock()
	if s.starting == sess {
		s.starting = nil
	}
	s.enqueueLocked(s.failedBeforeDial(sess, err, s.clock.Now().UTC()))
	s.mu.Unlock()

	if sess.lineLocked {
		go s.releaseLine(sess.id)
	}
	return err
}

func (s *Service) failedBeforeDial(sess *callSession, err error, now time.Time) domain.CallStatus {
	return domain.CallStatus{
		Status:      domain.StatusFailed,
		CallID:      sess.id,
		Error:       apperrors.Message(err),
		CustomField: sess.opts.CustomField,
		OccurredAt:  now,
	}
}

// onBackendEvent is the sink handed to the backend for every call.
func (s *Service) onBackendEvent(ev backend.Event) {
	if after := s.applyEvent(ev); after != nil {
		after(context.Background())
	}
	s.flush()
}

func (s *Service) applyEvent(ev backend.Event) func(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.current
	if sess == nil || sess.id != ev.SessionID {
		s.logger.Debug("dropping event for inactive session", zap.String("session_id", ev.SessionID), zap.String("event", string(ev.Kind)))
		return nil
	}
	if sess.handle.CallID == "" && ev.CallID != "" {
		sess.handle.CallID = ev.CallID
	}

	name, ok := machineEvent(ev.Kind)
	if !ok {
		s.logger.Debug("backend event", zap.String("session_id", sess.id), zap.String("event", string(ev.Kind)))
		return nil
	}
	if err := sess.machine.Event(context.Background(), name); err != nil {
		s.logger.Debug("transition rejected",
			zap.String("session_id", sess.id),
			zap.String("event", name),
			zap.String("status", string(sess.status())),
			zap.Error(err),
		)
		return nil
	}

	switch st := sess.status(); {
	case st == domain.StatusAnswered:
		sess.startTime = ev.At
		if sess.startTime.IsZero() {
			sess.startTime = s.clock.Now().UTC()
		}
		s.startTickerLocked(sess)
		s.enqueueLocked(s.statusLocked(sess, nil))
	case st.Terminal():
		return s.teardownLocked(sess, ev.Err)
	default:
		s.enqueueLocked(s.statusLocked(sess, nil))
	}
	return nil
}

func (s *Service) startTickerLocked(sess *callSession) {
	id := sess.id
	h, err := s.sched.Every(id, s.interval, func() { s.tick(id) })
	if err != nil {
		s.logger.Warn("start duration timer", zap.String("session_id", id), zap.Error(err))
		return
	}
	sess.ticker = h
	sess.ticking = true
}

func (s *Service) tick(sessionID string) {
	s.mu.Lock()
	if sess := s.current; sess != nil && sess.id == sessionID && sess.status() == domain.StatusAnswered {
		s.enqueueLocked(s.statusLocked(sess, nil))
	}
	s.mu.Unlock()
	s.flush()
}

// EndCall hangs up the current call from any non-idle state. It returns false
// when there is no call.
func (s *Service) EndCall(ctx context.Context) bool {
	ctx, span := s.tracer.Start(ctx, "session.end_call")
	defer span.End()

	s.mu.Lock()
	sess := s.current
	if sess == nil {
		s.mu.Unlock()
		return false
	}
	s.fireLocked(sess, eventHangup)
	after := s.teardownLocked(sess, nil)
	s.mu.Unlock()

	span.SetAttributes(attribute.String("session_id", sess.id))
	after(ctx)
	s.flush()
	return true
}

// fireLocked applies a locally decided transition.
func (s *Service) fireLocked(sess *callSession, event string) {
	if err := sess.machine.Event(context.Background(), event); err != nil {
		s.logger.Warn("local transition rejected",
			zap.String("session_id", sess.id),
			zap.String("event", event),
			zap.String("status", string(sess.status())),
			zap.Error(err),
		)
	}
}

// teardownLocked detaches sess after it reached a terminal state: the
// duration timer and every timer keyed to the session are cancelled and the
// microphone is released before the terminal status is queued. The returned
// func does the blocking part and must run after the lock is released.
func (s *Service) teardownLocked(sess *callSession, cause error) func(context.Context) {
	now := s.clock.Now().UTC()
	sess.endTime = now
	if sess.ticking {
		s.sched.Cancel(sess.ticker)
		sess.ticking = false
	}
	s.sched.CancelKey(sess.id)
	s.guard.Release()
	s.current = nil

	st := s.statusLocked(sess, cause)
	s.metrics.CallFinished(sess.backend, string(st.Status), st.Duration)
	s.enqueueLocked(st)

	s.logger.Info("call finished",
		zap.String("session_id", sess.id),
		zap.String("status", string(st.Status)),
		zap.Int("duration", st.Duration),
		zap.String("error", st.Error),
	)

	adapter := s.adapter
	handle := sess.handle
	locked := sess.lineLocked
	return func(ctx context.Context) {
		if adapter != nil {
			if err := adapter.EndCall(ctx, handle); err != nil {
				s.logger.Warn("backend end call", zap.String("session_id", handle.SessionID), zap.Error(err))
			}
		}
		if locked {
			s.releaseLine(handle.SessionID)
		}
	}
}

func (s *Service) releaseLine(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lineLock.Release(ctx, s.agentID, sessionID); err != nil {
		s.logger.Warn("release line lock", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Service) statusLocked(sess *callSession, cause error) domain.CallStatus {
	now := s.clock.Now().UTC()
	return domain.CallStatus{
		Status:      sess.status(),
		Duration:    sess.duration(now),
		CallID:      sess.id,
		Error:       apperrors.Message(cause),
		CustomField: sess.opts.CustomField,
		OccurredAt:  now,
	}
}

func (s *Service) enqueueLocked(st domain.CallStatus) {
	s.outbox = append(s.outbox, st)
}

// flush delivers queued statuses in order. Only one goroutine drains at a
// time; an observer that calls back into the service has its statuses picked
// up by the drain already running.
func (s *Service) flush() {
	for {
		if !s.emitMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.outbox) == 0 {
				drop := s.clearPending
				s.clearPending = false
				s.mu.Unlock()
				if drop {
					s.notifier.Clear()
				}
				break
			}
			st := s.outbox[0]
			s.outbox = s.outbox[1:]
			s.mu.Unlock()

			s.notifier.Notify(st)
		}
		s.emitMu.Unlock()

		s.mu.Lock()
		pending := len(s.outbox) > 0 || s.clearPending
		s.mu.Unlock()
		if !pending {
			return
		}
	}
}

// ToggleMute flips the microphone track and returns the new muted state. It
// returns false when no stream is held.
func (s *Service) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || !s.guard.Held() {
		return false
	}
	muted, err := s.guard.ToggleMute()
	if err != nil {
		s.logger.Debug("toggle mute", zap.Error(err))
		return false
	}
	if sess := s.current; sess != nil && s.adapter != nil {
		if err := s.adapter.SetMuted(sess.handle, muted); err != nil {
			s.logger.Debug("mirror mute to backend", zap.String("session_id", sess.id), zap.Error(err))
		}
	}
	return muted
}

// ToggleHold asks the backend to flip hold and returns the resulting value.
// Backends without hold leave the value unchanged.
func (s *Service) ToggleHold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.current
	if sess == nil || s.adapter == nil {
		return false
	}
	onHold, err := s.adapter.ToggleHold(sess.handle)
	if err != nil {
		s.logger.Debug("toggle hold", zap.String("session_id", sess.id), zap.Error(err))
		return sess.onHold
	}
	sess.onHold = onHold
	return onHold
}

// CallDuration returns whole seconds since answer, or 0.
func (s *Service) CallDuration() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return 0
	}
	return s.current.duration(s.clock.Now())
}

// IsCallActive reports whether a call exists.
func (s *Service) IsCallActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// CurrentCallInfo snapshots the active call.
func (s *Service) CurrentCallInfo() (domain.CallInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return domain.CallInfo{}, false
	}
	return s.current.info(s.clock.Now(), s.guard.IsMuted(), s.usingFallbackLocked()), true
}

// Initialized reports whether a backend is ready.
func (s *Service) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter != nil
}

// UsingFallback reports whether the active backend is the local fallback.
func (s *Service) UsingFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usingFallbackLocked()
}

func (s *Service) usingFallbackLocked() bool {
	return s.adapter != nil && s.selector.UsingFallback()
}

// BackendName names the active backend, or "" before initialization.
func (s *Service) BackendName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter == nil {
		return ""
	}
	return s.adapter.Name()
}

// OnStatusChange registers an observer.
func (s *Service) OnStatusChange(o Observer) SubscriptionID {
	return s.notifier.Subscribe(o)
}

// OffStatusChange removes an observer registered with OnStatusChange.
func (s *Service) OffStatusChange(id SubscriptionID) bool {
	return s.notifier.Unsubscribe(id)
}

// Destroy ends any call, releases the microphone, clears observers and closes
// the backend. It is safe to call more than once.
func (s *Service) Destroy(ctx context.Context) {
	s.mu.Lock()
	var after func(context.Context)
	if sess := s.current; sess != nil {
		s.fireLocked(sess, eventHangup)
		after = s.teardownLocked(sess, nil)
	}
	s.starting = nil
	adapter := s.adapter
	s.adapter = nil
	s.clearPending = true
	s.mu.Unlock()

	if after != nil {
		after(ctx)
	}
	// Observers are dropped after the final statuses, possibly by a timer
	// goroutine that is still draining.
	s.flush()
	s.guard.Release()

	if adapter != nil {
		if err := adapter.Close(); err != nil {
			s.logger.Warn("close backend", zap.String("backend", adapter.Name()), zap.Error(err))
		}
		s.logger.Info("call service destroyed", zap.String("backend", adapter.Name()))
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
