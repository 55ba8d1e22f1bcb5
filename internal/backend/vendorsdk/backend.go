package vendorsdk

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/domain"
	apperrors "github.com/acme/telecalling/pkg/errors"
	"github.com/acme/telecalling/pkg/logger"
)

// Name is the backend name reported in logs and metrics.
const Name = "vendor"

// SDKEvent is a progress report from the vendor SDK.
type SDKEvent struct {
	CallID string
	Kind   backend.EventKind
	Code   int
	Reason string
}

// SDK is the surface of the real-time communication SDK the vendor backend
// drives. Dial must return as soon as the call is placed; progress arrives
// through emit, possibly before Dial returns.
type SDK interface {
	Register(ctx context.Context, cfg domain.WebRTCConfig) error
	Dial(ctx context.Context, req backend.CallRequest, emit func(SDKEvent)) (string, error)
	Hangup(ctx context.Context, callID string) error
	Close() error
}

// Loader loads the SDK. Any error means the vendor backend is unavailable.
type Loader func(ctx context.Context) (SDK, error)

type activeCall struct {
	handle backend.Handle
	sink   backend.EventSink
	cancel context.CancelFunc
	muted  bool
}

// Backend adapts the vendor SDK to the backend contract.
type Backend struct {
	load   Loader
	clock  clock.Clock
	logger *logger.Logger

	mu     sync.Mutex
	sdk    SDK
	active *activeCall
}

// New constructs the vendor backend. The SDK is loaded lazily by Initialize.
func New(load Loader, clk clock.Clock, lg *logger.Logger) *Backend {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Backend{load: load, clock: clk, logger: lg.Named("vendor")}
}

func (b *Backend) Name() string { return Name }

// Initialize loads the SDK and registers the agent. Microphone permission is
// left to call time.
func (b *Backend) Initialize(ctx context.Context, cfg domain.WebRTCConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("vendor: initialize: %w", err)
	}
	if strings.TrimSpace(cfg.SIPUsername) == "" {
		return fmt.Errorf("vendor: initialize: %w: sip username is required", apperrors.ErrBackendUnavailable)
	}
	if b.load == nil {
		return fmt.Errorf("vendor: initialize: %w: no sdk loader", apperrors.ErrBackendUnavailable)
	}

	b.mu.Lock()
	sdk := b.sdk
	b.mu.Unlock()

	if sdk == nil {
		loaded, err := b.load(ctx)
		if err != nil {
			return fmt.Errorf("vendor: load sdk: %w: %v", apperrors.ErrBackendUnavailable, err)
		}
		sdk = loaded
	}
	if err := sdk.Register(ctx, cfg); err != nil {
		_ = sdk.Close()
		b.mu.Lock()
		b.sdk = nil
		b.mu.Unlock()
		return fmt.Errorf("vendor: register: %w: %v", apperrors.ErrBackendUnavailable, err)
	}

	b.mu.Lock()
	b.sdk = sdk
	b.mu.Unlock()

	b.logger.Info("vendor backend registered", zap.String("user_id", cfg.UserID), zap.String("sip_username", cfg.SIPUsername))
	return nil
}

func (b *Backend) MakeCall(ctx context.Context, req backend.CallRequest, sink backend.EventSink) (backend.Handle, error) {
	b.mu.Lock()
	if b.sdk == nil {
		b.mu.Unlock()
		return backend.Handle{}, fmt.Errorf("vendor: make call: %w", apperrors.ErrNotInitialized)
	}
	if b.active != nil {
		b.mu.Unlock()
		return backend.Handle{}, fmt.Errorf("vendor: make call: %w", apperrors.ErrAlreadyInCall)
	}
	sdk := b.sdk
	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active := &activeCall{handle: backend.Handle{SessionID: req.SessionID}, sink: sink, cancel: cancel}
	b.active = active
	b.mu.Unlock()

	callID, err := sdk.Dial(dialCtx, req, b.translate(active))
	if err != nil {
		cancel()
		b.mu.Lock()
		if b.active == active {
			b.active = nil
		}
		b.mu.Unlock()
		return backend.Handle{}, fmt.Errorf("vendor: dial: %w: %v", apperrors.ErrCallInitiationFailed, err)
	}

	b.mu.Lock()
	active.handle.CallID = callID
	h := active.handle
	ended := b.active != active
	b.mu.Unlock()

	if ended {
		// EndCall ran while the SDK was dialing and had no call id to hang up.
		cancel()
		if err := sdk.Hangup(context.WithoutCancel(ctx), callID); err != nil {
			b.logger.Warn("hangup after early end", zap.String("call_id", callID), zap.Error(err))
		}
		return backend.Handle{}, fmt.Errorf("vendor: dial: %w", backend.ErrEndedWhileDialing)
	}

	b.logger.Debug("vendor call placed", zap.String("session_id", req.SessionID), zap.String("call_id", callID))
	return h, nil
}

// translate turns SDK events for one call into backend events. Events that
// arrive after the call was ended or replaced are dropped.
func (b *Backend) translate(active *activeCall) func(SDKEvent) {
	return func(ev SDKEvent) {
		b.mu.Lock()
		if b.active != active || (active.handle.CallID != "" && ev.CallID != "" && ev.CallID != active.handle.CallID) {
			b.mu.Unlock()
			b.logger.Debug("dropping stale sdk event", zap.String("call_id", ev.CallID), zap.String("kind", string(ev.Kind)))
			return
		}
		terminal := false
		if st, ok := ev.Kind.Status(); ok && st.Terminal() {
			terminal = true
			b.active = nil
		}
		h := active.handle
		b.mu.Unlock()

		if terminal {
			active.cancel()
		}

		out := backend.Event{
			SessionID: h.SessionID,
			Kind:      ev.Kind,
			CallID:    ev.CallID,
			At:        b.clock.Now().UTC(),
		}
		if out.CallID == "" {
			out.CallID = h.CallID
		}
		if ev.Kind == backend.EventFailed {
			out.Err = fmt.Errorf("%w: %d %s", apperrors.ErrCallInitiationFailed, ev.Code, ev.Reason)
		}
		active.sink(out)
	}
}

// EndCall hangs up the active call. Ending an unknown call is a no-op.
func (b *Backend) EndCall(ctx context.Context, h backend.Handle) error {
	b.mu.Lock()
	active := b.active
	if active == nil || active.handle.SessionID != h.SessionID {
		b.mu.Unlock()
		return nil
	}
	b.active = nil
	sdk := b.sdk
	callID := active.handle.CallID
	b.mu.Unlock()

	defer active.cancel()
	if sdk == nil || callID == "" {
		return nil
	}
	if err := sdk.Hangup(ctx, callID); err != nil {
		return fmt.Errorf("vendor: hangup: %w", err)
	}
	return nil
}

func (b *Backend) SetMuted(h backend.Handle, muted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active == nil || b.active.handle.SessionID != h.SessionID {
		return fmt.Errorf("vendor: set muted: %w", apperrors.ErrNotFound)
	}
	b.active.muted = muted
	return nil
}

// ToggleHold is not offered by the vendor trunk.
func (b *Backend) ToggleHold(backend.Handle) (bool, error) {
	return false, apperrors.ErrHoldUnsupported
}

func (b *Backend) IsCallActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active != nil
}

// Close unregisters from the SDK and drops any active call.
func (b *Backend) Close() error {
	b.mu.Lock()
	sdk := b.sdk
	active := b.active
	b.sdk = nil
	b.active = nil
	b.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	if sdk == nil {
		return nil
	}
	if err := sdk.Close(); err != nil {
		return fmt.Errorf("vendor: close sdk: %w", err)
	}
	return nil
}
