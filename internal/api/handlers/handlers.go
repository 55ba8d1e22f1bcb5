package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/queue"
	"github.com/acme/telecalling/internal/repository"
	"github.com/acme/telecalling/internal/service/session"
	"github.com/acme/telecalling/pkg/logger"
)

// CallController is the call-control surface the handlers drive.
type CallController interface {
	Initialize(ctx context.Context, cfg domain.WebRTCConfig) bool
	Initialized() bool
	StartCall(ctx context.Context, opts domain.CallOptions) error
	EndCall(ctx context.Context) bool
	ToggleMute() bool
	ToggleHold() bool
	CallDuration() int
	IsCallActive() bool
	CurrentCallInfo() (domain.CallInfo, bool)
	UsingFallback() bool
	BackendName() string
	OnStatusChange(o session.Observer) session.SubscriptionID
	OffStatusChange(id session.SubscriptionID) bool
}

// DialDispatcher publishes click-to-call commands.
type DialDispatcher interface {
	Dispatch(ctx context.Context, cmd queue.DialCommand) (queue.DialCommand, error)
}

// Deps are the collaborators of the handler set. Route groups whose
// collaborators are nil are not registered.
type Deps struct {
	Calls    CallController
	Dial     DialDispatcher
	CallLogs repository.CallLogRepository
	Events   repository.CallEventStore
	Ready   func(ctx context.Context) error
	Metrics http.Handler
	AgentID string
	Logger  *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	calls   CallController
	dial    DialDispatcher
	logs    repository.CallLogRepository
	events  repository.CallEventStore
	ready   func(ctx context.Context) error
	metrics http.Handler
	agentID string
	logger  *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	lg := deps.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	return &HandlerSet{
		calls:   deps.Calls,
		dial:    deps.Dial,
		logs:    deps.CallLogs,
		events:  deps.Events,
		ready:   deps.Ready,
		metrics: deps.Metrics,
		agentID: deps.AgentID,
		logger:  lg.Named("http"),
		stop:    make(chan struct{}),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	if h.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.metrics))
	}

	v1 := app.Group("/api").Group("/v1")
	v1.Post("/dial-requests", h.dialRequest)

	if h.calls != nil {
		v1.Post("/session/initialize", h.initialize)

		calls := v1.Group("/calls")
		calls.Post("/", h.makeCall)
		calls.Get("/events", h.streamEvents)
		calls.Get("/current", h.currentCall)
		calls.Delete("/current", h.endCall)
		calls.Get("/current/duration", h.duration)
		calls.Post("/current/mute", h.toggleMute)
		calls.Post("/current/hold", h.toggleHold)
	}

	if h.logs != nil && h.events != nil {
		history := v1.Group("/history")
		history.Get("/calls", h.listCallLogs)
		history.Get("/calls/:sessionID", h.getCallLog)
		history.Get("/calls/:sessionID/events", h.listCallEvents)
	}
}

// Close ends every open event stream.
func (h *HandlerSet) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code >= fiber.StatusInternalServerError {
		h.logger.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.Error(err),
		)
	}

	return ctx.Status(code).JSON(fiber.Map{"error": message})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok"}
	if h.calls != nil {
		resp["initialized"] = h.calls.Initialized()
		resp["backend"] = h.calls.BackendName()
		resp["using_fallback"] = h.calls.UsingFallback()
		resp["call_active"] = h.calls.IsCallActive()
	}
	if h.ready == nil {
		return ctx.Status(fiber.StatusOK).JSON(resp)
	}

	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()
	if err := h.ready(healthCtx); err != nil {
		resp["status"] = "degraded"
		resp["error"] = err.Error()
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return ctx.Status(fiber.StatusOK).JSON(resp)
}
