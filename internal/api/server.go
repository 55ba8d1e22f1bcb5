package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"

	"github.com/acme/telecalling/internal/api/handlers"
	"github.com/acme/telecalling/internal/app"
	"github.com/acme/telecalling/internal/queue"
)

// Server wraps the Fiber application.
type Server struct {
	app      *fiber.App
	deps     *app.Container
	handlers *handlers.HandlerSet
}

// HandlerSet builds the handler bundle of an agent process.
func HandlerSet(deps *app.Container) *handlers.HandlerSet {
	calls := deps.Calls()
	var dial handlers.DialDispatcher
	if d := deps.Dispatchers(); d != nil {
		dial = d.Dial
	}
	return handlers.NewHandlerSet(handlers.Deps{
		Calls:   calls.Session,
		Dial:    dial,
		Ready:   deps.Ready,
		Metrics: deps.Metrics.Handler(),
		AgentID: deps.Config.Call.AgentID,
		Logger:  deps.Logger,
	})
}

// HistoryHandlerSet builds the read-only call history bundle served next to
// the status worker.
func HistoryHandlerSet(deps *app.Container) *handlers.HandlerSet {
	hd := handlers.Deps{
		Ready:   deps.Ready,
		Metrics: deps.Metrics.Handler(),
		AgentID: deps.Config.Call.AgentID,
		Logger:  deps.Logger,
	}
	if repos := deps.Repositories(); repos != nil {
		hd.CallLogs = repos.CallLogs
		hd.Events = repos.Events
	}
	if d := deps.Dispatchers(); d != nil {
		hd.Dial = d.Dial
	}
	return handlers.NewHandlerSet(hd)
}

// NewServer constructs a new HTTP server.
func NewServer(deps *app.Container, handlers *handlers.HandlerSet) *Server {
	cfg := fiber.Config{
		ReadTimeout:           deps.Config.HTTP.ReadTimeout,
		WriteTimeout:          deps.Config.HTTP.WriteTimeout,
		IdleTimeout:           deps.Config.HTTP.IdleTimeout,
		ErrorHandler:          handlers.ErrorHandler,
		DisableStartupMessage: true,
	}

	app := fiber.New(cfg)
	app.Use(otelfiber.Middleware())
	handlers.Register(app)

	return &Server{app: app, deps: deps, handlers: handlers}
}

// Start begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.deps.Config.HTTP.Port)
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Shutdown closes open event streams and gracefully stops the server.
func (s *Server) Shutdown() error {
	s.handlers.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}

var _ handlers.DialDispatcher = (*queue.DialDispatcher)(nil)
