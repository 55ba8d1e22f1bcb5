package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/service/session"
)

const (
	eventBuffer       = 64
	keepAliveInterval = 15 * time.Second
)

var errSlowSubscriber = errors.New("event stream subscriber is too slow")

// streamObserver hands statuses to one SSE connection without blocking the
// session's delivery loop.
type streamObserver struct {
	ch chan domain.CallStatus
}

func (o streamObserver) OnStatus(st domain.CallStatus) error {
	select {
	case o.ch <- st:
		return nil
	default:
		return errSlowSubscriber
	}
}

func (h *HandlerSet) streamEvents(ctx *fiber.Ctx) error {
	ctx.Set(fiber.HeaderContentType, "text/event-stream")
	ctx.Set(fiber.HeaderCacheControl, "no-cache")
	ctx.Set(fiber.HeaderConnection, "keep-alive")

	obs := streamObserver{ch: make(chan domain.CallStatus, eventBuffer)}
	id := h.calls.OnStatusChange(obs)
	snapshot, active := h.calls.CurrentCallInfo()
	lg := h.logger.With(zap.Uint64("subscription", uint64(id)))

	ctx.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.calls.OffStatusChange(id)

		if active {
			if err := writeEvent(w, "call", snapshot); err != nil {
				return
			}
		}

		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case st := <-obs.ch:
				if err := writeEvent(w, "status", st); err != nil {
					lg.Debug("event stream closed", zap.Error(err))
					return
				}
			case <-keepAlive.C:
				if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					lg.Debug("event stream closed", zap.Error(err))
					return
				}
			case <-h.stop:
				return
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return w.Flush()
}

var _ session.Observer = streamObserver{}
