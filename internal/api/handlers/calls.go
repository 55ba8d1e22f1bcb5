package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/telecalling/internal/domain"
	apperrors "github.com/acme/telecalling/pkg/errors"
)

type initializeResponse struct {
	Initialized   bool   `json:"initialized"`
	UsingFallback bool   `json:"using_fallback"`
	Backend       string `json:"backend"`
}

func (h *HandlerSet) initialize(ctx *fiber.Ctx) error {
	var req domain.WebRTCConfig
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return translateError(err)
	}
	if h.calls.IsCallActive() {
		return translateError(apperrors.ErrAlreadyInCall)
	}

	if !h.calls.Initialize(ctx.UserContext(), req) {
		return ctx.Status(http.StatusServiceUnavailable).JSON(initializeResponse{})
	}
	return ctx.Status(http.StatusOK).JSON(initializeResponse{
		Initialized:   true,
		UsingFallback: h.calls.UsingFallback(),
		Backend:       h.calls.BackendName(),
	})
}

func (h *HandlerSet) makeCall(ctx *fiber.Ctx) error {
	var req domain.CallOptions
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.calls.StartCall(ctx.UserContext(), req); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyInCall) {
			return translateError(err)
		}
		return fiber.NewError(http.StatusUnprocessableEntity, apperrors.Message(err))
	}

	info, active := h.calls.CurrentCallInfo()
	if !active {
		// The call already finished; report what was requested.
		return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"status": domain.StatusEnded, "to": req.To})
	}
	return ctx.Status(http.StatusAccepted).JSON(info)
}

func (h *HandlerSet) currentCall(ctx *fiber.Ctx) error {
	info, ok := h.calls.CurrentCallInfo()
	if !ok {
		return translateError(apperrors.ErrNotFound)
	}
	return ctx.Status(http.StatusOK).JSON(info)
}

func (h *HandlerSet) endCall(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"ended": h.calls.EndCall(ctx.UserContext())})
}

func (h *HandlerSet) duration(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"duration": h.calls.CallDuration()})
}

func (h *HandlerSet) toggleMute(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"muted": h.calls.ToggleMute()})
}

func (h *HandlerSet) toggleHold(ctx *fiber.Ctx) error {
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"on_hold": h.calls.ToggleHold()})
}
