package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/telecalling/internal/queue"
	apperrors "github.com/acme/telecalling/pkg/errors"
)

func (h *HandlerSet) dialRequest(ctx *fiber.Ctx) error {
	if h.dial == nil {
		return translateError(apperrors.ErrUnavailable)
	}

	var req queue.DialCommand
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.AgentID == "" {
		req.AgentID = h.agentID
	}

	cmd, err := h.dial.Dispatch(ctx.UserContext(), req)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(cmd)
}
