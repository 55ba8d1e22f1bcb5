package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/service/common"
	apperrors "github.com/acme/telecalling/pkg/errors"
)

type eventPage struct {
	Events        []domain.CallEvent `json:"events"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) listCallLogs(ctx *fiber.Ctx) error {
	agentID := ctx.Query("agent_id", h.agentID)
	if agentID == "" {
		return fiber.NewError(http.StatusUnprocessableEntity, "agent_id is required")
	}
	limit := ctx.QueryInt("limit", 50)

	records, err := h.logs.ListByAgent(ctx.UserContext(), agentID, limit)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"calls": records})
}

func (h *HandlerSet) getCallLog(ctx *fiber.Ctx) error {
	record, err := h.logs.Get(ctx.UserContext(), ctx.Params("sessionID"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(record)
}

func (h *HandlerSet) listCallEvents(ctx *fiber.Ctx) error {
	state, err := common.DecodePageToken(ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}
	limit := ctx.QueryInt("limit", 100)
	if limit <= 0 || limit > 1000 {
		return translateError(apperrors.ErrValidation)
	}

	events, next, err := h.events.ListBySession(ctx.UserContext(), ctx.Params("sessionID"), limit, state)
	if err != nil {
		return translateError(err)
	}
	if events == nil {
		events = []domain.CallEvent{}
	}
	return ctx.Status(http.StatusOK).JSON(eventPage{Events: events, NextPageToken: common.EncodePageToken(next)})
}
