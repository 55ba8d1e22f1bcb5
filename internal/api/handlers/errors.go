package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/telecalling/internal/repository"
	apperrors "github.com/acme/telecalling/pkg/errors"
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, repository.ErrNotFound) || errors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrAlreadyInCall):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrPermissionDenied):
		return fiber.NewError(http.StatusForbidden, apperrors.Message(err))
	case errors.Is(err, apperrors.ErrNotInitialized):
		return fiber.NewError(http.StatusConflict, apperrors.Message(err))
	case errors.Is(err, apperrors.ErrUnavailable) || errors.Is(err, apperrors.ErrBackendUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
