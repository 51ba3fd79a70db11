package handler

import (
	"errors"
	"net/http"

	"request-portal/internal/middleware"
	"request-portal/internal/service"
	"request-portal/pkg/response"

	"github.com/gin-gonic/gin"
)

// statusOf maps service sentinels onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// writeError sends err in the standard envelope. Internal errors are logged
// and replaced by a generic message.
func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().Err(err).Msg("request failed")
		msg = "internal server error"
	}
	c.JSON(status, response.Error(status, msg))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, msg))
}

// actorFrom reads the identity set by the auth middleware.
func actorFrom(c *gin.Context) service.Actor {
	return service.Actor{
		ID:   c.GetString(middleware.UserIDKey),
		Name: c.GetString(middleware.UserNameKey),
		Role: c.GetString(middleware.UserRoleKey),
	}
}
