package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/threadline/threadline/internal/chat/dto"
	"github.com/threadline/threadline/internal/chat/repository"
	"github.com/threadline/threadline/internal/chat/service"
	"github.com/threadline/threadline/internal/common/logger"
)

// respondError maps service and repository failures onto the HTTP error
// envelope.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	status := http.StatusInternalServerError
	label := "internal"

	switch {
	case errors.Is(err, repository.ErrInvalid):
		status = http.StatusBadRequest
		label = "invalid"
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
		label = "forbidden"
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
		label = "not_found"
	case errors.Is(err, repository.ErrConflict):
		status = http.StatusPreconditionFailed
		label = "conflict"
	case repository.IsTransient(err):
		status = http.StatusTooManyRequests
		label = "transient"
	}

	if status == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	c.JSON(status, dto.ErrorResponse{
		StatusCode: status,
		Message:    err.Error(),
		Error:      label,
	})
}
