package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voronovm/workplanner/internal/domain"
)

// writeError maps an engine/domain error onto the appropriate HTTP status.
// NotFound is reported as absence (404 with no error payload beyond the
// message); InvalidArgument is a client error; anything else is a storage
// error and surfaces as 500 without leaking its detail.
func writeError(c *gin.Context, logger interface {
	Error(msg string, args ...any)
}, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrWorkplanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workplan not found"})
	case errors.Is(err, domain.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrWorkplanConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Error(op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
