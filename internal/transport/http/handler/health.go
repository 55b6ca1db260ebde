package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voronovm/workplanner/internal/health"
)

// HealthHandler exposes the teacher's Checker over /healthz/live and
// /healthz/ready.
type HealthHandler struct {
	checker *health.Checker
}

func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, h.checker.Liveness(c.Request.Context()))
}

func (h *HealthHandler) Ready(c *gin.Context) {
	result := h.checker.Readiness(c.Request.Context())
	status := http.StatusOK
	if result.Status != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
