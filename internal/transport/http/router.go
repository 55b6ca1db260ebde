package httptransport

import (
	"github.com/gin-gonic/gin"

	"github.com/voronovm/workplanner/internal/transport/http/handler"
	"github.com/voronovm/workplanner/internal/transport/http/middleware"
)

// NewRouter wires the workplan and health handlers behind RequestID and
// Metrics middleware. There is no auth/tenant concept anywhere in the data
// model, so unlike the teacher's router there is nothing to gate behind an
// Auth middleware group.
func NewRouter(workplans *handler.WorkplanHandler, h *handler.HealthHandler) *gin.Engine {
	r := gin.Default()
	r.Use(middleware.RequestID(), middleware.Metrics())

	r.GET("/healthz/live", h.Live)
	r.GET("/healthz/ready", h.Ready)

	wp := r.Group("/workplans")
	wp.POST("/query", workplans.Query)
	wp.POST("/generate", workplans.Generate)
	wp.POST("/update", workplans.Update)
	wp.POST("/update/batch", workplans.UpdateBatch)
	// :name doubles as the id path segment for run; a workplan name and a
	// workplan id never collide in the same request since Run parses it
	// as a UUID and Execute/RecreatePrev use it as a literal job name.
	wp.GET("/:name/execute", workplans.Execute)
	wp.POST("/:name/recreate-prev", workplans.RecreatePrev)
	wp.POST("/:name/run", workplans.Run)

	return r
}
