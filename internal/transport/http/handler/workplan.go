package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/voronovm/workplanner/internal/domain"
	"github.com/voronovm/workplanner/internal/engine"
	"github.com/voronovm/workplanner/internal/filter"
	"github.com/voronovm/workplanner/internal/store"
)

// WorkplanHandler exposes the lifecycle engine over HTTP, modeled on
// original_source/workplanner/views.py's route set.
type WorkplanHandler struct {
	engine *engine.Engine
	logger *slog.Logger
}

func NewWorkplanHandler(e *engine.Engine, logger *slog.Logger) *WorkplanHandler {
	return &WorkplanHandler{engine: e, logger: logger.With("component", "workplan_handler")}
}

type filterEntryDTO struct {
	Value    any    `json:"value"`
	Operator string `json:"operator" binding:"required"`
}

type queryRequest struct {
	Name    string                      `json:"name"`
	Filter  map[string][]filterEntryDTO `json:"filter"`
	OrderBy []string                    `json:"order_by"`
	Page    int                         `json:"page"`
	Limit   int                         `json:"limit" binding:"required,min=1,max=1000"`
}

type queryResponse struct {
	Items []*domain.Workplan `json:"items"`
	Total int                `json:"total"`
}

// Query compiles the POSTed filter document and returns a page of
// matching workplans alongside the total match count.
func (h *WorkplanHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc := filter.Document{OrderBy: req.OrderBy, Page: req.Page, Limit: req.Limit}
	if len(req.Filter) > 0 {
		doc.Filter = make(map[string][]filter.Entry, len(req.Filter))
		for field, entries := range req.Filter {
			converted := make([]filter.Entry, len(entries))
			for i, e := range entries {
				converted[i] = filter.Entry{Value: e.Value, Operator: filter.Operator(e.Operator)}
			}
			doc.Filter[field] = converted
		}
	}

	compiler := filter.NewCompiler()
	q, err := compiler.Compile(doc)
	if err != nil {
		writeError(c, h.logger, "compile filter", err)
		return
	}
	if req.Name != "" {
		q.Name = req.Name
	}

	items, err := h.engine.Select(c.Request.Context(), q)
	if err != nil {
		writeError(c, h.logger, "select workplans", err)
		return
	}
	total, err := h.engine.Count(c.Request.Context(), q)
	if err != nil {
		writeError(c, h.logger, "count workplans", err)
		return
	}

	c.JSON(http.StatusOK, queryResponse{Items: items, Total: total})
}

type backRestartsDTO struct {
	Count   int   `json:"count"`
	Offsets []int `json:"offsets"`
}

type generateRequest struct {
	Name              string           `json:"name" binding:"required"`
	StartTime         time.Time        `json:"start_time"`
	IntervalSeconds   int              `json:"interval_seconds" binding:"required,min=1"`
	KeepSequence      bool             `json:"keep_sequence"`
	MaxRetries        int              `json:"max_retries"`
	RetryDelaySeconds int              `json:"retry_delay_seconds"`
	NotebookHash      string           `json:"notebook_hash"`
	MaxFatalErrors    int              `json:"max_fatal_errors"`
	BackRestarts      *backRestartsDTO `json:"back_restarts"`
	ParentName        string           `json:"parent_name"`
	StatusTrigger     string           `json:"status_trigger"`
	Data              map[string]any   `json:"data"`
}

// Generate runs the top-level GenerateWorkplans orchestrator for one job
// definition supplied in the request body.
func (h *WorkplanHandler) Generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := engine.GenerateParams{
		Name:              req.Name,
		StartTime:         req.StartTime,
		Interval:          time.Duration(req.IntervalSeconds) * time.Second,
		KeepSequence:      req.KeepSequence,
		MaxRetries:        req.MaxRetries,
		RetryDelaySeconds: req.RetryDelaySeconds,
		NotebookHash:      req.NotebookHash,
		MaxFatalErrors:    req.MaxFatalErrors,
		ParentName:        req.ParentName,
		StatusTrigger:     domain.Status(req.StatusTrigger),
		Extra:             req.Data,
	}
	if req.BackRestarts != nil {
		params.BackRestarts = &engine.BackRestarts{Count: req.BackRestarts.Count, Offsets: req.BackRestarts.Offsets}
	}

	result, err := h.engine.GenerateWorkplans(c.Request.Context(), params)
	if err != nil {
		writeError(c, h.logger, "generate workplans", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": result})
}

// Execute returns the runnable set for a job name.
func (h *WorkplanHandler) Execute(c *gin.Context) {
	name := c.Param("name")
	items, err := h.engine.ExecuteList(c.Request.Context(), name)
	if err != nil {
		writeError(c, h.logger, "execute list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type patchDTO struct {
	Status        *string        `json:"status"`
	Hash          *string        `json:"hash"`
	Retries       *int           `json:"retries"`
	Info          *string        `json:"info"`
	ClearInfo     bool           `json:"clear_info"`
	Data          map[string]any `json:"data"`
	Duration      *int           `json:"duration"`
	ClearDuration bool           `json:"clear_duration"`
	ExpiresUTC    *time.Time     `json:"expires_utc"`
	StartedUTC    *time.Time     `json:"started_utc"`
	FinishedUTC   *time.Time     `json:"finished_utc"`
}

type updateRequest struct {
	ID          *uuid.UUID `json:"id"`
	Name        string     `json:"name"`
	WorktimeUTC *time.Time `json:"worktime_utc"`
	Patch       patchDTO   `json:"patch"`
}

func (r updateRequest) toSchema() engine.UpdateSchema {
	var status *domain.Status
	if r.Patch.Status != nil {
		s := domain.Status(*r.Patch.Status)
		status = &s
	}
	return engine.UpdateSchema{
		ID:          r.ID,
		Name:        r.Name,
		WorktimeUTC: r.WorktimeUTC,
		Patch: store.Patch{
			Status:        status,
			Hash:          r.Patch.Hash,
			Retries:       r.Patch.Retries,
			Info:          r.Patch.Info,
			ClearInfo:     r.Patch.ClearInfo,
			Data:          r.Patch.Data,
			Duration:      r.Patch.Duration,
			ClearDuration: r.Patch.ClearDuration,
			ExpiresUTC:    r.Patch.ExpiresUTC,
			StartedUTC:    r.Patch.StartedUTC,
			FinishedUTC:   r.Patch.FinishedUTC,
		},
	}
}

// Update applies one partial patch, identified by id or natural key.
func (h *WorkplanHandler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wp, err := h.engine.Update(c.Request.Context(), req.toSchema())
	if err != nil {
		writeError(c, h.logger, "update workplan", err)
		return
	}
	if wp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workplan not found"})
		return
	}
	c.JSON(http.StatusOK, wp)
}

// UpdateBatch applies every patch inside one nested transactional scope.
func (h *WorkplanHandler) UpdateBatch(c *gin.Context) {
	var reqs []updateRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schemas := make([]engine.UpdateSchema, len(reqs))
	for i, r := range reqs {
		schemas[i] = r.toSchema()
	}

	updated, err := h.engine.ManyUpdate(c.Request.Context(), schemas)
	if err != nil {
		writeError(c, h.logger, "batch update workplans", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": updated})
}

// Run manually re-queues a single workplan by id.
func (h *WorkplanHandler) Run(c *gin.Context) {
	id, err := uuid.Parse(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	wp, err := h.engine.Run(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "run workplan", err)
		return
	}
	if wp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "workplan not found"})
		return
	}
	c.JSON(http.StatusOK, wp)
}

type recreatePrevRequest struct {
	StepSeconds int            `json:"step_seconds" binding:"required,min=1"`
	Count       int            `json:"count"`
	Offsets     []int          `json:"offsets"`
	From        *time.Time     `json:"from"`
	Data        map[string]any `json:"data"`
}

// RecreatePrev deletes and recreates a job's past slots by offset.
func (h *WorkplanHandler) RecreatePrev(c *gin.Context) {
	name := c.Param("name")

	var req recreatePrevRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	restarts := engine.BackRestarts{Count: req.Count, Offsets: req.Offsets}
	items, err := h.engine.RecreatePrev(c.Request.Context(), name, restarts,
		time.Duration(req.StepSeconds)*time.Second, req.From, req.Data)
	if err != nil {
		writeError(c, h.logger, "recreate prev", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
