// Package runner drives the lifecycle engine on a schedule: a ticker loop
// adapted from the teacher's internal/scheduler Dispatcher/Reaper pattern,
// generalized from "poll one jobs table" to "iterate a configured list of
// named job definitions".
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/voronovm/workplanner/internal/domain"
	"github.com/voronovm/workplanner/internal/engine"
	"github.com/voronovm/workplanner/internal/metrics"
)

// BackRestarts mirrors engine.BackRestarts in a YAML-friendly shape.
type BackRestarts struct {
	Count   int   `yaml:"count" mapstructure:"count"`
	Offsets []int `yaml:"offsets" mapstructure:"offsets"`
}

// JobDefinition is a named schedule's static parameters — config the
// runner reads but the engine itself never does.
type JobDefinition struct {
	Name              string        `yaml:"name" mapstructure:"name"`
	StartTime         time.Time     `yaml:"start_time" mapstructure:"start_time"`
	IntervalSeconds   int           `yaml:"interval_seconds" mapstructure:"interval_seconds"`
	KeepSequence      bool          `yaml:"keep_sequence" mapstructure:"keep_sequence"`
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelaySeconds int           `yaml:"retry_delay_seconds" mapstructure:"retry_delay_seconds"`
	NotebookHash      string        `yaml:"notebook_hash" mapstructure:"notebook_hash"`
	MaxFatalErrors    int           `yaml:"max_fatal_errors" mapstructure:"max_fatal_errors"`
	BackRestarts      *BackRestarts `yaml:"back_restarts" mapstructure:"back_restarts"`
	ParentName        string        `yaml:"parent_name" mapstructure:"parent_name"`
	StatusTrigger     string        `yaml:"status_trigger" mapstructure:"status_trigger"`
}

func (d JobDefinition) params() engine.GenerateParams {
	p := engine.GenerateParams{
		Name:              d.Name,
		StartTime:         d.StartTime,
		Interval:          time.Duration(d.IntervalSeconds) * time.Second,
		KeepSequence:      d.KeepSequence,
		MaxRetries:        d.MaxRetries,
		RetryDelaySeconds: d.RetryDelaySeconds,
		NotebookHash:      d.NotebookHash,
		MaxFatalErrors:    d.MaxFatalErrors,
		ParentName:        d.ParentName,
		StatusTrigger:     domain.Status(d.StatusTrigger),
	}
	if d.BackRestarts != nil {
		p.BackRestarts = &engine.BackRestarts{Count: d.BackRestarts.Count, Offsets: d.BackRestarts.Offsets}
	}
	return p
}

// Runner ticks every configured job definition through Engine.GenerateWorkplans.
type Runner struct {
	engine      *engine.Engine
	definitions []JobDefinition
	interval    time.Duration
	logger      *slog.Logger
}

func New(e *engine.Engine, definitions []JobDefinition, interval time.Duration, logger *slog.Logger) *Runner {
	return &Runner{engine: e, definitions: definitions, interval: interval, logger: logger.With("component", "runner")}
}

// Run blocks, ticking until ctx is cancelled. Before the first tick it
// clears any in-flight workplans left over from a previous process — the
// opt-in start-up action spec.md's design calls for, never automatic
// inside the engine itself.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.engine.ClearStatusesOfLostItems(ctx); err != nil {
		r.logger.Error("clear statuses of lost items", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	for _, d := range r.definitions {
		tickStart := time.Now()
		result, err := r.engine.GenerateWorkplans(ctx, d.params())
		metrics.GenerateWorkplansDuration.WithLabelValues(d.Name).Observe(time.Since(tickStart).Seconds())
		if err != nil {
			r.logger.Error("generate workplans", "name", d.Name, "error", err)
			continue
		}
		metrics.WorkplansGeneratedTotal.WithLabelValues(d.Name).Add(float64(len(result)))
	}
	metrics.RunnerTickDuration.Observe(time.Since(start).Seconds())
}
