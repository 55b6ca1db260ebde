// Package engine implements the workplan lifecycle: deterministic schedule
// expansion, backfill/replay, the retry/fatal-error state machine, child
// schedule generation, and the top-level generate_workplans orchestrator.
// Its only data dependency is the store.WorkplanStore port; it also reports
// state transitions to internal/metrics as an observability side-channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/voronovm/workplanner/internal/domain"
	"github.com/voronovm/workplanner/internal/metrics"
	"github.com/voronovm/workplanner/internal/store"
	"github.com/voronovm/workplanner/internal/timeutil"
)

// Engine implements the scheduling algorithms over a store.WorkplanStore.
type Engine struct {
	store store.WorkplanStore
	now   func() time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithClock overrides the engine's notion of "now"; tests use it to freeze
// time the way the Python source freezes pendulum.now().
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine over s.
func New(s store.WorkplanStore, opts ...Option) *Engine {
	e := &Engine{store: s, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BackRestarts is offset_periods: either a positive shorthand count ("the
// last N periods") or an explicit list of strictly-negative offsets.
type BackRestarts struct {
	Count   int
	Offsets []int
}

// deltas normalizes both forms into step multipliers relative to the replay
// anchor. A positive count N expands to {0, -1, ..., -(N-1)}; an explicit
// list {o_1, ..., o_k} (all strictly negative) is shifted by +1, i.e. -1
// means "the anchor itself", -2 means "one period before it", and so on.
// Both forms are grounded in workplanner/service.py's recreate_prev, which
// applies exactly this shift to an explicit list and an equivalent
// pre-shifted range for the positive-count shorthand.
func (b BackRestarts) deltas() ([]int, error) {
	if b.Count > 0 {
		d := make([]int, b.Count)
		for i := range d {
			d[i] = -i
		}
		return d, nil
	}
	if len(b.Offsets) == 0 {
		return nil, fmt.Errorf("%w: back_restarts must be a positive count or an explicit negative list", domain.ErrInvalidArgument)
	}
	d := make([]int, len(b.Offsets))
	for i, o := range b.Offsets {
		if o >= 0 {
			return nil, fmt.Errorf("%w: explicit offset_periods entries must be negative", domain.ErrInvalidArgument)
		}
		d[i] = o + 1
	}
	return d, nil
}

// IsCreateNext is true iff a workplan for name exists and now - last.WorktimeUTC >= step.
func (e *Engine) IsCreateNext(ctx context.Context, name string, step time.Duration) (bool, error) {
	last, err := e.store.LastByWorktime(ctx, name)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	return e.now().Sub(last.WorktimeUTC) >= step, nil
}

// NextWorktime returns snap_to_last_boundary(last.WorktimeUTC, step) for the
// most recent workplan of name, or nil if none exists.
func (e *Engine) NextWorktime(ctx context.Context, name string, step time.Duration) (*time.Time, error) {
	last, err := e.store.LastByWorktime(ctx, name)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	t := timeutil.SnapToLastBoundary(last.WorktimeUTC, step, e.now())
	return &t, nil
}

// CreateNextOrNone atomically inserts the next slot if IsCreateNext holds.
// A natural-key conflict (another caller raced) is recovered locally: the
// call returns (nil, nil), not an error.
func (e *Engine) CreateNextOrNone(ctx context.Context, name string, step time.Duration, data map[string]any) (*domain.Workplan, error) {
	ok, err := e.IsCreateNext(ctx, name, step)
	if err != nil || !ok {
		return nil, err
	}
	nextWT, err := e.NextWorktime(ctx, name, step)
	if err != nil || nextWT == nil {
		return nil, err
	}

	var result *domain.Workplan
	err = e.store.Transact(ctx, func(ctx context.Context) error {
		wp := &domain.Workplan{Name: name, WorktimeUTC: *nextWT, Status: domain.StatusAdd, Data: data}
		created, err := e.store.Insert(ctx, wp)
		if err != nil {
			if errors.Is(err, domain.ErrWorkplanConflict) {
				return nil
			}
			return err
		}
		result = created
		return nil
	})
	return result, err
}

// FillMissing backfills every worktime in [start, end] (end defaults to now)
// that does not already exist for name. Idempotent: a conflict on insert
// (another caller backfilled the same slot concurrently) is swallowed, not
// surfaced, matching the Conflict-recovery rule in the error design.
func (e *Engine) FillMissing(ctx context.Context, name string, step time.Duration, start time.Time, end *time.Time, data map[string]any) ([]*domain.Workplan, error) {
	endT := e.now()
	if end != nil {
		endT = *end
	}

	var created []*domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		existing, err := e.store.ListWorktimes(ctx, name)
		if err != nil {
			return err
		}
		seen := make(map[int64]bool, len(existing))
		for _, t := range existing {
			seen[t.UnixNano()] = true
		}

		seq, err := timeutil.IterRange(start, endT, step)
		if err != nil {
			return err
		}
		for wt := range seq {
			if seen[wt.UnixNano()] {
				continue
			}
			wp := &domain.Workplan{Name: name, WorktimeUTC: wt, Status: domain.StatusAdd, Data: data}
			inserted, err := e.store.Insert(ctx, wp)
			if err != nil {
				if errors.Is(err, domain.ErrWorkplanConflict) {
					continue
				}
				return err
			}
			created = append(created, inserted)
		}
		return nil
	})
	return created, err
}

// RecreatePrev deletes and recreates the past slots named by restarts. If
// the schedule has no slots at all, it returns (nil, nil).
func (e *Engine) RecreatePrev(ctx context.Context, name string, restarts BackRestarts, step time.Duration, from *time.Time, data map[string]any) ([]*domain.Workplan, error) {
	deltas, err := restarts.deltas()
	if err != nil {
		return nil, err
	}

	var result []*domain.Workplan
	err = e.store.Transact(ctx, func(ctx context.Context) error {
		first, err := e.store.FirstByWorktime(ctx, name)
		if err != nil {
			return err
		}
		if first == nil {
			return nil
		}

		anchor := from
		if anchor == nil {
			t := timeutil.SnapToLastBoundary(first.WorktimeUTC, step, e.now())
			anchor = &t
		}

		targets := make([]time.Time, 0, len(deltas))
		for _, d := range deltas {
			t := anchor.Add(step * time.Duration(d))
			if !t.Before(first.WorktimeUTC) {
				targets = append(targets, t)
			}
		}
		if len(targets) == 0 {
			return nil
		}

		delQuery := store.Query{Name: name, Predicates: []store.Predicate{{Field: "worktime_utc", Operator: string(opIn), Value: targets}}}
		if _, err := e.store.Delete(ctx, delQuery); err != nil {
			return err
		}

		for _, run := range timeutil.GroupContiguous(targets, step) {
			created, err := e.FillMissing(ctx, name, step, run[0], &run[1], data)
			if err != nil {
				return err
			}
			result = append(result, created...)
		}
		return nil
	})
	return result, err
}

// IsAllowedExecute is the circuit breaker: once the most recent workplan's
// hash matches the caller's hash, execution halts if at least
// maxFatalErrors slots with that hash are FATAL_ERROR. A hash change (or no
// prior workplan) resets the breaker unconditionally.
func (e *Engine) IsAllowedExecute(ctx context.Context, name, hash string, maxFatalErrors int) (bool, error) {
	last, err := e.store.LastByWorktime(ctx, name)
	if err != nil {
		return false, err
	}
	if last == nil || last.Hash != hash {
		return true, nil
	}

	q := store.Query{Name: name, Predicates: []store.Predicate{
		{Field: "hash", Operator: string(opEqual), Value: hash},
		{Field: "status", Operator: string(opEqual), Value: domain.StatusFatalError},
	}}
	count, err := e.store.Count(ctx, q)
	if err != nil {
		return false, err
	}
	return count < maxFatalErrors, nil
}

// UpdateErrors drains retryable failures back to ADD once their retry delay
// has elapsed, incrementing retries. Expired or exhausted-retry rows are
// left untouched.
func (e *Engine) UpdateErrors(ctx context.Context, name string, maxRetries, retryDelaySeconds int) ([]*domain.Workplan, error) {
	var affected []*domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		now := e.now()
		q := store.Query{Name: name, Predicates: []store.Predicate{
			{Field: "status", Operator: string(opEqual), Value: domain.StatusError},
			{Field: "retries", Operator: string(opLess), Value: maxRetries},
		}}
		candidates, err := e.store.Select(ctx, q)
		if err != nil {
			return err
		}

		delay := time.Duration(retryDelaySeconds) * time.Second
		for _, wp := range candidates {
			if wp.Expired(now) {
				continue
			}
			if wp.FinishedUTC != nil && now.Before(wp.FinishedUTC.Add(delay)) {
				continue
			}
			retries := wp.Retries + 1
			status := domain.StatusAdd
			updated, err := e.store.Update(ctx, byID(wp.ID), store.Patch{
				Status: &status, Retries: &retries, ClearInfo: true, ClearDuration: true,
			})
			if err != nil {
				return err
			}
			affected = append(affected, updated...)
			metrics.WorkplansRetriedTotal.WithLabelValues(name).Inc()
		}
		return nil
	})
	return affected, err
}

// CheckExpiration moves every non-terminal workplan whose ExpiresUTC has
// passed into ERROR with Info set to "expired".
func (e *Engine) CheckExpiration(ctx context.Context) ([]*domain.Workplan, error) {
	var affected []*domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		now := e.now()
		q := store.Query{Predicates: []store.Predicate{
			{Field: "expires_utc", Operator: string(opLessOrEqual), Value: now},
		}}
		candidates, err := e.store.Select(ctx, q)
		if err != nil {
			return err
		}
		for _, wp := range candidates {
			if domain.TerminalStatuses[wp.Status] || wp.ExpiresUTC == nil {
				continue
			}
			status := domain.StatusError
			info := "expired"
			updated, err := e.store.Update(ctx, byID(wp.ID), store.Patch{Status: &status, Info: &info})
			if err != nil {
				return err
			}
			affected = append(affected, updated...)
			metrics.WorkplansExpiredTotal.WithLabelValues(wp.Name).Inc()
		}
		return nil
	})
	return affected, err
}

// ClearStatusesOfLostItems resets every in-flight workplan (QUEUE or RUN)
// back to ADD. Intended as an opt-in start-up action, never called
// automatically by the engine itself.
func (e *Engine) ClearStatusesOfLostItems(ctx context.Context) ([]*domain.Workplan, error) {
	var affected []*domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		statuses := make([]any, 0, len(domain.RunStatuses))
		for s := range domain.RunStatuses {
			statuses = append(statuses, string(s))
		}
		q := store.Query{Predicates: []store.Predicate{{Field: "status", Operator: string(opIn), Value: statuses}}}
		status := domain.StatusAdd
		updated, err := e.store.Update(ctx, q, store.Patch{Status: &status})
		if err != nil {
			return err
		}
		affected = updated
		return nil
	})
	return affected, err
}

// IterGenerateChildWorkplans materializes, inside one nested transactional
// scope, a child workplan at every parent worktime not yet mirrored under
// name, then hands the caller a lazy sequence over the (already committed)
// results. Children are created eagerly rather than while a cursor is open,
// per the design note that some storage layers forbid writes during an open
// read cursor; the lazy sequence still lets a caller stop consuming early.
func (e *Engine) IterGenerateChildWorkplans(ctx context.Context, name, parentName string, statusTrigger domain.Status, from *time.Time, data map[string]any) (iter.Seq[*domain.Workplan], error) {
	if !domain.ValidStatuses[statusTrigger] {
		return nil, fmt.Errorf("%w: invalid status_trigger %q", domain.ErrInvalidArgument, statusTrigger)
	}

	var created []*domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		parentQ := store.Query{Name: parentName, Predicates: []store.Predicate{
			{Field: "status", Operator: string(opEqual), Value: statusTrigger},
		}}
		if from != nil {
			parentQ.Predicates = append(parentQ.Predicates, store.Predicate{Field: "worktime_utc", Operator: string(opMoreOrEqual), Value: *from})
		}
		parents, err := e.store.Select(ctx, parentQ)
		if err != nil {
			return err
		}

		existingChildren, err := e.store.ListWorktimes(ctx, name)
		if err != nil {
			return err
		}
		seen := make(map[int64]bool, len(existingChildren))
		for _, t := range existingChildren {
			seen[t.UnixNano()] = true
		}

		for _, p := range parents {
			if seen[p.WorktimeUTC.UnixNano()] {
				continue
			}
			child := &domain.Workplan{Name: name, WorktimeUTC: p.WorktimeUTC, Status: domain.StatusAdd, Data: data}
			inserted, err := e.store.Insert(ctx, child)
			if err != nil {
				if errors.Is(err, domain.ErrWorkplanConflict) {
					continue
				}
				return err
			}
			created = append(created, inserted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func(yield func(*domain.Workplan) bool) {
		for _, c := range created {
			if !yield(c) {
				return
			}
		}
	}, nil
}

// GenerateParams are the inputs to the top-level orchestrator.
type GenerateParams struct {
	Name              string
	StartTime         time.Time
	Interval          time.Duration
	KeepSequence      bool
	MaxRetries        int
	RetryDelaySeconds int
	NotebookHash      string
	MaxFatalErrors    int
	BackRestarts      *BackRestarts
	Extra             map[string]any
	ParentName        string
	StatusTrigger     domain.Status
}

// GenerateWorkplans is the top-level entry point, run inside one outer
// nested transactional scope. With ParentName set it only generates child
// workplans. Otherwise, if IsAllowedExecute denies the name, it returns the
// current ExecuteList without mutating anything; else it backfills
// (KeepSequence) or creates the first/next slot (replaying BackRestarts when
// a next slot was created), then runs UpdateErrors and CheckExpiration and
// returns ExecuteList.
func (e *Engine) GenerateWorkplans(ctx context.Context, p GenerateParams) ([]*domain.Workplan, error) {
	var result []*domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		if p.ParentName != "" {
			seq, err := e.IterGenerateChildWorkplans(ctx, p.Name, p.ParentName, p.StatusTrigger, nil, p.Extra)
			if err != nil {
				return err
			}
			for c := range seq {
				result = append(result, c)
			}
			return nil
		}

		allowed, err := e.IsAllowedExecute(ctx, p.Name, p.NotebookHash, p.MaxFatalErrors)
		if err != nil {
			return err
		}
		if !allowed {
			metrics.FatalBreakerTripsTotal.WithLabelValues(p.Name).Inc()
			list, err := e.ExecuteList(ctx, p.Name)
			if err != nil {
				return err
			}
			result = list
			return nil
		}

		if p.KeepSequence {
			if _, err := e.FillMissing(ctx, p.Name, p.Interval, p.StartTime, nil, p.Extra); err != nil {
				return err
			}
		} else {
			exists, err := e.store.Exists(ctx, p.Name)
			if err != nil {
				return err
			}
			if !exists {
				wt := timeutil.SnapToLastBoundary(p.StartTime, p.Interval, e.now())
				wp := &domain.Workplan{Name: p.Name, WorktimeUTC: wt, Status: domain.StatusAdd, Data: p.Extra}
				if _, err := e.store.Insert(ctx, wp); err != nil && !errors.Is(err, domain.ErrWorkplanConflict) {
					return err
				}
			} else {
				next, err := e.CreateNextOrNone(ctx, p.Name, p.Interval, p.Extra)
				if err != nil {
					return err
				}
				if next != nil && p.BackRestarts != nil {
					if _, err := e.RecreatePrev(ctx, p.Name, *p.BackRestarts, p.Interval, nil, p.Extra); err != nil {
						return err
					}
				}
			}
		}

		if _, err := e.UpdateErrors(ctx, p.Name, p.MaxRetries, p.RetryDelaySeconds); err != nil {
			return err
		}
		if _, err := e.CheckExpiration(ctx); err != nil {
			return err
		}

		list, err := e.ExecuteList(ctx, p.Name)
		if err != nil {
			return err
		}
		result = list
		return nil
	})
	return result, err
}

// ExecuteList returns the runnable set for name: status ADD, not expired,
// newest worktime first.
func (e *Engine) ExecuteList(ctx context.Context, name string) ([]*domain.Workplan, error) {
	q := store.Query{Name: name, Predicates: []store.Predicate{
		{Field: "status", Operator: string(opEqual), Value: domain.StatusAdd},
	}, OrderBy: []store.OrderTerm{{Field: "worktime_utc", Desc: true}}}

	rows, err := e.store.Select(ctx, q)
	if err != nil {
		return nil, err
	}

	now := e.now()
	out := rows[:0]
	for _, wp := range rows {
		if !wp.Expired(now) {
			out = append(out, wp)
		}
	}
	return out, nil
}

// Run manually re-queues a single slot: increments retries, sets status ADD.
// Returns (nil, nil) if id does not exist.
func (e *Engine) Run(ctx context.Context, id uuid.UUID) (*domain.Workplan, error) {
	existing, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	var result *domain.Workplan
	err = e.store.Transact(ctx, func(ctx context.Context) error {
		retries := existing.Retries + 1
		status := domain.StatusAdd
		updated, err := e.store.Update(ctx, byID(id), store.Patch{Retries: &retries, Status: &status})
		if err != nil {
			return err
		}
		if len(updated) > 0 {
			result = updated[0]
		}
		return nil
	})
	return result, err
}

// UpdateSchema is a partial update identified by id if present, else by the
// (name, worktime_utc) natural key.
type UpdateSchema struct {
	ID          *uuid.UUID
	Name        string
	WorktimeUTC *time.Time
	Patch       store.Patch
}

// Update applies schema.Patch to the identified workplan. Returns (nil, nil)
// if no matching row exists (NotFound is an absent value, not an error).
func (e *Engine) Update(ctx context.Context, schema UpdateSchema) (*domain.Workplan, error) {
	var q store.Query
	if schema.ID != nil {
		q = byID(*schema.ID)
	} else {
		q = store.Query{Name: schema.Name, Predicates: []store.Predicate{
			{Field: "worktime_utc", Operator: string(opEqual), Value: *schema.WorktimeUTC},
		}}
	}

	var result *domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		updated, err := e.store.Update(ctx, q, schema.Patch)
		if err != nil {
			return err
		}
		if len(updated) > 0 {
			result = updated[0]
		}
		return nil
	})
	return result, err
}

// ManyUpdate applies every schema inside a single nested scope: either all
// patches land or none do.
func (e *Engine) ManyUpdate(ctx context.Context, schemas []UpdateSchema) ([]*domain.Workplan, error) {
	var results []*domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		for _, s := range schemas {
			wp, err := e.Update(ctx, s)
			if err != nil {
				return err
			}
			results = append(results, wp)
		}
		return nil
	})
	return results, err
}

// CreateByWorktimes inserts one workplan per worktime, all inside a single
// nested scope.
func (e *Engine) CreateByWorktimes(ctx context.Context, name string, worktimes []time.Time, data map[string]any) ([]*domain.Workplan, error) {
	var created []*domain.Workplan
	err := e.store.Transact(ctx, func(ctx context.Context) error {
		for _, wt := range worktimes {
			wp := &domain.Workplan{Name: name, WorktimeUTC: wt, Status: domain.StatusAdd, Data: data}
			inserted, err := e.store.Insert(ctx, wp)
			if err != nil {
				return err
			}
			created = append(created, inserted)
		}
		return nil
	})
	return created, err
}

// Select runs a pre-compiled query as-is, without engine-level filtering.
func (e *Engine) Select(ctx context.Context, q store.Query) ([]*domain.Workplan, error) {
	return e.store.Select(ctx, q)
}

// Count reports how many rows match q without materializing them.
func (e *Engine) Count(ctx context.Context, q store.Query) (int, error) {
	return e.store.Count(ctx, q)
}

func byID(id uuid.UUID) store.Query {
	return store.Query{Predicates: []store.Predicate{{Field: "id", Operator: string(opEqual), Value: id}}}
}

// the filter package owns Operator as its exported type; the engine only
// needs the handful of operator literals it compiles queries with, so it
// keeps its own unexported constants (same string values as filter's) and
// does not import filter.
type operator string

const (
	opEqual        operator = "equal"
	opLess         operator = "less"
	opLessOrEqual  operator = "less_or_equal"
	opMoreOrEqual  operator = "more_or_equal"
	opIn           operator = "in_"
)
