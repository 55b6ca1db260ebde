// Package store defines the persistence port the lifecycle engine consumes.
// The engine depends only on this interface; internal/postgres is the one
// adapter implementing it today.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/voronovm/workplanner/internal/domain"
)

// Predicate is one compiled comparison against a single workplan column.
type Predicate struct {
	Field    string
	Operator string
	Value    any
}

// Query is the value object the filter compiler produces and the store
// executes. It never leaks an ORM-shaped type into the engine.
type Query struct {
	Name       string // convenience equality predicate on the name column; "" means unconstrained
	Predicates []Predicate
	OrderBy    []OrderTerm
	Limit      int
	Offset     int
}

// OrderTerm is one ORDER BY term.
type OrderTerm struct {
	Field string
	Desc  bool
}

// Patch is a sparse set of field updates; nil pointer fields are left alone.
type Patch struct {
	Status      *domain.Status
	Hash        *string
	Retries     *int
	Info        *string
	ClearInfo   bool
	Data        map[string]any
	Duration    *int
	ClearDuration bool
	ExpiresUTC  *time.Time
	StartedUTC  *time.Time
	FinishedUTC *time.Time
}

// WorkplanStore is the full capability set the engine needs from persistence.
type WorkplanStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Workplan, error)
	GetByPK(ctx context.Context, name string, worktimeUTC time.Time) (*domain.Workplan, error)
	LastByWorktime(ctx context.Context, name string) (*domain.Workplan, error)
	FirstByWorktime(ctx context.Context, name string) (*domain.Workplan, error)
	Exists(ctx context.Context, name string) (bool, error)
	ListWorktimes(ctx context.Context, name string) ([]time.Time, error)

	Insert(ctx context.Context, w *domain.Workplan) (*domain.Workplan, error)
	BulkUpsert(ctx context.Context, rows []*domain.Workplan) (int, error)
	Update(ctx context.Context, q Query, patch Patch) ([]*domain.Workplan, error)
	Delete(ctx context.Context, q Query) (int, error)
	Select(ctx context.Context, q Query) ([]*domain.Workplan, error)
	Count(ctx context.Context, q Query) (int, error)

	// Transact runs fn inside a transactional scope. Nested calls (fn calling
	// Transact again through the ctx it received) open a savepoint rather
	// than a new top-level transaction; a returned error rolls the scope back.
	Transact(ctx context.Context, fn func(ctx context.Context) error) error
}
