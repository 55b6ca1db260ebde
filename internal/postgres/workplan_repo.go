package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voronovm/workplanner/internal/domain"
	"github.com/voronovm/workplanner/internal/store"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const workplanColumns = `id, name, worktime_utc, status, hash, retries, info, data,
	duration, expires_utc, started_utc, finished_utc, created_utc, updated_utc`

// WorkplanRepository implements store.WorkplanStore over pgx/v5. Queries are
// compiled from store.Query with squirrel rather than hand-built strings, so
// the dynamic WHERE-clause construction the teacher does by hand in
// ListJobs generalizes to the full filter.Operator set.
type WorkplanRepository struct {
	pool *pgxpool.Pool
}

func NewWorkplanRepository(pool *pgxpool.Pool) *WorkplanRepository {
	return &WorkplanRepository{pool: pool}
}

func (r *WorkplanRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workplan, error) {
	q, args, err := psql.Select(workplanColumns).From("workplans").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanOneWorkplan(execFromContext(ctx, r.pool).QueryRow(ctx, q, args...))
}

func (r *WorkplanRepository) GetByPK(ctx context.Context, name string, worktimeUTC time.Time) (*domain.Workplan, error) {
	q, args, err := psql.Select(workplanColumns).From("workplans").
		Where(sq.Eq{"name": name, "worktime_utc": worktimeUTC}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanOneWorkplan(execFromContext(ctx, r.pool).QueryRow(ctx, q, args...))
}

func (r *WorkplanRepository) LastByWorktime(ctx context.Context, name string) (*domain.Workplan, error) {
	q, args, err := psql.Select(workplanColumns).From("workplans").
		Where(sq.Eq{"name": name}).OrderBy("worktime_utc DESC").Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	return scanOneWorkplan(execFromContext(ctx, r.pool).QueryRow(ctx, q, args...))
}

func (r *WorkplanRepository) FirstByWorktime(ctx context.Context, name string) (*domain.Workplan, error) {
	q, args, err := psql.Select(workplanColumns).From("workplans").
		Where(sq.Eq{"name": name}).OrderBy("worktime_utc ASC").Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	return scanOneWorkplan(execFromContext(ctx, r.pool).QueryRow(ctx, q, args...))
}

func (r *WorkplanRepository) Exists(ctx context.Context, name string) (bool, error) {
	q, args, err := psql.Select("1").From("workplans").Where(sq.Eq{"name": name}).Limit(1).ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = execFromContext(ctx, r.pool).QueryRow(ctx, q, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return true, nil
}

func (r *WorkplanRepository) ListWorktimes(ctx context.Context, name string) ([]time.Time, error) {
	q, args, err := psql.Select("worktime_utc").From("workplans").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := execFromContext(ctx, r.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list worktimes: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *WorkplanRepository) Insert(ctx context.Context, w *domain.Workplan) (*domain.Workplan, error) {
	id := w.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	status := w.Status
	if status == "" {
		status = domain.StatusAdd
	}

	q, args, err := psql.Insert("workplans").
		Columns("id", "name", "worktime_utc", "status", "hash", "retries", "info", "data",
			"duration", "expires_utc", "started_utc", "finished_utc").
		Values(id, w.Name, w.WorktimeUTC, status, w.Hash, w.Retries, w.Info, w.Data,
			w.Duration, w.ExpiresUTC, w.StartedUTC, w.FinishedUTC).
		Suffix("RETURNING " + workplanColumns).
		ToSql()
	if err != nil {
		return nil, err
	}

	created, err := scanOneWorkplan(execFromContext(ctx, r.pool).QueryRow(ctx, q, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrWorkplanConflict
		}
		return nil, err
	}
	return created, nil
}

func (r *WorkplanRepository) BulkUpsert(ctx context.Context, rows []*domain.Workplan) (int, error) {
	n := 0
	for _, w := range rows {
		if _, err := r.Insert(ctx, w); err != nil {
			if errors.Is(err, domain.ErrWorkplanConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *WorkplanRepository) Update(ctx context.Context, query store.Query, patch store.Patch) ([]*domain.Workplan, error) {
	b := psql.Update("workplans")
	if patch.Status != nil {
		b = b.Set("status", *patch.Status)
	}
	if patch.Hash != nil {
		b = b.Set("hash", *patch.Hash)
	}
	if patch.Retries != nil {
		b = b.Set("retries", *patch.Retries)
	}
	if patch.ClearInfo {
		b = b.Set("info", nil)
	} else if patch.Info != nil {
		b = b.Set("info", *patch.Info)
	}
	if patch.Data != nil {
		b = b.Set("data", patch.Data)
	}
	if patch.ClearDuration {
		b = b.Set("duration", nil)
	} else if patch.Duration != nil {
		b = b.Set("duration", *patch.Duration)
	}
	if patch.ExpiresUTC != nil {
		b = b.Set("expires_utc", *patch.ExpiresUTC)
	}
	if patch.StartedUTC != nil {
		b = b.Set("started_utc", *patch.StartedUTC)
	}
	if patch.FinishedUTC != nil {
		b = b.Set("finished_utc", *patch.FinishedUTC)
	}
	b = b.Set("updated_utc", sq.Expr("now()"))

	where, err := compileWhere(query)
	if err != nil {
		return nil, err
	}
	b = b.Where(where).Suffix("RETURNING " + workplanColumns)

	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := execFromContext(ctx, r.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("update workplans: %w", err)
	}
	defer rows.Close()
	return scanManyWorkplans(rows)
}

func (r *WorkplanRepository) Delete(ctx context.Context, query store.Query) (int, error) {
	where, err := compileWhere(query)
	if err != nil {
		return 0, err
	}
	q, args, err := psql.Delete("workplans").Where(where).ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := execFromContext(ctx, r.pool).Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete workplans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *WorkplanRepository) Select(ctx context.Context, query store.Query) ([]*domain.Workplan, error) {
	where, err := compileWhere(query)
	if err != nil {
		return nil, err
	}
	b := psql.Select(workplanColumns).From("workplans").Where(where)
	for _, o := range query.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		b = b.OrderBy(fmt.Sprintf("%s %s", o.Field, dir))
	}
	if query.Limit > 0 {
		b = b.Limit(uint64(query.Limit))
	}
	if query.Offset > 0 {
		b = b.Offset(uint64(query.Offset))
	}

	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := execFromContext(ctx, r.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select workplans: %w", err)
	}
	defer rows.Close()
	return scanManyWorkplans(rows)
}

func (r *WorkplanRepository) Count(ctx context.Context, query store.Query) (int, error) {
	where, err := compileWhere(query)
	if err != nil {
		return 0, err
	}
	q, args, err := psql.Select("count(*)").From("workplans").Where(where).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := execFromContext(ctx, r.pool).QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count workplans: %w", err)
	}
	return n, nil
}

// compileWhere turns a store.Query into a squirrel conjunction. Every
// filter.Operator the compiler produces has a case in compilePredicate; any
// other operator string is rejected with domain.ErrInvalidArgument.
func compileWhere(query store.Query) (sq.Sqlizer, error) {
	and := sq.And{}
	if query.Name != "" {
		and = append(and, sq.Eq{"name": query.Name})
	}
	for _, p := range query.Predicates {
		cond, err := compilePredicate(p)
		if err != nil {
			return nil, err
		}
		and = append(and, cond)
	}
	return and, nil
}

func compilePredicate(p store.Predicate) (sq.Sqlizer, error) {
	switch p.Operator {
	case "equal":
		return sq.Eq{p.Field: p.Value}, nil
	case "not_equal":
		return sq.NotEq{p.Field: p.Value}, nil
	case "less":
		return sq.Lt{p.Field: p.Value}, nil
	case "less_or_equal":
		return sq.LtOrEq{p.Field: p.Value}, nil
	case "more":
		return sq.Gt{p.Field: p.Value}, nil
	case "more_or_equal":
		return sq.GtOrEq{p.Field: p.Value}, nil
	case "in_":
		return sq.Eq{p.Field: p.Value}, nil
	case "not_in":
		return sq.NotEq{p.Field: p.Value}, nil
	case "like":
		return sq.Like{p.Field: p.Value}, nil
	case "not_like":
		return sq.NotLike{p.Field: p.Value}, nil
	case "ilike":
		return sq.ILike{p.Field: p.Value}, nil
	case "not_ilike":
		return sq.NotILike{p.Field: p.Value}, nil
	case "contains":
		if p.Field == "data" {
			return sq.Expr(p.Field+" @> ?", p.Value), nil
		}
		return sq.Like{p.Field: fmt.Sprintf("%%%v%%", p.Value)}, nil
	case "not_contains":
		if p.Field == "data" {
			return sq.Expr("NOT ("+p.Field+" @> ?)", p.Value), nil
		}
		return sq.NotLike{p.Field: fmt.Sprintf("%%%v%%", p.Value)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported operator %q", domain.ErrInvalidArgument, p.Operator)
	}
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows, same as the
// teacher's job_repo.go.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkplan(row rowScanner) (*domain.Workplan, error) {
	var w domain.Workplan
	err := row.Scan(
		&w.ID, &w.Name, &w.WorktimeUTC, &w.Status, &w.Hash, &w.Retries, &w.Info, &w.Data,
		&w.Duration, &w.ExpiresUTC, &w.StartedUTC, &w.FinishedUTC, &w.CreatedUTC, &w.UpdatedUTC,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanOneWorkplan(row pgx.Row) (*domain.Workplan, error) {
	w, err := scanWorkplan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan workplan: %w", err)
	}
	return w, nil
}

func scanManyWorkplans(rows pgx.Rows) ([]*domain.Workplan, error) {
	var out []*domain.Workplan
	for rows.Next() {
		w, err := scanWorkplan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workplan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
