package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/voronovm/workplanner/internal/domain"
	"github.com/voronovm/workplanner/internal/engine"
	"github.com/voronovm/workplanner/internal/store"
)

// fakeStore is a minimal in-memory store.WorkplanStore, good enough to
// exercise the engine's algorithms without a database. Transact snapshots
// the row set before running fn and restores it if fn returns an error,
// standing in for a real savepoint rollback.
type fakeStore struct {
	rows []*domain.Workplan
}

func newFakeStore() *fakeStore { return &fakeStore{} }

func cloneRows(rows []*domain.Workplan) []*domain.Workplan {
	out := make([]*domain.Workplan, len(rows))
	for i, r := range rows {
		cp := *r
		out[i] = &cp
	}
	return out
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Workplan, error) {
	for _, r := range f.rows {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetByPK(_ context.Context, name string, worktimeUTC time.Time) (*domain.Workplan, error) {
	for _, r := range f.rows {
		if r.Name == name && r.WorktimeUTC.Equal(worktimeUTC) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) LastByWorktime(_ context.Context, name string) (*domain.Workplan, error) {
	var best *domain.Workplan
	for _, r := range f.rows {
		if r.Name != name {
			continue
		}
		if best == nil || r.WorktimeUTC.After(best.WorktimeUTC) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStore) FirstByWorktime(_ context.Context, name string) (*domain.Workplan, error) {
	var best *domain.Workplan
	for _, r := range f.rows {
		if r.Name != name {
			continue
		}
		if best == nil || r.WorktimeUTC.Before(best.WorktimeUTC) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeStore) Exists(_ context.Context, name string) (bool, error) {
	for _, r := range f.rows {
		if r.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListWorktimes(_ context.Context, name string) ([]time.Time, error) {
	var out []time.Time
	for _, r := range f.rows {
		if r.Name == name {
			out = append(out, r.WorktimeUTC)
		}
	}
	return out, nil
}

func (f *fakeStore) Insert(_ context.Context, w *domain.Workplan) (*domain.Workplan, error) {
	for _, r := range f.rows {
		if r.Name == w.Name && r.WorktimeUTC.Equal(w.WorktimeUTC) {
			return nil, domain.ErrWorkplanConflict
		}
	}
	cp := *w
	cp.ID = uuid.New()
	if cp.Status == "" {
		cp.Status = domain.StatusAdd
	}
	now := time.Now().UTC()
	cp.CreatedUTC, cp.UpdatedUTC = now, now
	f.rows = append(f.rows, &cp)
	out := cp
	return &out, nil
}

func (f *fakeStore) BulkUpsert(ctx context.Context, rows []*domain.Workplan) (int, error) {
	n := 0
	for _, r := range rows {
		if _, err := f.Insert(ctx, r); err == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) matches(r *domain.Workplan, q store.Query) bool {
	if q.Name != "" && r.Name != q.Name {
		return false
	}
	for _, p := range q.Predicates {
		if !matchPredicate(r, p) {
			return false
		}
	}
	return true
}

func matchPredicate(r *domain.Workplan, p store.Predicate) bool {
	switch p.Field {
	case "id":
		return compareEqual(r.ID, p)
	case "name":
		return compareEqual(r.Name, p)
	case "status":
		return compareEqual(string(r.Status), p)
	case "hash":
		return compareEqual(r.Hash, p)
	case "retries":
		return compareOrdered(float64(r.Retries), p)
	case "worktime_utc":
		return compareTime(r.WorktimeUTC, p)
	case "expires_utc":
		if r.ExpiresUTC == nil {
			return false
		}
		return compareTime(*r.ExpiresUTC, p)
	default:
		return true
	}
}

func compareEqual(v any, p store.Predicate) bool {
	switch p.Operator {
	case "equal":
		return fmt.Sprint(v) == fmt.Sprint(p.Value)
	case "not_equal":
		return fmt.Sprint(v) != fmt.Sprint(p.Value)
	case "in_":
		vals, _ := p.Value.([]any)
		for _, want := range vals {
			if fmt.Sprint(v) == fmt.Sprint(want) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func compareOrdered(v float64, p store.Predicate) bool {
	want, ok := p.Value.(int)
	var wf float64
	if ok {
		wf = float64(want)
	} else {
		wf, _ = p.Value.(float64)
	}
	switch p.Operator {
	case "less":
		return v < wf
	case "less_or_equal":
		return v <= wf
	case "more":
		return v > wf
	case "more_or_equal":
		return v >= wf
	case "equal":
		return v == wf
	default:
		return true
	}
}

func compareTime(v time.Time, p store.Predicate) bool {
	want, ok := p.Value.(time.Time)
	if !ok {
		if list, ok := p.Value.([]time.Time); ok {
			for _, w := range list {
				if v.Equal(w) {
					return p.Operator == "in_"
				}
			}
			return p.Operator != "in_"
		}
		return true
	}
	switch p.Operator {
	case "equal":
		return v.Equal(want)
	case "less":
		return v.Before(want)
	case "less_or_equal":
		return v.Before(want) || v.Equal(want)
	case "more":
		return v.After(want)
	case "more_or_equal":
		return v.After(want) || v.Equal(want)
	default:
		return true
	}
}

func (f *fakeStore) Select(_ context.Context, q store.Query) ([]*domain.Workplan, error) {
	var out []*domain.Workplan
	for _, r := range f.rows {
		if f.matches(r, q) {
			cp := *r
			out = append(out, &cp)
		}
	}
	if len(q.OrderBy) > 0 {
		term := q.OrderBy[0]
		sort.Slice(out, func(i, j int) bool {
			var less bool
			switch term.Field {
			case "worktime_utc":
				less = out[i].WorktimeUTC.Before(out[j].WorktimeUTC)
			default:
				less = false
			}
			if term.Desc {
				return !less && out[i] != out[j]
			}
			return less
		})
	}
	return out, nil
}

func (f *fakeStore) Count(ctx context.Context, q store.Query) (int, error) {
	rows, err := f.Select(ctx, q)
	return len(rows), err
}

func (f *fakeStore) Update(_ context.Context, q store.Query, patch store.Patch) ([]*domain.Workplan, error) {
	var out []*domain.Workplan
	for _, r := range f.rows {
		if !f.matches(r, q) {
			continue
		}
		if patch.Status != nil {
			r.Status = *patch.Status
		}
		if patch.Hash != nil {
			r.Hash = *patch.Hash
		}
		if patch.Retries != nil {
			r.Retries = *patch.Retries
		}
		if patch.ClearInfo {
			r.Info = nil
		} else if patch.Info != nil {
			r.Info = patch.Info
		}
		if patch.ClearDuration {
			r.Duration = nil
		} else if patch.Duration != nil {
			r.Duration = patch.Duration
		}
		if patch.Data != nil {
			r.Data = patch.Data
		}
		if patch.ExpiresUTC != nil {
			r.ExpiresUTC = patch.ExpiresUTC
		}
		if patch.StartedUTC != nil {
			r.StartedUTC = patch.StartedUTC
		}
		if patch.FinishedUTC != nil {
			r.FinishedUTC = patch.FinishedUTC
		}
		r.UpdatedUTC = time.Now().UTC()
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, q store.Query) (int, error) {
	var kept []*domain.Workplan
	n := 0
	for _, r := range f.rows {
		if f.matches(r, q) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return n, nil
}

func (f *fakeStore) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	before := cloneRows(f.rows)
	if err := fn(ctx); err != nil {
		f.rows = before
		return err
	}
	return nil
}

// ---- tests ----

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return tm
}

func seedSlots(t *testing.T, s *fakeStore, name string, base time.Time, step time.Duration, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if _, err := s.Insert(context.Background(), &domain.Workplan{
			Name: name, WorktimeUTC: base.Add(time.Duration(i) * step), Status: domain.StatusAdd,
		}); err != nil {
			t.Fatalf("seed slot %d: %v", i, err)
		}
	}
}

func TestNextSlotCreation(t *testing.T) {
	s := newFakeStore()
	now := mustParse(t, "2022-11-11T11:11:11Z")
	base := now
	seedSlots(t, s, "A", base, time.Minute, 5)

	e := engine.New(s, engine.WithClock(func() time.Time { return base.Add(5 * time.Minute) }))
	ok, err := e.IsCreateNext(context.Background(), "A", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected IsCreateNext to be false at now+5m")
	}

	e2 := engine.New(s, engine.WithClock(func() time.Time { return base.Add(6 * time.Minute) }))
	ok, err = e2.IsCreateNext(context.Background(), "A", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected IsCreateNext to be true at now+6m")
	}

	created, err := e2.CreateNextOrNone(context.Background(), "A", time.Minute, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created == nil || !created.WorktimeUTC.Equal(base.Add(6*time.Minute)) {
		t.Fatalf("expected a slot at now+6m, got %+v", created)
	}
}

func TestFillMissingBackfillsGapsIdempotently(t *testing.T) {
	s := newFakeStore()
	base := mustParse(t, "2022-11-11T11:00:00Z")
	for _, offset := range []time.Duration{0, 60 * time.Second, 120 * time.Second, 300 * time.Second} {
		if _, err := s.Insert(context.Background(), &domain.Workplan{Name: "B", WorktimeUTC: base.Add(offset), Status: domain.StatusAdd}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	now := base.Add(300 * time.Second)
	e := engine.New(s, engine.WithClock(func() time.Time { return now }))

	created, err := e.FillMissing(context.Background(), "B", time.Minute, base, &now, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 new rows, got %d: %+v", len(created), created)
	}

	again, err := e.FillMissing(context.Background(), "B", time.Minute, base, &now, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected fill_missing to be idempotent, got %d new rows", len(again))
	}
}

func TestRecreatePrevExplicitNegativeList(t *testing.T) {
	s := newFakeStore()
	base := mustParse(t, "2022-01-10T00:00:00Z")
	seedSlots(t, s, "C", base, time.Minute, 5) // base+1m .. base+5m

	e := engine.New(s, engine.WithClock(func() time.Time { return base.Add(5 * time.Minute) }))

	got, err := e.RecreatePrev(context.Background(), "C", engine.BackRestarts{Offsets: []int{-1, -3}}, time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var worktimes []time.Time
	for _, w := range got {
		worktimes = append(worktimes, w.WorktimeUTC)
	}
	sort.Slice(worktimes, func(i, j int) bool { return worktimes[i].Before(worktimes[j]) })

	want := []time.Time{base.Add(3 * time.Minute), base.Add(5 * time.Minute)}
	if len(worktimes) != len(want) {
		t.Fatalf("got %v, want %v", worktimes, want)
	}
	for i := range want {
		if !worktimes[i].Equal(want[i]) {
			t.Fatalf("got %v, want %v", worktimes, want)
		}
	}
}

func TestIsAllowedExecuteCircuitBreaker(t *testing.T) {
	s := newFakeStore()
	base := mustParse(t, "2022-11-11T11:11:11Z")
	for i := 0; i < 4; i++ {
		if _, err := s.Insert(context.Background(), &domain.Workplan{
			Name: "D", WorktimeUTC: base.Add(time.Duration(i) * time.Minute),
			Status: domain.StatusFatalError, Hash: "h1",
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	e := engine.New(s)
	allowed, err := e.IsAllowedExecute(context.Background(), "D", "h1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("expected circuit breaker to trip for h1")
	}

	allowed, err = e.IsAllowedExecute(context.Background(), "D", "h2", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatal("expected a hash change to reset the circuit breaker")
	}
}

func TestUpdateErrorsRetryGate(t *testing.T) {
	s := newFakeStore()
	finished := mustParse(t, "2022-11-11T11:11:11Z")
	wp, err := s.Insert(context.Background(), &domain.Workplan{
		Name: "E", WorktimeUTC: finished, Status: domain.StatusError, FinishedUTC: &finished,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	before := engine.New(s, engine.WithClock(func() time.Time { return finished.Add(5 * time.Second) }))
	affected, err := before.UpdateErrors(context.Background(), "E", 3, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(affected) != 0 {
		t.Fatalf("expected no rows affected before the retry delay elapses, got %d", len(affected))
	}

	after := engine.New(s, engine.WithClock(func() time.Time { return finished.Add(10 * time.Second) }))
	affected, err = after.UpdateErrors(context.Background(), "E", 3, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(affected) != 1 || affected[0].Status != domain.StatusAdd || affected[0].Retries != wp.Retries+1 {
		t.Fatalf("expected row to move to ADD with retries incremented, got %+v", affected)
	}
}

func TestCheckExpirationSkipsTerminalStatuses(t *testing.T) {
	s := newFakeStore()
	now := mustParse(t, "2022-11-11T11:11:11Z")
	past := now.Add(-time.Minute)

	if _, err := s.Insert(context.Background(), &domain.Workplan{
		Name: "F", WorktimeUTC: now, Status: domain.StatusAdd, ExpiresUTC: &past,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.Insert(context.Background(), &domain.Workplan{
		Name: "F", WorktimeUTC: now.Add(time.Minute), Status: domain.StatusSuccess, ExpiresUTC: &past,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := engine.New(s, engine.WithClock(func() time.Time { return now }))
	affected, err := e.CheckExpiration(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(affected) != 1 || affected[0].Status != domain.StatusError {
		t.Fatalf("expected exactly the ADD row to move to ERROR, got %+v", affected)
	}
}

func TestClearStatusesOfLostItems(t *testing.T) {
	s := newFakeStore()
	now := mustParse(t, "2022-11-11T11:11:11Z")
	for _, st := range []domain.Status{domain.StatusQueue, domain.StatusRun, domain.StatusSuccess} {
		if _, err := s.Insert(context.Background(), &domain.Workplan{Name: "G", WorktimeUTC: now, Status: st}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		now = now.Add(time.Minute)
	}

	e := engine.New(s)
	affected, err := e.ClearStatusesOfLostItems(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(affected) != 2 {
		t.Fatalf("expected 2 rows reset, got %d", len(affected))
	}

	for _, r := range s.rows {
		if r.Status == domain.StatusQueue || r.Status == domain.StatusRun {
			t.Fatalf("row %v still has a run status", r)
		}
	}
}

func TestChildWorkplanGeneration(t *testing.T) {
	s := newFakeStore()
	base := mustParse(t, "2022-11-11T11:11:11Z")

	var parentTimes []time.Time
	for i := 0; i < 5; i++ {
		wt := base.Add(time.Duration(i) * time.Minute)
		parentTimes = append(parentTimes, wt)
		if _, err := s.Insert(context.Background(), &domain.Workplan{Name: "P", WorktimeUTC: wt, Status: domain.StatusSuccess}); err != nil {
			t.Fatalf("seed parent: %v", err)
		}
	}
	for _, wt := range parentTimes[:3] {
		if _, err := s.Insert(context.Background(), &domain.Workplan{Name: "Cchild", WorktimeUTC: wt, Status: domain.StatusAdd}); err != nil {
			t.Fatalf("seed child: %v", err)
		}
	}

	e := engine.New(s)
	seq, err := e.IterGenerateChildWorkplans(context.Background(), "Cchild", "P", domain.StatusSuccess, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []*domain.Workplan
	for c := range seq {
		got = append(got, c)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 new children, got %d: %+v", len(got), got)
	}
}

func TestIterGenerateChildWorkplansRejectsUnknownStatus(t *testing.T) {
	s := newFakeStore()
	e := engine.New(s)
	_, err := e.IterGenerateChildWorkplans(context.Background(), "c", "p", domain.Status("bogus"), nil, nil)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRunRequeuesSlot(t *testing.T) {
	s := newFakeStore()
	wp, err := s.Insert(context.Background(), &domain.Workplan{Name: "H", WorktimeUTC: time.Now(), Status: domain.StatusFatalError, Retries: 2})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := engine.New(s)
	updated, err := e.Run(context.Background(), wp.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated == nil || updated.Status != domain.StatusAdd || updated.Retries != 3 {
		t.Fatalf("expected requeued row with retries=3, got %+v", updated)
	}
}

func TestRunMissingIDReturnsNil(t *testing.T) {
	e := engine.New(newFakeStore())
	updated, err := e.Run(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated != nil {
		t.Fatalf("expected nil for a missing id, got %+v", updated)
	}
}
