package timeutil

import (
	"errors"
	"testing"
	"time"

	"github.com/voronovm/workplanner/internal/domain"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return tm
}

func TestIterRangeEmptyWhenStartAfterEnd(t *testing.T) {
	start := mustParse(t, "2022-11-11T11:11:11Z")
	end := start.Add(-time.Second)

	seq, err := IterRange(start, end, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []time.Time
	for tm := range seq {
		got = append(got, tm)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty sequence, got %v", got)
	}
}

func TestIterRangeNonPositiveStep(t *testing.T) {
	start := mustParse(t, "2022-11-11T11:11:11Z")
	if _, err := IterRange(start, start, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestIterRangeYieldsInclusiveBoundary(t *testing.T) {
	start := mustParse(t, "2022-11-11T11:00:00Z")
	end := mustParse(t, "2022-11-11T11:05:00Z")

	seq, err := IterRange(start, end, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []time.Time
	for tm := range seq {
		got = append(got, tm)
	}
	if len(got) != 6 {
		t.Fatalf("expected 6 instants, got %d", len(got))
	}
	if !got[0].Equal(start) || !got[len(got)-1].Equal(end) {
		t.Fatalf("expected range to include both boundaries, got %v", got)
	}
}

func TestIterRangeStopsEarly(t *testing.T) {
	start := mustParse(t, "2022-11-11T11:00:00Z")
	end := start.Add(time.Hour)

	seq, err := IterRange(start, end, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count := 0
	for range seq {
		count++
		if count == 3 {
			break
		}
	}
	if count != 3 {
		t.Fatalf("expected iteration to stop at 3, got %d", count)
	}
}

func TestSnapToLastBoundary(t *testing.T) {
	anchor := mustParse(t, "2022-11-11T11:00:00Z")
	now := mustParse(t, "2022-11-11T11:07:30Z")

	got := SnapToLastBoundary(anchor, time.Minute, now)
	want := mustParse(t, "2022-11-11T11:07:00Z")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSnapToLastBoundaryAnchorAfterNow(t *testing.T) {
	anchor := mustParse(t, "2022-11-11T12:00:00Z")
	now := mustParse(t, "2022-11-11T11:00:00Z")

	got := SnapToLastBoundary(anchor, time.Minute, now)
	if !got.Equal(anchor) {
		t.Fatalf("got %v, want anchor %v unchanged", got, anchor)
	}
}

func TestGroupContiguous(t *testing.T) {
	base := mustParse(t, "2022-11-11T11:00:00Z")
	step := time.Minute
	times := []time.Time{
		base.Add(4 * step),
		base,
		base.Add(step),
		base.Add(2 * step),
		base.Add(4 * step), // duplicate
		base.Add(10 * step),
	}

	got := GroupContiguous(times, step)
	want := [][2]time.Time{
		{base, base.Add(2 * step)},
		{base.Add(4 * step), base.Add(4 * step)},
		{base.Add(10 * step), base.Add(10 * step)},
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d runs, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i][0].Equal(want[i][0]) || !got[i][1].Equal(want[i][1]) {
			t.Fatalf("run %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGroupContiguousEmpty(t *testing.T) {
	if got := GroupContiguous(nil, time.Minute); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}
