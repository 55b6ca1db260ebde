// Package timeutil provides the small set of time calculations the
// scheduling engine needs: enumerating a fixed-step range, snapping an
// arbitrary instant to the last interval boundary not after now, and
// grouping an unordered set of instants into contiguous runs.
package timeutil

import (
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/voronovm/workplanner/internal/domain"
)

// IterRange yields start, start+step, start+2*step, ... while the value is
// <= end. If start > end the sequence is empty. step must be strictly
// positive.
func IterRange(start, end time.Time, step time.Duration) (iter.Seq[time.Time], error) {
	if step <= 0 {
		return nil, fmt.Errorf("%w: step must be positive", domain.ErrInvalidArgument)
	}
	return func(yield func(time.Time) bool) {
		for t := start; !t.After(end); t = t.Add(step) {
			if !yield(t) {
				return
			}
		}
	}, nil
}

// SnapToLastBoundary returns the greatest instant b such that b <= now and
// b = anchor + k*step for some non-negative integer k. If anchor is already
// after now, anchor itself is returned (k=0 has no smaller bound to offer).
func SnapToLastBoundary(anchor time.Time, step time.Duration, now time.Time) time.Time {
	if step <= 0 || !anchor.Before(now) {
		return anchor
	}
	elapsed := now.Sub(anchor)
	k := elapsed / step
	return anchor.Add(k * step)
}

// GroupContiguous deduplicates and sorts times, then yields maximal runs
// [first, last] where each successive element differs by exactly step.
func GroupContiguous(times []time.Time, step time.Duration) [][2]time.Time {
	if len(times) == 0 {
		return nil
	}

	uniq := make(map[int64]time.Time, len(times))
	for _, t := range times {
		uniq[t.UnixNano()] = t
	}
	sorted := make([]time.Time, 0, len(uniq))
	for _, t := range uniq {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var runs [][2]time.Time
	runStart := sorted[0]
	prev := sorted[0]
	for _, t := range sorted[1:] {
		if t.Sub(prev) == step {
			prev = t
			continue
		}
		runs = append(runs, [2]time.Time{runStart, prev})
		runStart = t
		prev = t
	}
	runs = append(runs, [2]time.Time{runStart, prev})
	return runs
}
