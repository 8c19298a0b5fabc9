// Package interval provides arithmetic over closed block-number ranges.
// The backfill planner uses it to compute which parts of a requested range
// are already cached and which still need to be fetched.
package interval

import (
	"fmt"
	"sort"
)

// Interval is a closed range [Start, End] of block numbers, Start <= End.
type Interval struct {
	Start uint64
	End   uint64
}

// New constructs an interval, validating the bounds.
func New(start, end uint64) (Interval, error) {
	if start > end {
		return Interval{}, fmt.Errorf("interval: start %d greater than end %d", start, end)
	}
	return Interval{Start: start, End: end}, nil
}

// Len returns the number of blocks covered by the interval.
func (iv Interval) Len() uint64 {
	return iv.End - iv.Start + 1
}

// Contains reports whether n falls inside the interval.
func (iv Interval) Contains(n uint64) bool {
	return n >= iv.Start && n <= iv.End
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%d, %d]", iv.Start, iv.End)
}

// Union merges a list of intervals into a sorted, disjoint, non-adjacent
// list. Overlapping and touching intervals are coalesced.
func Union(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}

	sorted := make([]Interval, len(ivs))
	copy(sorted, ivs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})

	out := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &out[len(out)-1]
		// Adjacent intervals ([1,5] and [6,9]) coalesce too.
		if iv.Start <= last.End || (last.End != ^uint64(0) && iv.Start == last.End+1) {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Difference returns the sub-intervals of target not covered by any interval
// in covered. The result is sorted, disjoint and a subset of target.
func Difference(target Interval, covered []Interval) []Interval {
	merged := Union(covered)

	var out []Interval
	cursor := target.Start
	done := false

	for _, iv := range merged {
		if iv.End < cursor {
			continue
		}
		if iv.Start > target.End {
			break
		}
		if iv.Start > cursor {
			out = append(out, Interval{Start: cursor, End: iv.Start - 1})
		}
		if iv.End >= target.End {
			done = true
			break
		}
		cursor = iv.End + 1
	}

	if !done && cursor <= target.End {
		out = append(out, Interval{Start: cursor, End: target.End})
	}
	return out
}

// Intersection returns the parts of target covered by the given intervals,
// sorted and disjoint.
func Intersection(target Interval, covered []Interval) []Interval {
	var out []Interval
	for _, iv := range Union(covered) {
		if iv.End < target.Start || iv.Start > target.End {
			continue
		}
		clipped := iv
		if clipped.Start < target.Start {
			clipped.Start = target.Start
		}
		if clipped.End > target.End {
			clipped.End = target.End
		}
		out = append(out, clipped)
	}
	return out
}

// Total returns the number of blocks covered by a disjoint interval list.
func Total(ivs []Interval) uint64 {
	var n uint64
	for _, iv := range ivs {
		n += iv.Len()
	}
	return n
}

// Chunk slices an interval into consecutive pieces of at most size blocks.
// size must be at least 1.
func Chunk(iv Interval, size uint64) []Interval {
	if size == 0 {
		size = 1
	}
	var out []Interval
	for start := iv.Start; ; {
		end := start + size - 1
		if end > iv.End || end < start {
			end = iv.End
		}
		out = append(out, Interval{Start: start, End: end})
		if end >= iv.End {
			break
		}
		start = end + 1
	}
	return out
}
