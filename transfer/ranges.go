package transfer

import (
	"sort"

	"lanshare/wire"
)

// rangeSet tracks acknowledged byte ranges of one transfer as a sorted list
// of disjoint half-open [start, end) ranges. Not safe for concurrent use;
// owners serialize access.
type rangeSet struct {
	ranges []wire.Range
}

func newRangeSet(initial []wire.Range) *rangeSet {
	set := &rangeSet{}
	for _, r := range initial {
		set.add(r.Start, r.End)
	}
	return set
}

// add merges [start, end) into the set, coalescing adjacent and overlapping
// ranges.
func (s *rangeSet) add(start, end int64) {
	if end <= start {
		return
	}

	merged := make([]wire.Range, 0, len(s.ranges)+1)
	inserted := false
	for _, r := range s.ranges {
		switch {
		case r.End < start:
			merged = append(merged, r)
		case end < r.Start:
			if !inserted {
				merged = append(merged, wire.Range{Start: start, End: end})
				inserted = true
			}
			merged = append(merged, r)
		default:
			// Overlapping or touching; absorb into the candidate.
			if r.Start < start {
				start = r.Start
			}
			if r.End > end {
				end = r.End
			}
		}
	}
	if !inserted {
		merged = append(merged, wire.Range{Start: start, End: end})
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })
	s.ranges = merged
}

// contains reports whether [start, end) is fully covered.
func (s *rangeSet) contains(start, end int64) bool {
	if end <= start {
		return true
	}
	for _, r := range s.ranges {
		if r.Start <= start && end <= r.End {
			return true
		}
	}
	return false
}

// covers reports whether the set tiles [0, total) exactly.
func (s *rangeSet) covers(total int64) bool {
	return s.contains(0, total)
}

// covered returns the total number of bytes in the set.
func (s *rangeSet) covered() int64 {
	var sum int64
	for _, r := range s.ranges {
		sum += r.End - r.Start
	}
	return sum
}

// snapshot returns a copy of the ranges for the wire.
func (s *rangeSet) snapshot() []wire.Range {
	out := make([]wire.Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}
