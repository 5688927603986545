package migration

import (
	"fmt"
	"sort"

	"github.com/stratumdb/stratum/internal/metalog"
	"github.com/stratumdb/stratum/internal/ring"
)

// TableRef names a table.
type TableRef struct {
	Keyspace string `json:"keyspace"`
	Table    string `json:"table"`
}

func (r TableRef) String() string {
	return r.Keyspace + "." + r.Table
}

// MigratingRange is one token interval of a table currently mid-migration.
// Epoch is the metadata epoch observed when the range entered the set.
type MigratingRange struct {
	Range  ring.Range    `json:"range"`
	Target Protocol      `json:"target"`
	Phase  Phase         `json:"phase"`
	Epoch  metalog.Epoch `json:"epoch"`
}

// TableState is the migration state of one table: its default protocol and
// the sorted, pairwise-disjoint set of migrating ranges. Ranges are stored
// non-wrapping; the full ring is (MinToken, MaxToken] and wrapping inputs
// are split before insertion.
type TableState struct {
	Keyspace string           `json:"keyspace"`
	Table    string           `json:"table"`
	Protocol Protocol         `json:"protocol"`
	Ranges   []MigratingRange `json:"ranges,omitempty"`
}

func (ts *TableState) Ref() TableRef {
	return TableRef{Keyspace: ts.Keyspace, Table: ts.Table}
}

// normalizeRange converts a ring range into its non-wrapping pieces.
func normalizeRange(r ring.Range) []ring.Range {
	if r.IsFull() {
		return []ring.Range{{Start: ring.MinToken, End: ring.MaxToken}}
	}
	if !r.Wraps() {
		return []ring.Range{r}
	}
	var out []ring.Range
	if r.Start < ring.MaxToken {
		out = append(out, ring.Range{Start: r.Start, End: ring.MaxToken})
	}
	if r.End > ring.MinToken {
		out = append(out, ring.Range{Start: ring.MinToken, End: r.End})
	}
	return out
}

// addRange inserts migrating entries covering r with phase Migrating,
// skipping portions already covered by an existing entry. Returns true if
// anything was added. Overlapping inserts are resolved before storage, so
// the non-overlap invariant holds on every return.
func (ts *TableState) addRange(r ring.Range, target Protocol, epoch metalog.Epoch) (bool, error) {
	changed := false
	for _, piece := range normalizeRange(r) {
		for _, gap := range ts.uncovered(piece) {
			ts.Ranges = append(ts.Ranges, MigratingRange{
				Range:  gap,
				Target: target,
				Phase:  PhaseMigrating,
				Epoch:  epoch,
			})
			changed = true
		}
	}
	if changed {
		ts.sortRanges()
		ts.mergeAdjacent()
		if err := ts.checkInvariant(); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// uncovered returns the portions of r (non-wrapping) not covered by any
// existing migrating range.
func (ts *TableState) uncovered(r ring.Range) []ring.Range {
	gaps := []ring.Range{r}
	for _, mr := range ts.Ranges {
		var next []ring.Range
		for _, g := range gaps {
			next = append(next, subtractRange(g, mr.Range)...)
		}
		gaps = next
		if len(gaps) == 0 {
			break
		}
	}
	return gaps
}

// subtractRange removes cover from r; both must be non-wrapping.
func subtractRange(r, cover ring.Range) []ring.Range {
	overlap, ok := r.Intersection(cover)
	if !ok {
		return []ring.Range{r}
	}
	var out []ring.Range
	if overlap.Start > r.Start {
		out = append(out, ring.Range{Start: r.Start, End: overlap.Start})
	}
	if overlap.End < r.End {
		out = append(out, ring.Range{Start: overlap.End, End: r.End})
	}
	return out
}

// advance transitions the covered portions of r whose phase satisfies
// from into the to phase, splitting entries that are only partially
// covered. Returns true if any entry changed.
func (ts *TableState) advance(r ring.Range, target Protocol, from func(Phase) bool, to Phase) (bool, error) {
	changed := false
	for _, piece := range normalizeRange(r) {
		var next []MigratingRange
		for _, mr := range ts.Ranges {
			if mr.Target != target || !from(mr.Phase) {
				next = append(next, mr)
				continue
			}
			overlap, ok := mr.Range.Intersection(piece)
			if !ok {
				next = append(next, mr)
				continue
			}
			changed = true
			if overlap.Start > mr.Range.Start {
				left := mr
				left.Range = ring.Range{Start: mr.Range.Start, End: overlap.Start}
				next = append(next, left)
			}
			moved := mr
			moved.Range = overlap
			moved.Phase = to
			next = append(next, moved)
			if overlap.End < mr.Range.End {
				right := mr
				right.Range = ring.Range{Start: overlap.End, End: mr.Range.End}
				next = append(next, right)
			}
		}
		ts.Ranges = next
	}
	if changed {
		ts.sortRanges()
		ts.mergeAdjacent()
		if err := ts.checkInvariant(); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// prune removes the covered portions of r whose phase satisfies done,
// splitting partially covered entries. Returns true if anything was
// removed.
func (ts *TableState) prune(r ring.Range, target Protocol, done func(Phase) bool) bool {
	changed := false
	for _, piece := range normalizeRange(r) {
		var next []MigratingRange
		for _, mr := range ts.Ranges {
			if mr.Target != target || !done(mr.Phase) {
				next = append(next, mr)
				continue
			}
			overlap, ok := mr.Range.Intersection(piece)
			if !ok {
				next = append(next, mr)
				continue
			}
			changed = true
			if overlap.Start > mr.Range.Start {
				left := mr
				left.Range = ring.Range{Start: mr.Range.Start, End: overlap.Start}
				next = append(next, left)
			}
			if overlap.End < mr.Range.End {
				right := mr
				right.Range = ring.Range{Start: overlap.End, End: mr.Range.End}
				next = append(next, right)
			}
		}
		ts.Ranges = next
	}
	if changed {
		ts.sortRanges()
	}
	return changed
}

// rangesIntersecting returns the migrating entries whose interval shares
// tokens with r.
func (ts *TableState) rangesIntersecting(r ring.Range) []MigratingRange {
	var out []MigratingRange
	for _, mr := range ts.Ranges {
		if mr.Range.Intersects(r) {
			out = append(out, mr)
		}
	}
	return out
}

func (ts *TableState) sortRanges() {
	sort.Slice(ts.Ranges, func(i, j int) bool {
		return ts.Ranges[i].Range.Start < ts.Ranges[j].Range.Start
	})
}

// mergeAdjacent coalesces contiguous entries with the same target and
// phase. The earlier creation epoch wins for the merged entry.
func (ts *TableState) mergeAdjacent() {
	if len(ts.Ranges) < 2 {
		return
	}
	merged := ts.Ranges[:1]
	for _, mr := range ts.Ranges[1:] {
		last := &merged[len(merged)-1]
		if last.Range.End == mr.Range.Start && last.Target == mr.Target && last.Phase == mr.Phase {
			last.Range.End = mr.Range.End
			if mr.Epoch < last.Epoch {
				last.Epoch = mr.Epoch
			}
			continue
		}
		merged = append(merged, mr)
	}
	ts.Ranges = merged
}

// checkInvariant verifies the entries are sorted and pairwise disjoint.
func (ts *TableState) checkInvariant() error {
	for i := 1; i < len(ts.Ranges); i++ {
		prev, cur := ts.Ranges[i-1], ts.Ranges[i]
		if cur.Range.Start < prev.Range.End {
			return fmt.Errorf("%w: %s.%s ranges %s and %s",
				ErrOverlapInvariant, ts.Keyspace, ts.Table, prev.Range, cur.Range)
		}
	}
	return nil
}
