package ring

import (
	"fmt"
	"strconv"
	"strings"
)

// Token is a position on the partitioner ring.
type Token int64

const (
	// MinToken is the smallest token the partitioner produces.
	MinToken Token = -1 << 63
	// MaxToken is the largest token the partitioner produces.
	MaxToken Token = 1<<63 - 1
)

// Range is a token interval on the wrapping ring. Start is exclusive,
// End is inclusive. A range with Start == End == MinToken covers the
// entire ring.
type Range struct {
	Start Token `json:"start"`
	End   Token `json:"end"`
}

// FullRange returns the range covering the entire ring.
func FullRange() Range {
	return Range{Start: MinToken, End: MinToken}
}

// NewRange creates a (start, end] range. Start and end being equal is only
// valid for the full ring; any other zero-width interval is rejected.
func NewRange(start, end Token) (Range, error) {
	if start == end && start != MinToken {
		return Range{}, fmt.Errorf("zero-width range (%d, %d] is not a valid token range", start, end)
	}
	return Range{Start: start, End: end}, nil
}

// IsFull reports whether the range covers the entire ring.
func (r Range) IsFull() bool {
	return r.Start == r.End
}

// Wraps reports whether the range wraps around the ring boundary.
func (r Range) Wraps() bool {
	return r.End < r.Start
}

// Contains reports whether the token falls inside the range.
func (r Range) Contains(t Token) bool {
	if r.IsFull() {
		return true
	}
	if r.Wraps() {
		return t > r.Start || t <= r.End
	}
	return t > r.Start && t <= r.End
}

// Intersects reports whether the two ranges share at least one token.
func (r Range) Intersects(o Range) bool {
	if r.IsFull() || o.IsFull() {
		return true
	}
	if r.Wraps() {
		// Split into the two non-wrapping halves.
		left := Range{Start: r.Start, End: MaxToken}
		right := Range{Start: MinToken, End: r.End}
		return left.Intersects(o) || right.Intersects(o)
	}
	if o.Wraps() {
		return o.Intersects(r)
	}
	return r.Start < o.End && o.Start < r.End
}

// Intersection returns the overlap of two non-wrapping ranges. The second
// return value is false when they do not intersect. Full ranges yield the
// other operand.
func (r Range) Intersection(o Range) (Range, bool) {
	if r.IsFull() {
		return o, true
	}
	if o.IsFull() {
		return r, true
	}
	if r.Wraps() || o.Wraps() {
		// Wrapping operands are normalized by the caller before storage;
		// intersection on them is intentionally unsupported here.
		if !r.Intersects(o) {
			return Range{}, false
		}
		return r, true
	}
	start := r.Start
	if o.Start > start {
		start = o.Start
	}
	end := r.End
	if o.End < end {
		end = o.End
	}
	if start >= end {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// String renders the range in the canonical "start:end" form.
func (r Range) String() string {
	return fmt.Sprintf("%d:%d", r.Start, r.End)
}

// ParseRange parses the "start:end" form produced by String.
func ParseRange(s string) (Range, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Range{}, fmt.Errorf("invalid token range %q: expected start:end", s)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("invalid start token %q: %w", parts[0], err)
	}
	end, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("invalid end token %q: %w", parts[1], err)
	}
	return NewRange(Token(start), Token(end))
}
