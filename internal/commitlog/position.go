package commitlog

import "fmt"

// AllMutations disables the mutation count bound on replay.
const AllMutations = int(^uint(0) >> 1)

// Position is a (segment id, byte offset) pointer into the commit log
// stream. Positions are totally ordered: first by segment id, then by
// offset.
type Position struct {
	SegmentID int64 `json:"segment_id"`
	Offset    int64 `json:"offset"`
}

// PositionNone sorts before every real position; replaying from it reads
// the whole stream.
var PositionNone = Position{SegmentID: -1, Offset: 0}

// Compare returns -1, 0 or 1 ordering p against o.
func (p Position) Compare(o Position) int {
	switch {
	case p.SegmentID < o.SegmentID:
		return -1
	case p.SegmentID > o.SegmentID:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	default:
		return 0
	}
}

// Before reports whether p is strictly earlier than o.
func (p Position) Before(o Position) bool {
	return p.Compare(o) < 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d@%d", p.SegmentID, p.Offset)
}
