package commitlog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/stratumdb/stratum/internal/logging"
)

// FailurePolicy is how a caller reacts to replay corruption. The replayer
// itself only reports the outcome; mapping it to process behavior is the
// caller's job.
type FailurePolicy int

const (
	// PolicyStop fails the replay operation.
	PolicyStop FailurePolicy = iota
	// PolicyIgnore logs the corruption and carries on with what was read.
	PolicyIgnore
	// PolicyDie is PolicyStop plus the caller terminating the process.
	PolicyDie
)

// ParseFailurePolicy parses "stop", "ignore" or "die".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "stop":
		return PolicyStop, nil
	case "ignore":
		return PolicyIgnore, nil
	case "die":
		return PolicyDie, nil
	default:
		return 0, fmt.Errorf("unknown commit failure policy %q (expected stop, ignore or die)", s)
	}
}

func (p FailurePolicy) String() string {
	switch p {
	case PolicyStop:
		return "stop"
	case PolicyIgnore:
		return "ignore"
	case PolicyDie:
		return "die"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Outcome is the result of a replay pass.
type Outcome struct {
	// Delivered counts mutations handed to the handler across all
	// segments.
	Delivered int
	// Corruption is set when the replay stopped on a corrupted segment.
	Corruption *CorruptionError
}

// Resolve maps the outcome through a failure policy. PolicyDie returns
// the same error as PolicyStop; the caller decides to exit on it.
func (o *Outcome) Resolve(policy FailurePolicy, logger *logging.Logger) error {
	if o.Corruption == nil {
		return nil
	}
	if policy == PolicyIgnore {
		if logger == nil {
			logger = logging.Global()
		}
		logger.Warn("ignoring commit log replay corruption",
			"path", o.Corruption.Path,
			"offset", o.Corruption.Offset,
			"reason", o.Corruption.Reason)
		return nil
	}
	return o.Corruption
}

// Replayer drives sequential replay over a set of segment files. Segments
// are processed strictly one at a time in ascending id order; mutation
// ordering within a table is significant and corruption must be detected
// at the correct offset, so no parallel segment reading happens.
type Replayer struct {
	reader *SegmentReader
	logger *logging.Logger
}

// NewReplayer creates a replayer over the given segment reader.
func NewReplayer(reader *SegmentReader, logger *logging.Logger) *Replayer {
	if logger == nil {
		logger = logging.Global()
	}
	return &Replayer{reader: reader, logger: logger}
}

// hardFailHandler forces corruption on a non-final segment to abort: a
// hole in the middle of the stream means data loss, and no handler policy
// may paper over it.
type hardFailHandler struct {
	inner ReadHandler
}

func (h hardFailHandler) HandleMutation(m *Mutation, next Position) error {
	return h.inner.HandleMutation(m, next)
}

func (h hardFailHandler) HandleCorruption(*CorruptionError) ErrorAction {
	return ActionAbort
}

// Replay reads the given segment files in ascending id order, delivering
// at most maxMutations mutations to the handler. Segments below
// from.SegmentID are skipped entirely; the segment matching it is entered
// at from.Offset. Only the final segment may legitimately end mid-record.
func (r *Replayer) Replay(handler ReadHandler, files []string, from Position, maxMutations int) (*Outcome, error) {
	type segment struct {
		id   int64
		path string
	}
	segments := make([]segment, 0, len(files))
	for _, path := range files {
		id, ok := ParseSegmentID(path)
		if !ok {
			return nil, fmt.Errorf("not a commit log segment file: %s", path)
		}
		segments = append(segments, segment{id: id, path: path})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })

	outcome := &Outcome{}
	for i, seg := range segments {
		if seg.id < from.SegmentID {
			continue
		}
		if outcome.Delivered >= maxMutations {
			break
		}
		final := i == len(segments)-1

		segHandler := handler
		if !final {
			segHandler = hardFailHandler{inner: handler}
		}

		r.logger.Debug("replaying commit log segment",
			"path", seg.path, "segment_id", seg.id, "final", final)

		delivered, err := r.reader.ReadSegment(segHandler, seg.path, from, maxMutations-outcome.Delivered, final)
		outcome.Delivered += delivered
		if err != nil {
			var cerr *CorruptionError
			if errors.As(err, &cerr) {
				outcome.Corruption = cerr
				return outcome, nil
			}
			return outcome, err
		}
	}
	return outcome, nil
}

// ReplayDir replays every segment file found in dir.
func (r *Replayer) ReplayDir(handler ReadHandler, dir string, from Position, maxMutations int) (*Outcome, error) {
	files, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	return r.Replay(handler, files, from, maxMutations)
}
