package commitlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/stratumdb/stratum/internal/logging"
)

// maxRecordSize bounds a single record payload; a length prefix beyond it
// is framing corruption, not a real record.
const maxRecordSize = 64 * 1024 * 1024

// ErrorAction tells the reader how to proceed after corruption.
type ErrorAction int

const (
	// ActionContinue skips the corrupted record and keeps reading.
	ActionContinue ErrorAction = iota
	// ActionSkipSegment abandons the rest of the segment without error.
	ActionSkipSegment
	// ActionAbort stops the read and surfaces the corruption error.
	ActionAbort
)

// ReadHandler consumes mutations from a segment read. HandleCorruption is
// consulted on checksum or framing failures; the returned action is
// threaded through the read loop explicitly.
type ReadHandler interface {
	HandleMutation(m *Mutation, next Position) error
	HandleCorruption(err *CorruptionError) ErrorAction
}

// SegmentReader reads framed mutation records from segment files.
type SegmentReader struct {
	// IgnoreReplayErrors downgrades corruption to log-and-skip-segment,
	// bypassing the handler's corruption policy.
	IgnoreReplayErrors bool
	// Filter limits delivery to matching mutations. Non-matching records
	// are still fully parsed so position tracking and corruption offsets
	// stay exact, but they are not delivered and do not count against
	// maxMutations.
	Filter func(m *Mutation) bool

	logger *logging.Logger
}

// NewSegmentReader creates a reader. A nil logger uses the global one.
func NewSegmentReader(ignoreReplayErrors bool, logger *logging.Logger) *SegmentReader {
	if logger == nil {
		logger = logging.Global()
	}
	return &SegmentReader{IgnoreReplayErrors: ignoreReplayErrors, logger: logger}
}

// ReadSegment reads one segment file, delivering at most maxMutations
// mutations to the handler. When from addresses this segment, reading
// starts at from.Offset instead of the first record. tolerateTruncation
// treats a record cut off at EOF as the normal end of a segment still
// being written; without it, truncation is corruption.
// Returns the number of mutations delivered.
func (r *SegmentReader) ReadSegment(handler ReadHandler, path string, from Position, maxMutations int, tolerateTruncation bool) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open segment: %w", err)
	}
	defer func() { _ = file.Close() }()

	desc, err := readDescriptor(file, path)
	if err != nil {
		if r.IgnoreReplayErrors {
			r.logger.Warn("skipping segment with invalid header", "path", path, "error", err)
			return 0, nil
		}
		return 0, err
	}

	offset := int64(descriptorSize)
	if from.SegmentID == desc.SegmentID && from.Offset > offset {
		if _, err := file.Seek(from.Offset, io.SeekStart); err != nil {
			return 0, fmt.Errorf("failed to seek to replay position %s: %w", from, err)
		}
		offset = from.Offset
	}

	delivered := 0
	header := make([]byte, recordHeaderSize)
	for delivered < maxMutations {
		n, err := io.ReadFull(file, header)
		if err == io.EOF {
			// Clean record boundary.
			return delivered, nil
		}
		if err != nil {
			if tolerateTruncation {
				return delivered, nil
			}
			cerr := &CorruptionError{Path: path, Offset: offset,
				Reason: fmt.Sprintf("record header truncated after %d bytes", n)}
			_, err := r.resolve(handler, cerr, ActionSkipSegment)
			return delivered, err
		}

		length := binary.LittleEndian.Uint32(header[0:4])
		checksum := binary.LittleEndian.Uint32(header[4:8])
		if length == 0 || length > maxRecordSize {
			// The next record boundary is unknowable, so a continue
			// answer still abandons the segment.
			cerr := &CorruptionError{Path: path, Offset: offset,
				Reason: fmt.Sprintf("implausible record length %d", length)}
			_, err := r.resolve(handler, cerr, ActionSkipSegment)
			return delivered, err
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			if tolerateTruncation {
				return delivered, nil
			}
			cerr := &CorruptionError{Path: path, Offset: offset, Reason: "record payload truncated"}
			_, err := r.resolve(handler, cerr, ActionSkipSegment)
			return delivered, err
		}
		recordEnd := offset + recordHeaderSize + int64(length)

		m, cerr := r.parseRecord(desc, path, offset, payload, checksum)
		if cerr != nil {
			skipSegment, err := r.resolve(handler, cerr, ActionContinue)
			if err != nil {
				return delivered, err
			}
			if skipSegment {
				return delivered, nil
			}
			offset = recordEnd
			continue
		}

		offset = recordEnd
		if r.Filter != nil && !r.Filter(m) {
			continue
		}
		if err := handler.HandleMutation(m, Position{SegmentID: desc.SegmentID, Offset: offset}); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// parseRecord verifies and decodes one record payload.
func (r *SegmentReader) parseRecord(desc *SegmentDescriptor, path string, offset int64, payload []byte, checksum uint32) (*Mutation, *CorruptionError) {
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, &CorruptionError{Path: path, Offset: offset, Reason: "record checksum mismatch"}
	}
	if desc.Compressed {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, &CorruptionError{Path: path, Offset: offset, Reason: "snappy decompression failed", Err: err}
		}
		payload = decoded
	}
	m, err := decodeMutation(payload)
	if err != nil {
		return nil, &CorruptionError{Path: path, Offset: offset, Reason: "record payload undecodable", Err: err}
	}
	return m, nil
}

// resolve applies the corruption policy: the ignore toggle wins, then the
// handler decides. continueFallback is what a Continue answer degrades to
// when record-level continuation is impossible. The bool result is true
// when the rest of the segment must be skipped (without error).
func (r *SegmentReader) resolve(handler ReadHandler, cerr *CorruptionError, continueFallback ErrorAction) (bool, error) {
	if r.IgnoreReplayErrors {
		r.logger.Warn("ignoring commit log corruption",
			"path", cerr.Path, "offset", cerr.Offset, "reason", cerr.Reason)
		return true, nil
	}
	action := handler.HandleCorruption(cerr)
	if action == ActionContinue && continueFallback != ActionContinue {
		action = continueFallback
	}
	switch action {
	case ActionContinue:
		return false, nil
	case ActionSkipSegment:
		return true, nil
	default:
		return false, cerr
	}
}
