package commitlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
)

// DefaultMaxSegmentSize is the rotation threshold for segment files.
const DefaultMaxSegmentSize = 32 * 1024 * 1024

// WriterConfig configures a SegmentWriter.
type WriterConfig struct {
	Dir            string
	MaxSegmentSize int64
	// Compress snappy-encodes record payloads. The flag is recorded in
	// each segment's descriptor, so readers need no out-of-band signal.
	Compress bool
}

// SegmentWriter appends framed mutation records to sequentially numbered
// segment files, rotating when the active segment exceeds the size limit.
type SegmentWriter struct {
	cfg WriterConfig

	mu          sync.Mutex
	file        *os.File
	segmentID   int64
	offset      int64
	closed      bool
}

// NewSegmentWriter opens a writer in cfg.Dir, continuing after the highest
// existing segment id.
func NewSegmentWriter(cfg WriterConfig) (*SegmentWriter, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("commit log directory is required")
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}

	var maxID int64
	segments, err := ListSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	for _, path := range segments {
		if id, ok := ParseSegmentID(path); ok && id > maxID {
			maxID = id
		}
	}

	w := &SegmentWriter{cfg: cfg, segmentID: maxID}
	if err := w.openNextSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SegmentWriter) openNextSegment() error {
	w.segmentID++
	path := filepath.Join(w.cfg.Dir, SegmentFileName(w.segmentID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}

	desc := SegmentDescriptor{
		Version:    segmentVersion,
		SegmentID:  w.segmentID,
		Compressed: w.cfg.Compress,
	}
	header := desc.encode()
	if _, err := file.Write(header); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write segment header: %w", err)
	}

	w.file = file
	w.offset = int64(len(header))
	return nil
}

// Append writes one mutation and returns the position of the next record,
// i.e. the resume point for a replay that has consumed this mutation.
func (w *SegmentWriter) Append(m *Mutation) (Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Position{}, fmt.Errorf("segment writer is closed")
	}

	payload, err := encodeMutation(m)
	if err != nil {
		return Position{}, err
	}
	if w.cfg.Compress {
		payload = snappy.Encode(nil, payload)
	}

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.file.Write(header); err != nil {
		return Position{}, fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.file.Write(payload); err != nil {
		return Position{}, fmt.Errorf("failed to write record payload: %w", err)
	}
	w.offset += int64(recordHeaderSize + len(payload))

	pos := Position{SegmentID: w.segmentID, Offset: w.offset}
	if w.offset >= w.cfg.MaxSegmentSize {
		if err := w.rotate(); err != nil {
			return Position{}, err
		}
	}
	return pos, nil
}

func (w *SegmentWriter) rotate() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment before rotation: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment before rotation: %w", err)
	}
	return w.openNextSegment()
}

// Sync flushes the active segment to disk.
func (w *SegmentWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.file.Sync()
}

// CurrentPosition returns the position the next Append will extend from.
func (w *SegmentWriter) CurrentPosition() Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Position{SegmentID: w.segmentID, Offset: w.offset}
}

// Close syncs and closes the active segment.
func (w *SegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
