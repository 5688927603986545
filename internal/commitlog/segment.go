package commitlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
)

const (
	segmentMagic   uint32 = 0x53544c47 // "STLG"
	segmentVersion uint32 = 1

	// descriptor layout:
	// [4 magic][4 version][8 segment id][1 compression flag][4 header CRC]
	descriptorSize = 21

	// record layout: [4 length][4 CRC32-IEEE][payload]
	recordHeaderSize = 8
)

// SegmentDescriptor is the fixed-size header written at the start of every
// segment file before any record.
type SegmentDescriptor struct {
	Version    uint32
	SegmentID  int64
	Compressed bool
}

func (d *SegmentDescriptor) encode() []byte {
	buf := make([]byte, descriptorSize)
	binary.LittleEndian.PutUint32(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:8], d.Version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(d.SegmentID))
	if d.Compressed {
		buf[16] = 1
	}
	binary.LittleEndian.PutUint32(buf[17:21], crc32.ChecksumIEEE(buf[:17]))
	return buf
}

// readDescriptor reads and verifies the segment header. A short, absent or
// unverifiable header is a CorruptionError at offset 0 wrapping
// ErrInvalidHeader: a segment without a valid descriptor is never replayed.
func readDescriptor(r io.Reader, path string) (*SegmentDescriptor, error) {
	buf := make([]byte, descriptorSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &CorruptionError{
			Path:   path,
			Offset: 0,
			Reason: "segment header truncated",
			Err:    ErrInvalidHeader,
		}
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != segmentMagic {
		return nil, &CorruptionError{
			Path:   path,
			Offset: 0,
			Reason: "bad segment magic",
			Err:    ErrInvalidHeader,
		}
	}
	if crc32.ChecksumIEEE(buf[:17]) != binary.LittleEndian.Uint32(buf[17:21]) {
		return nil, &CorruptionError{
			Path:   path,
			Offset: 0,
			Reason: "segment header checksum mismatch",
			Err:    ErrInvalidHeader,
		}
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != segmentVersion {
		return nil, &CorruptionError{
			Path:   path,
			Offset: 0,
			Reason: fmt.Sprintf("unsupported segment version %d", version),
			Err:    ErrInvalidHeader,
		}
	}
	return &SegmentDescriptor{
		Version:    version,
		SegmentID:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		Compressed: buf[16] == 1,
	}, nil
}

// SegmentFileName returns the file name for a segment id.
func SegmentFileName(id int64) string {
	return fmt.Sprintf("commitlog-%d.log", id)
}

// ParseSegmentID extracts the segment id from a commitlog file name.
func ParseSegmentID(name string) (int64, bool) {
	var id int64
	if _, err := fmt.Sscanf(filepath.Base(name), "commitlog-%d.log", &id); err != nil {
		return 0, false
	}
	return id, true
}

// ListSegments returns the segment files in dir sorted ascending by id.
func ListSegments(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit log directory: %w", err)
	}
	type seg struct {
		id   int64
		path string
	}
	var segs []seg
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		id, ok := ParseSegmentID(file.Name())
		if !ok {
			continue
		}
		segs = append(segs, seg{id: id, path: filepath.Join(dir, file.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}
