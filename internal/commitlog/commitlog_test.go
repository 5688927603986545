package commitlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// collectHandler records delivered mutations and corruption callbacks.
type collectHandler struct {
	mutations []*Mutation
	positions []Position
	corrupt   []*CorruptionError
	action    ErrorAction
}

func (h *collectHandler) HandleMutation(m *Mutation, next Position) error {
	h.mutations = append(h.mutations, m)
	h.positions = append(h.positions, next)
	return nil
}

func (h *collectHandler) HandleCorruption(err *CorruptionError) ErrorAction {
	h.corrupt = append(h.corrupt, err)
	return h.action
}

func testMutation(i int) *Mutation {
	return &Mutation{
		Keyspace: "orders",
		Table:    "by_id",
		Key:      fmt.Sprintf("order-%03d", i),
		Columns: map[string]any{
			"status": "placed",
			"total":  float64(i) * 1.5,
		},
		WriteTimestamp: int64(1700000000000000 + i),
	}
}

// writeSegments produces count mutations across segments, rotating so the
// log spans several files. Returns the segment paths and the resume
// position recorded after each mutation.
func writeSegments(t *testing.T, dir string, count int, maxSegmentSize int64, compress bool) ([]string, []Position) {
	t.Helper()
	w, err := NewSegmentWriter(WriterConfig{Dir: dir, MaxSegmentSize: maxSegmentSize, Compress: compress})
	if err != nil {
		t.Fatalf("NewSegmentWriter failed: %v", err)
	}
	positions := make([]Position, 0, count)
	for i := 0; i < count; i++ {
		pos, err := w.Append(testMutation(i))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		positions = append(positions, pos)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	files, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	return files, positions
}

func TestMutationRoundTrip(t *testing.T) {
	m := testMutation(7)
	data, err := encodeMutation(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeMutation(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Keyspace != m.Keyspace || decoded.Table != m.Table || decoded.Key != m.Key {
		t.Errorf("identity fields mismatch: %+v", decoded)
	}
	if decoded.WriteTimestamp != m.WriteTimestamp {
		t.Errorf("timestamp %d, want %d", decoded.WriteTimestamp, m.WriteTimestamp)
	}
	if decoded.Columns["status"] != "placed" {
		t.Errorf("columns mismatch: %v", decoded.Columns)
	}
}

func TestWriteAndReadSegment(t *testing.T) {
	dir := t.TempDir()
	files, _ := writeSegments(t, dir, 5, DefaultMaxSegmentSize, false)
	if len(files) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(files))
	}

	h := &collectHandler{action: ActionAbort}
	reader := NewSegmentReader(false, nil)
	delivered, err := reader.ReadSegment(h, files[0], PositionNone, AllMutations, true)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if delivered != 5 || len(h.mutations) != 5 {
		t.Fatalf("delivered %d mutations, want 5", delivered)
	}
	for i, m := range h.mutations {
		if m.Key != fmt.Sprintf("order-%03d", i) {
			t.Errorf("mutation %d out of order: %s", i, m.Key)
		}
	}
}

func TestWriteAndReadSegment_Compressed(t *testing.T) {
	dir := t.TempDir()
	files, _ := writeSegments(t, dir, 5, DefaultMaxSegmentSize, true)

	h := &collectHandler{action: ActionAbort}
	reader := NewSegmentReader(false, nil)
	delivered, err := reader.ReadSegment(h, files[0], PositionNone, AllMutations, true)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if delivered != 5 {
		t.Fatalf("delivered %d mutations, want 5", delivered)
	}
	if h.mutations[3].Columns["status"] != "placed" {
		t.Errorf("compressed payload did not round trip: %v", h.mutations[3].Columns)
	}
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	// Tiny rotation threshold: every record exceeds it, forcing one
	// record per segment.
	files, _ := writeSegments(t, dir, 4, 1, false)
	if len(files) < 4 {
		t.Fatalf("expected at least 4 segments, got %d", len(files))
	}

	for i, path := range files {
		id, ok := ParseSegmentID(path)
		if !ok {
			t.Fatalf("unparseable segment name %s", path)
		}
		if i > 0 {
			prev, _ := ParseSegmentID(files[i-1])
			if id <= prev {
				t.Errorf("segment ids not ascending: %d after %d", id, prev)
			}
		}
	}
}

func TestReadSegment_CountBound(t *testing.T) {
	dir := t.TempDir()
	files, _ := writeSegments(t, dir, 10, DefaultMaxSegmentSize, false)

	for _, max := range []int{0, 1, 3, 10, 15} {
		h := &collectHandler{action: ActionAbort}
		reader := NewSegmentReader(false, nil)
		delivered, err := reader.ReadSegment(h, files[0], PositionNone, max, true)
		if err != nil {
			t.Fatalf("ReadSegment(max=%d) failed: %v", max, err)
		}
		want := max
		if want > 10 {
			want = 10
		}
		if delivered != want {
			t.Errorf("max=%d: delivered %d, want %d", max, delivered, want)
		}
	}
}

func TestReadSegment_ResumeFromPosition(t *testing.T) {
	dir := t.TempDir()
	files, positions := writeSegments(t, dir, 10, DefaultMaxSegmentSize, false)

	// Resume after mutation 5: expect mutations 6..9.
	h := &collectHandler{action: ActionAbort}
	reader := NewSegmentReader(false, nil)
	delivered, err := reader.ReadSegment(h, files[0], positions[5], AllMutations, true)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if delivered != 4 {
		t.Fatalf("delivered %d, want 4", delivered)
	}
	if h.mutations[0].Key != "order-006" {
		t.Errorf("resume started at %s, want order-006", h.mutations[0].Key)
	}
}

func TestReplay_ResumptionEquivalence(t *testing.T) {
	dir := t.TempDir()
	// Small segments so the stream spans multiple files.
	_, _ = writeSegments(t, dir, 20, 200, false)
	replayer := NewReplayer(NewSegmentReader(false, nil), nil)

	// Full replay records each mutation and its resume position.
	full := &collectHandler{action: ActionAbort}
	outcome, err := replayer.ReplayDir(full, dir, PositionNone, AllMutations)
	if err != nil {
		t.Fatalf("full replay failed: %v", err)
	}
	if outcome.Delivered != 20 {
		t.Fatalf("full replay delivered %d, want 20", outcome.Delivered)
	}

	// For every split point N-k, replaying from the recorded position
	// must yield exactly the remaining suffix.
	for split := 0; split < 20; split++ {
		partial := &collectHandler{action: ActionAbort}
		outcome, err := replayer.ReplayDir(partial, dir, full.positions[split], AllMutations)
		if err != nil {
			t.Fatalf("resume at %d failed: %v", split, err)
		}
		want := 20 - split - 1
		if outcome.Delivered != want {
			t.Fatalf("resume at %d delivered %d, want %d", split, outcome.Delivered, want)
		}
		for i, m := range partial.mutations {
			if wantKey := full.mutations[split+1+i].Key; m.Key != wantKey {
				t.Errorf("resume at %d: mutation %d = %s, want %s", split, i, m.Key, wantKey)
			}
		}
	}
}

func TestReplay_CountBoundAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	_, _ = writeSegments(t, dir, 20, 200, false)
	replayer := NewReplayer(NewSegmentReader(false, nil), nil)

	h := &collectHandler{action: ActionAbort}
	outcome, err := replayer.ReplayDir(h, dir, PositionNone, 7)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if outcome.Delivered != 7 || len(h.mutations) != 7 {
		t.Errorf("delivered %d, want exactly 7", outcome.Delivered)
	}
}

func TestReplay_TableFilterKeepsPositions(t *testing.T) {
	dir := t.TempDir()
	w, err := NewSegmentWriter(WriterConfig{Dir: dir, MaxSegmentSize: DefaultMaxSegmentSize})
	if err != nil {
		t.Fatalf("NewSegmentWriter failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		m := testMutation(i)
		if i%2 == 1 {
			m.Table = "by_customer"
		}
		if _, err := w.Append(m); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reader := NewSegmentReader(false, nil)
	reader.Filter = func(m *Mutation) bool { return m.Table == "by_id" }
	replayer := NewReplayer(reader, nil)

	h := &collectHandler{action: ActionAbort}
	outcome, err := replayer.ReplayDir(h, dir, PositionNone, AllMutations)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if outcome.Delivered != 5 {
		t.Fatalf("delivered %d, want 5 filtered mutations", outcome.Delivered)
	}
	for _, m := range h.mutations {
		if m.Table != "by_id" {
			t.Errorf("filter leaked table %s", m.Table)
		}
	}

	// Positions recorded under the filter must still be valid resume
	// points over the unfiltered stream.
	unfiltered := NewReplayer(NewSegmentReader(false, nil), nil)
	resumed := &collectHandler{action: ActionAbort}
	outcome, err = unfiltered.ReplayDir(resumed, dir, h.positions[2], AllMutations)
	if err != nil {
		t.Fatalf("resume replay failed: %v", err)
	}
	// Filtered mutation 2 is record 4 of 10, so 5 records follow.
	if outcome.Delivered != 5 {
		t.Errorf("resume delivered %d, want 5", outcome.Delivered)
	}
}

// corruptRecord flips a byte inside the payload of the record starting at
// offset within the file.
func corruptRecord(t *testing.T, path string, recordOffset int64) {
	t.Helper()
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open for corruption failed: %v", err)
	}
	defer func() { _ = file.Close() }()

	header := make([]byte, recordHeaderSize)
	if _, err := file.ReadAt(header, recordOffset); err != nil {
		t.Fatalf("read record header failed: %v", err)
	}
	length := binary.LittleEndian.Uint32(header[0:4])
	if length == 0 {
		t.Fatal("record has no payload to corrupt")
	}
	payloadOffset := recordOffset + recordHeaderSize
	b := make([]byte, 1)
	if _, err := file.ReadAt(b, payloadOffset); err != nil {
		t.Fatalf("read payload byte failed: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := file.WriteAt(b, payloadOffset); err != nil {
		t.Fatalf("write corrupted byte failed: %v", err)
	}
}

func TestReadSegment_CorruptionToggle(t *testing.T) {
	dir := t.TempDir()
	files, positions := writeSegments(t, dir, 5, DefaultMaxSegmentSize, false)
	// Corrupt record 2, which starts where record 1 ended.
	corruptOffset := positions[1].Offset
	corruptRecord(t, files[0], corruptOffset)

	// Strict read surfaces the corruption at the exact offset.
	strict := &collectHandler{action: ActionAbort}
	reader := NewSegmentReader(false, nil)
	if _, err := reader.ReadSegment(strict, files[0], PositionNone, AllMutations, true); err == nil {
		t.Fatal("expected corruption error")
	} else {
		cerr, ok := err.(*CorruptionError)
		if !ok {
			t.Fatalf("expected *CorruptionError, got %T", err)
		}
		if cerr.Offset != corruptOffset {
			t.Errorf("corruption at offset %d, want %d", cerr.Offset, corruptOffset)
		}
	}

	// Tolerant read completes without error.
	tolerant := &collectHandler{action: ActionAbort}
	reader = NewSegmentReader(true, nil)
	if _, err := reader.ReadSegment(tolerant, files[0], PositionNone, AllMutations, true); err != nil {
		t.Fatalf("tolerant read failed: %v", err)
	}
}

func TestReadSegment_HandlerContinueSkipsRecord(t *testing.T) {
	dir := t.TempDir()
	files, positions := writeSegments(t, dir, 5, DefaultMaxSegmentSize, false)
	corruptRecord(t, files[0], positions[1].Offset)

	h := &collectHandler{action: ActionContinue}
	reader := NewSegmentReader(false, nil)
	delivered, err := reader.ReadSegment(h, files[0], PositionNone, AllMutations, true)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if delivered != 4 {
		t.Errorf("delivered %d, want 4 (one record skipped)", delivered)
	}
	if len(h.corrupt) != 1 {
		t.Errorf("handler saw %d corruption callbacks, want 1", len(h.corrupt))
	}
}

func TestReadSegment_HandlerSkipSegment(t *testing.T) {
	dir := t.TempDir()
	files, positions := writeSegments(t, dir, 5, DefaultMaxSegmentSize, false)
	corruptRecord(t, files[0], positions[1].Offset)

	h := &collectHandler{action: ActionSkipSegment}
	reader := NewSegmentReader(false, nil)
	delivered, err := reader.ReadSegment(h, files[0], PositionNone, AllMutations, true)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if delivered != 2 {
		t.Errorf("delivered %d, want 2 (rest of segment skipped)", delivered)
	}
}

func TestReplay_CorruptionOnNonFinalSegmentIsHardError(t *testing.T) {
	dir := t.TempDir()
	files, _ := writeSegments(t, dir, 20, 200, false)
	if len(files) < 2 {
		t.Fatalf("need multiple segments, got %d", len(files))
	}
	// Corrupt the first record of the first (non-final) segment.
	corruptRecord(t, files[0], int64(descriptorSize))

	// Even a handler answering Continue cannot downgrade a hole in the
	// middle of the stream.
	h := &collectHandler{action: ActionContinue}
	replayer := NewReplayer(NewSegmentReader(false, nil), nil)
	outcome, err := replayer.ReplayDir(h, dir, PositionNone, AllMutations)
	if err != nil {
		t.Fatalf("replay returned unexpected error: %v", err)
	}
	if outcome.Corruption == nil {
		t.Fatal("expected corruption outcome")
	}
	if outcome.Corruption.Offset != int64(descriptorSize) {
		t.Errorf("corruption offset %d, want %d", outcome.Corruption.Offset, descriptorSize)
	}

	// Policy mapping: ignore clears it, stop surfaces it.
	if err := outcome.Resolve(PolicyIgnore, nil); err != nil {
		t.Errorf("PolicyIgnore should clear the failure, got %v", err)
	}
	if err := outcome.Resolve(PolicyStop, nil); err == nil {
		t.Error("PolicyStop should surface the failure")
	}
}

func TestReadSegment_TruncatedTail(t *testing.T) {
	dir := t.TempDir()
	files, _ := writeSegments(t, dir, 5, DefaultMaxSegmentSize, false)

	// Chop the file mid-record.
	info, err := os.Stat(files[0])
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if err := os.Truncate(files[0], info.Size()-3); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}

	// Tolerated on the tail segment.
	h := &collectHandler{action: ActionAbort}
	reader := NewSegmentReader(false, nil)
	delivered, err := reader.ReadSegment(h, files[0], PositionNone, AllMutations, true)
	if err != nil {
		t.Fatalf("truncation should be tolerated on the tail: %v", err)
	}
	if delivered != 4 {
		t.Errorf("delivered %d, want 4 complete records", delivered)
	}

	// Hard failure when truncation is not tolerated.
	h = &collectHandler{action: ActionAbort}
	if _, err := reader.ReadSegment(h, files[0], PositionNone, AllMutations, false); err == nil {
		t.Error("expected corruption error without truncation tolerance")
	}
}

func TestReadSegment_InvalidHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SegmentFileName(1))
	if err := os.WriteFile(path, []byte("not a segment"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	h := &collectHandler{action: ActionContinue}
	reader := NewSegmentReader(false, nil)
	_, err := reader.ReadSegment(h, path, PositionNone, AllMutations, true)
	if err == nil {
		t.Fatal("expected invalid header error")
	}
	cerr, ok := err.(*CorruptionError)
	if !ok {
		t.Fatalf("expected *CorruptionError, got %T", err)
	}
	if cerr.Offset != 0 {
		t.Errorf("header corruption offset %d, want 0", cerr.Offset)
	}
	if !errors.Is(err, ErrInvalidHeader) {
		t.Error("expected ErrInvalidHeader in the chain")
	}

	// Ignoring replay errors skips the segment instead.
	reader = NewSegmentReader(true, nil)
	delivered, err := reader.ReadSegment(h, path, PositionNone, AllMutations, true)
	if err != nil || delivered != 0 {
		t.Errorf("tolerant read = (%d, %v), want (0, nil)", delivered, err)
	}
}

func TestPosition_Ordering(t *testing.T) {
	tests := []struct {
		a, b Position
		want int
	}{
		{Position{1, 10}, Position{1, 10}, 0},
		{Position{1, 10}, Position{1, 20}, -1},
		{Position{1, 20}, Position{2, 10}, -1},
		{Position{3, 0}, Position{2, 999}, 1},
		{PositionNone, Position{0, 0}, -1},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseSegmentID(t *testing.T) {
	id, ok := ParseSegmentID("/var/lib/stratum/commitlog/commitlog-42.log")
	if !ok || id != 42 {
		t.Errorf("ParseSegmentID = (%d, %v), want (42, true)", id, ok)
	}
	if _, ok := ParseSegmentID("wal-42.log"); ok {
		t.Error("foreign file names should not parse")
	}
}
