package commitlog

import (
	"errors"
	"fmt"
)

// CorruptionError reports a checksum or framing failure at a byte offset
// in a segment file.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("commit log corruption in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// ErrInvalidHeader marks a segment whose descriptor is missing or does not
// verify. Returned wrapped inside a CorruptionError at offset 0.
var ErrInvalidHeader = errors.New("invalid segment header")
