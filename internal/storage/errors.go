package storage

import (
	"errors"
	"fmt"

	"github.com/matteso1/guardian/internal/codec"
)

var (
	// ErrNotFound is returned by Segment.Read when the requested range lies
	// outside the file. An absent key is not an error: Find reports it with ok=false.
	ErrNotFound = errors.New("not found")

	// ErrCorruption is matched by every CorruptionError.
	ErrCorruption = errors.New("data corruption")

	// ErrSchemaMismatch is returned when a payload was written by a different codec.
	ErrSchemaMismatch = codec.ErrSchemaMismatch

	// ErrCompaction wraps failures of a compaction run.
	ErrCompaction = errors.New("compaction failed")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrSegmentSealed is returned when appending to a sealed segment.
	ErrSegmentSealed = errors.New("segment is sealed")

	// ErrEmptyKey is returned when a key has zero length.
	ErrEmptyKey = errors.New("key is empty")

	// ErrKeyTooLarge is returned when a key exceeds Config.MaxKeyBytes.
	ErrKeyTooLarge = errors.New("key too large")

	// ErrRecordTooLarge is returned when a record does not fit the 32-bit
	// frame length.
	ErrRecordTooLarge = errors.New("record too large")

	// ErrNoSegmentIDs is returned when compaction has no free segment id
	// between the compacted run and the next segment.
	ErrNoSegmentIDs = errors.New("no segment ids available")
)

// IOError reports a failed filesystem operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// CorruptionError reports a checksum or framing mismatch inside a segment.
type CorruptionError struct {
	Segment SegmentID
	Offset  int64
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("segment %s offset %d: corrupt: %s", e.Segment, e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

func corruption(id SegmentID, off int64, format string, args ...any) error {
	return &CorruptionError{Segment: id, Offset: off, Reason: fmt.Sprintf(format, args...)}
}

// OpenError reports why a store directory could not be opened.
type OpenError struct {
	Dir string
	Err error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open store %s: %v", e.Dir, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }
