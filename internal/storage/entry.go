package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// entryKind tags the payload stored in a record.
type entryKind uint8

const (
	kindPut       entryKind = 1
	kindTombstone entryKind = 2
	// kindCommit closes a write batch. Its value is the batch record count.
	kindCommit entryKind = 3
	// kindSupersede names segments replaced by the segment that holds it.
	kindSupersede entryKind = 4
)

func (k entryKind) String() string {
	switch k {
	case kindPut:
		return "put"
	case kindTombstone:
		return "tombstone"
	case kindCommit:
		return "commit"
	case kindSupersede:
		return "supersede"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// entryHeaderSize is kind + batch id + key length.
const entryHeaderSize = 1 + 8 + 4

// maxPayloadBytes is the largest payload a frame length can describe.
const maxPayloadBytes = math.MaxUint32

// checkRecordSize rejects a key and value whose payload would overflow the
// frame length.
func checkRecordSize(keyLen, valueLen int) error {
	if n := uint64(entryHeaderSize) + uint64(keyLen) + uint64(valueLen); n > maxPayloadBytes {
		return fmt.Errorf("%w: payload of %d bytes, limit %d", ErrRecordTooLarge, n, uint64(maxPayloadBytes))
	}
	return nil
}

var errShortEntry = errors.New("entry shorter than its header")

// entry is the decoded form of a record payload.
//
// Layout (little endian):
//   - Kind (1 byte)
//   - Batch id (8 bytes, 0 outside a batch)
//   - Key length (4 bytes)
//   - Key (variable)
//   - Value (rest of the payload)
type entry struct {
	kind  entryKind
	batch uint64
	key   []byte
	value []byte
}

func (e entry) size() int {
	return entryHeaderSize + len(e.key) + len(e.value)
}

// frameSize is the number of bytes the entry occupies in a segment.
func (e entry) frameSize() int64 {
	return int64(frameHeaderSize + e.size())
}

func (e entry) encode() []byte {
	buf := make([]byte, e.size())
	buf[0] = byte(e.kind)
	binary.LittleEndian.PutUint64(buf[1:9], e.batch)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(e.key)))
	n := copy(buf[entryHeaderSize:], e.key)
	copy(buf[entryHeaderSize+n:], e.value)
	return buf
}

// decodeEntry parses a payload. Key and value alias p.
func decodeEntry(p []byte) (entry, error) {
	if len(p) < entryHeaderSize {
		return entry{}, errShortEntry
	}
	e := entry{
		kind:  entryKind(p[0]),
		batch: binary.LittleEndian.Uint64(p[1:9]),
	}
	switch e.kind {
	case kindPut, kindTombstone, kindCommit, kindSupersede:
	default:
		return entry{}, fmt.Errorf("unknown entry kind %d", p[0])
	}
	keyLen := binary.LittleEndian.Uint32(p[9:13])
	if uint64(keyLen) > uint64(len(p)-entryHeaderSize) {
		return entry{}, fmt.Errorf("key length %d exceeds payload", keyLen)
	}
	e.key = p[entryHeaderSize : entryHeaderSize+int(keyLen)]
	e.value = p[entryHeaderSize+int(keyLen):]
	return e, nil
}

func putEntry(key, value []byte, batch uint64) entry {
	return entry{kind: kindPut, batch: batch, key: key, value: value}
}

func tombstoneEntry(key []byte, batch uint64) entry {
	return entry{kind: kindTombstone, batch: batch, key: key}
}

func commitEntry(batch uint64, count int) entry {
	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, uint32(count))
	return entry{kind: kindCommit, batch: batch, value: v}
}

func (e entry) commitCount() (int, error) {
	if len(e.value) != 4 {
		return 0, fmt.Errorf("commit value is %d bytes", len(e.value))
	}
	return int(binary.LittleEndian.Uint32(e.value)), nil
}

func supersedeEntry(ids []SegmentID) entry {
	v := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(v[i*8:], uint64(id))
	}
	return entry{kind: kindSupersede, value: v}
}

func (e entry) supersededIDs() ([]SegmentID, error) {
	if len(e.value)%8 != 0 {
		return nil, fmt.Errorf("supersede value is %d bytes", len(e.value))
	}
	ids := make([]SegmentID, len(e.value)/8)
	for i := range ids {
		ids[i] = SegmentID(binary.LittleEndian.Uint64(e.value[i*8:]))
	}
	return ids, nil
}
