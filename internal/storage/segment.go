package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

const (
	segmentMagic   uint32 = 0x47535452 // "GSTR"
	segmentVersion uint16 = 1
	// segmentLittleEndian is the only endianness written today.
	segmentLittleEndian uint8 = 0

	headerSize      = 15
	frameHeaderSize = 8

	segmentExt = ".seg"
	compactExt = ".compact"

	generationBits = 16
)

// SegmentID names a segment. The high 48 bits are a base that grows by one
// for every new active segment; the low 16 bits are a generation used by
// compaction output, so rewritten data sorts between its inputs and the next
// segment. Ids are never reused.
type SegmentID uint64

// FirstSegmentID is the id of the first segment of an empty store.
const FirstSegmentID SegmentID = 1 << generationBits

// Base returns the segment's base number.
func (id SegmentID) Base() uint64 { return uint64(id) >> generationBits }

// Generation returns the compaction generation within the base.
func (id SegmentID) Generation() uint16 { return uint16(id) }

func (id SegmentID) nextBase() SegmentID {
	return SegmentID((id.Base() + 1) << generationBits)
}

func (id SegmentID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

func segmentFileName(id SegmentID) string { return id.String() + segmentExt }

func parseSegmentFileName(name string) (SegmentID, bool) {
	stem, ok := strings.CutSuffix(name, segmentExt)
	if !ok || len(stem) != 16 {
		return 0, false
	}
	v, err := strconv.ParseUint(stem, 16, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return SegmentID(v), true
}

// Position locates a record: the segment, the offset of its frame and the
// payload length. Positions are immutable; a newer write supersedes them.
type Position struct {
	Segment SegmentID
	Offset  uint64
	Length  uint32
}

// frameBytes is the on-disk footprint of the record, framing included.
func (p Position) frameBytes() int64 { return int64(p.Length) + frameHeaderSize }

func (p Position) String() string {
	return fmt.Sprintf("%s@%d+%d", p.Segment, p.Offset, p.Length)
}

// SegmentMetadata summarizes a segment.
type SegmentMetadata struct {
	ID         SegmentID
	Path       string
	Records    uint32
	Tombstones uint32
	Bytes      int64
	Checksum   uint32
	Sealed     bool
	MinKey     []byte
	MaxKey     []byte
}

// segmentHeader is the fixed header at the start of every segment file.
// Records and Checksum stay zero until the segment is sealed.
type segmentHeader struct {
	magic      uint32
	version    uint16
	endianness uint8
	records    uint32
	checksum   uint32
}

func (h segmentHeader) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.version)
	buf[6] = h.endianness
	binary.LittleEndian.PutUint32(buf[7:11], h.records)
	binary.LittleEndian.PutUint32(buf[11:15], h.checksum)
	return buf
}

func decodeSegmentHeader(buf []byte) segmentHeader {
	return segmentHeader{
		magic:      binary.LittleEndian.Uint32(buf[0:4]),
		version:    binary.LittleEndian.Uint16(buf[4:6]),
		endianness: buf[6],
		records:    binary.LittleEndian.Uint32(buf[7:11]),
		checksum:   binary.LittleEndian.Uint32(buf[11:15]),
	}
}

func (h segmentHeader) sealed() bool { return h.records != 0 || h.checksum != 0 }

// Segment is one append-only file of framed records.
//
// Record format:
//   - Payload length (4 bytes)
//   - CRC32 of the payload (4 bytes)
//   - Payload (variable)
//
// A single writer appends; any number of readers may call Read concurrently.
type Segment struct {
	id   SegmentID
	path string
	file *os.File

	// size is read without mu by Read.
	size atomic.Int64

	mu         sync.RWMutex
	records    uint32
	tombstones uint32
	checksum   uint32 // running CRC32 over every frame
	sealed     bool
	minKey     []byte
	maxKey     []byte
	supersedes []SegmentID

	// markerBytes is the footprint of supersede records.
	markerBytes int64

	// refs counts the segment set's reference plus readers in flight.
	refs     atomic.Int32
	retired  atomic.Bool
	gone     chan struct{}
	closeErr error
}

func newSegment(id SegmentID, path string, file *os.File) *Segment {
	s := &Segment{id: id, path: path, file: file, gone: make(chan struct{})}
	s.refs.Store(1)
	return s
}

// CreateSegment creates an empty segment file named after id in dir.
func CreateSegment(id SegmentID, dir string) (*Segment, error) {
	return createSegmentAt(id, filepath.Join(dir, segmentFileName(id)))
}

func createSegmentAt(id SegmentID, path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, ioError("create", path, err)
	}
	hdr := segmentHeader{magic: segmentMagic, version: segmentVersion, endianness: segmentLittleEndian}
	if _, err := file.WriteAt(hdr.encode(), 0); err != nil {
		file.Close()
		os.Remove(path)
		return nil, ioError("write header", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, ioError("sync", path, err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}

	s := newSegment(id, path, file)
	s.size.Store(headerSize)
	return s, nil
}

// OpenSegment opens an existing segment file and verifies every record.
//
// An unsealed segment whose tail holds a partial record, or whose final
// record fails its checksum, is truncated back to the last valid record.
// Any other damage, including a sealed segment whose contents disagree with
// its header, is reported as a CorruptionError.
func OpenSegment(path string, log logr.Logger) (*Segment, error) {
	id, ok := parseSegmentFileName(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("%s: not a segment file name", path)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, ioError("open", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ioError("stat", path, err)
	}

	s := newSegment(id, path, file)
	if err := s.load(info.Size(), log); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

func (s *Segment) load(fileSize int64, log logr.Logger) error {
	if fileSize < headerSize {
		return corruption(s.id, 0, "file is %d bytes, shorter than the header", fileSize)
	}
	buf := make([]byte, headerSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return ioError("read header", s.path, err)
	}
	hdr := decodeSegmentHeader(buf)
	switch {
	case hdr.magic != segmentMagic:
		return corruption(s.id, 0, "bad magic %#08x", hdr.magic)
	case hdr.version != segmentVersion:
		return corruption(s.id, 0, "unsupported version %d", hdr.version)
	case hdr.endianness != segmentLittleEndian:
		return corruption(s.id, 0, "unsupported endianness %d", hdr.endianness)
	}
	sealed := hdr.sealed()

	r := bufio.NewReaderSize(io.NewSectionReader(s.file, headerSize, fileSize-headerSize), 64*1024)
	off := int64(headerSize)
	var (
		frame    [frameHeaderSize]byte
		checksum uint32
		count    uint32
		tail     string
	)
	for off < fileSize {
		remaining := fileSize - off
		if remaining < frameHeaderSize {
			tail = "partial frame header"
			break
		}
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			return ioError("read", s.path, err)
		}
		length := binary.LittleEndian.Uint32(frame[0:4])
		sum := binary.LittleEndian.Uint32(frame[4:8])
		if int64(length) > remaining-frameHeaderSize {
			tail = "record extends past end of file"
			break
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return ioError("read", s.path, err)
		}
		end := off + frameHeaderSize + int64(length)
		if crc32.ChecksumIEEE(payload) != sum {
			if !sealed && end == fileSize {
				tail = "checksum mismatch in final record"
				break
			}
			return corruption(s.id, off, "record checksum mismatch")
		}
		e, err := decodeEntry(payload)
		if err != nil {
			if !sealed {
				zeros, zerr := s.zeroFrom(off, fileSize)
				if zerr != nil {
					return zerr
				}
				if zeros || end == fileSize {
					tail = "unreadable final record"
					break
				}
			}
			return corruption(s.id, off, "%v", err)
		}
		if e.kind == kindSupersede {
			ids, err := e.supersededIDs()
			if err != nil {
				return corruption(s.id, off, "%v", err)
			}
			s.supersedes = append(s.supersedes, ids...)
		}
		s.note(e)

		checksum = crc32.Update(checksum, crc32.IEEETable, frame[:])
		checksum = crc32.Update(checksum, crc32.IEEETable, payload)
		count++
		off = end
	}

	if sealed {
		if tail != "" {
			return corruption(s.id, off, "sealed segment: %s", tail)
		}
		if count != hdr.records || checksum != hdr.checksum {
			return corruption(s.id, 0, "header records=%d checksum=%08x, contents records=%d checksum=%08x",
				hdr.records, hdr.checksum, count, checksum)
		}
	} else if tail != "" {
		if err := s.file.Truncate(off); err != nil {
			return ioError("truncate", s.path, err)
		}
		if err := s.file.Sync(); err != nil {
			return ioError("sync", s.path, err)
		}
		log.Info("discarded partial tail", "segment", s.id, "offset", off, "bytes", fileSize-off, "reason", tail)
	}

	s.size.Store(off)
	s.records = count
	s.checksum = checksum
	s.sealed = sealed
	return nil
}

// zeroFrom reports whether every byte in [off, end) is zero. A file
// extended before a crash can end in such a run.
func (s *Segment) zeroFrom(off, end int64) (bool, error) {
	buf := make([]byte, 32*1024)
	for off < end {
		n := min(int64(len(buf)), end-off)
		if _, err := s.file.ReadAt(buf[:n], off); err != nil {
			return false, ioError("read", s.path, err)
		}
		for _, b := range buf[:n] {
			if b != 0 {
				return false, nil
			}
		}
		off += n
	}
	return true, nil
}

// note folds a record into the segment's summary. Caller holds mu or owns s.
func (s *Segment) note(e entry) {
	switch e.kind {
	case kindTombstone:
		s.tombstones++
	case kindPut:
	case kindSupersede:
		s.markerBytes += e.frameSize()
		return
	default:
		return
	}
	if s.minKey == nil || bytes.Compare(e.key, s.minKey) < 0 {
		s.minKey = bytes.Clone(e.key)
	}
	if s.maxKey == nil || bytes.Compare(e.key, s.maxKey) > 0 {
		s.maxKey = bytes.Clone(e.key)
	}
}

// Append writes a framed record and fsyncs it before returning.
func (s *Segment) Append(payload []byte) (Position, error) {
	return s.write(payload, true)
}

func (s *Segment) appendEntry(e entry, sync bool) (Position, error) {
	pos, err := s.write(e.encode(), sync)
	if err != nil {
		return Position{}, err
	}
	s.mu.Lock()
	s.note(e)
	if e.kind == kindSupersede {
		if ids, err := e.supersededIDs(); err == nil {
			s.supersedes = append(s.supersedes, ids...)
		}
	}
	s.mu.Unlock()
	return pos, nil
}

func (s *Segment) write(payload []byte, sync bool) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return Position{}, ErrSegmentSealed
	}
	if uint64(len(payload)) > maxPayloadBytes {
		return Position{}, fmt.Errorf("%w: payload of %d bytes", ErrRecordTooLarge, len(payload))
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)

	off := s.size.Load()
	if _, err := s.file.WriteAt(frame, off); err != nil {
		s.file.Truncate(off)
		return Position{}, ioError("write", s.path, err)
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			s.file.Truncate(off)
			return Position{}, ioError("sync", s.path, err)
		}
	}

	s.records++
	s.checksum = crc32.Update(s.checksum, crc32.IEEETable, frame)
	s.size.Store(off + int64(len(frame)))
	return Position{Segment: s.id, Offset: uint64(off), Length: uint32(len(payload))}, nil
}

// Sync flushes appended records to durable storage.
func (s *Segment) Sync() error {
	return ioError("sync", s.path, s.file.Sync())
}

// segmentMark captures the append state so a failed batch can be undone.
type segmentMark struct {
	size       int64
	records    uint32
	tombstones uint32
	checksum   uint32
	minKey     []byte
	maxKey     []byte
}

func (s *Segment) mark() segmentMark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return segmentMark{
		size:       s.size.Load(),
		records:    s.records,
		tombstones: s.tombstones,
		checksum:   s.checksum,
		minKey:     s.minKey,
		maxKey:     s.maxKey,
	}
}

// rollback truncates the file back to m. Only valid while unsealed.
func (s *Segment) rollback(m segmentMark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return ErrSegmentSealed
	}
	if err := s.file.Truncate(m.size); err != nil {
		return ioError("truncate", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return ioError("sync", s.path, err)
	}
	s.size.Store(m.size)
	s.records = m.records
	s.tombstones = m.tombstones
	s.checksum = m.checksum
	s.minKey = m.minKey
	s.maxKey = m.maxKey
	return nil
}

// Read returns the payload of the record framed at offset. The frame's
// length and checksum are verified.
func (s *Segment) Read(offset uint64, length uint32) ([]byte, error) {
	size := uint64(s.size.Load())
	end := offset + frameHeaderSize + uint64(length)
	if offset < headerSize || end < offset || end > size {
		return nil, fmt.Errorf("%w: segment %s range %d+%d outside %d bytes", ErrNotFound, s.id, offset, length, size)
	}

	buf := make([]byte, end-offset)
	if _, err := s.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, ioError("read", s.path, err)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != length {
		return nil, corruption(s.id, int64(offset), "frame length %d, expected %d", got, length)
	}
	payload := buf[frameHeaderSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(buf[4:8]) {
		return nil, corruption(s.id, int64(offset), "record checksum mismatch")
	}
	return payload, nil
}

// Scan calls fn for every record in append order. Payloads are not reused.
func (s *Segment) Scan(fn func(pos Position, payload []byte) error) error {
	size := s.size.Load()
	r := bufio.NewReaderSize(io.NewSectionReader(s.file, headerSize, size-headerSize), 64*1024)

	var frame [frameHeaderSize]byte
	for off := int64(headerSize); off < size; {
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			return corruption(s.id, off, "short frame header: %v", err)
		}
		length := binary.LittleEndian.Uint32(frame[0:4])
		if off+frameHeaderSize+int64(length) > size {
			return corruption(s.id, off, "record extends past end of segment")
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return ioError("read", s.path, err)
		}
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(frame[4:8]) {
			return corruption(s.id, off, "record checksum mismatch")
		}
		if err := fn(Position{Segment: s.id, Offset: uint64(off), Length: length}, payload); err != nil {
			return err
		}
		off += frameHeaderSize + int64(length)
	}
	return nil
}

// Seal writes the final record count and checksum into the header and
// marks the segment read-only. Sealing twice returns the same metadata.
func (s *Segment) Seal() (SegmentMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return s.metadataLocked(), nil
	}
	hdr := segmentHeader{
		magic:      segmentMagic,
		version:    segmentVersion,
		endianness: segmentLittleEndian,
		records:    s.records,
		checksum:   s.checksum,
	}
	if _, err := s.file.WriteAt(hdr.encode(), 0); err != nil {
		return SegmentMetadata{}, ioError("write header", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return SegmentMetadata{}, ioError("sync", s.path, err)
	}
	s.sealed = true
	return s.metadataLocked(), nil
}

// Metadata returns a summary of the segment.
func (s *Segment) Metadata() SegmentMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadataLocked()
}

func (s *Segment) metadataLocked() SegmentMetadata {
	return SegmentMetadata{
		ID:         s.id,
		Path:       s.path,
		Records:    s.records,
		Tombstones: s.tombstones,
		Bytes:      s.size.Load(),
		Checksum:   s.checksum,
		Sealed:     s.sealed,
		MinKey:     s.minKey,
		MaxKey:     s.maxKey,
	}
}

// ID returns the segment's id.
func (s *Segment) ID() SegmentID { return s.id }

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// Size returns the file size in bytes, header included.
func (s *Segment) Size() int64 { return s.size.Load() }

// overhead returns the bytes held by the header and supersede records.
func (s *Segment) overhead() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return headerSize + s.markerBytes
}

// Records returns the number of records appended, markers included.
func (s *Segment) Records() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

// Sealed reports whether the segment is read-only.
func (s *Segment) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Supersedes lists the segments this segment's data replaced.
func (s *Segment) Supersedes() []SegmentID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]SegmentID(nil), s.supersedes...)
}

// acquire takes a reader reference, failing once the segment is closed.
func (s *Segment) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference. The last one closes the file, and removes it
// if the segment was retired.
func (s *Segment) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	err := s.file.Close()
	if s.retired.Load() {
		if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	s.closeErr = ioError("close", s.path, err)
	close(s.gone)
}

// retire drops the owner's reference and schedules the file for removal.
// The returned channel is closed once the file is gone; closeErr is valid then.
func (s *Segment) retire() <-chan struct{} {
	s.retired.Store(true)
	s.release()
	return s.gone
}

// Close drops the owner's reference. The file closes once no reader holds it.
func (s *Segment) Close() error {
	s.release()
	select {
	case <-s.gone:
		return s.closeErr
	default:
		return nil
	}
}

// rename moves an unpublished segment to its final path.
func (s *Segment) rename(path string) error {
	if err := os.Rename(s.path, path); err != nil {
		return ioError("rename", s.path, err)
	}
	s.path = path
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return ioError("open", dir, err)
	}
	defer d.Close()
	return ioError("sync", dir, d.Sync())
}
