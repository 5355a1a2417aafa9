package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/matteso1/guardian/internal/codec"
)

// maxReadAttempts bounds how often Find retries after compaction retired
// the segment it was about to read.
const maxReadAttempts = 8

// Store is the storage engine: an active segment, the sealed segments, the
// index over both and the compactor that rewrites them.
type Store struct {
	dir string
	cfg Config
	log logr.Logger
	obs Observer

	// writeMu serializes Save, Batch, Delete and segment rotation.
	writeMu   sync.Mutex
	active    *Segment
	nextBatch uint64

	// setMu serializes changes to segments; readers load it lock-free.
	setMu    sync.Mutex
	segments atomic.Pointer[segmentSet]
	activeID atomic.Uint64

	index     *Index
	schemas   *codec.SchemaCache
	compactor *Compactor

	corruptions atomic.Uint64
	closed      atomic.Bool
}

// Open opens the store in dir, creating the directory if needed.
//
// Unpublished compaction output is removed, segments replaced by a
// published compaction are deleted, every remaining segment is verified and
// the index is rebuilt by replay.
func Open(dir string, cfg Config) (*Store, error) {
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &OpenError{Dir: dir, Err: err}
	}

	s := &Store{
		dir:     dir,
		cfg:     cfg,
		log:     cfg.Logger.WithValues("dir", dir),
		obs:     cfg.Observer,
		schemas: codec.NewSchemaCache(),
	}
	if err := s.load(); err != nil {
		return nil, &OpenError{Dir: dir, Err: err}
	}

	s.compactor = newCompactor(s, cfg.Compaction, cfg.Logger.WithName("compactor"))
	s.compactor.start()
	return s, nil
}

func (s *Store) load() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return ioError("mkdir", s.dir, err)
	}

	paths, err := s.listSegmentFiles()
	if err != nil {
		return err
	}

	segs := make([]*Segment, len(paths))
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			seg, err := OpenSegment(path, s.log)
			segs[i] = seg
			return err
		})
	}
	if err := g.Wait(); err != nil {
		closeSegments(segs)
		return err
	}

	segs, err = s.removeSuperseded(segs)
	if err != nil {
		closeSegments(segs)
		return err
	}

	// Only the newest segment may stay open for append.
	for i := 0; i < len(segs)-1; i++ {
		if segs[i].Sealed() {
			continue
		}
		if _, err := segs[i].Seal(); err != nil {
			closeSegments(segs)
			return err
		}
	}

	if len(segs) == 0 || segs[len(segs)-1].Sealed() {
		id := FirstSegmentID
		if len(segs) > 0 {
			id = segs[len(segs)-1].ID().nextBase()
		}
		seg, err := CreateSegment(id, s.dir)
		if err != nil {
			closeSegments(segs)
			return err
		}
		segs = append(segs, seg)
	}
	s.active = segs[len(segs)-1]
	s.activeID.Store(uint64(s.active.ID()))

	index, res, err := Rebuild(segs, s.log)
	if err != nil {
		closeSegments(segs)
		return err
	}
	s.index = index
	s.nextBatch = res.MaxBatch + 1
	s.segments.Store(newSegmentSet(segs))

	s.log.Info("opened store", "segments", len(segs), "active", s.active.ID(), "keys", index.Len(),
		"records", res.Records, "tombstones", res.Tombstones, "orphans", res.Orphans)
	return nil
}

// listSegmentFiles returns segment paths in id order and removes leftovers
// of interrupted compaction or segment creation.
func (s *Store) listSegmentFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, ioError("readdir", s.dir, err)
	}

	type file struct {
		id   SegmentID
		path string
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(s.dir, name)
		if strings.HasSuffix(name, compactExt) {
			if err := os.Remove(path); err != nil {
				return nil, ioError("remove", path, err)
			}
			s.log.Info("removed unpublished compaction output", "file", name)
			continue
		}
		if id, ok := parseSegmentFileName(name); ok {
			files = append(files, file{id: id, path: path})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	// A crash while creating the newest segment can leave it without a full header.
	if n := len(files); n > 0 {
		last := files[n-1].path
		info, err := os.Stat(last)
		if err != nil {
			return nil, ioError("stat", last, err)
		}
		if info.Size() < headerSize {
			if err := os.Remove(last); err != nil {
				return nil, ioError("remove", last, err)
			}
			s.log.Info("removed incomplete segment", "file", filepath.Base(last), "bytes", info.Size())
			files = files[:n-1]
		}
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// removeSuperseded deletes segments named by a published compaction's
// supersede marker and returns the rest.
func (s *Store) removeSuperseded(segs []*Segment) ([]*Segment, error) {
	dead := make(map[SegmentID]SegmentID)
	for _, seg := range segs {
		for _, id := range seg.Supersedes() {
			dead[id] = seg.ID()
		}
	}
	if len(dead) == 0 {
		return segs, nil
	}

	live := segs[:0:0]
	for _, seg := range segs {
		by, ok := dead[seg.ID()]
		if !ok {
			live = append(live, seg)
			continue
		}
		<-seg.retire()
		if seg.closeErr != nil {
			return append(live, remainder(segs, seg)...), seg.closeErr
		}
		s.log.Info("removed superseded segment", "segment", seg.ID(), "supersededBy", by)
	}
	return live, nil
}

func remainder(segs []*Segment, after *Segment) []*Segment {
	for i, seg := range segs {
		if seg == after {
			return segs[i+1:]
		}
	}
	return nil
}

func closeSegments(segs []*Segment) {
	for _, seg := range segs {
		if seg != nil {
			seg.Close()
		}
	}
}

func (s *Store) validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > s.cfg.MaxKeyBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), s.cfg.MaxKeyBytes)
	}
	return nil
}

// Save durably appends value under key and publishes it to the index.
func (s *Store) Save(key, value []byte) (pos Position, err error) {
	start := time.Now()
	defer func() { s.obs.ObserveOperation(OpNameSave, time.Since(start), err) }()

	if err := s.validateKey(key); err != nil {
		return Position{}, err
	}
	if err := checkRecordSize(len(key), len(value)); err != nil {
		return Position{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return Position{}, ErrClosed
	}
	pos, err = s.appendLocked(putEntry(key, value, 0))
	if err != nil {
		return Position{}, err
	}
	s.index.Apply(PutOp(key, pos))
	return pos, nil
}

// Delete appends a tombstone for key and removes it from the index.
// Deleting an absent key writes nothing.
func (s *Store) Delete(key []byte) (err error) {
	start := time.Now()
	defer func() { s.obs.ObserveOperation(OpNameDelete, time.Since(start), err) }()

	if err := s.validateKey(key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if _, ok := s.index.Lookup(key); !ok {
		return nil
	}
	if _, err := s.appendLocked(tombstoneEntry(key, 0)); err != nil {
		return err
	}
	s.index.Apply(DeleteOp(key))
	return nil
}

func (s *Store) appendLocked(e entry) (Position, error) {
	if err := s.ensureRoomLocked(e.frameSize()); err != nil {
		return Position{}, err
	}
	return s.active.appendEntry(e, true)
}

// ensureRoomLocked rotates when n more bytes would overflow a non-empty
// active segment. An empty segment takes any record, however large.
func (s *Store) ensureRoomLocked(n int64) error {
	if s.active.Sealed() {
		return s.rotateLocked()
	}
	if s.active.Records() > 0 && s.active.Size()+n > s.cfg.MaxSegmentBytes {
		return s.rotateLocked()
	}
	return nil
}

func (s *Store) rotateLocked() error {
	old := s.active
	if _, err := old.Seal(); err != nil {
		return err
	}
	next, err := CreateSegment(old.ID().nextBase(), s.dir)
	if err != nil {
		return err
	}

	s.setMu.Lock()
	s.segments.Store(s.segments.Load().with(next))
	s.setMu.Unlock()

	s.active = next
	s.activeID.Store(uint64(next.ID()))
	s.log.V(1).Info("rotated segment", "sealed", old.ID(), "bytes", old.Size(), "active", next.ID())
	return nil
}

// Find returns the newest value stored under key. A missing key is
// reported with ok=false and a nil error.
func (s *Store) Find(key []byte) (value []byte, ok bool, err error) {
	start := time.Now()
	defer func() { s.obs.ObserveOperation(OpNameFind, time.Since(start), err) }()

	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		if s.closed.Load() {
			return nil, false, ErrClosed
		}
		pos, found := s.index.Lookup(key)
		if !found {
			return nil, false, nil
		}
		value, retry, err := s.readAt(key, pos)
		if retry {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return value, true, nil
	}
	return nil, false, fmt.Errorf("find %q: segment retired on every attempt", key)
}

// readAt reads the record at pos and checks it belongs to key. retry is set
// when the segment left the set between the index lookup and the read.
func (s *Store) readAt(key []byte, pos Position) (value []byte, retry bool, err error) {
	seg := s.segments.Load().get(pos.Segment)
	if seg == nil || !seg.acquire() {
		return nil, true, nil
	}
	payload, err := seg.Read(pos.Offset, pos.Length)
	seg.release()

	switch {
	case errors.Is(err, ErrNotFound):
		return nil, false, s.corrupt(key, corruption(pos.Segment, int64(pos.Offset), "indexed record lies outside the segment"))
	case errors.Is(err, ErrCorruption):
		return nil, false, s.corrupt(key, err)
	case err != nil:
		return nil, false, err
	}

	e, err := decodeEntry(payload)
	if err != nil {
		return nil, false, s.corrupt(key, corruption(pos.Segment, int64(pos.Offset), "%v", err))
	}
	if e.kind != kindPut || !bytes.Equal(e.key, key) {
		return nil, false, s.corrupt(key, corruption(pos.Segment, int64(pos.Offset),
			"index entry points at %s record for another key", e.kind))
	}
	return e.value, false, nil
}

func (s *Store) corrupt(key []byte, err error) error {
	s.corruptions.Add(1)
	s.obs.ObserveCorruption()
	s.log.Error(err, "corrupt record", "key", string(key))
	return err
}

// Scan calls fn for every live key in sorted order, reading from a
// consistent snapshot of the index. Keys deleted during the scan are skipped.
func (s *Store) Scan(fn func(key, value []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	snap := s.index.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := []byte(k)
		value, retry, err := s.readAt(key, snap[k])
		if retry {
			var ok bool
			value, ok, err = s.Find(key)
			if err == nil && !ok {
				continue
			}
		}
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the live keys in sorted order.
func (s *Store) Keys() []string { return s.index.Keys() }

// Snapshot returns the index as one consistent copy.
func (s *Store) Snapshot() map[string]Position { return s.index.Snapshot() }

// Schemas returns the cache of payload schemas seen by this store.
func (s *Store) Schemas() *codec.SchemaCache { return s.schemas }

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Segments returns metadata for every segment, oldest first.
func (s *Store) Segments() []SegmentMetadata {
	segs := s.segments.Load().list()
	out := make([]SegmentMetadata, len(segs))
	for i, seg := range segs {
		out[i] = seg.Metadata()
	}
	return out
}

// Compact runs a compaction of the given kind and waits for it.
func (s *Store) Compact(ctx context.Context, kind CompactionKind) (CompactionResult, error) {
	if s.closed.Load() {
		return CompactionResult{}, ErrClosed
	}
	return s.compactor.Run(ctx, kind)
}

// TriggerCompaction asks the compactor to run kind soon. It returns false if
// a request is already pending or the store is closed.
func (s *Store) TriggerCompaction(kind CompactionKind) bool {
	if s.closed.Load() {
		return false
	}
	return s.compactor.Trigger(kind)
}

// CompactionStatus returns the compactor's current state.
func (s *Store) CompactionStatus() CompactionState { return s.compactor.State() }

// Close stops the compactor and closes every segment. The active segment
// is left unsealed and reopens as the active segment.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.compactor.stop()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.setMu.Lock()
	segs := s.segments.Load().list()
	s.setMu.Unlock()

	var errs []error
	for _, seg := range segs {
		if err := seg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.log.V(1).Info("closed store", "segments", len(segs))
	return errors.Join(errs...)
}

// sealActive rotates a non-empty active segment so every record becomes
// eligible for compaction.
func (s *Store) sealActive() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.active.Records() == 0 {
		return nil
	}
	return s.rotateLocked()
}

// sealedSegments returns the sealed segments oldest first, each acquired
// for the caller, plus the set they came from.
func (s *Store) sealedSegments() ([]*Segment, *segmentSet) {
	set := s.segments.Load()
	active := SegmentID(s.activeID.Load())

	var out []*Segment
	for _, seg := range set.list() {
		if seg.ID() == active || !seg.Sealed() {
			continue
		}
		if seg.acquire() {
			out = append(out, seg)
		}
	}
	return out, set
}

// publishCompaction makes outputs visible, points the index at them with
// one atomic batch and then drops inputs from the set. The caller retires
// the inputs afterwards.
func (s *Store) publishCompaction(outputs, inputs []*Segment, moves []Operation) int {
	if len(outputs) > 0 {
		s.setMu.Lock()
		s.segments.Store(s.segments.Load().with(outputs...))
		s.setMu.Unlock()
	}

	moved := s.index.ApplyBatch(moves)

	s.setMu.Lock()
	s.segments.Store(s.segments.Load().without(inputs))
	s.setMu.Unlock()
	return moved
}
