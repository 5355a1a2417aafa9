package storage

import (
	"runtime"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// OpKind selects what an Operation does to the index.
type OpKind uint8

const (
	// OpPut points a key at a position.
	OpPut OpKind = iota + 1
	// OpDelete removes a key.
	OpDelete
	// OpMove re-points a key only if it still points at From. Compaction
	// uses it so a write racing the rewrite is never undone.
	OpMove
)

// Operation is one index mutation.
type Operation struct {
	Kind OpKind
	Key  []byte
	Pos  Position
	From Position
}

// PutOp points key at pos.
func PutOp(key []byte, pos Position) Operation {
	return Operation{Kind: OpPut, Key: key, Pos: pos}
}

// DeleteOp removes key.
func DeleteOp(key []byte) Operation {
	return Operation{Kind: OpDelete, Key: key}
}

// MoveOp re-points key from one position to another.
func MoveOp(key []byte, from, to Position) Operation {
	return Operation{Kind: OpMove, Key: key, From: from, Pos: to}
}

// SegmentUsage is the share of a segment still referenced by the index.
type SegmentUsage struct {
	Records int
	Bytes   int64
}

// Index maps keys to the position of their newest record. It is a
// projection of the segments and is never persisted.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Position
	usage   map[SegmentID]SegmentUsage
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[string]Position),
		usage:   make(map[SegmentID]SegmentUsage),
	}
}

// Lookup returns the position of key.
func (ix *Index) Lookup(key []byte) (Position, bool) {
	ix.mu.RLock()
	pos, ok := ix.entries[string(key)]
	ix.mu.RUnlock()
	return pos, ok
}

// Apply applies a single operation and reports whether the index changed.
func (ix *Index) Apply(op Operation) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.applyLocked(op)
}

// ApplyBatch applies ops in order under one exclusive section, so readers
// see either none or all of them. It returns how many changed the index.
func (ix *Index) ApplyBatch(ops []Operation) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := 0
	for _, op := range ops {
		if ix.applyLocked(op) {
			n++
		}
	}
	return n
}

func (ix *Index) applyLocked(op Operation) bool {
	key := string(op.Key)
	cur, exists := ix.entries[key]

	switch op.Kind {
	case OpPut:
	case OpDelete:
		if !exists {
			return false
		}
		delete(ix.entries, key)
		ix.untrack(cur)
		return true
	case OpMove:
		if !exists || cur != op.From {
			return false
		}
	default:
		return false
	}

	if exists {
		ix.untrack(cur)
	}
	ix.entries[key] = op.Pos
	ix.track(op.Pos)
	return true
}

func (ix *Index) track(pos Position) {
	u := ix.usage[pos.Segment]
	u.Records++
	u.Bytes += pos.frameBytes()
	ix.usage[pos.Segment] = u
}

func (ix *Index) untrack(pos Position) {
	u := ix.usage[pos.Segment]
	u.Records--
	u.Bytes -= pos.frameBytes()
	if u.Records <= 0 {
		delete(ix.usage, pos.Segment)
		return
	}
	ix.usage[pos.Segment] = u
}

// Len returns the number of live keys.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Usage returns the live records and bytes the index holds in a segment.
func (ix *Index) Usage(id SegmentID) SegmentUsage {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.usage[id]
}

// Snapshot returns a copy of every entry taken under one read lock.
func (ix *Index) Snapshot() map[string]Position {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[string]Position, len(ix.entries))
	for k, v := range ix.entries {
		out[k] = v
	}
	return out
}

// Keys returns the live keys in sorted order.
func (ix *Index) Keys() []string {
	ix.mu.RLock()
	keys := make([]string, 0, len(ix.entries))
	for k := range ix.entries {
		keys = append(keys, k)
	}
	ix.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// RebuildResult describes a replay.
type RebuildResult struct {
	Records    int
	Tombstones int
	Batches    int
	// Orphans counts batch records without a commit.
	Orphans  int
	MaxBatch uint64
}

type replayRecord struct {
	kind  entryKind
	batch uint64
	key   []byte
	pos   Position
	count int
}

// Rebuild replays segments, which must be ordered oldest first, into a new
// index. Segments are scanned in parallel and applied in order.
//
// Records written by a batch are applied only when the batch's commit record
// is found in the same segment. Supersede markers are ignored here; the
// store removes the segments they name before replay.
func Rebuild(segments []*Segment, log logr.Logger) (*Index, RebuildResult, error) {
	scanned := make([][]replayRecord, len(segments))

	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, seg := range segments {
		g.Go(func() error {
			var recs []replayRecord
			err := seg.Scan(func(pos Position, payload []byte) error {
				e, err := decodeEntry(payload)
				if err != nil {
					return corruption(seg.ID(), int64(pos.Offset), "%v", err)
				}
				rec := replayRecord{kind: e.kind, batch: e.batch, key: e.key, pos: pos}
				if e.kind == kindCommit {
					if rec.count, err = e.commitCount(); err != nil {
						return corruption(seg.ID(), int64(pos.Offset), "%v", err)
					}
				}
				recs = append(recs, rec)
				return nil
			})
			scanned[i] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, RebuildResult{}, err
	}

	ix := NewIndex()
	var res RebuildResult
	for i, recs := range scanned {
		pending := make(map[uint64][]Operation)
		for _, rec := range recs {
			if rec.batch > res.MaxBatch {
				res.MaxBatch = rec.batch
			}
			var op Operation
			switch rec.kind {
			case kindPut:
				op = PutOp(rec.key, rec.pos)
				res.Records++
			case kindTombstone:
				op = DeleteOp(rec.key)
				res.Tombstones++
			case kindCommit:
				ops := pending[rec.batch]
				delete(pending, rec.batch)
				if len(ops) != rec.count {
					log.Info("ignoring incomplete batch", "segment", segments[i].ID(), "batch", rec.batch,
						"records", len(ops), "expected", rec.count)
					res.Orphans += len(ops)
					continue
				}
				ix.ApplyBatch(ops)
				res.Batches++
				continue
			default:
				continue
			}

			if rec.batch == 0 {
				ix.Apply(op)
				continue
			}
			pending[rec.batch] = append(pending[rec.batch], op)
		}
		// Batches never span segments, so anything still pending is orphaned.
		for batch, ops := range pending {
			log.V(1).Info("ignoring uncommitted batch", "segment", segments[i].ID(), "batch", batch, "records", len(ops))
			res.Orphans += len(ops)
		}
	}
	return ix, res, nil
}
