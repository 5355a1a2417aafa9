package storage

import (
	"fmt"
	"time"
)

// Item is one write in a batch.
type Item struct {
	Key   []byte
	Value []byte
	// Tombstone deletes Key instead of writing Value.
	Tombstone bool
}

// Batch appends items in order and publishes them to the index at once.
// Readers observe either none or all of the batch.
//
// The records are synced together and followed by a commit record; on
// replay a batch without its commit is ignored. If an append fails the
// active segment is truncated back to where the batch began. Should the
// truncation fail too, the partial records stay on disk uncommitted and are
// dropped by the next compaction of that segment.
func (s *Store) Batch(items []Item) (positions []Position, err error) {
	start := time.Now()
	defer func() { s.obs.ObserveOperation(OpNameBatch, time.Since(start), err) }()

	if len(items) == 0 {
		return nil, nil
	}
	for i, it := range items {
		if err := s.validateKey(it.Key); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		if err := checkRecordSize(len(it.Key), len(it.Value)); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	batch := s.nextBatch
	s.nextBatch++

	entries := make([]entry, len(items))
	var total int64
	for i, it := range items {
		if it.Tombstone {
			entries[i] = tombstoneEntry(it.Key, batch)
		} else {
			entries[i] = putEntry(it.Key, it.Value, batch)
		}
		total += entries[i].frameSize()
	}
	commit := commitEntry(batch, len(entries))
	total += commit.frameSize()

	// A batch never spans segments.
	if err := s.ensureRoomLocked(total); err != nil {
		return nil, err
	}

	seg := s.active
	mark := seg.mark()
	positions = make([]Position, len(entries))
	ops := make([]Operation, len(entries))
	for i, e := range entries {
		pos, err := seg.appendEntry(e, false)
		if err != nil {
			return nil, s.abortBatch(seg, mark, batch, err)
		}
		positions[i] = pos
		if e.kind == kindTombstone {
			ops[i] = DeleteOp(e.key)
		} else {
			ops[i] = PutOp(e.key, pos)
		}
	}
	if _, err := seg.appendEntry(commit, false); err != nil {
		return nil, s.abortBatch(seg, mark, batch, err)
	}
	if err := seg.Sync(); err != nil {
		return nil, s.abortBatch(seg, mark, batch, err)
	}

	s.index.ApplyBatch(ops)
	return positions, nil
}

func (s *Store) abortBatch(seg *Segment, mark segmentMark, batch uint64, cause error) error {
	if err := seg.rollback(mark); err != nil {
		s.log.Error(err, "batch rollback failed, records left uncommitted", "segment", seg.ID(), "batch", batch)
	} else {
		s.log.Error(cause, "batch aborted", "segment", seg.ID(), "batch", batch)
	}
	return fmt.Errorf("batch %d: %w", batch, cause)
}
