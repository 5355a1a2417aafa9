package storage

// Statistics is derived from segment metadata and the index on every call.
type Statistics struct {
	Segments       int
	SealedSegments int
	ActiveSegment  SegmentID
	DiskBytes      int64
	// Records counts every record on disk, live or not.
	Records     uint64
	Tombstones  uint64
	LiveRecords int
	LiveBytes   int64
	// GarbageBytes is record bytes no longer referenced by the index.
	GarbageBytes int64
	Corruptions  uint64
	Schemas      int
	Compaction   CompactionState
}

// Stats aggregates the current segments. It has no side effects.
func (s *Store) Stats() Statistics {
	st := Statistics{
		ActiveSegment: SegmentID(s.activeID.Load()),
		LiveRecords:   s.index.Len(),
		Corruptions:   s.corruptions.Load(),
		Schemas:       s.schemas.Len(),
		Compaction:    s.compactor.State(),
	}
	for _, seg := range s.segments.Load().list() {
		meta := seg.Metadata()
		usage := s.index.Usage(meta.ID)

		st.Segments++
		if meta.Sealed {
			st.SealedSegments++
		}
		st.DiskBytes += meta.Bytes
		st.Records += uint64(meta.Records)
		st.Tombstones += uint64(meta.Tombstones)
		st.LiveBytes += usage.Bytes
		st.GarbageBytes += meta.Bytes - seg.overhead() - usage.Bytes
	}
	return st
}
