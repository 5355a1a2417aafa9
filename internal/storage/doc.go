// Package storage implements an append-only key-value storage engine.
//
// Records are appended to segment files. Exactly one segment, the active
// one, accepts writes; once it would grow past the configured maximum it is
// sealed and a new active segment is opened. An in-memory index maps every
// live key to the position of its newest record, and is rebuilt by replaying
// the segments on open. A compactor rewrites sealed segments in the
// background to reclaim space held by overwritten and deleted records.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                              Store                               │
//	├──────────────────────────────────────────────────────────────────┤
//	│  Write Path:  Save/Batch/Delete → active segment (fsync) → Index │
//	│  Read Path:   Find → Index → segment byte range → decode         │
//	├──────────────────────────────────────────────────────────────────┤
//	│  Compaction:  sealed segments → new segments → Index moves       │
//	│               → old segments retired                             │
//	└──────────────────────────────────────────────────────────────────┘
//
// Segment file layout:
//
//	header  [magic:4][version:2][endianness:1][record count:4][checksum:4]
//	record  [length:4][crc32:4][payload]
//	payload [kind:1][batch:8][key length:4][key][value]
//
// Key components:
//   - Segment: one file, framed records, sealed once full
//   - Index: key → Position map with atomic batch application
//   - Store: the writer path, the segment set and reads
//   - Compactor: minor and major compaction with atomic publish
//   - Collection: typed access through a codec.Codec
package storage
