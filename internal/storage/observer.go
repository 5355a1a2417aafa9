package storage

import "time"

// Observer receives measurements from a Store. Implementations must be safe
// for concurrent use and must not call back into the Store.
type Observer interface {
	// ObserveOperation is called once per Save, Batch, Find and Delete.
	ObserveOperation(op string, d time.Duration, err error)
	// ObserveCompaction is called when a compaction run finishes.
	ObserveCompaction(kind CompactionKind, res CompactionResult, err error)
	// ObserveCorruption is called when a read hits a corrupt record.
	ObserveCorruption()
}

type noopObserver struct{}

func (noopObserver) ObserveOperation(string, time.Duration, error)             {}
func (noopObserver) ObserveCompaction(CompactionKind, CompactionResult, error) {}
func (noopObserver) ObserveCorruption()                                        {}

// Operation names passed to Observer.ObserveOperation.
const (
	OpNameSave   = "save"
	OpNameBatch  = "batch"
	OpNameFind   = "find"
	OpNameDelete = "delete"
)
