package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matteso1/guardian/internal/storage"
)

func TestMetrics_ObserveOperation(t *testing.T) {
	m := NewMetrics(nil)

	m.ObserveOperation(storage.OpNameSave, 5*time.Millisecond, nil)
	m.ObserveOperation(storage.OpNameSave, 3*time.Millisecond, nil)
	m.ObserveOperation(storage.OpNameFind, time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(m.operations.WithLabelValues("save", "ok")); got != 2 {
		t.Errorf("expected 2 successful saves, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("find", "error")); got != 1 {
		t.Errorf("expected 1 failed find, got %v", got)
	}
	if n := testutil.CollectAndCount(m.latency); n != 2 {
		t.Errorf("expected latency series for 2 ops, got %d", n)
	}
}

func TestMetrics_ObserveCompaction(t *testing.T) {
	m := NewMetrics(nil)

	m.ObserveCompaction(storage.CompactionMajor, storage.CompactionResult{
		RecordsCopied:    10,
		RecordsDropped:   4,
		TombstonesPurged: 2,
		BytesBefore:      1000,
		BytesAfter:       400,
		Duration:         50 * time.Millisecond,
	}, nil)
	m.ObserveCompaction(storage.CompactionMinor, storage.CompactionResult{}, errors.New("disk full"))

	if got := testutil.ToFloat64(m.compactions.WithLabelValues("major", "ok")); got != 1 {
		t.Errorf("expected 1 major run, got %v", got)
	}
	if got := testutil.ToFloat64(m.compactions.WithLabelValues("minor", "error")); got != 1 {
		t.Errorf("expected 1 failed minor run, got %v", got)
	}
	if got := testutil.ToFloat64(m.compactionRecords.WithLabelValues("major", "copied")); got != 10 {
		t.Errorf("expected 10 copied records, got %v", got)
	}
	if got := testutil.ToFloat64(m.reclaimedBytes); got != 600 {
		t.Errorf("expected 600 reclaimed bytes, got %v", got)
	}
}

func TestMetrics_Corruptions(t *testing.T) {
	m := NewMetrics(nil)

	m.ObserveCorruption()
	m.ObserveCorruption()

	if got := testutil.ToFloat64(m.corruptions); got != 2 {
		t.Errorf("expected 2 corruptions, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)

	err := m.RegisterStore(func() storage.Statistics {
		return storage.Statistics{
			Segments:     3,
			LiveRecords:  42,
			GarbageBytes: 128,
			Compaction:   storage.CompactionState{Status: storage.StatusMajor, Runs: 5},
		}
	})
	if err != nil {
		t.Fatalf("register store: %v", err)
	}
	m.ObserveOperation(storage.OpNameDelete, time.Millisecond, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()

	checks := []string{
		"guardian_uptime_seconds",
		"guardian_segments 3",
		"guardian_live_records 42",
		"guardian_garbage_bytes 128",
		`guardian_compaction_status{status="major"} 1`,
		`guardian_compaction_status{status="idle"} 0`,
		"guardian_compaction_runs 5",
		`guardian_operations_total{op="delete",result="ok"} 1`,
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("expected %q in metrics output", check)
		}
	}
}

func TestMetrics_RegisterStoreTwice(t *testing.T) {
	m := NewMetrics(nil)
	stats := func() storage.Statistics { return storage.Statistics{} }

	if err := m.RegisterStore(stats); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.RegisterStore(stats); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
