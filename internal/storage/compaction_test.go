package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillSegments writes n sealed segments holding keys per segment.
func fillSegments(t *testing.T, s *Store, n, keys int, prefix string) {
	t.Helper()
	for i := 0; i < n; i++ {
		for k := 0; k < keys; k++ {
			key := fmt.Sprintf("%s-%02d-%02d", prefix, i, k)
			_, err := s.Save([]byte(key), []byte("value-"+key))
			require.NoError(t, err)
		}
		require.NoError(t, s.sealActive())
	}
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// onDiskTombstones counts tombstone records across the store's segment files.
func onDiskTombstones(t *testing.T, s *Store) uint32 {
	t.Helper()
	var n uint32
	for _, meta := range s.Segments() {
		n += meta.Tombstones
	}
	return n
}

func TestCompaction_MinorMergesSmallSegments(t *testing.T) {
	obs := newRecordingObserver()
	cfg := testConfig()
	cfg.Observer = obs
	s := openTestStore(t, t.TempDir(), cfg)

	fillSegments(t, s, 4, 5, "m")
	_, err := s.Save([]byte("m-00-00"), []byte("newer"))
	require.NoError(t, err)
	before := s.Snapshot()
	require.Len(t, s.Segments(), 5)

	res, err := s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)

	assert.Len(t, res.Inputs, 4)
	assert.Len(t, res.Outputs, 1)
	assert.Equal(t, uint64(19), res.RecordsCopied)
	assert.Equal(t, uint64(1), res.RecordsDropped)
	assert.Equal(t, 19, res.KeysMoved)
	assert.NotEmpty(t, res.RunID)

	// The output sorts after its inputs and before the active segment.
	out := res.Outputs[0]
	assert.Equal(t, res.Inputs[3]+1, out)
	assert.Less(t, out, s.Stats().ActiveSegment)

	for _, id := range res.Inputs {
		_, err := os.Stat(filepath.Join(s.Dir(), segmentFileName(id)))
		assert.True(t, os.IsNotExist(err), "input %s still on disk", id)
	}

	after := s.Snapshot()
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, "newer", mustFind(t, s, "m-00-00"))
	for i := 0; i < 4; i++ {
		for k := 0; k < 5; k++ {
			key := fmt.Sprintf("m-%02d-%02d", i, k)
			if key == "m-00-00" {
				continue
			}
			assert.Equal(t, "value-"+key, mustFind(t, s, key))
		}
	}

	st := s.CompactionStatus()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, uint64(1), st.Runs)
	assert.Equal(t, res.RunID, st.LastResult.RunID)

	obs.mu.Lock()
	assert.Len(t, obs.compactions, 1)
	obs.mu.Unlock()
}

func TestCompaction_MinorNeedsTwoSmallSegments(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testConfig())
	fillSegments(t, s, 1, 3, "x")

	res, err := s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)
	assert.Empty(t, res.Inputs)
	assert.Len(t, s.Segments(), 2)
}

func TestCompaction_MinorSkipsLargeSegments(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.MinSegmentBytes = 200
	s := openTestStore(t, t.TempDir(), cfg)

	// small, small, large, small: only the first two form a run.
	fillSegments(t, s, 2, 1, "a")
	_, err := s.Save([]byte("large"), make([]byte, 300))
	require.NoError(t, err)
	require.NoError(t, s.sealActive())
	fillSegments(t, s, 1, 1, "b")

	segs := s.Segments()
	res, err := s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)
	assert.Equal(t, []SegmentID{segs[0].ID, segs[1].ID}, res.Inputs)
	assert.Equal(t, string(make([]byte, 300)), mustFind(t, s, "large"))
}

func TestCompaction_MajorPurgesTombstones(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	s, err := Open(dir, cfg)
	require.NoError(t, err)

	fillSegments(t, s, 3, 4, "k")
	require.NoError(t, s.Delete([]byte("k-00-00")))
	require.NoError(t, s.Delete([]byte("k-01-01")))
	_, err = s.Save([]byte("k-02-02"), []byte("rewritten"))
	require.NoError(t, err)
	require.Equal(t, uint32(2), onDiskTombstones(t, s))

	res, err := s.Compact(context.Background(), CompactionMajor)
	require.NoError(t, err)

	assert.Len(t, res.Inputs, 4, "the active segment is sealed first")
	assert.Equal(t, uint64(2), res.TombstonesPurged)
	assert.Equal(t, uint64(10), res.RecordsCopied)
	assert.Less(t, res.BytesAfter, res.BytesBefore)
	assert.Equal(t, uint32(0), onDiskTombstones(t, s))

	st := s.Stats()
	assert.Equal(t, 10, st.LiveRecords)
	assert.Equal(t, StatusIdle, st.Compaction.Status)

	check := func(s *Store) {
		assertMissing(t, s, "k-00-00")
		assertMissing(t, s, "k-01-01")
		assert.Equal(t, "rewritten", mustFind(t, s, "k-02-02"))
		assert.Equal(t, "value-k-02-03", mustFind(t, s, "k-02-03"))
	}
	check(s)

	require.NoError(t, s.Close())
	s = openTestStore(t, dir, cfg)
	check(s)
	assert.Len(t, s.Keys(), 10)
}

func TestCompaction_MajorSkipsCleanSegments(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testConfig())
	fillSegments(t, s, 2, 3, "c")

	res, err := s.Compact(context.Background(), CompactionMajor)
	require.NoError(t, err)
	assert.Empty(t, res.Inputs)
	assert.Empty(t, res.Outputs)
}

func TestCompaction_MajorAllDead(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testConfig())
	fillSegments(t, s, 2, 2, "d")
	for _, k := range s.Keys() {
		require.NoError(t, s.Delete([]byte(k)))
	}

	res, err := s.Compact(context.Background(), CompactionMajor)
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
	assert.Empty(t, s.Keys())

	// Only the fresh active segment is left.
	segs := s.Segments()
	require.Len(t, segs, 1)
	assert.False(t, segs[0].Sealed)
}

func TestCompaction_MinorKeepsTombstonesShadowingOlderSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Compaction.MinSegmentBytes = 200
	s, err := Open(dir, cfg)
	require.NoError(t, err)

	// A large segment holding the put, then two small ones with the tombstone.
	_, err = s.Save([]byte("victim"), make([]byte, 300))
	require.NoError(t, err)
	require.NoError(t, s.sealActive())
	require.NoError(t, s.Delete([]byte("victim")))
	require.NoError(t, s.sealActive())
	fillSegments(t, s, 1, 1, "z")

	res, err := s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)
	require.Len(t, res.Inputs, 2)
	assert.Equal(t, uint64(0), res.TombstonesPurged)

	require.NoError(t, s.Close())
	s = openTestStore(t, dir, cfg)
	assertMissing(t, s, "victim")
}

func TestCompaction_WriteDuringCompactionWins(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testConfig())
	fillSegments(t, s, 3, 3, "w")

	sealed, set := s.sealedSegments()
	inputs := s.compactor.selectInputs(CompactionMinor, sealed, set)
	releaseAll(without(sealed, inputs))
	require.Len(t, inputs, 3)

	last := inputs[len(inputs)-1].ID()
	limit, _ := set.after(last)
	w := &compactionWriter{dir: s.Dir(), runID: "test", next: last + 1, limit: limit, max: s.cfg.MaxSegmentBytes}
	var res CompactionResult
	moves, err := s.compactor.copyLive(context.Background(), inputs, true, w, &res)
	require.NoError(t, err)

	// Overwrite one key and delete another after the copy, before publish.
	_, err = s.Save([]byte("w-00-00"), []byte("racer"))
	require.NoError(t, err)
	require.NoError(t, s.Delete([]byte("w-01-01")))

	ids := make([]SegmentID, len(inputs))
	for i, in := range inputs {
		ids[i] = in.ID()
	}
	require.NoError(t, w.finish(ids))
	require.NoError(t, w.publish())
	moved := s.publishCompaction(w.parts, inputs, moves)
	releaseAll(inputs)
	for _, in := range inputs {
		<-in.retire()
	}

	assert.Equal(t, 7, moved)
	assert.Equal(t, "racer", mustFind(t, s, "w-00-00"))
	assertMissing(t, s, "w-01-01")
	assert.Equal(t, "value-w-02-02", mustFind(t, s, "w-02-02"))
}

func TestCompaction_NoSegmentIDs(t *testing.T) {
	w := &compactionWriter{dir: t.TempDir(), runID: "test", next: 5, limit: 5, max: 1024}
	_, err := w.add(putEntry([]byte("k"), []byte("v"), 0))
	assert.ErrorIs(t, err, ErrNoSegmentIDs)
}

func TestCompaction_SplitsLargeOutput(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSegmentBytes = 512
	s := openTestStore(t, t.TempDir(), cfg)

	// Each key is rewritten once so the inputs carry garbage.
	for round := 0; round < 2; round++ {
		for i := 0; i < 30; i++ {
			_, err := s.Save([]byte(fmt.Sprintf("key-%02d", i)), []byte(fmt.Sprintf("value-%d-%02d", round, i)))
			require.NoError(t, err)
		}
	}

	res, err := s.Compact(context.Background(), CompactionMajor)
	require.NoError(t, err)
	require.Greater(t, len(res.Outputs), 1)
	for i := 1; i < len(res.Outputs); i++ {
		assert.Equal(t, res.Outputs[i-1]+1, res.Outputs[i])
	}
	for i := 0; i < 30; i++ {
		assert.Equal(t, fmt.Sprintf("value-1-%02d", i), mustFind(t, s, fmt.Sprintf("key-%02d", i)))
	}
}

func TestCompaction_Cancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.ThrottleBytesPerSec = 64
	s := openTestStore(t, t.TempDir(), cfg)
	fillSegments(t, s, 3, 10, "t")
	filesBefore := segmentFiles(t, s.Dir())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Compact(ctx, CompactionMinor)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrCompaction)

	assert.Equal(t, filesBefore, segmentFiles(t, s.Dir()), "a cancelled run leaves no files")
	st := s.CompactionStatus()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, uint64(0), st.Runs)
	assert.Equal(t, uint64(0), st.Failures)
	assert.Equal(t, "value-t-01-01", mustFind(t, s, "t-01-01"))
}

func TestCompaction_CloseCancelsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.ThrottleBytesPerSec = 64
	s, err := Open(t.TempDir(), cfg)
	require.NoError(t, err)
	fillSegments(t, s, 3, 10, "c")

	errc := make(chan error, 1)
	go func() {
		_, err := s.Compact(context.Background(), CompactionMinor)
		errc <- err
	}()
	require.Eventually(t, func() bool {
		return s.CompactionStatus().Status == StatusMinor
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("compaction did not stop on close")
	}

	_, err = s.Compact(context.Background(), CompactionMinor)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCompaction_TriggerRunsInBackground(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testConfig())
	fillSegments(t, s, 3, 2, "g")

	require.True(t, s.TriggerCompaction(CompactionMinor))
	require.Eventually(t, func() bool {
		return s.CompactionStatus().Runs == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Len(t, s.CompactionStatus().LastResult.Inputs, 3)
	assert.Equal(t, "value-g-02-01", mustFind(t, s, "g-02-01"))
}

func TestCompaction_BackgroundSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.Background = true
	cfg.Compaction.CheckInterval = 10 * time.Millisecond
	cfg.Compaction.MajorInterval = 0
	cfg.Compaction.GarbageRatio = 0
	cfg.Compaction.MinorTrigger = 2
	s := openTestStore(t, t.TempDir(), cfg)

	fillSegments(t, s, 3, 2, "b")

	require.Eventually(t, func() bool {
		return s.CompactionStatus().Runs >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, CompactionMinor, s.CompactionStatus().LastResult.Kind)
	assert.Len(t, s.Keys(), 6)
}

func TestCompaction_Due(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.MajorInterval = time.Hour
	cfg.Compaction.GarbageRatio = 0.5
	cfg.Compaction.MinorTrigger = 2
	s := openTestStore(t, t.TempDir(), cfg)
	c := s.compactor
	now := time.Now()

	_, ok := c.due(now)
	assert.False(t, ok, "nothing sealed yet")

	kind, ok := c.due(now.Add(2 * time.Hour))
	assert.True(t, ok)
	assert.Equal(t, CompactionMajor, kind)

	fillSegments(t, s, 3, 2, "d")
	kind, ok = c.due(now)
	assert.True(t, ok)
	assert.Equal(t, CompactionMinor, kind)

	// Overwriting everything turns most sealed bytes into garbage.
	for _, k := range s.Keys() {
		_, err := s.Save([]byte(k), []byte("v"))
		require.NoError(t, err)
	}
	kind, ok = c.due(now)
	assert.True(t, ok)
	assert.Equal(t, CompactionMajor, kind)
}

func TestCompaction_UnknownKind(t *testing.T) {
	s := openTestStore(t, t.TempDir(), testConfig())
	_, err := s.Compact(context.Background(), CompactionKind(9))
	assert.ErrorIs(t, err, ErrCompaction)

	k, err := ParseCompactionKind("MAJOR")
	assert.NoError(t, err)
	assert.Equal(t, CompactionMajor, k)
	_, err = ParseCompactionKind("full")
	assert.Error(t, err)
}

func TestOpen_RemovesUnpublishedOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	s, err := Open(dir, cfg)
	require.NoError(t, err)
	fillSegments(t, s, 2, 2, "u")
	require.NoError(t, s.Close())

	// An output part left by a run that crashed before publishing.
	seg, err := createSegmentAt(FirstSegmentID+1, filepath.Join(dir, segmentFileName(FirstSegmentID+1)+".run"+compactExt))
	require.NoError(t, err)
	_, err = seg.appendEntry(putEntry([]byte("u-00-00"), []byte("stale"), 0), true)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	s = openTestStore(t, dir, cfg)
	for _, name := range segmentFiles(t, dir) {
		assert.False(t, strings.HasSuffix(name, compactExt), "leftover %s", name)
	}
	assert.Equal(t, "value-u-00-00", mustFind(t, s, "u-00-00"))
}

func TestOpen_RemovesSupersededInputs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	s, err := Open(dir, cfg)
	require.NoError(t, err)
	fillSegments(t, s, 2, 2, "p")
	inputs := s.Segments()[:2]
	require.NoError(t, s.Close())

	// A published output whose inputs were never retired: a crash between
	// publish and cleanup. The inputs hold a value the output replaced.
	out, err := CreateSegment(inputs[1].ID+1, dir)
	require.NoError(t, err)
	for _, k := range []string{"p-00-00", "p-00-01", "p-01-00", "p-01-01"} {
		_, err := out.appendEntry(putEntry([]byte(k), []byte("compacted-"+k), 0), false)
		require.NoError(t, err)
	}
	_, err = out.appendEntry(supersedeEntry([]SegmentID{inputs[0].ID, inputs[1].ID}), false)
	require.NoError(t, err)
	_, err = out.Seal()
	require.NoError(t, err)
	require.NoError(t, out.Close())

	s = openTestStore(t, dir, cfg)
	for _, in := range inputs {
		_, err := os.Stat(in.Path)
		assert.True(t, os.IsNotExist(err), "superseded %s still on disk", in.ID)
	}
	assert.Equal(t, "compacted-p-01-01", mustFind(t, s, "p-01-01"))

	// The supersede marker is not counted as garbage.
	assert.Equal(t, int64(0), s.Stats().GarbageBytes)
}

func TestCompaction_OutputReopenedAsSegment(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	s, err := Open(dir, cfg)
	require.NoError(t, err)
	fillSegments(t, s, 2, 3, "r")

	res, err := s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	require.NoError(t, s.Close())

	seg, err := OpenSegment(filepath.Join(dir, segmentFileName(res.Outputs[0])), logr.Discard())
	require.NoError(t, err)
	defer seg.Close()
	assert.True(t, seg.Sealed())
	assert.ElementsMatch(t, res.Inputs, seg.Supersedes())
	assert.Equal(t, uint32(7), seg.Records(), "six copies and the marker")
}

func TestCompaction_CarriesLeftoverSupersededSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	s, err := Open(dir, cfg)
	require.NoError(t, err)

	fillSegments(t, s, 2, 2, "c")
	first := s.Segments()[0]
	saved, err := os.ReadFile(first.Path)
	require.NoError(t, err)

	res, err := s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)

	// Removing an input failed and left its file behind.
	require.NoError(t, os.WriteFile(first.Path, saved, 0644))

	require.NoError(t, s.Delete([]byte("c-00-00")))
	fillSegments(t, s, 1, 2, "d")
	again, err := s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)
	require.Contains(t, again.Inputs, res.Outputs[0])
	require.Len(t, again.Outputs, 1)
	assert.Equal(t, uint64(1), again.TombstonesPurged)
	require.NoError(t, s.Close())

	out, err := OpenSegment(filepath.Join(dir, segmentFileName(again.Outputs[0])), logr.Discard())
	require.NoError(t, err)
	assert.Contains(t, out.Supersedes(), first.ID)
	require.NoError(t, out.Close())

	// The leftover is removed before replay, so the purged delete holds.
	s = openTestStore(t, dir, cfg)
	_, err = os.Stat(first.Path)
	assert.True(t, os.IsNotExist(err), "leftover %s still on disk", first.ID)
	assertMissing(t, s, "c-00-00")
	assert.Equal(t, "value-c-01-01", mustFind(t, s, "c-01-01"))
}

func TestCompaction_MinorSkipsRunWithoutIDRoom(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Compaction.MinSegmentBytes = 256

	s, err := Open(dir, cfg)
	require.NoError(t, err)
	fillSegments(t, s, 2, 2, "f")
	last := s.Segments()[1].ID
	require.NoError(t, s.Close())

	// First part of a split output that was published before a crash.
	part, err := CreateSegment(last+1, dir)
	require.NoError(t, err)
	_, err = part.appendEntry(putEntry([]byte("big"), make([]byte, 512), 0), false)
	require.NoError(t, err)
	_, err = part.Seal()
	require.NoError(t, err)
	require.NoError(t, part.Close())

	s = openTestStore(t, dir, cfg)
	res, err := s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)
	assert.Empty(t, res.Inputs)
	assert.Equal(t, StatusIdle, s.CompactionStatus().Status)

	// Later small segments still merge.
	fillSegments(t, s, 2, 2, "g")
	res, err = s.Compact(context.Background(), CompactionMinor)
	require.NoError(t, err)
	assert.Len(t, res.Inputs, 2)
	assert.Greater(t, res.Inputs[0], last+1)
	assert.Equal(t, "value-f-00-00", mustFind(t, s, "f-00-00"))
}
