package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/matteso1/guardian/internal/storage"

// CompactionKind selects what a compaction run rewrites.
type CompactionKind uint8

const (
	// CompactionMinor merges the longest run of small sealed segments.
	CompactionMinor CompactionKind = iota + 1
	// CompactionMajor rewrites every sealed segment and purges tombstones.
	CompactionMajor
)

func (k CompactionKind) String() string {
	switch k {
	case CompactionMinor:
		return "minor"
	case CompactionMajor:
		return "major"
	default:
		return fmt.Sprintf("CompactionKind(%d)", uint8(k))
	}
}

// ParseCompactionKind parses "minor" or "major".
func ParseCompactionKind(s string) (CompactionKind, error) {
	switch strings.ToLower(s) {
	case "minor":
		return CompactionMinor, nil
	case "major":
		return CompactionMajor, nil
	}
	return 0, fmt.Errorf("unknown compaction kind %q", s)
}

// CompactionStatus is the compactor's state machine position.
type CompactionStatus uint8

const (
	StatusIdle CompactionStatus = iota
	StatusMinor
	StatusMajor
	// StatusError means the last run failed. The next run starts normally.
	StatusError
)

func (s CompactionStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusMinor:
		return "minor"
	case StatusMajor:
		return "major"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("CompactionStatus(%d)", uint8(s))
	}
}

// CompactionProgress tracks the run in flight.
type CompactionProgress struct {
	SegmentsTotal  int
	SegmentsDone   int
	RecordsCopied  uint64
	RecordsDropped uint64
	BytesWritten   int64
}

// CompactionState is a snapshot of the compactor. It is never persisted.
type CompactionState struct {
	Status     CompactionStatus
	Progress   CompactionProgress
	LastError  string
	LastRun    time.Time
	LastResult CompactionResult
	Runs       uint64
	Failures   uint64
}

// CompactionResult describes a finished run.
type CompactionResult struct {
	RunID            string
	Kind             CompactionKind
	Inputs           []SegmentID
	Outputs          []SegmentID
	RecordsCopied    uint64
	RecordsDropped   uint64
	TombstonesPurged uint64
	KeysMoved        int
	BytesBefore      int64
	BytesAfter       int64
	Duration         time.Duration
}

// Compactor rewrites sealed segments. One run executes at a time; runs come
// from Store.Compact, Store.TriggerCompaction or, when enabled, the
// background schedule.
type Compactor struct {
	store   *Store
	cfg     CompactionConfig
	log     logr.Logger
	tracer  trace.Tracer
	limiter *rate.Limiter

	runMu sync.Mutex

	stateMu   sync.Mutex
	state     CompactionState
	lastMajor time.Time

	trigger chan CompactionKind
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newCompactor(s *Store, cfg CompactionConfig, log logr.Logger) *Compactor {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Compactor{
		store:     s,
		cfg:       cfg,
		log:       log,
		tracer:    otel.Tracer(tracerName),
		lastMajor: time.Now(),
		trigger:   make(chan CompactionKind, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.ThrottleBytesPerSec > 0 {
		burst := min(cfg.ThrottleBytesPerSec, 1<<30)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ThrottleBytesPerSec), int(burst))
	}
	return c
}

func (c *Compactor) start() {
	c.wg.Add(1)
	go c.loop()
}

// stop cancels the schedule and any run in flight and waits for both.
func (c *Compactor) stop() {
	c.cancel()
	c.wg.Wait()
	c.runMu.Lock()
	c.runMu.Unlock()
}

func (c *Compactor) loop() {
	defer c.wg.Done()

	var tick <-chan time.Time
	if c.cfg.Background {
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-tick:
			if kind, ok := c.due(now); ok {
				c.Run(c.ctx, kind)
			}
		case kind := <-c.trigger:
			c.Run(c.ctx, kind)
		}
	}
}

// Trigger queues a run. It returns false if one is already queued.
func (c *Compactor) Trigger(kind CompactionKind) bool {
	select {
	case c.trigger <- kind:
		return true
	default:
		return false
	}
}

// State returns a copy of the compactor state.
func (c *Compactor) State() CompactionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// due evaluates the trigger policy against the current segments.
func (c *Compactor) due(now time.Time) (CompactionKind, bool) {
	sealed, _ := c.store.sealedSegments()
	defer releaseAll(sealed)

	var (
		small      int
		live, dead int64
	)
	for _, seg := range sealed {
		if seg.Size() < c.cfg.MinSegmentBytes {
			small++
		}
		u := c.store.index.Usage(seg.ID())
		live += u.Bytes
		dead += seg.Size() - seg.overhead() - u.Bytes
	}

	c.stateMu.Lock()
	lastMajor := c.lastMajor
	c.stateMu.Unlock()

	switch {
	case c.cfg.MajorInterval > 0 && now.Sub(lastMajor) >= c.cfg.MajorInterval:
		return CompactionMajor, true
	case c.cfg.GarbageRatio > 0 && dead > 0 && (live == 0 || float64(dead)/float64(live) > c.cfg.GarbageRatio):
		return CompactionMajor, true
	case small > c.cfg.MinorTrigger && small >= 2:
		return CompactionMinor, true
	}
	return 0, false
}

// Run executes one compaction and waits for it. It is cancelled by ctx or
// by closing the store; a cancelled run leaves no trace on disk.
func (c *Compactor) Run(ctx context.Context, kind CompactionKind) (CompactionResult, error) {
	if kind != CompactionMinor && kind != CompactionMajor {
		return CompactionResult{}, fmt.Errorf("%w: unknown kind %d", ErrCompaction, kind)
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.ctx.Err() != nil {
		return CompactionResult{}, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.ctx, cancel)()

	runID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "storage.compaction", trace.WithAttributes(
		attribute.String("compaction.kind", kind.String()),
		attribute.String("compaction.run_id", runID),
	))
	defer span.End()
	log := c.log.WithValues("run", runID, "kind", kind.String())

	c.begin(kind)
	start := time.Now()
	res, err := c.run(ctx, kind, runID, log)
	res.RunID = runID
	res.Kind = kind
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("compaction.inputs", len(res.Inputs)),
		attribute.Int("compaction.outputs", len(res.Outputs)),
		attribute.Int64("compaction.records_copied", int64(res.RecordsCopied)),
		attribute.Int64("compaction.bytes_reclaimed", res.BytesBefore-res.BytesAfter),
	)

	switch {
	case err == nil:
		log.Info("compaction finished", "inputs", len(res.Inputs), "outputs", len(res.Outputs),
			"copied", res.RecordsCopied, "dropped", res.RecordsDropped, "purged", res.TombstonesPurged,
			"bytesBefore", res.BytesBefore, "bytesAfter", res.BytesAfter, "duration", res.Duration)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		span.SetStatus(codes.Error, "cancelled")
		log.Info("compaction cancelled", "reason", err.Error())
	default:
		err = fmt.Errorf("%w: %w", ErrCompaction, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(err, "compaction failed")
	}
	c.end(kind, res, err)
	c.store.obs.ObserveCompaction(kind, res, err)
	return res, err
}

func (c *Compactor) begin(kind CompactionKind) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.state.Status = StatusMinor
	if kind == CompactionMajor {
		c.state.Status = StatusMajor
	}
	c.state.Progress = CompactionProgress{}
}

func (c *Compactor) end(kind CompactionKind, res CompactionResult, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	switch {
	case err == nil:
		c.state.Status = StatusIdle
		c.state.LastError = ""
		c.state.LastRun = time.Now()
		c.state.LastResult = res
		c.state.Runs++
		if kind == CompactionMajor {
			c.lastMajor = c.state.LastRun
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		c.state.Status = StatusIdle
	default:
		c.state.Status = StatusError
		c.state.LastError = err.Error()
		c.state.Failures++
	}
}

func (c *Compactor) progress(fn func(p *CompactionProgress)) {
	c.stateMu.Lock()
	fn(&c.state.Progress)
	c.stateMu.Unlock()
}

func (c *Compactor) run(ctx context.Context, kind CompactionKind, runID string, log logr.Logger) (CompactionResult, error) {
	var res CompactionResult

	if kind == CompactionMajor {
		if err := c.store.sealActive(); err != nil {
			return res, err
		}
	}

	sealed, set := c.store.sealedSegments()
	inputs := c.selectInputs(kind, sealed, set)
	releaseAll(without(sealed, inputs))
	if len(inputs) == 0 {
		log.V(1).Info("nothing to compact", "sealed", len(sealed))
		return res, nil
	}

	for _, in := range inputs {
		res.Inputs = append(res.Inputs, in.ID())
		res.BytesBefore += in.Size()
	}
	c.progress(func(p *CompactionProgress) { p.SegmentsTotal = len(inputs) })

	last := inputs[len(inputs)-1].ID()
	limit, ok := set.after(last)
	if !ok {
		limit = last.nextBase()
	}
	w := &compactionWriter{
		dir:   c.store.dir,
		runID: runID,
		next:  last + 1,
		limit: limit,
		max:   c.store.cfg.MaxSegmentBytes,
	}

	moves, err := c.copyLive(ctx, inputs, inputs[0].ID() == set.oldest(), w, &res)
	if err == nil {
		err = w.finish(supersededIDs(c.store.dir, inputs))
	}
	if err == nil {
		err = w.publish()
	}
	if err != nil {
		w.abort()
		releaseAll(inputs)
		return res, err
	}

	for _, out := range w.parts {
		res.Outputs = append(res.Outputs, out.ID())
		res.BytesAfter += out.Size()
	}
	res.KeysMoved = c.store.publishCompaction(w.parts, inputs, moves)

	// Oldest first, so a crash part way never leaves a put without the
	// tombstone that followed it.
	releaseAll(inputs)
	var retireErrs []error
	for _, in := range inputs {
		<-in.retire()
		if in.closeErr != nil {
			retireErrs = append(retireErrs, in.closeErr)
		}
	}
	return res, errors.Join(retireErrs...)
}

// selectInputs picks the run's segments from sealed, which is oldest first.
// A minor run must leave a free id after its last segment for the output.
func (c *Compactor) selectInputs(kind CompactionKind, sealed []*Segment, set *segmentSet) []*Segment {
	if kind == CompactionMajor {
		var tombstones uint32
		var garbage int64
		for _, seg := range sealed {
			tombstones += seg.Metadata().Tombstones
			garbage += seg.Size() - seg.overhead() - c.store.index.Usage(seg.ID()).Bytes
		}
		if tombstones == 0 && garbage == 0 {
			return nil
		}
		return sealed
	}

	var best, cur []*Segment
	for _, seg := range sealed {
		if seg.Size() >= c.cfg.MinSegmentBytes {
			cur = nil
			continue
		}
		cur = append(cur, seg)
		if len(cur) > len(best) && hasIDRoom(set, seg.ID()) {
			best = cur
		}
	}
	if len(best) < 2 {
		return nil
	}
	return append([]*Segment(nil), best...)
}

// copyLive rewrites the records of inputs that the index still references
// and returns the moves that re-point the index at the copies.
func (c *Compactor) copyLive(ctx context.Context, inputs []*Segment, purge bool, w *compactionWriter, res *CompactionResult) ([]Operation, error) {
	index := c.store.index
	tombstoned := make(map[string]bool)
	var moves []Operation

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var copied, dropped uint64
		err := in.Scan(func(pos Position, payload []byte) error {
			e, err := decodeEntry(payload)
			if err != nil {
				return corruption(in.ID(), int64(pos.Offset), "%v", err)
			}

			var out entry
			switch e.kind {
			case kindPut:
				if cur, ok := index.Lookup(e.key); !ok || cur != pos {
					dropped++
					return nil
				}
				out = putEntry(e.key, e.value, 0)
			case kindTombstone:
				if purge {
					res.TombstonesPurged++
					return nil
				}
				if _, live := index.Lookup(e.key); live || tombstoned[string(e.key)] {
					dropped++
					return nil
				}
				tombstoned[string(e.key)] = true
				out = tombstoneEntry(e.key, 0)
			default:
				dropped++
				return nil
			}

			if err := c.throttle(ctx, out.frameSize()); err != nil {
				return err
			}
			npos, err := w.add(out)
			if err != nil {
				return err
			}
			if out.kind == kindPut {
				moves = append(moves, MoveOp(e.key, pos, npos))
			}
			copied++
			return nil
		})
		if err != nil {
			return nil, err
		}

		res.RecordsCopied += copied
		res.RecordsDropped += dropped
		c.progress(func(p *CompactionProgress) {
			p.SegmentsDone++
			p.RecordsCopied += copied
			p.RecordsDropped += dropped
			p.BytesWritten = w.written
		})
	}
	return moves, nil
}

func (c *Compactor) throttle(ctx context.Context, n int64) error {
	if c.limiter == nil {
		return nil
	}
	burst := int64(c.limiter.Burst())
	for n > 0 {
		step := min(n, burst)
		// Not WaitN: a deadline must surface as ctx.Err().
		r := c.limiter.ReserveN(time.Now(), int(step))
		if !r.OK() {
			return fmt.Errorf("throttle: cannot reserve %d bytes", step)
		}
		if d := r.Delay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				r.Cancel()
				return ctx.Err()
			case <-t.C:
			}
		}
		n -= step
	}
	return ctx.Err()
}

// compactionWriter writes a run's output parts under temporary names.
type compactionWriter struct {
	dir     string
	runID   string
	next    SegmentID
	limit   SegmentID
	max     int64
	parts   []*Segment
	written int64
}

func (w *compactionWriter) current() *Segment {
	if len(w.parts) == 0 {
		return nil
	}
	return w.parts[len(w.parts)-1]
}

func (w *compactionWriter) add(e entry) (Position, error) {
	cur := w.current()
	if cur == nil || (cur.Records() > 0 && cur.Size()+e.frameSize() > w.max) {
		if cur != nil {
			if _, err := cur.Seal(); err != nil {
				return Position{}, err
			}
		}
		var err error
		if cur, err = w.roll(); err != nil {
			return Position{}, err
		}
	}
	pos, err := cur.appendEntry(e, false)
	if err != nil {
		return Position{}, err
	}
	w.written += e.frameSize()
	return pos, nil
}

func (w *compactionWriter) roll() (*Segment, error) {
	id := w.next
	if id >= w.limit {
		return nil, fmt.Errorf("%w: next output %s reaches segment %s", ErrNoSegmentIDs, id, w.limit)
	}
	w.next++
	path := filepath.Join(w.dir, segmentFileName(id)+"."+w.runID+compactExt)
	seg, err := createSegmentAt(id, path)
	if err != nil {
		return nil, err
	}
	w.parts = append(w.parts, seg)
	return seg, nil
}

// finish records which segments the output replaces and seals the last part.
func (w *compactionWriter) finish(inputs []SegmentID) error {
	cur := w.current()
	if cur == nil {
		return nil
	}
	if _, err := cur.appendEntry(supersedeEntry(inputs), false); err != nil {
		return err
	}
	_, err := cur.Seal()
	return err
}

// publish gives every part its final name.
func (w *compactionWriter) publish() error {
	if len(w.parts) == 0 {
		return nil
	}
	for _, seg := range w.parts {
		if err := seg.rename(filepath.Join(w.dir, segmentFileName(seg.ID()))); err != nil {
			return err
		}
	}
	return syncDir(w.dir)
}

// abort deletes every part written so far.
func (w *compactionWriter) abort() {
	for _, seg := range w.parts {
		<-seg.retire()
	}
	w.parts = nil
}

func hasIDRoom(set *segmentSet, id SegmentID) bool {
	next, ok := set.after(id)
	if !ok {
		next = id.nextBase()
	}
	return next > id+1
}

// supersededIDs returns the ids an output of inputs replaces: the inputs
// themselves and any segment they superseded whose file is still on disk.
func supersededIDs(dir string, inputs []*Segment) []SegmentID {
	ids := make([]SegmentID, 0, len(inputs))
	for _, in := range inputs {
		ids = append(ids, in.ID())
	}
	for _, in := range inputs {
		for _, id := range in.Supersedes() {
			if _, err := os.Stat(filepath.Join(dir, segmentFileName(id))); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func releaseAll(segs []*Segment) {
	for _, seg := range segs {
		seg.release()
	}
}

// without returns the segments of all that are not in drop.
func without(all, drop []*Segment) []*Segment {
	skip := make(map[*Segment]bool, len(drop))
	for _, seg := range drop {
		skip[seg] = true
	}
	var out []*Segment
	for _, seg := range all {
		if !skip[seg] {
			out = append(out, seg)
		}
	}
	return out
}
