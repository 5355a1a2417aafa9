package storage

import "sort"

// segmentSet is an immutable snapshot of the segments a store serves from.
// Writers build a modified copy and swap it in; readers load it without locks.
type segmentSet struct {
	ids  []SegmentID // ascending
	byID map[SegmentID]*Segment
}

func newSegmentSet(segs []*Segment) *segmentSet {
	ss := &segmentSet{
		ids:  make([]SegmentID, 0, len(segs)),
		byID: make(map[SegmentID]*Segment, len(segs)),
	}
	for _, seg := range segs {
		ss.ids = append(ss.ids, seg.ID())
		ss.byID[seg.ID()] = seg
	}
	sort.Slice(ss.ids, func(i, j int) bool { return ss.ids[i] < ss.ids[j] })
	return ss
}

func (ss *segmentSet) get(id SegmentID) *Segment { return ss.byID[id] }

func (ss *segmentSet) len() int { return len(ss.ids) }

// list returns the segments oldest first.
func (ss *segmentSet) list() []*Segment {
	out := make([]*Segment, len(ss.ids))
	for i, id := range ss.ids {
		out[i] = ss.byID[id]
	}
	return out
}

func (ss *segmentSet) with(add ...*Segment) *segmentSet {
	return newSegmentSet(append(ss.list(), add...))
}

func (ss *segmentSet) without(remove []*Segment) *segmentSet {
	drop := make(map[SegmentID]bool, len(remove))
	for _, seg := range remove {
		drop[seg.ID()] = true
	}
	keep := make([]*Segment, 0, len(ss.ids))
	for _, id := range ss.ids {
		if !drop[id] {
			keep = append(keep, ss.byID[id])
		}
	}
	return newSegmentSet(keep)
}

// oldest returns the lowest id, or 0 for an empty set.
func (ss *segmentSet) oldest() SegmentID {
	if len(ss.ids) == 0 {
		return 0
	}
	return ss.ids[0]
}

// after returns the first id greater than id.
func (ss *segmentSet) after(id SegmentID) (SegmentID, bool) {
	i := sort.Search(len(ss.ids), func(i int) bool { return ss.ids[i] > id })
	if i == len(ss.ids) {
		return 0, false
	}
	return ss.ids[i], true
}
