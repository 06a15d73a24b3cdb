// Package tagring maps recently processed ticks to the time they were processed.
//
// A Ring has exactly one writer. Readers on any goroutine scan it without locks:
// every slot carries a sequence counter that is odd while the writer is
// mutating the slot and even once the (tick, time) pair is stable, so a reader
// that sees the counter change or sees it odd discards what it read.
package tagring

import "sync/atomic"

// DefaultCapacity is the number of ticks remembered per client.
const DefaultCapacity = 256

type slot struct {
	seq     atomic.Uint32
	tick    atomic.Int32
	tagTime atomic.Int64
}

// Ring is a fixed-capacity single-writer, multi-reader tick→time map.
type Ring struct {
	slots []slot
	next  atomic.Uint64

	// midWrite runs between the two field stores of Push; tests use it to
	// observe a half-written slot.
	midWrite func()
}

// New allocates a ring. A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{slots: make([]slot, capacity)}
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() int {
	if r == nil {
		return 0
	}
	return len(r.slots)
}

// Push records that tick was processed at tagTime (unix nanoseconds),
// overwriting the oldest slot. Only one goroutine may call Push.
func (r *Ring) Push(tick int32, tagTime int64) {
	if r == nil || len(r.slots) == 0 {
		return
	}
	next := r.next.Load()
	s := &r.slots[next%uint64(len(r.slots))]

	//1.- Mark the slot unstable before touching the payload.
	seq := s.seq.Load()
	s.seq.Store(seq + 1)
	s.tick.Store(tick)
	if r.midWrite != nil {
		r.midWrite()
	}
	s.tagTime.Store(tagTime)
	//2.- Publish the pair; the counter is even again and strictly larger.
	s.seq.Store(seq + 2)

	r.next.Store(next + 1)
}

// TryGet returns the time recorded for tick. Absence is a normal outcome: the
// tick may never have been pushed, may have been overwritten, or may be in the
// middle of being written. TryGet never blocks and never allocates.
func (r *Ring) TryGet(tick int32) (int64, bool) {
	if r == nil || len(r.slots) == 0 {
		return 0, false
	}
	n := uint64(len(r.slots))
	newest := r.next.Load() % n
	//1.- Scan from the newest slot backwards so repeated ticks resolve to the latest push.
	for i := uint64(1); i <= n; i++ {
		s := &r.slots[(newest+n-i)%n]
		before := s.seq.Load()
		if before == 0 || before&1 == 1 {
			continue
		}
		if s.tick.Load() != tick {
			continue
		}
		tagTime := s.tagTime.Load()
		if s.seq.Load() != before {
			continue
		}
		return tagTime, true
	}
	return 0, false
}

// Len returns how many slots hold a pushed tick.
func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	written := r.next.Load()
	if written > uint64(len(r.slots)) {
		return len(r.slots)
	}
	return int(written)
}
