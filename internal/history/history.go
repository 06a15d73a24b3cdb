// Package history keeps the recently produced snapshots of a single client so
// deltas can be computed against whichever tick the client acknowledged.
package history

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrTickNotIncreasing reports an Add whose tick does not follow the newest entry.
var ErrTickNotIncreasing = errors.New("history: tick not increasing")

// Entry is an immutable stored snapshot.
type Entry struct {
	Tick    int32
	TagTime time.Time
	Data    []byte
}

// Size returns the byte length of the stored snapshot.
func (e Entry) Size() int { return len(e.Data) }

// History is a tick-ordered store. It is not safe for concurrent use; the
// pipeline worker is its only user.
type History struct {
	entries []Entry
	head    int
}

// New returns an empty history with room for the expected retention window.
func New(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{entries: make([]Entry, 0, capacity)}
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	return len(h.entries) - h.head
}

// Add stores data for tick. Ticks must be strictly increasing; an existing tick
// is never replaced. The history takes ownership of data.
func (h *History) Add(tick int32, tagTime time.Time, data []byte) error {
	if h == nil {
		return errors.New("history: nil receiver")
	}
	if newest, ok := h.Newest(); ok && tick <= newest.Tick {
		return fmt.Errorf("%w: %d after %d", ErrTickNotIncreasing, tick, newest.Tick)
	}
	//1.- Compact the purged prefix once it dominates the backing array.
	if h.head > 0 && h.head >= len(h.entries)/2 && len(h.entries) == cap(h.entries) {
		h.compact()
	}
	h.entries = append(h.entries, Entry{Tick: tick, TagTime: tagTime, Data: data})
	return nil
}

// PurgeUntil drops every entry whose tick is older than tick.
func (h *History) PurgeUntil(tick int32) {
	if h == nil {
		return
	}
	live := h.entries[h.head:]
	n := sort.Search(len(live), func(i int) bool { return live[i].Tick >= tick })
	//1.- Release the snapshot bytes so purged entries do not pin memory.
	for i := 0; i < n; i++ {
		live[i] = Entry{}
	}
	h.head += n
	if h.head == len(h.entries) {
		h.entries = h.entries[:0]
		h.head = 0
	}
}

// PurgeAll drops every entry.
func (h *History) PurgeAll() {
	if h == nil {
		return
	}
	clear(h.entries)
	h.entries = h.entries[:0]
	h.head = 0
}

// Get returns the entry stored for exactly tick.
func (h *History) Get(tick int32) (Entry, bool) {
	if h == nil {
		return Entry{}, false
	}
	live := h.entries[h.head:]
	i := sort.Search(len(live), func(i int) bool { return live[i].Tick >= tick })
	if i < len(live) && live[i].Tick == tick {
		return live[i], true
	}
	return Entry{}, false
}

// Oldest returns the entry with the smallest tick.
func (h *History) Oldest() (Entry, bool) {
	if h.Len() == 0 {
		return Entry{}, false
	}
	return h.entries[h.head], true
}

// Newest returns the entry with the largest tick.
func (h *History) Newest() (Entry, bool) {
	if h.Len() == 0 {
		return Entry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Bytes returns the total size of the retained snapshots.
func (h *History) Bytes() int {
	if h == nil {
		return 0
	}
	total := 0
	for _, e := range h.entries[h.head:] {
		total += len(e.Data)
	}
	return total
}

func (h *History) compact() {
	n := copy(h.entries, h.entries[h.head:])
	clear(h.entries[n:])
	h.entries = h.entries[:n]
	h.head = 0
}
