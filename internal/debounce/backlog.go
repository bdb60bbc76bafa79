package debounce

import (
	"container/heap"
	"time"
)

// BacklogEntry is a release that has been withheld.
type BacklogEntry struct {
	Key KeyID
	// ReleaseAt is when the release is trusted and flushed: the matching
	// press time plus the threshold.
	ReleaseAt time.Time
	// ReleasedAt is the timestamp of the withheld release itself.
	ReleasedAt time.Time
	// Window is the threshold in force when the release was withheld.
	Window time.Duration

	seq   uint64
	index int
}

// Backlog holds withheld releases ordered by ReleaseAt. Ordering does not
// depend on insertion order, so out-of-order timestamps and threshold
// changes keep the earliest deadline at the front.
type Backlog struct {
	h     entryHeap
	byKey map[KeyID]*BacklogEntry
	seq   uint64
}

// NewBacklog returns an empty backlog.
func NewBacklog() *Backlog {
	return &Backlog{byKey: make(map[KeyID]*BacklogEntry)}
}

// Push adds e. The caller guarantees no entry for e.Key exists.
func (b *Backlog) Push(e BacklogEntry) {
	b.seq++
	entry := e
	entry.seq = b.seq
	heap.Push(&b.h, &entry)
	b.byKey[e.Key] = &entry
}

// RemoveByKey removes and returns the entry for key, if any.
func (b *Backlog) RemoveByKey(key KeyID) (BacklogEntry, bool) {
	entry, ok := b.byKey[key]
	if !ok {
		return BacklogEntry{}, false
	}
	heap.Remove(&b.h, entry.index)
	delete(b.byKey, key)
	return *entry, true
}

// Contains reports whether key has a withheld release.
func (b *Backlog) Contains(key KeyID) bool {
	_, ok := b.byKey[key]
	return ok
}

// PeekEarliest returns the entry with the smallest ReleaseAt.
func (b *Backlog) PeekEarliest() (BacklogEntry, bool) {
	if len(b.h) == 0 {
		return BacklogEntry{}, false
	}
	return *b.h[0], true
}

// PopEarliest removes and returns the entry with the smallest ReleaseAt.
// It panics on an empty backlog.
func (b *Backlog) PopEarliest() BacklogEntry {
	if len(b.h) == 0 {
		panic("debounce: PopEarliest on empty backlog")
	}
	entry := heap.Pop(&b.h).(*BacklogEntry)
	delete(b.byKey, entry.Key)
	return *entry
}

// Len returns the number of withheld releases.
func (b *Backlog) Len() int {
	return len(b.h)
}

// Drain removes every entry, earliest first.
func (b *Backlog) Drain() []BacklogEntry {
	out := make([]BacklogEntry, 0, len(b.h))
	for len(b.h) > 0 {
		out = append(out, b.PopEarliest())
	}
	return out
}

type entryHeap []*BacklogEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].ReleaseAt.Equal(h[j].ReleaseAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].ReleaseAt.Before(h[j].ReleaseAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*BacklogEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
