package engine

import "container/heap"

// activityEntry is one candidate eviction record: session id with the
// last_active_us stamp it had when pushed. Entries go stale when a
// session's activity is bumped again; the stale copy is discarded
// lazily when popped, rather than updated in place.
type activityEntry struct {
	us int64
	id token
}

type activityHeap []activityEntry

func (h activityHeap) Len() int            { return len(h) }
func (h activityHeap) Less(i, j int) bool  { return h[i].us < h[j].us }
func (h activityHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *activityHeap) Push(x interface{}) { *h = append(*h, x.(activityEntry)) }
func (h *activityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// lruIndex is the ordered last_active_us index used for UDP session
// eviction: each activity stamp maps to exactly one session id, though a
// session may still have stale entries from earlier bumps alongside its
// current one. It is a lazily-cleaned min-heap, so eviction costs
// O(k log n) for k popped entries (evicted or stale) instead of a linear
// scan every tick.
type lruIndex struct {
	h activityHeap
}

func (l *lruIndex) push(us int64, id token) {
	heap.Push(&l.h, activityEntry{us: us, id: id})
}

// evictOlderThan calls evict for every session whose most recently
// pushed activity stamp is older than threshold and still current
// (verified via isCurrent, since stale heap entries are never removed
// eagerly on bump).
func (l *lruIndex) evictOlderThan(threshold int64, isCurrent func(token, int64) bool, evict func(token)) {
	for l.h.Len() > 0 {
		top := l.h[0]
		if top.us >= threshold {
			return
		}
		heap.Pop(&l.h)
		if !isCurrent(top.id, top.us) {
			continue
		}
		evict(top.id)
	}
}
