package observer

import (
	"github.com/zhangyunhao116/skipmap"
)

// timerHeap is the packet-clock timer queue: deadlines in packet-time
// nanoseconds mapped to the Flow IDs scheduled to expire then. It is
// backed by an ordered skip-list map rather than container/heap, so
// "pop every timer whose deadline has passed, in deadline order" is a
// bounded prefix Range over an already-sorted structure.
type timerHeap struct {
	m *skipmap.Int64Map[[]ID]
}

func newTimerHeap() *timerHeap {
	return &timerHeap{m: skipmap.NewInt64[[]ID]()}
}

// schedule adds a callback for fid at deadlineNanos. Multiple flows can
// share the same deadline (same expiry delay, packets arriving in the
// same tick), so each deadline key fans out to a slice of Flow IDs.
func (h *timerHeap) schedule(deadlineNanos int64, fid ID) {
	existing, loaded := h.m.LoadOrStore(deadlineNanos, []ID{fid})
	if loaded {
		h.m.Store(deadlineNanos, append(existing, fid))
	}
}

// popDue removes and returns, in non-decreasing deadline order, every
// Flow ID whose deadline is <= nowNanos.
func (h *timerHeap) popDue(nowNanos int64) []ID {
	var due []ID
	var dueKeys []int64

	h.m.Range(func(key int64, ids []ID) bool {
		if key > nowNanos {
			return false // skiplist Range is ascending; nothing later qualifies
		}
		due = append(due, ids...)
		dueKeys = append(dueKeys, key)
		return true
	})

	for _, k := range dueKeys {
		h.m.Delete(k)
	}
	return due
}

// Len reports how many distinct deadlines are scheduled.
func (h *timerHeap) Len() int {
	return h.m.Len()
}
