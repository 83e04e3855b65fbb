package storagecore

import (
	"container/heap"
	"sync"
)

// Transaction is the thin handle threaded through every mutating call
// (Insert, Expunge, Update, Put, Clear) and through Flush. It
// carries just enough state for this package's own bookkeeping — the
// schema/transaction-manager layer that owns the real transaction
// semantics is an external collaborator this package only calls back
// into via Cancelled().
type Transaction struct {
	id        uint64
	cancelled bool
}

// NewTransaction wraps an externally assigned transaction id.
func NewTransaction(id uint64) *Transaction {
	return &Transaction{id: id}
}

// Cancel marks this transaction cancelled. Every mutating operation on
// a Subfile checks this and returns ErrCancel, unwinding exactly like
// any other error.
func (t *Transaction) Cancel() { t.cancelled = true }

// Cancelled reports whether Cancel was called.
func (t *Transaction) Cancelled() bool { return t != nil && t.cancelled }

func (t *Transaction) version() uint64 {
	if t == nil {
		return 0
	}
	return t.id
}

// readerHandle is one entry in a Subfile's readerSet: the version
// snapshot a long-running reader pinned when it began.
type readerHandle struct {
	version uint64
	index   int
}

// readerHeap implements container/heap.Interface: a min-heap keyed
// on reader version so the free list can cheaply ask "what is the
// oldest snapshot any reader might still need?".
type readerHeap []*readerHandle

func (h readerHeap) Len() int { return len(h) }
func (h readerHeap) Less(i, j int) bool {
	return h[i].version < h[j].version
}
func (h readerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readerHeap) Push(x interface{}) {
	rh := x.(*readerHandle)
	rh.index = len(*h)
	*h = append(*h, rh)
}
func (h *readerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// readerSet tracks every open long-running reader against a Subfile so
// FreePage/the free list can avoid recycling a page an older snapshot
// can still see.
type readerSet struct {
	mu sync.Mutex
	h  readerHeap
}

func (rs *readerSet) begin(version uint64) *readerHandle {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rh := &readerHandle{version: version}
	heap.Push(&rs.h, rh)
	return rh
}

func (rs *readerSet) end(rh *readerHandle) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rh.index < 0 || rh.index >= len(rs.h) || rs.h[rh.index] != rh {
		return
	}
	heap.Remove(&rs.h, rh.index)
}

// min returns the oldest version any open reader still pins, or
// current if no readers are open.
func (rs *readerSet) min(current uint64) uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.h) == 0 {
		return current
	}
	return rs.h[0].version
}
