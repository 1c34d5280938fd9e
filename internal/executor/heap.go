package executor

import (
	"bytes"
	"container/heap"
	"time"

	"slotwork/internal/chain"
)

// dueHeap orders queued tasks by due time, task id as tiebreak so admission
// under contention is deterministic.
type dueItem struct {
	id    chain.Pubkey
	dueAt time.Time
	index int
}

type dueHeap []*dueItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if !h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].dueAt.Before(h[j].dueAt)
	}
	return bytes.Compare(h[i].id[:], h[j].id[:]) < 0
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	it := x.(*dueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue wraps dueHeap with a by-id handle so removals are O(log n).
type queue struct {
	heap  dueHeap
	items map[chain.Pubkey]*dueItem
}

func newQueue() *queue {
	return &queue{items: make(map[chain.Pubkey]*dueItem)}
}

func (q *queue) Len() int { return len(q.heap) }

func (q *queue) Contains(id chain.Pubkey) bool {
	_, ok := q.items[id]
	return ok
}

func (q *queue) Push(id chain.Pubkey, dueAt time.Time) {
	if it, ok := q.items[id]; ok {
		if !it.dueAt.Equal(dueAt) {
			it.dueAt = dueAt
			heap.Fix(&q.heap, it.index)
		}
		return
	}
	it := &dueItem{id: id, dueAt: dueAt}
	q.items[id] = it
	heap.Push(&q.heap, it)
}

func (q *queue) Pop() (chain.Pubkey, time.Time, bool) {
	if len(q.heap) == 0 {
		return chain.Pubkey{}, time.Time{}, false
	}
	it := heap.Pop(&q.heap).(*dueItem)
	delete(q.items, it.id)
	return it.id, it.dueAt, true
}

func (q *queue) Remove(id chain.Pubkey) {
	it, ok := q.items[id]
	if !ok {
		return
	}
	heap.Remove(&q.heap, it.index)
	delete(q.items, id)
}
