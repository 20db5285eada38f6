package store

import "container/heap"

// queueHeap implements container/heap.Interface over *QueueEntry. Ordering
// is priority (descending) with ties broken by queued-at (ascending), full
// stop — there is no aging term, so a low-priority entry can in principle
// wait behind a steady stream of higher-priority arrivals indefinitely.
type queueHeap []*QueueEntry

// queueLess reports whether a sorts before b under the (priority desc,
// queued-at asc) ordering rule.
func queueLess(a, b *QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

func (q queueHeap) Len() int            { return len(q) }
func (q queueHeap) Less(i, j int) bool  { return queueLess(q[i], q[j]) }
func (q queueHeap) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }

func (q *queueHeap) Push(x interface{}) {
	*q = append(*q, x.(*QueueEntry))
}

func (q *queueHeap) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*queueHeap)(nil)
