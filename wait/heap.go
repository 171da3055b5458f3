package wait

import (
	"time"

	"github.com/hupe1980/flowmesh/core"
)

type deadlineItem struct {
	key      core.WaitKey
	deadline time.Time
}

// deadlineHeap is a min-heap on deadline. Entries closed before their
// deadline stay in the heap and are skipped when popped.
type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].key.String() < h[j].key.String()
}

func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(deadlineItem)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
