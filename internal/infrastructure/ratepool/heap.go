package ratepool

import (
	"container/heap"
	"context"
	"time"

	"github.com/markethub/relay/internal/relay"
)

// result is delivered to the blocked Submit caller.
type result struct {
	resp *Response
	err  error
}

// pending is one queued call waiting for dispatch.
type pending struct {
	ctx      context.Context
	call     *Call
	priority relay.Priority
	seq      uint64
	enqueued time.Time
	done     chan result
}

// pendingHeap orders by priority descending, then sequence ascending so
// equal-priority calls dispatch in arrival order.
type pendingHeap []*pending

var _ heap.Interface = (*pendingHeap)(nil)

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(*pending)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}
