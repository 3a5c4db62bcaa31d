package bus

import (
	"container/heap"
	"time"

	"github.com/kandev/agentsupervisor/internal/model"
)

// item is one entry in a recipient's offline priority queue (§3, §4.4).
type item struct {
	queued *model.QueuedMessage
	index  int
}

// priorityHeap implements heap.Interface ordered by priority then FIFO
// sequence, grounded on the teacher's orchestrator/queue task heap but keyed
// on model.Priority (lower numeric value sorts first) and the queued
// message's EnqueuedAt timestamp rather than task id.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	pi, pj := h[i].queued.Message.Priority, h[j].queued.Message.Priority
	if pi != pj {
		return pi < pj
	}
	return h[i].queued.EnqueuedAt.Before(h[j].queued.EnqueuedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.index = n
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// recipientQueue is one recipient's offline message queue (§3, §4.4).
// Mutations must be serialised since both the send path and the retry/TTL
// sweeps touch it concurrently (§5).
type recipientQueue struct {
	h priorityHeap
}

func newRecipientQueue() *recipientQueue {
	q := &recipientQueue{h: make(priorityHeap, 0)}
	heap.Init(&q.h)
	return q
}

func (q *recipientQueue) push(qm *model.QueuedMessage) {
	heap.Push(&q.h, &item{queued: qm})
}

func (q *recipientQueue) pop() *model.QueuedMessage {
	if len(q.h) == 0 {
		return nil
	}
	it := heap.Pop(&q.h).(*item)
	return it.queued
}

func (q *recipientQueue) len() int { return len(q.h) }

// removeExpired deletes and returns every queued message whose TTL has
// elapsed as of now (§4.4 TTL sweep).
func (q *recipientQueue) removeExpired(now time.Time) []*model.QueuedMessage {
	var expired []*model.QueuedMessage
	var kept priorityHeap
	for _, it := range q.h {
		if it.queued.Message.Expired(now) {
			expired = append(expired, it.queued)
			continue
		}
		kept = append(kept, it)
	}
	q.h = kept
	heap.Init(&q.h)
	return expired
}

// drain removes and returns every queued message in priority order. The
// Bus itself flushes a recipient one message at a time via pop (see
// Bus.drainActive), not through drain.
func (q *recipientQueue) drain() []*model.QueuedMessage {
	out := make([]*model.QueuedMessage, 0, len(q.h))
	for q.len() > 0 {
		out = append(out, q.pop())
	}
	return out
}
