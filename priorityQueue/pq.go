package priorityQueue

import (
	"net"
	"time"
)

// A ScheduledDatagram is a datagram held back until DeliverAt.
type ScheduledDatagram struct {
	DeliverAt time.Time
	Order     uint64 // The enqueue order, breaks ties between equal delivery times
	Index     int    // The index of the item in the heap
	Payload   []byte
	From      net.Addr
}

// A PriorityQueue implements heap.Interface and holds ScheduledDatagrams,
// earliest delivery first.
type PriorityQueue []*ScheduledDatagram

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].DeliverAt.Equal(pq[j].DeliverAt) {
		return pq[i].Order < pq[j].Order
	}
	return pq[i].DeliverAt.Before(pq[j].DeliverAt)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*ScheduledDatagram)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // don't stop the GC from reclaiming the item eventually
	item.Index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// Peek returns the next datagram due without removing it, or nil.
func (pq PriorityQueue) Peek() *ScheduledDatagram {
	if len(pq) == 0 {
		return nil
	}
	return pq[0]
}
