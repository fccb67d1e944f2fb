package event

import (
	"github.com/emirpasic/gods/trees/binaryheap"
)

// Queue pops events by time, falling back to insertion order on ties.
type Queue struct {
	heap *binaryheap.Heap
	seq  uint64
}

func NewQueue() *Queue {
	return &Queue{heap: binaryheap.NewWith(byTimeThenSeq)}
}

func byTimeThenSeq(a, b interface{}) int {
	ea, eb := a.(Event), b.(Event)
	switch {
	case ea.Time < eb.Time:
		return -1
	case ea.Time > eb.Time:
		return 1
	case ea.seq < eb.seq:
		return -1
	case ea.seq > eb.seq:
		return 1
	}
	return 0
}

func (q *Queue) Push(e Event) {
	q.seq++
	e.seq = q.seq
	q.heap.Push(e)
}

// Pop reports false when the queue is empty.
func (q *Queue) Pop() (Event, bool) {
	v, ok := q.heap.Pop()
	if !ok {
		return Event{}, false
	}
	return v.(Event), true
}

func (q *Queue) Peek() (Event, bool) {
	v, ok := q.heap.Peek()
	if !ok {
		return Event{}, false
	}
	return v.(Event), true
}

func (q *Queue) Len() int {
	return q.heap.Size()
}

func (q *Queue) IsEmpty() bool {
	return q.heap.Empty()
}
