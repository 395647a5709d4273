package scheduler

import (
	"container/heap"
	"encoding/binary"
	"hash/fnv"
)

/* Queue implementation required by the heap interface */

// opQueue orders operations by priority (descending), or by the fairness mix
// key (ascending) when mixing is enabled. Ties fall back to push order.
type opQueue struct {
	ops    []*PendingOperation
	mixing bool
}

func newOpQueue(mixing bool) *opQueue {
	q := &opQueue{
		ops:    make([]*PendingOperation, 0),
		mixing: mixing,
	}

	heap.Init(q)

	return q
}

func (q *opQueue) push(op *PendingOperation) {
	heap.Push(q, op)
}

func (q *opQueue) pop() *PendingOperation {
	if q.Len() == 0 {
		return nil
	}

	return heap.Pop(q).(*PendingOperation)
}

func (q *opQueue) Len() int {
	return len(q.ops)
}

func (q *opQueue) Swap(i, j int) {
	q.ops[i], q.ops[j] = q.ops[j], q.ops[i]
	q.ops[i].index = i
	q.ops[j].index = j
}

func (q *opQueue) Less(i, j int) bool {
	a, b := q.ops[i], q.ops[j]

	if q.mixing {
		// salted hash order, independent of priority, so high-volume senders
		// cannot starve or game the queue
		if a.mixKey != b.mixKey {
			return a.mixKey < b.mixKey
		}

		return a.seq < b.seq
	}

	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	return a.seq < b.seq
}

func (q *opQueue) Push(x interface{}) {
	op := x.(*PendingOperation)
	op.index = len(q.ops)
	q.ops = append(q.ops, op)
}

func (q *opQueue) Pop() interface{} {
	old := q.ops
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	q.ops = old[0 : n-1]

	return op
}

// mixKey derives the fairness ordering key from the message id and the
// configured salt. Deterministic: same id and salt always hash the same.
func mixKey(messageID string, salt uint64) uint64 {
	saltBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(saltBytes, salt)

	h := fnv.New64a()
	h.Write([]byte(messageID))
	h.Write(saltBytes)

	return h.Sum64()
}
