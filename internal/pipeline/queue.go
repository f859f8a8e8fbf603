// Package pipeline implements the bounded producer/consumer engine: a
// producer task that reads and encodes layers, a consumer task that is
// the sole owner of a Scanner, and the per-layer handshake with the
// machine controller that interleaves them.
package pipeline

import (
	"sync"

	lfq "code.hybscloud.com/lfq"

	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
)

// BlockQueue is the bounded FIFO queue between producer and consumer: a
// lock-free ring buffer
// for storage, wrapped in a condition variable so Push/Pop can block for
// back-pressure instead of spinning on ErrWouldBlock. Strict FIFO, no
// reordering, no work-stealing — exactly what the lock-free ring already
// guarantees; the wrapper only adds blocking semantics on top.
type BlockQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	ring *lfq.SPSC[geometry.CommandBlock]
}

// NewBlockQueue creates a queue of the given capacity (rounded up to the
// next power of two by the underlying ring).
func NewBlockQueue(capacity int) *BlockQueue {
	q := &BlockQueue{ring: lfq.NewSPSC[geometry.CommandBlock](capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Cap returns the queue's actual capacity.
func (q *BlockQueue) Cap() int {
	return q.ring.Cap()
}

// Push blocks until the block is enqueued or cancelled reports true. Only
// the producer task may call Push.
func (q *BlockQueue) Push(block geometry.CommandBlock, cancelled func() bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := q.ring.Enqueue(&block); err == nil {
			q.cond.Broadcast()
			return nil
		}
		if cancelled != nil && cancelled() {
			return errs.New("pipeline.BlockQueue.Push", errs.CodeCancelled, "stop requested while blocked on a full queue")
		}
		q.cond.Wait()
	}
}

// Pop blocks until a block is available or cancelled reports true. Only
// the consumer task may call Pop.
func (q *BlockQueue) Pop(cancelled func() bool) (geometry.CommandBlock, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		block, err := q.ring.Dequeue()
		if err == nil {
			q.cond.Broadcast()
			return block, nil
		}
		if cancelled != nil && cancelled() {
			return geometry.CommandBlock{}, errs.New("pipeline.BlockQueue.Pop", errs.CodeCancelled, "stop requested while blocked on an empty queue")
		}
		q.cond.Wait()
	}
}

// WakeAll rouses every goroutine parked in Push or Pop so it can re-check
// its cancellation predicate. Callers that flip stop_requested or
// emergency_stop must call this afterward.
func (q *BlockQueue) WakeAll() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}
