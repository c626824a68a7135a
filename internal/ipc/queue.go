package ipc

import (
	"sync"
	"time"

	"github.com/corekernel-os/corekernel/internal/kerr"
)

// Queue is a bounded FIFO of messages owned by one process, with
// blocked-sender/receiver counters so the waiting side can be woken
// in FIFO order. head/tail are unbounded counters indexed modulo
// Capacity; they never wrap independently, so head == tail always
// means empty.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	OwnerPID int
	Capacity int

	buf        []*Message
	head, tail int

	BlockedSenders, BlockedReceivers int
	closed                           bool
}

// NewQueue allocates a queue of the given capacity, owned by
// ownerPID.
func NewQueue(ownerPID, capacity int) *Queue {
	if capacity <= 0 {
		panic("bad queue capacity")
	}
	q := &Queue{OwnerPID: ownerPID, Capacity: capacity, buf: make([]*Message, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) fullLocked() bool  { return q.tail-q.head >= q.Capacity }
func (q *Queue) emptyLocked() bool { return q.head == q.tail }

// Len returns the number of messages currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tail - q.head
}

// Send enqueues msg, stamping its timestamp. With nonBlocking set, a
// full queue fails immediately with QueueFull; otherwise the caller
// blocks until room opens up or the queue is closed.
func (q *Queue) Send(msg *Message, nonBlocking bool) kerr.Err_t {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return kerr.ErrNoSuchQueue
	}
	for q.fullLocked() {
		if nonBlocking {
			return kerr.ErrQueueFull
		}
		q.BlockedSenders++
		q.notFull.Wait()
		q.BlockedSenders--
		if q.closed {
			return kerr.ErrNoSuchQueue
		}
	}
	msg.Timestamp = time.Now().UnixNano()
	q.buf[q.tail%q.Capacity] = msg
	q.tail++
	q.notEmpty.Signal()
	return kerr.SUCCESS
}

// Recv dequeues the head message. With nonBlocking set, an empty
// queue fails immediately with QueueEmpty; otherwise the caller blocks
// until a message arrives or the queue is closed.
func (q *Queue) Recv(nonBlocking bool) (*Message, kerr.Err_t) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.emptyLocked() {
		if q.closed {
			return nil, kerr.ErrNoSuchQueue
		}
		if nonBlocking {
			return nil, kerr.ErrQueueEmpty
		}
		q.BlockedReceivers++
		q.notEmpty.Wait()
		q.BlockedReceivers--
	}
	idx := q.head % q.Capacity
	msg := q.buf[idx]
	q.buf[idx] = nil
	q.head++
	q.notFull.Signal()
	return msg, kerr.SUCCESS
}

// Peek returns the head message without removing it, leaving the
// blocked-sender/receiver counters untouched.
func (q *Queue) Peek() (*Message, kerr.Err_t) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.emptyLocked() {
		return nil, kerr.ErrQueueEmpty
	}
	return q.buf[q.head%q.Capacity], kerr.SUCCESS
}

// TakeMatching scans the queue without blocking and removes the first
// message satisfying pred, preserving FIFO order for the remaining
// messages. Used by request/reply polling, which must inspect the
// mailbox for a specific reply without waiting on notEmpty.
func (q *Queue) TakeMatching(pred func(*Message) bool) (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.tail - q.head
	for i := 0; i < n; i++ {
		idx := (q.head + i) % q.Capacity
		if !pred(q.buf[idx]) {
			continue
		}
		msg := q.buf[idx]
		for j := i; j < n-1; j++ {
			a, b := (q.head+j)%q.Capacity, (q.head+j+1)%q.Capacity
			q.buf[a] = q.buf[b]
		}
		q.buf[(q.head+n-1)%q.Capacity] = nil
		q.tail--
		q.notFull.Signal()
		return msg, true
	}
	return nil, false
}

// Close wakes every blocked sender and receiver with ErrNoSuchQueue,
// for process-exit teardown of an owned queue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
