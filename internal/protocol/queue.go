package protocol

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Send after Close.
var ErrQueueClosed = errors.New("outbound queue closed")

// WriteFunc writes one message to the open connection.
type WriteFunc func(msg *Message) error

// OutboundQueue buffers messages sent before the connection opens.
// Open flushes the buffer in FIFO order exactly once; afterwards Send writes
// straight through. Writes happen under the queue lock, so ordering holds
// across the flush and the writer never sees concurrent calls.
type OutboundQueue struct {
	mu      sync.Mutex
	pending []*Message
	write   WriteFunc
	closed  bool
}

// NewOutboundQueue creates an empty queue in the not-yet-open state.
func NewOutboundQueue() *OutboundQueue {
	return &OutboundQueue{}
}

// Send writes msg if the queue is open, otherwise buffers it.
func (q *OutboundQueue) Send(msg *Message) error {
	if msg == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.write == nil {
		q.pending = append(q.pending, msg)
		return nil
	}
	return q.write(msg)
}

// Open installs the writer and flushes buffered messages in order.
// A second Open is ignored. If a buffered write fails, the failed message and
// everything after it stay buffered and the queue remains unopened.
func (q *OutboundQueue) Open(write WriteFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.write != nil {
		return nil
	}

	for i, msg := range q.pending {
		if err := write(msg); err != nil {
			q.pending = q.pending[i:]
			return err
		}
	}
	q.pending = nil
	q.write = write
	return nil
}

// IsOpen reports whether the queue has been flushed and writes go through.
func (q *OutboundQueue) IsOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.write != nil
}

// PendingCount returns the number of buffered messages.
func (q *OutboundQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close drops any buffered messages and rejects further sends.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
	q.write = nil
}
