package ingest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

var (
	// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrQueueClosed is returned when enqueueing after CloseAndDrain.
	ErrQueueClosed = errors.New("ingest queue closed")
)

// Item wraps an Event and owns a pooled ByteBuffer if one was used.
// Consumers MUST call Done() exactly once after processing the item to
// return pooled resources.
type Item struct {
	Event *Event

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done releases pooled resources back to their pools.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			// avoid retaining huge buffers in the pool
			if cap(it.buf.B) > maxPooledBuffer {
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Event != nil {
			it.Event.Payload = nil
			eventPool.Put(it.Event)
			it.Event = nil
		}
		itemPool.Put(it)
	})
}

var eventPool = sync.Pool{New: func() any { return &Event{} }}
var itemPool = sync.Pool{New: func() any { return &Item{} }}

// maxPooledBuffer controls the largest buffer returned to the pool.
// Larger buffers are dropped so GC can reclaim the array.
var maxPooledBuffer = 256 * 1024 // 256 KiB

// Queue is a bounded in-memory queue between the realtime transport and
// the reconciler. It is safe for concurrent producers; the reconciler is
// the single consumer.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
	closed   atomic.Bool
	enqSeq   uint64
}

// NewQueue creates a bounded Queue. Capacity must be > 0.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns the read-only consumer channel. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

// TryEnqueue copies ev (payload into a pooled buffer) and enqueues it
// without blocking. A full queue returns ErrQueueFull; the caller decides
// whether to drop or retry.
func (q *Queue) TryEnqueue(ev *Event) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	newEv := eventPool.Get().(*Event)
	*newEv = *ev
	newEv.EnqSeq = atomic.AddUint64(&q.enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(ev.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], ev.Payload...)
		newEv.Payload = bb.B[:len(ev.Payload)]
	}

	it := itemPool.Get().(*Item)
	*it = Item{Event: newEv, buf: bb}

	select {
	case q.ch <- it:
		return nil
	default:
		if bb != nil {
			bytebufferpool.Put(bb)
		}
		eventPool.Put(newEv)
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// RunWorker invokes handler for each dequeued event until stop is closed
// or the queue is drained. Item.Done() is guaranteed even when the handler
// returns an error.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Event) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				_ = handler(it.Event)
			}(it)
		case <-stop:
			return
		}
	}
}

// CloseAndDrain closes the queue and releases any undelivered items.
func (q *Queue) CloseAndDrain() {
	if q.closed.Swap(true) {
		return
	}
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the number of events rejected because the queue was full.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
