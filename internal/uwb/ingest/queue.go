package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/uwb-locator/internal/config"
	"github.com/banshee-data/uwb-locator/internal/uwb"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("ingest: queue closed")

// Queue is a bounded FIFO between the network reader and the engine worker.
// With the drop-oldest policy a full queue evicts its oldest report; with the
// block policy Submit waits for room or for ctx to end.
type Queue struct {
	ch      chan uwb.Report
	block   bool
	dropMu  sync.Mutex   // serializes drop-oldest producers
	closeMu sync.RWMutex // held for reading by senders, for writing by Close
	closed  bool
	done    chan struct{}
	once    sync.Once

	submitted atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue returns a queue holding up to size reports. policy is
// config.QueueDropOldest or config.QueueBlock; anything else drops oldest.
func NewQueue(size int, policy string) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		ch:    make(chan uwb.Report, size),
		block: policy == config.QueueBlock,
		done:  make(chan struct{}),
	}
}

// Submit enqueues r. It reports whether an older report was evicted.
func (q *Queue) Submit(ctx context.Context, r uwb.Report) (evicted bool, err error) {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return false, ErrQueueClosed
	}
	if q.block {
		select {
		case q.ch <- r:
			q.submitted.Add(1)
			return false, nil
		case <-q.done:
			return false, ErrQueueClosed
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	q.dropMu.Lock()
	defer q.dropMu.Unlock()
	for {
		select {
		case q.ch <- r:
			q.submitted.Add(1)
			return evicted, nil
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// Reports returns the receive side of the queue. It is closed by Close.
func (q *Queue) Reports() <-chan uwb.Report { return q.ch }

// Run hands each queued report to handle until ctx ends or the queue is
// closed and drained.
func (q *Queue) Run(ctx context.Context, handle func(context.Context, uwb.Report)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-q.ch:
			if !ok {
				return nil
			}
			handle(ctx, r)
		}
	}
}

// Close stops accepting reports. Reports already queued can still be drained.
func (q *Queue) Close() {
	q.once.Do(func() {
		// Wake blocked senders before waiting for them to release closeMu.
		close(q.done)
		q.closeMu.Lock()
		defer q.closeMu.Unlock()
		q.closed = true
		close(q.ch)
	})
}

// Len returns the number of reports waiting.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue bound.
func (q *Queue) Cap() int { return cap(q.ch) }

// Submitted returns the number of accepted reports.
func (q *Queue) Submitted() uint64 { return q.submitted.Load() }

// Dropped returns the number of reports evicted by the drop-oldest policy.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
