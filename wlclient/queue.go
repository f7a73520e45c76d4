package wlclient

import "sync"

// eventEntry is one pending item on a Queue: either a received event
// ready to decode and dispatch to its Proxy's handler, or a fatal failure marker
// (unknown target object, or a display-wide protocol error) that
// DispatchPending surfaces to the caller instead of silently dropping.
type eventEntry struct {
	proxy   *Proxy
	decode  func() error // decodes this entry's argument bytes and invokes the Proxy's handler
	failure error
}

// Queue is a FIFO of pending events, draining only — it never touches
// the socket itself. A Connection has one default queue plus, for any
// Proxy the caller explicitly moved, a dedicated queue; this lets a
// caller dispatch one object's events (e.g. a single surface's frame
// callbacks) without draining everything else pending on the
// connection, mirroring how the original client associates a queue with
// a proxy at creation time.
type Queue struct {
	mu      sync.Mutex
	entries []eventEntry
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) push(e eventEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
}

// Len reports the number of entries currently pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DispatchPending runs every handler currently queued, without touching
// the socket. It returns the first fatal failure encountered, after
// still draining (and discarding) whatever followed it in the queue —
// matching the display-wide convention that a fatal error ends the
// connection's usefulness, but never leaves the queue in a half-drained
// state for a caller that decides to keep going anyway.
func (q *Queue) DispatchPending() (int, error) {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	var first error
	count := 0
	for _, e := range pending {
		if e.failure != nil {
			if first == nil {
				first = e.failure
			}
			continue
		}
		if err := e.decode(); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		count++
	}
	return count, first
}
