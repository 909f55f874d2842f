package mux

import (
	"container/list"
	"time"

	"github.com/benbjohnson/clock"
)

// ParkedQueue holds connections whose assembled frame was refused with Busy.
// Parked connections are detached from the reactor and retried head to tail.
type ParkedQueue struct {
	registry *Registry
	clock    clock.Clock
	order    *list.List
	index    map[ConnID]*list.Element

	// onUnparkError receives connections that were accepted upstream but could
	// not be re-attached to the reactor. They belong to no collection afterwards.
	onUnparkError func(*Conn, error)
}

func NewParkedQueue(registry *Registry, clk clock.Clock, onUnparkError func(*Conn, error)) *ParkedQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &ParkedQueue{
		registry:      registry,
		clock:         clk,
		order:         list.New(),
		index:         make(map[ConnID]*list.Element),
		onUnparkError: onUnparkError,
	}
}

// Park removes c from the registry and appends it to the tail. The held frame
// stays in the connection buffer untouched.
func (q *ParkedQueue) Park(c *Conn) {
	q.registry.Remove(c)
	if _, ok := q.index[c.id]; ok {
		return
	}
	c.parkedAt = q.clock.Now()
	c.stats.Parks++
	q.index[c.id] = q.order.PushBack(c)
}

// Unpark removes c from any position, resets it for the next frame and
// re-attaches it to the registry.
func (q *ParkedQueue) Unpark(c *Conn) error {
	if !q.Remove(c) {
		return ErrConnNotFound
	}
	c.resetForNextFrame()
	return q.registry.Add(c)
}

// Remove drops c from the queue without touching the registry.
func (q *ParkedQueue) Remove(c *Conn) bool {
	e, ok := q.index[c.id]
	if !ok {
		return false
	}
	q.order.Remove(e)
	delete(q.index, c.id)
	c.parkedAt = time.Time{}
	return true
}

func (q *ParkedQueue) Contains(c *Conn) bool {
	e, ok := q.index[c.id]
	return ok && e.Value.(*Conn) == c
}

func (q *ParkedQueue) Get(id ConnID) (*Conn, bool) {
	e, ok := q.index[id]
	if !ok {
		return nil, false
	}
	return e.Value.(*Conn), true
}

func (q *ParkedQueue) IsEmpty() bool {
	return q.order.Len() == 0
}

func (q *ParkedQueue) Len() int {
	return q.order.Len()
}

// Snapshot returns the parked connections in parking order.
func (q *ParkedQueue) Snapshot() []*Conn {
	out := make([]*Conn, 0, q.order.Len())
	for e := q.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Conn))
	}
	return out
}

// RetryAll offers every held frame to dispatch in parking order. Accepted
// connections are unparked; Busy ones keep their place and the walk moves on.
// Connections removed while the walk is in progress are skipped. It reports
// whether anything is still parked afterwards.
func (q *ParkedQueue) RetryAll(dispatch func(*Conn) Result) bool {
	for _, c := range q.Snapshot() {
		if !q.Contains(c) {
			continue
		}
		if dispatch(c) != Accepted {
			continue
		}
		if !q.Contains(c) {
			continue
		}
		if err := q.Unpark(c); err != nil && q.onUnparkError != nil {
			q.onUnparkError(c, err)
		}
	}
	return !q.IsEmpty()
}

// Expired returns connections parked for at least maxDwell, oldest first.
func (q *ParkedQueue) Expired(maxDwell time.Duration) []*Conn {
	if maxDwell <= 0 {
		return nil
	}
	now := q.clock.Now()
	var out []*Conn
	for e := q.order.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Conn)
		if now.Sub(c.parkedAt) < maxDwell {
			break
		}
		out = append(out, c)
	}
	return out
}
