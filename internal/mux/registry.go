package mux

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// Registry is the set of live connections attached to the reactor. Membership
// means the connection receives read readiness and broadcasts.
type Registry struct {
	reactor    Reactor
	onReadable func(*Conn)
	conns      map[ConnID]*Conn
	log        zerolog.Logger
}

func NewRegistry(reactor Reactor, onReadable func(*Conn), logger zerolog.Logger) *Registry {
	return &Registry{
		reactor:    reactor,
		onReadable: onReadable,
		conns:      make(map[ConnID]*Conn),
		log:        logger,
	}
}

// Add attaches c to the reactor and inserts it. Adding a member is a no-op.
func (r *Registry) Add(c *Conn) error {
	if _, ok := r.conns[c.id]; ok {
		return nil
	}
	if err := r.reactor.Register(c.stream, func() { r.onReadable(c) }); err != nil {
		return fmt.Errorf("mux: register conn %d: %w", c.id, err)
	}
	r.conns[c.id] = c
	return nil
}

// Remove detaches c from the reactor. Removing a non-member is a no-op.
func (r *Registry) Remove(c *Conn) {
	if _, ok := r.conns[c.id]; !ok {
		return
	}
	delete(r.conns, c.id)
	if err := r.reactor.Unregister(c.stream); err != nil {
		r.log.Debug().Uint64("conn_id", uint64(c.id)).Err(err).Msg("unregister failed")
	}
}

func (r *Registry) Contains(c *Conn) bool {
	got, ok := r.conns[c.id]
	return ok && got == c
}

func (r *Registry) Get(id ConnID) (*Conn, bool) {
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Len() int {
	return len(r.conns)
}

// Snapshot returns the members ordered by id, so a connection that leaves and
// rejoins keeps its position relative to the others.
func (r *Registry) Snapshot() []*Conn {
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Conn) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return out
}

// ForEach visits every member present when the walk starts. Members removed by
// fn, including the one being visited, are skipped rather than revisited.
func (r *Registry) ForEach(fn func(*Conn)) {
	for _, c := range r.Snapshot() {
		if !r.Contains(c) {
			continue
		}
		fn(c)
	}
}
