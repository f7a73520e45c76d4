package wlclient

import (
	"sync"

	"github.com/gowayland/wlrt/wire"
)

// firstClientID and serverIDStart bound the object ids a client is allowed
// to allocate: 2 (wl_display always owns 1) through serverIDStart-1. Ids at or above
// serverIDStart are assigned by the compositor and are never allocated,
// recycled, or reused by the client.
const (
	firstClientID  = wire.ObjectID(2)
	serverIDStart  = wire.ObjectID(0xFF000000)
)

// objectRegistry maps live object ids to their Proxy and allocates new
// client-side ids, recycling ones the compositor has released via
// delete_id. Recycling only ever returns ids below serverIDStart: a
// server-assigned id is never handed back to Allocate's caller.
type objectRegistry struct {
	mu      sync.Mutex
	objects map[wire.ObjectID]*Proxy
	next    wire.ObjectID
	free    []wire.ObjectID // LIFO reuse pile of released client ids
}

func newObjectRegistry() *objectRegistry {
	return &objectRegistry{
		objects: make(map[wire.ObjectID]*Proxy),
		next:    firstClientID,
	}
}

// Allocate reserves a client object id without yet associating it with a
// Proxy. The caller must either Insert a Proxy for it or Release it.
func (r *objectRegistry) Allocate() wire.ObjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocateLocked()
}

func (r *objectRegistry) allocateLocked() wire.ObjectID {
	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		return id
	}
	if r.next >= serverIDStart {
		panic("wlclient: client object id space exhausted")
	}
	id := r.next
	r.next++
	return id
}

// Insert associates id with p, making it visible to Lookup.
func (r *objectRegistry) Insert(p *Proxy) {
	r.mu.Lock()
	r.objects[p.oid] = p
	r.mu.Unlock()
}

// Release returns a reserved-but-unused id to the reuse pile. Server ids
// are never put on the pile; they are simply dropped.
func (r *objectRegistry) Release(id wire.ObjectID) {
	if id >= serverIDStart {
		return
	}
	r.mu.Lock()
	r.free = append(r.free, id)
	r.mu.Unlock()
}

// Lookup returns the Proxy for id, or nil if id is unknown (already
// destroyed, or never registered — e.g. a bogus id from the compositor).
func (r *objectRegistry) Lookup(id wire.ObjectID) *Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objects[id]
}

// Delete removes id from the registry and, if it was a client id, makes
// it available for reuse. This is called when the compositor sends
// wl_display.delete_id, the authoritative signal that an id is free. The
// proxy previously bound to id, if any, moves to DEAD: its oid is
// cleared so callers holding a stale reference observe ObjectID() == 0.
func (r *objectRegistry) Delete(id wire.ObjectID) *Proxy {
	r.mu.Lock()
	p := r.objects[id]
	delete(r.objects, id)
	r.mu.Unlock()

	if p != nil {
		p.clearOID()
	}
	if id < serverIDStart {
		r.mu.Lock()
		r.free = append(r.free, id)
		r.mu.Unlock()
	}
	return p
}
