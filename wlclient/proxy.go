package wlclient

import (
	"fmt"
	"sync"

	"github.com/gowayland/wlrt/protocol"
	"github.com/gowayland/wlrt/wire"
)

// EventHandler is called when an event arrives for the Proxy it was
// registered on. args is decoded per the event's argument kinds in
// protocol.Message: int32, uint32, wire.Fixed, string, []byte, int (fd),
// or *Proxy (object/new_id), in declaration order.
type EventHandler func(args []interface{}) error

// Proxy is the single, data-driven stand-in for every Wayland object.
// Unlike a hand-written per-interface struct, Proxy has no knowledge of
// any particular interface beyond the *protocol.Interface it was built
// from: Request marshals by name against the interface's request table,
// and incoming events are decoded by opcode and handed to whichever
// EventHandler was registered for that event name.
type Proxy struct {
	conn    *Connection
	oid     wire.ObjectID
	iface   *protocol.Interface
	version uint32
	queue   *Queue

	mu        sync.Mutex
	handlers  map[string]EventHandler
	silence   map[string]bool
	destroyed bool

	// userData is opaque storage for caller-defined per-object state,
	// mirroring the original implementation's proxy.user_data slot.
	userData interface{}
}

// ObjectID returns the proxy's wire object id, or 0 once the registry has
// processed the matching delete_id (the proxy is then DEAD: any further
// request fails with a deleted-proxy error).
func (p *Proxy) ObjectID() wire.ObjectID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.oid
}

// Interface returns the protocol interface this proxy was created from.
func (p *Proxy) Interface() *protocol.Interface { return p.iface }

// Version returns the bound/declared interface version.
func (p *Proxy) Version() uint32 { return p.version }

// SetUserData stores caller-defined state alongside the proxy.
func (p *Proxy) SetUserData(v interface{}) {
	p.mu.Lock()
	p.userData = v
	p.mu.Unlock()
}

// UserData returns whatever was last passed to SetUserData, or nil.
func (p *Proxy) UserData() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userData
}

// OnEvent registers handler for the named event. Registering again for
// the same name replaces the previous handler.
func (p *Proxy) OnEvent(name string, handler EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handlers == nil {
		p.handlers = make(map[string]EventHandler)
	}
	p.handlers[name] = handler
}

// SetSilence marks whether dropping an unhandled occurrence of the named
// event is worth a log line. delete_id is silenced by default on the
// display proxy; callers may silence any other noisy, expected event the
// same way.
func (p *Proxy) SetSilence(event string, silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silence == nil {
		p.silence = make(map[string]bool)
	}
	p.silence[event] = silent
}

func (p *Proxy) silenced(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.silence[event]
}

// Queue returns the event queue this proxy currently dispatches to.
func (p *Proxy) Queue() *Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue
}

// SetQueue retargets the proxy to q; events the compositor sends from
// this point on land in q instead of whichever queue the proxy used
// before. Queue membership may be changed at any time.
func (p *Proxy) SetQueue(q *Queue) {
	p.mu.Lock()
	p.queue = q
	p.mu.Unlock()
}

// Destroyed reports whether a destructor request has been issued on the
// proxy or its object id has been released by delete_id.
func (p *Proxy) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// markDestroyed moves the proxy into AWAIT_DELETE: destroyed = true, oid
// still set. Called when the caller issues a destructor request; events
// are silently dropped from here on, and a second destructor request is
// a silent no-op rather than a second frame on the wire.
func (p *Proxy) markDestroyed() {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
}

// clearOID moves the proxy into DEAD: oid = 0. Called by the registry
// once the compositor's delete_id names this object, the authoritative
// signal that the id may be reused.
func (p *Proxy) clearOID() {
	p.mu.Lock()
	p.destroyed = true
	p.oid = 0
	p.mu.Unlock()
}

// newIDArg pairs the interface (fixed or dynamic) and version of a new_id
// argument. Request does not use it: it resolves both inline and registers
// the resulting Proxy before the request is encoded and queued.
type newIDArg struct {
	iface   string
	version uint32
}

// Request marshals and sends a request by name. args supplies a value
// for every argument EXCEPT new_id ones — those are allocated and
// encoded automatically, so the new_id position is simply skipped when
// counting against args. dynamicIface/dynamicVersion are used only when the
// request's new_id argument has no fixed interface (e.g. wl_registry.bind);
// fixed-interface new_id arguments ignore them. Request returns the Proxy
// for a new_id argument the request declares, or nil if it creates
// nothing.
func (p *Proxy) Request(name string, args []interface{}, dynamicIface string, dynamicVersion uint32) (*Proxy, error) {
	p.mu.Lock()
	oid := p.oid
	destroyed := p.destroyed
	p.mu.Unlock()
	if oid == 0 {
		return nil, fmt.Errorf("wlclient: request %s on deleted object (oid 0)", name)
	}

	req := p.iface.RequestsByName[name]
	if req == nil {
		return nil, fmt.Errorf("wlclient: %s has no request %q", p.iface.Name, name)
	}

	if destroyed {
		p.conn.log.Debug().Str("interface", p.iface.Name).Str("request", name).Msg("request on destroyed proxy, dropped")
		return nil, nil
	}
	if req.Since > p.version {
		p.conn.log.Debug().Str("interface", p.iface.Name).Str("request", name).
			Uint32("since", req.Since).Uint32("version", p.version).Msg("request below proxy version, dropped")
		return nil, nil
	}

	enc := wire.NewEncoder(32)
	var created *Proxy

	wantArgs := 0
	for _, a := range req.Args {
		if a.Kind != protocol.ArgNewID {
			wantArgs++
		}
	}
	if len(args) != wantArgs {
		return nil, fmt.Errorf("wlclient: %s.%s expects %d args, got %d", p.iface.Name, name, wantArgs, len(args))
	}

	argIdx := 0
	for _, a := range req.Args {
		var v interface{}
		if a.Kind != protocol.ArgNewID {
			v = args[argIdx]
			argIdx++
		}
		switch a.Kind {
		case protocol.ArgInt:
			iv, ok := v.(int32)
			if !ok {
				return nil, fmt.Errorf("wlclient: %s.%s arg %s: want int32", p.iface.Name, name, a.Name)
			}
			enc.PutInt32(iv)
		case protocol.ArgUint:
			uv, ok := v.(uint32)
			if !ok {
				return nil, fmt.Errorf("wlclient: %s.%s arg %s: want uint32", p.iface.Name, name, a.Name)
			}
			enc.PutUint32(uv)
		case protocol.ArgFixed:
			fv, ok := v.(wire.Fixed)
			if !ok {
				return nil, fmt.Errorf("wlclient: %s.%s arg %s: want wire.Fixed", p.iface.Name, name, a.Name)
			}
			enc.PutFixed(fv)
		case protocol.ArgString:
			sv, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("wlclient: %s.%s arg %s: want string", p.iface.Name, name, a.Name)
			}
			enc.PutString(sv)
		case protocol.ArgObject:
			if v == nil {
				if !a.Nullable {
					return nil, fmt.Errorf("wlclient: %s.%s arg %s: nil not allowed", p.iface.Name, name, a.Name)
				}
				enc.PutObject(0)
				continue
			}
			target, ok := v.(*Proxy)
			if !ok {
				return nil, fmt.Errorf("wlclient: %s.%s arg %s: want *Proxy", p.iface.Name, name, a.Name)
			}
			enc.PutObject(target.oid)
		case protocol.ArgNewID:
			ifaceName := a.Interface
			version := p.version
			if ifaceName == "" {
				ifaceName = dynamicIface
				version = dynamicVersion
				if ifaceName == "" {
					return nil, fmt.Errorf("wlclient: %s.%s arg %s: dynamic new_id needs an interface name", p.iface.Name, name, a.Name)
				}
			}
			targetIface, ok := p.conn.protocol.Interface(ifaceName)
			if !ok {
				return nil, fmt.Errorf("wlclient: unknown interface %q for new_id", ifaceName)
			}
			id := p.conn.registry.Allocate()
			created = p.conn.newProxy(id, targetIface, version, p.Queue())
			// Inserted now, before the frame is queued: a server event
			// referencing this id (possible as soon as the compositor
			// observes the request) must find it already registered.
			p.conn.registry.Insert(created)
			if a.Interface == "" {
				enc.PutNewIDDynamic(ifaceName, version, id)
			} else {
				enc.PutNewID(id)
			}
		case protocol.ArgFD:
			fv, ok := v.(int)
			if !ok {
				return nil, fmt.Errorf("wlclient: %s.%s arg %s: want int (fd)", p.iface.Name, name, a.Name)
			}
			if err := enc.PutFD(fv); err != nil {
				return nil, fmt.Errorf("wlclient: %s.%s arg %s: %w", p.iface.Name, name, a.Name, err)
			}
		case protocol.ArgArray:
			av, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("wlclient: %s.%s arg %s: want []byte", p.iface.Name, name, a.Name)
			}
			enc.PutArray(av)
		}
	}

	data, err := wire.EncodeMessage(p.oid, req.Opcode, enc.Bytes())
	if err != nil {
		if created != nil {
			p.conn.registry.Delete(created.oid)
		}
		return nil, err
	}

	if err := p.conn.transport.Enqueue(data, enc.FDs()); err != nil {
		if created != nil {
			p.conn.registry.Delete(created.oid)
		}
		return nil, err
	}

	if req.IsDestructor {
		p.markDestroyed()
	}

	return created, nil
}

// dispatch decodes msg's arguments per the interface's event table and
// invokes the registered handler, if any. A destroyed proxy (AWAIT_DELETE
// or DEAD) drops every event without decoding it. Unregistered events on
// a live proxy are still decoded (so a new_id argument still registers its
// Proxy) and logged unless the event name is in the proxy's silence set.
// The event's fds were already claimed from the transport when it was
// queued, whether or not it is decoded here.
func (p *Proxy) dispatch(event *protocol.Message, dec *wire.Decoder) error {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return nil
	}

	args := make([]interface{}, len(event.Args))
	for i, a := range event.Args {
		switch a.Kind {
		case protocol.ArgInt:
			v, err := dec.Int32()
			if err != nil {
				return err
			}
			args[i] = v
		case protocol.ArgUint:
			v, err := dec.Uint32()
			if err != nil {
				return err
			}
			args[i] = v
		case protocol.ArgFixed:
			v, err := dec.Fixed()
			if err != nil {
				return err
			}
			args[i] = v
		case protocol.ArgString:
			v, err := dec.String()
			if err != nil {
				return err
			}
			args[i] = v
		case protocol.ArgObject:
			id, err := dec.Object()
			if err != nil {
				return err
			}
			if id == 0 {
				args[i] = nil
			} else {
				args[i] = p.conn.registry.Lookup(id)
			}
		case protocol.ArgNewID:
			id, err := dec.Object()
			if err != nil {
				return err
			}
			ifaceName := a.Interface
			if ifaceName == "" {
				// Server-announced new_id without a fixed interface never
				// appears in a shipped protocol's events; treat it as a
				// bare object id the caller resolves itself.
				args[i] = id
				continue
			}
			targetIface, ok := p.conn.protocol.Interface(ifaceName)
			if !ok {
				return fmt.Errorf("wlclient: unknown interface %q for incoming new_id", ifaceName)
			}
			np := p.conn.newProxy(id, targetIface, targetIface.Version, p.Queue())
			p.conn.registry.Insert(np)
			args[i] = np
		case protocol.ArgFD:
			v, err := dec.FD()
			if err != nil {
				return err
			}
			args[i] = v
		case protocol.ArgArray:
			v, err := dec.Array()
			if err != nil {
				return err
			}
			args[i] = v
		}
	}

	p.mu.Lock()
	handler := p.handlers[event.Name]
	silenced := p.silence[event.Name]
	p.mu.Unlock()
	if handler == nil {
		if !silenced {
			p.conn.log.Debug().Str("interface", p.iface.Name).Str("event", event.Name).Msg("event dropped, no handler")
		}
		return nil
	}
	return handler(args)
}
