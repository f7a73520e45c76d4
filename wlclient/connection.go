//go:build linux

package wlclient

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gowayland/wlrt/protocol"
	"github.com/gowayland/wlrt/wire"
)

// displayObjectID is the one object id every connection allocates
// implicitly: wl_display is always bound to it.
const displayObjectID = wire.ObjectID(1)

// Connection owns a transport, the object id registry, the protocol
// catalogue, and the default dispatch queue. It is the top-level type
// applications construct via Connect.
type Connection struct {
	transport *transport
	registry  *objectRegistry
	protocol  *protocol.Protocol
	log       zerolog.Logger

	defaultQueue *Queue

	mu      sync.Mutex
	display *Proxy
	closed  bool
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger attaches a zerolog.Logger for debug-level messages about the
// connection lifecycle and about dropped requests and events. Dispatch and
// protocol errors are returned to the caller, not logged. The default is a
// disabled logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Connection) { c.log = log }
}

// Connect dials the compositor socket named by $XDG_RUNTIME_DIR and
// $WAYLAND_DISPLAY (defaulting to "wayland-0"), exactly as a standard
// client locates its compositor.
func Connect(proto *protocol.Protocol, opts ...Option) (*Connection, error) {
	path, err := socketPath()
	if err != nil {
		return nil, err
	}
	return ConnectTo(path, proto, opts...)
}

// ConnectTo dials the compositor socket at the given path.
func ConnectTo(path string, proto *protocol.Protocol, opts ...Option) (*Connection, error) {
	c, err := newConnection(proto, opts...)
	if err != nil {
		return nil, err
	}

	t, err := dialTransport(path, c.log)
	if err != nil {
		return nil, err
	}
	if err := c.attach(t); err != nil {
		return nil, err
	}

	c.log.Debug().Str("socket", path).Msg("connected to compositor")
	return c, nil
}

// newConnection builds a Connection with no transport attached yet;
// used by ConnectTo and, in tests, by callers that already hold a
// connected socket file descriptor (e.g. from unix.Socketpair).
func newConnection(proto *protocol.Protocol, opts ...Option) (*Connection, error) {
	c := &Connection{
		registry:     newObjectRegistry(),
		protocol:     proto,
		defaultQueue: NewQueue(),
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// attach wires a transport into the connection and creates the wl_display
// proxy bound to object id 1.
func (c *Connection) attach(t *transport) error {
	c.transport = t

	displayIface, ok := c.protocol.Interface("wl_display")
	if !ok {
		_ = t.Close()
		return fmt.Errorf("wlclient: protocol catalogue has no wl_display interface")
	}
	c.display = c.newProxy(displayObjectID, displayIface, displayIface.Version, c.defaultQueue)
	c.display.SetSilence("delete_id", true)
	c.registry.Insert(c.display)
	return nil
}

func socketPath() (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("%w: XDG_RUNTIME_DIR not set", ErrNoWaylandSocket)
	}
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	return filepath.Join(runtimeDir, name), nil
}

// newProxy constructs a Proxy bound to this connection without touching
// the registry; callers insert it themselves (Request does so before the
// frame that creates it is encoded and queued).
func (c *Connection) newProxy(id wire.ObjectID, iface *protocol.Interface, version uint32, queue *Queue) *Proxy {
	if queue == nil {
		queue = c.defaultQueue
	}
	return &Proxy{conn: c, oid: id, iface: iface, version: version, queue: queue}
}

// Display returns the connection's wl_display proxy, always object id 1.
func (c *Connection) Display() *Proxy { return c.display }

// Protocol returns the catalogue this connection was built from.
func (c *Connection) Protocol() *protocol.Protocol { return c.protocol }

// Fd returns the socket descriptor, for external poll/select integration.
func (c *Connection) Fd() int { return c.transport.Fd() }

// Flush writes any requests queued by Proxy.Request that haven't reached
// the socket yet. It returns ErrWouldBlock if the socket's send buffer
// is still full afterward.
func (c *Connection) Flush() error {
	return c.transport.Flush()
}

// GetRegistry requests the global registry and returns a GlobalRegistry
// wrapping it, with "global"/"global_remove" handlers pre-wired.
func (c *Connection) GetRegistry() (*GlobalRegistry, error) {
	p, err := c.display.Request("get_registry", nil, "", 0)
	if err != nil {
		return nil, err
	}
	return newGlobalRegistry(p), nil
}

// recvAndQueue reads available frames from the socket and queues a
// dispatch entry for each, routing display events specially and
// everything else through the target Proxy's event table.
func (c *Connection) recvAndQueue() (int, error) {
	msgs, err := c.transport.Recv()
	for _, msg := range msgs {
		c.queueMessage(msg)
	}
	if err != nil {
		return len(msgs), err
	}
	return len(msgs), nil
}

func (c *Connection) queueMessage(msg wire.Message) {
	if msg.ObjectID == displayObjectID {
		c.queueDisplayEvent(msg)
		return
	}

	target := c.registry.Lookup(msg.ObjectID)
	if target == nil {
		c.defaultQueue.push(eventEntry{failure: &UnknownObjectError{ObjectID: msg.ObjectID, Opcode: msg.Opcode}})
		return
	}

	event := target.iface.EventByOpcode(msg.Opcode)
	if event == nil {
		c.defaultQueue.push(eventEntry{failure: fmt.Errorf("wlclient: %s has no event opcode %d", target.iface.Name, msg.Opcode)})
		return
	}

	q := target.Queue()
	if q == nil {
		q = c.defaultQueue
	}
	fdCount := countFDArgs(event)
	fds := c.transport.DrainFDs(fdCount)
	q.push(eventEntry{
		proxy: target,
		decode: func() error {
			dec := wire.NewDecoder(nil)
			dec.Reset(msg.Args, fds)
			return target.dispatch(event, dec)
		},
	})
}

func countFDArgs(event *protocol.Message) int {
	n := 0
	for _, a := range event.Args {
		if a.Kind == protocol.ArgFD {
			n++
		}
	}
	return n
}

// wl_display event opcodes, fixed by the core protocol and identical in
// every compositor.
const (
	displayEventError    = wire.Opcode(0)
	displayEventDeleteID = wire.Opcode(1)
)

func (c *Connection) queueDisplayEvent(msg wire.Message) {
	dec := wire.NewDecoder(msg.Args)
	switch msg.Opcode {
	case displayEventError:
		oid, err1 := dec.Object()
		code, err2 := dec.Uint32()
		message, err3 := dec.String()
		if err1 != nil || err2 != nil || err3 != nil {
			c.defaultQueue.push(eventEntry{failure: fmt.Errorf("wlclient: malformed display error event")})
			return
		}
		displayErr := &DisplayError{ObjectID: oid, Code: code, Message: message}
		// The offending object's own interface carries the error enum
		// (by convention named "error"), not wl_display's — e.g. a
		// wl_shm.error code is only meaningful against wl_shm's enum.
		if target := c.registry.Lookup(oid); target != nil {
			if errEnum, ok := target.iface.EnumsByName["error"]; ok {
				if name, ok := errEnum.NameOf(code); ok {
					displayErr.ErrorName = name
				}
			}
		}
		c.defaultQueue.push(eventEntry{failure: displayErr})
	case displayEventDeleteID:
		id, err := dec.Uint32()
		if err != nil {
			c.defaultQueue.push(eventEntry{failure: fmt.Errorf("wlclient: malformed delete_id event")})
			return
		}
		c.registry.Delete(wire.ObjectID(id))
	default:
		c.defaultQueue.push(eventEntry{failure: fmt.Errorf("wlclient: wl_display has no event opcode %d", msg.Opcode)})
	}
}

// DispatchPending runs every handler already queued on the default
// queue without touching the socket, matching the convention that
// dispatch_pending is a pure drain operation.
func (c *Connection) DispatchPending() (int, error) {
	return c.defaultQueue.DispatchPending()
}

// Dispatch flushes pending requests, blocks until the socket is
// readable, reads and queues whatever arrived, and drains the default
// queue. It is the one Connection method that can block.
func (c *Connection) Dispatch() error {
	if err := c.Flush(); err != nil && err != ErrWouldBlock {
		return err
	}

	if err := c.waitReadable(); err != nil {
		return err
	}
	if _, err := c.recvAndQueue(); err != nil {
		return err
	}
	_, err := c.defaultQueue.DispatchPending()
	return err
}

func (c *Connection) waitReadable() error {
	fds := []unix.PollFd{{Fd: int32(c.transport.Fd()), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("wlclient: poll: %w", err)
	}
}

// Roundtrip sends wl_display.sync and blocks until the compositor's
// corresponding wl_callback.done event has been dispatched, guaranteeing
// every request queued before the call has been processed.
func (c *Connection) Roundtrip() error {
	done := make(chan struct{})
	cb, err := c.display.Request("sync", nil, "", 0)
	if err != nil {
		return err
	}
	cb.OnEvent("done", func(args []interface{}) error {
		close(done)
		return nil
	})

	for {
		select {
		case <-done:
			return nil
		default:
		}
		if err := c.Dispatch(); err != nil {
			return err
		}
	}
}

// Disconnect closes the underlying socket. It does not send
// wl_display.delete_id-style cleanup requests; the compositor frees all
// of this client's objects when the connection drops.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.log.Debug().Msg("disconnecting")
	return c.transport.Close()
}
