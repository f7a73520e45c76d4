//go:build linux

package wlclient

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gowayland/wlrt/protocol"
	"github.com/gowayland/wlrt/wire"
)

const stubXML = `<?xml version="1.0" encoding="UTF-8"?>
<protocol name="stub">
  <interface name="wl_display" version="1">
    <request name="sync"><arg name="callback" type="new_id" interface="wl_callback"/></request>
    <request name="get_registry"><arg name="registry" type="new_id" interface="wl_registry"/></request>
    <event name="error">
      <arg name="object_id" type="object"/>
      <arg name="code" type="uint"/>
      <arg name="message" type="string"/>
    </event>
    <event name="delete_id"><arg name="id" type="uint"/></event>
  </interface>
  <interface name="wl_registry" version="1">
    <request name="bind"><arg name="name" type="uint"/><arg name="id" type="new_id"/></request>
    <event name="global">
      <arg name="name" type="uint"/>
      <arg name="interface" type="string"/>
      <arg name="version" type="uint"/>
    </event>
    <event name="global_remove"><arg name="name" type="uint"/></event>
  </interface>
  <interface name="wl_callback" version="1">
    <event name="done"><arg name="callback_data" type="uint"/></event>
  </interface>
  <interface name="wl_compositor" version="1">
    <request name="create_surface"><arg name="id" type="new_id" interface="wl_surface"/></request>
  </interface>
  <interface name="wl_surface" version="1">
    <request name="destroy" type="destructor"/>
  </interface>
</protocol>`

func stubProtocol(t *testing.T) *protocol.Protocol {
	t.Helper()
	p, err := protocol.Load(strings.NewReader(stubXML), nil)
	if err != nil {
		t.Fatalf("load stub protocol: %v", err)
	}
	return p
}

// pairedConnection returns a Connection wired to one end of a unix
// socketpair, and the raw fd of the other end for a test to act as the
// compositor: decoding requests and writing events directly.
func pairedConnection(t *testing.T) (*Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}

	proto := stubProtocol(t)
	conn, err := newConnection(proto)
	if err != nil {
		t.Fatalf("newConnection: %v", err)
	}
	file := os.NewFile(uintptr(fds[0]), "client")
	if err := conn.attach(newTransport(file, conn.log)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	t.Cleanup(func() { _ = conn.Disconnect() })
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	return conn, fds[1]
}

// readRequest blocks until a full wire message is available on the
// compositor fd and returns its header and argument bytes. It is called
// from the stub-compositor goroutine, so it reports failures through a
// returned error rather than *testing.T (whose Fatal family may only be
// called from the goroutine running the test).
func readRequest(fd int) (oid wire.ObjectID, opcode wire.Opcode, args []byte, err error) {
	hdr := make([]byte, wire.HeaderSize)
	if err := readFull(fd, hdr); err != nil {
		return 0, 0, nil, err
	}
	o, op, size, err := wire.DecodeHeader(hdr)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("decode header: %w", err)
	}
	body := make([]byte, size-wire.HeaderSize)
	if len(body) > 0 {
		if err := readFull(fd, body); err != nil {
			return 0, 0, nil, err
		}
	}
	return o, op, body, nil
}

func readFull(fd int, buf []byte) error {
	got := 0
	deadline := time.Now().Add(5 * time.Second)
	for got < len(buf) {
		n, err := unix.Read(fd, buf[got:])
		if err != nil {
			if err == unix.EAGAIN {
				if time.Now().After(deadline) {
					return fmt.Errorf("timed out reading from compositor fd")
				}
				time.Sleep(time.Millisecond)
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		got += n
	}
	return nil
}

func writeEvent(fd int, oid wire.ObjectID, opcode wire.Opcode, args []byte) error {
	data, err := wire.EncodeMessage(oid, opcode, args)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = unix.Write(fd, data)
	return err
}

func TestRoundtripHandshake(t *testing.T) {
	conn, serverFd := pairedConnection(t)
	errc := make(chan error, 1)

	go func() {
		_, opcode, args, err := readRequest(serverFd)
		if err != nil {
			errc <- err
			return
		}
		if opcode != 0 { // sync
			errc <- fmt.Errorf("expected sync (opcode 0), got %d", opcode)
			return
		}
		callbackID := wire.ObjectID(binary.LittleEndian.Uint32(args[0:4]))
		var data [4]byte
		binary.LittleEndian.PutUint32(data[:], 42)
		errc <- writeEvent(serverFd, callbackID, 0, data[:]) // wl_callback.done
	}()

	if err := conn.Roundtrip(); err != nil {
		t.Fatalf("Roundtrip: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("stub compositor: %v", err)
	}
}

func TestRegistryGlobalDiscovery(t *testing.T) {
	conn, serverFd := pairedConnection(t)
	errc := make(chan error, 1)

	go func() {
		_, _, args, err := readRequest(serverFd) // get_registry
		if err != nil {
			errc <- err
			return
		}
		registryID := wire.ObjectID(binary.LittleEndian.Uint32(args[0:4]))

		enc := wire.NewEncoder(32)
		enc.PutUint32(1)
		enc.PutString("wl_compositor")
		enc.PutUint32(4)
		if err := writeEvent(serverFd, registryID, 0, enc.Bytes()); err != nil { // global
			errc <- err
			return
		}

		_, opcode, syncArgs, err := readRequest(serverFd) // sync
		if err != nil {
			errc <- err
			return
		}
		if opcode != 0 {
			errc <- fmt.Errorf("expected sync (opcode 0), got %d", opcode)
			return
		}
		callbackID := wire.ObjectID(binary.LittleEndian.Uint32(syncArgs[0:4]))
		var data [4]byte
		errc <- writeEvent(serverFd, callbackID, 0, data[:])
	}()

	registry, err := conn.GetRegistry()
	if err != nil {
		t.Fatalf("GetRegistry: %v", err)
	}
	if err := conn.Roundtrip(); err != nil {
		t.Fatalf("Roundtrip: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("stub compositor: %v", err)
	}

	globals := registry.List()
	if len(globals) != 1 || globals[0].Interface != "wl_compositor" || globals[0].Version != 4 {
		t.Fatalf("got %+v, want one wl_compositor v4 global", globals)
	}
}

func TestRegistryBindAllocatesProxy(t *testing.T) {
	conn, serverFd := pairedConnection(t)
	errc := make(chan error, 1)

	go func() {
		_, _, args, err := readRequest(serverFd) // get_registry
		if err != nil {
			errc <- err
			return
		}
		registryID := wire.ObjectID(binary.LittleEndian.Uint32(args[0:4]))

		enc := wire.NewEncoder(32)
		enc.PutUint32(7)
		enc.PutString("wl_compositor")
		enc.PutUint32(1)
		if err := writeEvent(serverFd, registryID, 0, enc.Bytes()); err != nil {
			errc <- err
			return
		}

		_, opcode, syncArgs, err := readRequest(serverFd)
		if err != nil {
			errc <- err
			return
		}
		if opcode != 0 {
			errc <- fmt.Errorf("expected sync, got opcode %d", opcode)
			return
		}
		callbackID := wire.ObjectID(binary.LittleEndian.Uint32(syncArgs[0:4]))
		var data [4]byte
		if err := writeEvent(serverFd, callbackID, 0, data[:]); err != nil {
			errc <- err
			return
		}

		_, _, bindArgs, err := readRequest(serverFd) // bind
		if err != nil {
			errc <- err
			return
		}
		name := binary.LittleEndian.Uint32(bindArgs[0:4])
		if name != 7 {
			errc <- fmt.Errorf("bind name = %d, want 7", name)
			return
		}
		errc <- nil
	}()

	registry, err := conn.GetRegistry()
	if err != nil {
		t.Fatalf("GetRegistry: %v", err)
	}
	if err := conn.Roundtrip(); err != nil {
		t.Fatalf("Roundtrip: %v", err)
	}

	compositor, err := registry.Bind("wl_compositor", 1)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if compositor.Interface().Name != "wl_compositor" {
		t.Fatalf("bound proxy interface = %s, want wl_compositor", compositor.Interface().Name)
	}
	if err := conn.Flush(); err != nil && err != ErrWouldBlock {
		t.Fatalf("Flush: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("stub compositor: %v", err)
	}
}

func TestDisplayErrorIsFatal(t *testing.T) {
	conn, serverFd := pairedConnection(t)
	errc := make(chan error, 1)

	go func() {
		enc := wire.NewEncoder(32)
		enc.PutObject(1)
		enc.PutUint32(3)
		enc.PutString("implementation error")
		errc <- writeEvent(serverFd, 1, 0, enc.Bytes()) // wl_display.error
	}()

	err := conn.Dispatch()
	if err == nil {
		t.Fatal("expected a DisplayError, got nil")
	}
	de, ok := err.(*DisplayError)
	if !ok {
		t.Fatalf("got %T, want *DisplayError", err)
	}
	if de.Code != 3 || de.Message != "implementation error" {
		t.Fatalf("got %+v", de)
	}
	if err := <-errc; err != nil {
		t.Fatalf("stub compositor: %v", err)
	}
}

func TestObjectRegistryReusesReleasedIDs(t *testing.T) {
	conn, serverFd := pairedConnection(t)
	errc := make(chan error, 1)

	go func() {
		_, _, _, err := readRequest(serverFd) // get_registry
		if err != nil {
			errc <- err
			return
		}

		_, opcode, syncArgs, err := readRequest(serverFd)
		if err != nil {
			errc <- err
			return
		}
		if opcode != 0 {
			errc <- fmt.Errorf("expected sync, got opcode %d", opcode)
			return
		}
		callbackID := wire.ObjectID(binary.LittleEndian.Uint32(syncArgs[0:4]))
		var data [4]byte
		errc <- writeEvent(serverFd, callbackID, 0, data[:])
	}()

	if _, err := conn.GetRegistry(); err != nil {
		t.Fatalf("GetRegistry: %v", err)
	}
	if err := conn.Roundtrip(); err != nil {
		t.Fatalf("Roundtrip: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("stub compositor: %v", err)
	}

	surfaceID := conn.registry.Allocate()
	conn.registry.Release(surfaceID)
	reused := conn.registry.Allocate()
	if reused != surfaceID {
		t.Fatalf("expected id reuse: got %d, want %d", reused, surfaceID)
	}
}
