//go:build linux

package wlclient

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gowayland/wlrt/wire"
)

// ErrWouldBlock is returned by Flush when the socket's send buffer is
// full; the caller should retry once the fd is writable again.
var ErrWouldBlock = errors.New("wlclient: send would block")

// outgoing is one queued, already-encoded message plus the fds that
// travel with it via SCM_RIGHTS. Wayland never splits a message's fds
// from its bytes, so a partial write only ever trims the unwritten
// remainder; fds travel with the write that carries the frame's first byte.
type outgoing struct {
	data []byte
	fds  []int
}

// transport owns the unix socket and implements the non-blocking framing
// the teacher's Display skipped: a send queue that survives EAGAIN by
// requeuing the unwritten remainder, and a receive-side reassembly
// buffer that carries a partial frame across multiple Recv calls instead
// of assuming one message arrives in one recvmsg.
type transport struct {
	file *os.File
	fd   int
	log  zerolog.Logger

	mu      sync.Mutex
	queue   []outgoing
	partial []byte // unwritten remainder of queue[0].data, nil if none
	closed  bool

	recvBuf []byte // raw bytes read but not yet split into frames
	recvFDs []int  // fds read but not yet claimed by a decoded frame
}

// newTransport wraps an already-connected socket file descriptor. file
// is used as is, not duplicated: the transport takes ownership of it and
// Close closes it.
func newTransport(file *os.File, log zerolog.Logger) *transport {
	return &transport{file: file, fd: int(file.Fd()), log: log}
}

func dialTransport(socketPath string, log zerolog.Logger) (*transport, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("wlclient: dial %s: %w", socketPath, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("wlclient: %s is not a unix socket", socketPath)
	}
	file, err := unixConn.File()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wlclient: socket file: %w", err)
	}
	// file holds a dup of the socket fd; the net.Conn wrapper is no
	// longer needed once we operate on the fd directly via unix.Sendmsg
	// / unix.Recvmsg.
	_ = conn.Close()
	return newTransport(file, log), nil
}

// Fd returns the underlying socket descriptor, for integration with an
// external poll/select loop.
func (t *transport) Fd() int { return t.fd }

// Enqueue appends a message to the send queue and opportunistically
// flushes. It does not block; a message too large to send immediately
// simply waits in the queue for a later Flush.
func (t *transport) Enqueue(data []byte, fds []int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return net.ErrClosed
	}
	t.queue = append(t.queue, outgoing{data: data, fds: fds})
	t.mu.Unlock()

	err := t.Flush()
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		return err
	}
	return nil
}

// Flush writes as much of the queue as the socket will currently accept.
// It returns ErrWouldBlock, not an error worth surfacing to the caller,
// when the kernel send buffer fills before the queue drains.
func (t *transport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *transport) flushLocked() error {
	for len(t.queue) > 0 {
		item := t.queue[0]
		buf := item.data
		firstWrite := t.partial == nil
		if !firstWrite {
			buf = t.partial
		}

		// SCM_RIGHTS rides with the sendmsg that carries the frame's
		// first byte; a retried partial write must not resend them.
		var oobFDs []int
		if firstWrite {
			oobFDs = item.fds
		}

		n, err := t.writeOnce(buf, oobFDs)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				// A first write that sent nothing stays a first write, so
				// its fds are attached again when it is retried.
				if n > 0 || !firstWrite {
					t.partial = buf[min(n, len(buf)):]
				}
				return ErrWouldBlock
			}
			return fmt.Errorf("wlclient: send: %w", err)
		}

		if n < len(buf) {
			t.partial = buf[n:]
			return ErrWouldBlock
		}

		t.partial = nil
		t.queue = t.queue[1:]
		// The frame fully reached the kernel; our duplicated fds (see
		// wire.Encoder.PutFD) have been handed off via SCM_RIGHTS and
		// are no longer ours to keep open.
		for _, fd := range item.fds {
			_ = unix.Close(fd)
		}
	}
	return nil
}

// writeOnce issues a single sendmsg, attaching fds only on the very
// first write of a frame (t.partial == nil on entry identifies that).
func (t *transport) writeOnce(buf []byte, fds []int) (int, error) {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	return unix.SendmsgN(t.fd, buf, oob, nil, 0)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// recvChunkSize is how much we ask the kernel for per Recv call; a
// message may still span multiple calls if the compositor writes in
// smaller pieces than this.
const recvChunkSize = 4096

// Recv reads available bytes from the socket, appends them to the
// internal reassembly buffer, and returns every complete frame found.
// Incomplete trailing bytes are kept for the next call. It returns
// (nil, nil) if the socket is non-blocking and no data is currently
// available.
func (t *transport) Recv() ([]wire.Message, error) {
	buf := make([]byte, recvChunkSize)
	oob := make([]byte, 256)

	n, oobn, _, _, err := unix.Recvmsg(t.fd, buf, oob, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, nil
		}
		return nil, fmt.Errorf("wlclient: recv: %w", err)
	}
	if n == 0 {
		return nil, net.ErrClosed
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.recvBuf = append(t.recvBuf, buf[:n]...)
	t.recvFDs = append(t.recvFDs, fds...)

	var out []wire.Message
	for {
		oid, opcode, size, err := wire.DecodeHeader(t.recvBuf)
		if err != nil {
			if errors.Is(err, wire.ErrHeaderIncomplete) {
				break // not enough bytes yet for even a header
			}
			// A full header declaring an impossible size is a malformed
			// frame, not a partial one: more bytes will never fix it, and
			// leaving it in recvBuf would hang every future Recv call.
			t.mu.Unlock()
			return out, fmt.Errorf("wlclient: malformed frame: %w", err)
		}
		if len(t.recvBuf) < size {
			break // header complete, body still arriving
		}
		args := make([]byte, size-wire.HeaderSize)
		copy(args, t.recvBuf[wire.HeaderSize:size])

		// fd-bearing arguments are rare (only wl_shm.create_pool and a
		// handful of others carry them) and the transport has no notion
		// of argument kinds. Frames are handed to the dispatch layer
		// with FDs left unset; it knows each message's fd-arg count from
		// the protocol catalogue and pulls exactly that many off
		// recvFDs via DrainFDs while decoding.
		out = append(out, wire.Message{ObjectID: oid, Opcode: opcode, Args: args})
		t.recvBuf = t.recvBuf[size:]
	}
	t.mu.Unlock()

	return out, nil
}

// DrainFDs returns and clears the next n fds read but not yet claimed by
// a frame (used by the dispatch layer once it knows, from the protocol
// catalogue, how many fds a given message actually carries).
func (t *transport) DrainFDs(n int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.recvFDs) {
		n = len(t.recvFDs)
	}
	fds := t.recvFDs[:n]
	t.recvFDs = t.recvFDs[n:]
	return fds
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("wlclient: parse control message: %w", err)
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// Close shuts down the underlying socket file descriptor.
func (t *transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.file.Close()
}
