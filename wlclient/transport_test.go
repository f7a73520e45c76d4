//go:build linux

package wlclient

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/gowayland/wlrt/wire"
)

func socketpairTransport(t *testing.T) (*transport, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	tr := newTransport(os.NewFile(uintptr(fds[0]), "client"), zerolog.Nop())
	t.Cleanup(func() { _ = tr.Close() })
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return tr, fds[1]
}

func TestTransportEnqueueAndFlushDelivers(t *testing.T) {
	tr, peer := socketpairTransport(t)

	data, err := wire.EncodeMessage(1, 0, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if err := tr.Enqueue(data, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	buf := make([]byte, 64)
	n := readSome(t, peer, buf)
	if n != len(data) {
		t.Fatalf("got %d bytes, want %d", n, len(data))
	}
}

func TestTransportRecvReassemblesSplitFrame(t *testing.T) {
	tr, peer := socketpairTransport(t)

	data, err := wire.EncodeMessage(5, 2, []byte{9, 9, 9, 9})
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	// Write the header and body in two separate writes to force Recv to
	// carry a partial frame across calls.
	if _, err := unix.Write(peer, data[:wire.HeaderSize]); err != nil {
		t.Fatalf("write header: %v", err)
	}

	msgs, err := tr.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages before the body arrived, want 0", len(msgs))
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := unix.Write(peer, data[wire.HeaderSize:]); err != nil {
		t.Fatalf("write body: %v", err)
	}

	msgs = waitForMessages(t, tr, 1)
	if msgs[0].ObjectID != 5 || msgs[0].Opcode != 2 {
		t.Fatalf("got %+v, want oid=5 opcode=2", msgs[0])
	}
}

func TestTransportRecvBatchesMultipleFrames(t *testing.T) {
	tr, peer := socketpairTransport(t)

	var all []byte
	for i := 0; i < 3; i++ {
		data, err := wire.EncodeMessage(wire.ObjectID(i+1), 0, nil)
		if err != nil {
			t.Fatalf("EncodeMessage: %v", err)
		}
		all = append(all, data...)
	}
	if _, err := unix.Write(peer, all); err != nil {
		t.Fatalf("write: %v", err)
	}

	msgs := waitForMessages(t, tr, 3)
	for i, m := range msgs {
		if m.ObjectID != wire.ObjectID(i+1) {
			t.Fatalf("message %d: oid = %d, want %d", i, m.ObjectID, i+1)
		}
	}
}

func TestTransportFlushClosesFDsAfterSuccessfulSend(t *testing.T) {
	tr, peer := socketpairTransport(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer w.Close()
	fd := int(r.Fd())

	data, err := wire.EncodeMessage(1, 0, nil)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if err := tr.Enqueue(data, []int{fd}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	buf := make([]byte, 64)
	readSome(t, peer, buf)

	// The transport takes ownership of the fd once the frame carrying it
	// is fully sent; fstat-ing it afterward should fail.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var stat unix.Stat_t
		err := unix.Fstat(fd, &stat)
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("fd was never closed after a successful send")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTransportRecvErrorsOnMalformedSize(t *testing.T) {
	tr, peer := socketpairTransport(t)

	// A full 8-byte header declaring a size smaller than the header
	// itself is impossible on the wire; Recv must raise it as an error
	// rather than waiting forever for bytes that will never complete it.
	bad := make([]byte, wire.HeaderSize)
	bad[4], bad[5], bad[6], bad[7] = 3, 0, 0, 0 // size = 3, opcode = 0
	if _, err := unix.Write(peer, bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := tr.Recv()
		if err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Recv never surfaced the malformed frame as an error")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForMessages(t *testing.T, tr *transport, want int) []wire.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var got []wire.Message
	for len(got) < want {
		msgs, err := tr.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, msgs...)
		if len(got) >= want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages, got %d", want, len(got))
		}
		time.Sleep(time.Millisecond)
	}
	return got
}

func readSome(t *testing.T, fd int, buf []byte) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n
		}
		if err == unix.EAGAIN {
			if time.Now().After(deadline) {
				t.Fatalf("timed out reading")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		t.Fatalf("read: %v", err)
		return 0
	}
}
