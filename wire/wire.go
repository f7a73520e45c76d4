//go:build linux

// Package wire implements the Wayland wire protocol: message framing and
// the seven argument kinds, independent of any particular protocol or
// transport. It operates purely on byte buffers and file descriptor
// lists/queues; callers own the socket, except for fd-kind arguments,
// where the encoder dups the caller's fd so the transport can close its
// copy once the frame carrying it has been sent.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// ObjectID is a Wayland object identifier. 0 is null/invalid, 1 is always
// wl_display.
type ObjectID uint32

// Opcode is a Wayland request or event opcode, assigned by declaration
// order within an interface.
type Opcode uint16

// Fixed is a Wayland 24.8 signed fixed-point number: the wire value is
// treated as a two's-complement int32 whose low 8 bits are the fraction.
type Fixed int32

// FixedFromFloat converts a float64 to Fixed using floor(v*256), the
// two's-complement convention shipping Wayland implementations use.
func FixedFromFloat(f float64) Fixed {
	return Fixed(int32(math.Floor(f * 256.0)))
}

// Float returns f as a float64.
func (f Fixed) Float() float64 {
	return float64(int32(f)>>8) + float64(int32(f)&0xff)/256.0
}

// FixedFromInt converts an integer to Fixed.
func FixedFromInt(i int32) Fixed {
	return Fixed(i << 8)
}

// Int returns the integer part of f.
func (f Fixed) Int() int32 {
	return int32(f) >> 8
}

// HeaderSize is the size in bytes of a message header (object id + size/opcode).
const HeaderSize = 8

// MaxMessageSize is the largest message the wire format can express; the
// size field is 16 bits.
const MaxMessageSize = 1<<16 - 1

var (
	ErrMessageTooLarge     = errors.New("wire: message exceeds maximum size")
	ErrMessageTooSmall     = errors.New("wire: message smaller than header")
	ErrBufferTooSmall      = errors.New("wire: buffer too small for message")
	ErrInvalidStringLen    = errors.New("wire: invalid string length")
	ErrInvalidArrayLen     = errors.New("wire: invalid array length")
	ErrUnexpectedEOF       = errors.New("wire: unexpected end of message")
	ErrStringNotTerminated = errors.New("wire: string not null-terminated")
	ErrNoFD                = errors.New("wire: no file descriptor available")
	ErrHeaderIncomplete    = errors.New("wire: not enough bytes for a header yet")
)

// Message is a decoded Wayland wire message: target/source object, opcode,
// and the raw argument bytes plus any file descriptors carried alongside it.
type Message struct {
	ObjectID ObjectID
	Opcode   Opcode
	Args     []byte
	FDs      []int
}

// Size returns the total wire size of m, including the header.
func (m *Message) Size() int {
	return HeaderSize + len(m.Args)
}

// paddingFor returns the number of zero bytes needed to round length up to
// a 4-byte boundary.
func paddingFor(length int) int {
	return (4 - (length % 4)) % 4
}

// Encoder builds the argument bytes of a single message.
type Encoder struct {
	buf []byte
	fds []int
}

// NewEncoder returns an Encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Reset clears the encoder for reuse.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
	e.fds = e.fds[:0]
}

// Bytes returns the encoded argument bytes so far.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// FDs returns the file descriptors queued so far.
func (e *Encoder) FDs() []int {
	return e.fds
}

// PutInt32 appends a signed 32-bit integer.
func (e *Encoder) PutInt32(v int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

// PutUint32 appends an unsigned 32-bit integer.
func (e *Encoder) PutUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// PutFixed appends a fixed-point number.
func (e *Encoder) PutFixed(v Fixed) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

// PutObject appends an object id. id must be 0 only when the argument is
// nullable; callers enforce that, the encoder just writes the bits.
func (e *Encoder) PutObject(id ObjectID) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(id))
}

// PutNewID appends a new_id argument whose interface is fixed by the
// request declaration (just the allocated object id).
func (e *Encoder) PutNewID(id ObjectID) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(id))
}

// PutNewIDDynamic appends a new_id argument whose interface is chosen by
// the caller (wl_registry.bind and friends): interface name, version, id.
func (e *Encoder) PutNewIDDynamic(iface string, version uint32, id ObjectID) {
	e.PutString(iface)
	e.PutUint32(version)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(id))
}

// PutString appends a length-prefixed, NUL-terminated string, padded to a
// 4-byte boundary.
func (e *Encoder) PutString(s string) {
	length := uint32(len(s) + 1)
	e.buf = binary.LittleEndian.AppendUint32(e.buf, length)
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	pad := paddingFor(int(length))
	for i := 0; i < pad; i++ {
		e.buf = append(e.buf, 0)
	}
}

// PutArray appends a length-prefixed byte array, padded to a 4-byte
// boundary. Unlike PutString, there is no terminating NUL.
func (e *Encoder) PutArray(data []byte) {
	length := uint32(len(data))
	e.buf = binary.LittleEndian.AppendUint32(e.buf, length)
	e.buf = append(e.buf, data...)
	pad := paddingFor(int(length))
	for i := 0; i < pad; i++ {
		e.buf = append(e.buf, 0)
	}
}

// PutFD queues a file descriptor to travel with the message via SCM_RIGHTS.
// It does not write anything to the argument bytes. fd is duped immediately
// so the caller's original is left untouched; the duplicate is owned by the
// message and is closed by the transport once the frame carrying it has
// been fully sent.
func (e *Encoder) PutFD(fd int) error {
	dup, err := unix.Dup(fd)
	if err != nil {
		return fmt.Errorf("wire: dup fd %d: %w", fd, err)
	}
	e.fds = append(e.fds, dup)
	return nil
}

// EncodeMessage packs a full message (header + args) for sending. FDs are
// returned separately; they travel out of band via the transport.
func EncodeMessage(oid ObjectID, opcode Opcode, args []byte) ([]byte, error) {
	total := HeaderSize + len(args)
	if total > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(oid))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(total)<<16|uint32(opcode))
	copy(buf[8:], args)
	return buf, nil
}

// Decoder reads message arguments from a byte buffer and file descriptors
// from an associated queue.
type Decoder struct {
	buf    []byte
	offset int
	fds    []int
	fdIdx  int
}

// NewDecoder returns a Decoder over buf with no associated file descriptors.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Reset repositions the decoder over a new buffer and fd queue.
func (d *Decoder) Reset(buf []byte, fds []int) {
	d.buf = buf
	d.offset = 0
	d.fds = fds
	d.fdIdx = 0
}

// Remaining returns the number of unread argument bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.offset
}

// Int32 reads a signed 32-bit integer.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// Uint32 reads an unsigned 32-bit integer.
func (d *Decoder) Uint32() (uint32, error) {
	if d.offset+4 > len(d.buf) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(d.buf[d.offset:])
	d.offset += 4
	return v, nil
}

// Fixed reads a fixed-point number.
func (d *Decoder) Fixed() (Fixed, error) {
	v, err := d.Uint32()
	return Fixed(v), err
}

// Object reads an object id (0 if absent/null).
func (d *Decoder) Object() (ObjectID, error) {
	v, err := d.Uint32()
	return ObjectID(v), err
}

// String reads a length-prefixed, NUL-terminated string.
func (d *Decoder) String() (string, error) {
	length, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	if length > MaxMessageSize {
		return "", ErrInvalidStringLen
	}
	padded := int(length) + paddingFor(int(length))
	if d.offset+padded > len(d.buf) {
		return "", ErrUnexpectedEOF
	}
	if d.buf[d.offset+int(length)-1] != 0 {
		return "", ErrStringNotTerminated
	}
	data := d.buf[d.offset : d.offset+int(length)-1]
	d.offset += padded
	return string(data), nil
}

// Array reads a length-prefixed byte array with no implicit NUL.
func (d *Decoder) Array() ([]byte, error) {
	length, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	if length > MaxMessageSize {
		return nil, ErrInvalidArrayLen
	}
	padded := int(length) + paddingFor(int(length))
	if d.offset+padded > len(d.buf) {
		return nil, ErrUnexpectedEOF
	}
	out := make([]byte, length)
	copy(out, d.buf[d.offset:d.offset+int(length)])
	d.offset += padded
	return out, nil
}

// FD consumes the next file descriptor from the associated queue, in the
// order events/requests referencing fd-kind arguments appear.
func (d *Decoder) FD() (int, error) {
	if d.fdIdx >= len(d.fds) {
		return -1, ErrNoFD
	}
	fd := d.fds[d.fdIdx]
	d.fdIdx++
	return fd, nil
}

// DecodeHeader decodes a message header. It returns the declared size
// (including the header) so the caller can decide whether the full frame
// is available.
//
// Two distinct failure modes share the header but not the error: fewer
// than HeaderSize bytes available yet is ErrHeaderIncomplete (the caller
// should wait for more bytes, not a permanent condition), while a header
// that is fully present but declares an impossible size (size < HeaderSize)
// is ErrMessageTooSmall (a malformed frame, fatal — more bytes will never
// fix it).
func DecodeHeader(buf []byte) (oid ObjectID, opcode Opcode, size int, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, ErrHeaderIncomplete
	}
	oid = ObjectID(binary.LittleEndian.Uint32(buf[0:4]))
	sizeAndOp := binary.LittleEndian.Uint32(buf[4:8])
	size = int(sizeAndOp >> 16)
	opcode = Opcode(sizeAndOp & 0xffff)
	if size < HeaderSize {
		return 0, 0, 0, ErrMessageTooSmall
	}
	return oid, opcode, size, nil
}
