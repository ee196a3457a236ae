// Package wire implements the deterministic, length-prefixed binary framing
// shared by the Noise session, MLS envelope, onion packet header, and DHT
// RPC wire formats (spec §6). Every multi-byte integer is big-endian;
// variable-length fields are length-prefixed with a big-endian uint32.
//
// Framing on the wire (one length-prefixed message per logical unit) is
// delegated to github.com/libp2p/go-msgio, the teacher's own dependency for
// this concern, rather than hand-rolling a second varint-length scheme.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"
)

// MaxFrameSize bounds a single msgio frame so a malicious peer cannot force
// an unbounded allocation.
const MaxFrameSize = 16 * 1024 * 1024

// NewFrameWriter wraps w so each WriteMsg call emits one length-prefixed frame.
func NewFrameWriter(w io.Writer) msgio.WriteCloser {
	return msgio.NewVarintWriter(w)
}

// NewFrameReader wraps r so each ReadMsg call yields one length-prefixed frame.
func NewFrameReader(r io.Reader) msgio.ReadCloser {
	return msgio.NewVarintReaderSize(r, MaxFrameSize)
}

// Encoder accumulates a deterministic field-ordered binary encoding.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated encoding.
func (e *Encoder) Bytes() []byte { return e.buf }

// PutUint8 appends a single byte.
func (e *Encoder) PutUint8(v uint8) { e.buf = append(e.buf, v) }

// PutUint32 appends a big-endian uint32.
func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutUint64 appends a big-endian uint64.
func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutBytes appends a uint32 length prefix followed by data.
func (e *Encoder) PutBytes(data []byte) {
	e.PutUint32(uint32(len(data)))
	e.buf = append(e.buf, data...)
}

// Decoder reads fields out of a deterministic field-ordered encoding.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential field reads.
func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// ErrShort is returned when the buffer is exhausted before a field completes.
var ErrShort = fmt.Errorf("wire: short buffer")

// Uint8 reads a single byte.
func (d *Decoder) Uint8() (uint8, error) {
	if d.pos+1 > len(d.buf) {
		return 0, ErrShort
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// Uint32 reads a big-endian uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

// Uint64 reads a big-endian uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, ErrShort
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

// Bytes reads a uint32-length-prefixed byte slice.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if d.pos+int(n) > len(d.buf) {
		return nil, ErrShort
	}
	v := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return v, nil
}

// Remaining reports how many unread bytes remain.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }
