package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := NewEncoder()
	e.PutUint8(7)
	e.PutUint32(12345)
	e.PutUint64(9876543210)
	e.PutBytes([]byte("hello"))

	d := NewDecoder(e.Bytes())
	u8, err := d.Uint8()
	if err != nil || u8 != 7 {
		t.Fatalf("uint8: %v %v", u8, err)
	}
	u32, err := d.Uint32()
	if err != nil || u32 != 12345 {
		t.Fatalf("uint32: %v %v", u32, err)
	}
	u64, err := d.Uint64()
	if err != nil || u64 != 9876543210 {
		t.Fatalf("uint64: %v %v", u64, err)
	}
	b, err := d.Bytes()
	if err != nil || string(b) != "hello" {
		t.Fatalf("bytes: %v %v", b, err)
	}
	if d.Remaining() != 0 {
		t.Fatalf("expected no remaining bytes, got %d", d.Remaining())
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	if _, err := d.Uint32(); err != ErrShort {
		t.Fatalf("expected ErrShort, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	if err := w.WriteMsg([]byte("frame-one")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteMsg([]byte("frame-two")); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewFrameReader(&buf)
	m1, err := r.ReadMsg()
	if err != nil || string(m1) != "frame-one" {
		t.Fatalf("read1: %v %v", m1, err)
	}
	m2, err := r.ReadMsg()
	if err != nil || string(m2) != "frame-two" {
		t.Fatalf("read2: %v %v", m2, err)
	}
}
