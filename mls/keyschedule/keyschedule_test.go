package keyschedule

import (
	"bytes"
	"testing"

	"github.com/spacechat/core/mls"
)

func newTestSchedule(t *testing.T) *Schedule {
	t.Helper()
	s, err := New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	return s
}

func TestSequenceNumbersFormIncreasingPrefix(t *testing.T) {
	s := newTestSchedule(t)
	for i := uint64(0); i < 5; i++ {
		if got := s.NextSequence(0); got != i {
			t.Fatalf("sequence %d: got %d", i, got)
		}
	}
}

func TestSequenceCountersIndependentPerSender(t *testing.T) {
	s := newTestSchedule(t)
	s.NextSequence(0)
	s.NextSequence(0)
	if got := s.NextSequence(1); got != 0 {
		t.Fatalf("expected sender 1's first sequence to be 0, got %d", got)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newTestSchedule(t)
	msg, err := s.Seal(3, 0, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(msg.Ciphertext, []byte("hello")) {
		t.Fatalf("expected ciphertext to differ from plaintext")
	}
	plaintext, sd, err := s.Open(3, msg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Fatalf("decrypted = %q, want %q", plaintext, "hello")
	}
	if sd.Leaf != 0 || sd.Epoch != 3 {
		t.Fatalf("unexpected sender data: %+v", sd)
	}
}

func TestOpenRejectsWrongEpoch(t *testing.T) {
	s := newTestSchedule(t)
	msg, err := s.Seal(1, 0, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, _, err = s.Open(2, msg)
	if err == nil {
		t.Fatalf("expected epoch mismatch error")
	}
	var mismatch *mls.EpochMismatchError
	if ok := asEpochMismatch(err, &mismatch); !ok {
		t.Fatalf("expected *mls.EpochMismatchError, got %T: %v", err, err)
	}
}

func asEpochMismatch(err error, target **mls.EpochMismatchError) bool {
	e, ok := err.(*mls.EpochMismatchError)
	if ok {
		*target = e
	}
	return ok
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	s := newTestSchedule(t)
	msg, err := s.Seal(1, 0, []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	msg.Ciphertext[0] ^= 0xFF
	if _, _, err := s.Open(1, msg); err == nil {
		t.Fatalf("expected decryption failure on tampered ciphertext")
	}
}

func TestNextApplicationSecretDiffersFromCurrent(t *testing.T) {
	s := newTestSchedule(t)
	next, err := s.NextApplicationSecret()
	if err != nil {
		t.Fatalf("next application secret: %v", err)
	}
	if bytes.Equal(next, s.ApplicationSecret()) {
		t.Fatalf("expected next application secret to differ")
	}
}
