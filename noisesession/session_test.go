package noisesession

import (
	"bytes"
	"testing"
	"time"
)

func handshakeToEstablished(t *testing.T) (*Session, *Session) {
	t.Helper()
	initStatic, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("initiator static: %v", err)
	}
	respStatic, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("responder static: %v", err)
	}
	init, err := NewInitiator(initStatic)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	resp, err := NewResponder(respStatic)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	// Noise_XX: -> e, <- e, ee, s, es, -> s, se
	msg1, err := init.WriteHandshakeMessage()
	if err != nil {
		t.Fatalf("init write 1: %v", err)
	}
	if err := resp.ReadHandshakeMessage(msg1); err != nil {
		t.Fatalf("resp read 1: %v", err)
	}
	msg2, err := resp.WriteHandshakeMessage()
	if err != nil {
		t.Fatalf("resp write 2: %v", err)
	}
	if err := init.ReadHandshakeMessage(msg2); err != nil {
		t.Fatalf("init read 2: %v", err)
	}
	msg3, err := init.WriteHandshakeMessage()
	if err != nil {
		t.Fatalf("init write 3: %v", err)
	}
	if err := resp.ReadHandshakeMessage(msg3); err != nil {
		t.Fatalf("resp read 3: %v", err)
	}

	if init.State() != StateEstablished {
		t.Fatalf("expected initiator established, got %v", init.State())
	}
	if resp.State() != StateEstablished {
		t.Fatalf("expected responder established, got %v", resp.State())
	}
	return init, resp
}

func TestHandshakeEstablishesSessionBothSides(t *testing.T) {
	init, resp := handshakeToEstablished(t)

	initPeer, err := init.PeerID()
	if err != nil {
		t.Fatalf("init peer id: %v", err)
	}
	respPeer, err := resp.PeerID()
	if err != nil {
		t.Fatalf("resp peer id: %v", err)
	}
	if initPeer == respPeer {
		t.Fatalf("expected distinct peer ids for distinct static keys")
	}
}

func TestTransportFrameRoundTrip(t *testing.T) {
	init, resp := handshakeToEstablished(t)

	frame, err := init.SealPlaintext([]byte("hello overlay"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := resp.OpenFrame(frame)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened.Data, []byte("hello overlay")) {
		t.Fatalf("round trip mismatch: got %q", opened.Data)
	}

	reply, err := resp.SealPlaintext([]byte("hello back"))
	if err != nil {
		t.Fatalf("seal reply: %v", err)
	}
	openedReply, err := init.OpenFrame(reply)
	if err != nil {
		t.Fatalf("open reply: %v", err)
	}
	if !bytes.Equal(openedReply.Data, []byte("hello back")) {
		t.Fatalf("reply round trip mismatch: got %q", openedReply.Data)
	}
}

func TestBadTagClosesSession(t *testing.T) {
	init, resp := handshakeToEstablished(t)

	frame, err := init.SealPlaintext([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	frame[len(frame)-1] ^= 0x01
	if _, err := resp.OpenFrame(frame); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
	if resp.State() != StateClosed {
		t.Fatalf("expected session closed after bad tag, got %v", resp.State())
	}
}

func TestReplayedHandshakeNonceRejected(t *testing.T) {
	initStatic, _ := GenerateStaticKeypair()
	respStatic, _ := GenerateStaticKeypair()
	init, _ := NewInitiator(initStatic)
	resp, _ := NewResponder(respStatic)

	msg1, err := init.WriteHandshakeMessage()
	if err != nil {
		t.Fatalf("init write 1: %v", err)
	}

	// Prime the responder's replay set as though it had already seen the
	// nonce carried in this initiator's first message, then present the
	// same message again.
	resp.meta.seenNonces[init.meta.handshakeNonce] = struct{}{}
	if err := resp.ReadHandshakeMessage(msg1); err != ErrReplayDetected {
		t.Fatalf("expected ErrReplayDetected, got %v", err)
	}
	if resp.State() != StateClosed {
		t.Fatalf("expected responder session closed after replay, got %v", resp.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	static, _ := GenerateStaticKeypair()
	s, err := NewInitiator(static)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	s.meta.startedAt = time.Now().Add(-HandshakeTimeout - time.Second)
	if _, err := s.WriteHandshakeMessage(); err != ErrHandshakeTimeout {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state after timeout, got %v", s.State())
	}
}

func TestSessionTableBasics(t *testing.T) {
	table := NewTable()
	static, _ := GenerateStaticKeypair()
	s, _ := NewInitiator(static)

	table.Put("conn-1", s)
	got, ok := table.Get("conn-1")
	if !ok || got != s {
		t.Fatalf("expected to retrieve the stored session")
	}
	table.Remove("conn-1")
	if _, ok := table.Get("conn-1"); ok {
		t.Fatalf("expected session to be removed")
	}
}
