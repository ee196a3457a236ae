package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func newTestDeviceID(b byte) [16]byte {
	var id [16]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func TestRegisterWithProofOfPossessionSucceeds(t *testing.T) {
	master, err := NewMasterKey()
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	devicePub, devicePriv, _ := ed25519.GenerateKey(rand.Reader)
	deviceID := newTestDeviceID(1)

	challenge, err := NewChallenge(deviceID)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	proof := Prove(*challenge, devicePriv, devicePub)

	binding, err := RegisterWithProofOfPossession(master, proof)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !binding.Verify(master.Public) {
		t.Fatalf("expected binding to verify against master public key")
	}
}

func TestRegisterRejectsWrongSigningKey(t *testing.T) {
	master, _ := NewMasterKey()
	devicePub, _, _ := ed25519.GenerateKey(rand.Reader)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	deviceID := newTestDeviceID(2)

	challenge, _ := NewChallenge(deviceID)
	proof := Prove(*challenge, otherPriv, devicePub) // signed by a different key than claimed

	_, err := RegisterWithProofOfPossession(master, proof)
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Reason != ReasonBadSignature {
		t.Fatalf("expected bad signature registration error, got %v", err)
	}
}

func TestRegisterRejectsExpiredChallenge(t *testing.T) {
	master, _ := NewMasterKey()
	devicePub, devicePriv, _ := ed25519.GenerateKey(rand.Reader)
	deviceID := newTestDeviceID(3)

	challenge := &Challenge{DeviceID: deviceID, Timestamp: time.Now().Add(-301 * time.Second)}
	copy(challenge.Nonce[:], []byte("0123456789012345678901234567890"))
	proof := Prove(*challenge, devicePriv, devicePub)

	_, err := RegisterWithProofOfPossession(master, proof)
	var regErr *RegistrationError
	if !errors.As(err, &regErr) || regErr.Reason != ReasonExpiredChallenge {
		t.Fatalf("expected expired challenge error, got %v", err)
	}
}

func TestSignVerifyCounterMonotonic(t *testing.T) {
	master, _ := NewMasterKey()
	devicePub, devicePriv, _ := ed25519.GenerateKey(rand.Reader)
	deviceID := newTestDeviceID(4)
	challenge, _ := NewChallenge(deviceID)
	proof := Prove(*challenge, devicePriv, devicePub)
	binding, _ := RegisterWithProofOfPossession(master, proof)

	dk := NewDeviceKey(deviceID, devicePriv, devicePub, *binding)

	sig1, c1 := dk.Sign([]byte("hello"))
	sig2, c2 := dk.Sign([]byte("world"))
	if c2 != c1+1 {
		t.Fatalf("expected strictly increasing counters, got %d then %d", c1, c2)
	}
	if !dk.Verify([]byte("hello"), sig1, dk.Version(), c1) {
		t.Fatalf("expected sig1 to verify")
	}
	if !dk.Verify([]byte("world"), sig2, dk.Version(), c2) {
		t.Fatalf("expected sig2 to verify")
	}
	if dk.Verify([]byte("hello"), sig1, dk.Version(), c2) {
		t.Fatalf("expected verify to fail against wrong counter")
	}
}

func TestRotatePreservesArchivedVerification(t *testing.T) {
	master, _ := NewMasterKey()
	devicePub, devicePriv, _ := ed25519.GenerateKey(rand.Reader)
	deviceID := newTestDeviceID(5)
	challenge, _ := NewChallenge(deviceID)
	proof := Prove(*challenge, devicePriv, devicePub)
	binding, _ := RegisterWithProofOfPossession(master, proof)
	dk := NewDeviceKey(deviceID, devicePriv, devicePub, *binding)

	oldSig, oldCounter := dk.Sign([]byte("pre-rotation"))
	oldVersion := dk.Version()

	if err := dk.Rotate(master); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if dk.Version() != oldVersion+1 {
		t.Fatalf("expected version to increment, got %d", dk.Version())
	}
	if !dk.Binding().Verify(master.Public) {
		t.Fatalf("expected new binding to verify")
	}
	if !dk.Verify([]byte("pre-rotation"), oldSig, oldVersion, oldCounter) {
		t.Fatalf("expected old signature to still verify via archived key")
	}

	newSig, newCounter := dk.Sign([]byte("post-rotation"))
	if newCounter != 1 {
		t.Fatalf("expected counter reset to 1 after rotation, got %d", newCounter)
	}
	if !dk.Verify([]byte("post-rotation"), newSig, dk.Version(), newCounter) {
		t.Fatalf("expected new signature to verify under new version")
	}
}
