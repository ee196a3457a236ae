// Package identity implements the master/device key layer of spec §4.2:
// master keys authorize device keys by signing a binding, devices rotate
// keys while remaining verifiable under archived versions, and a device
// proves possession of its private key via a time-boxed challenge before
// the master will sign its binding.
//
// Grounded on original_source/spacepanda-core/src/core_identity/device_key.rs
// for the exact proof-of-possession protocol and binding/signature wire
// layout, re-expressed with crypto/ed25519 the way the teacher pack's own
// MLS sketch (other_examples/f3aea00d) uses stdlib Ed25519 directly rather
// than a wrapper crate.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxChallengeAge is the proof-of-possession freshness bound (§4.2, §5).
const MaxChallengeAge = 300 * time.Second

const proofOfPossessionDomain = "DEVICE_PROOF_OF_POSSESSION_V1:"

// RegistrationError enumerates why a device registration was rejected.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string { return "identity: registration failed: " + e.Reason }

func registrationFailed(reason string) error { return &RegistrationError{Reason: reason} }

// Sentinel reasons, matched with errors.Is against a RegistrationError of
// that reason via RegistrationError.Is.
var (
	ReasonExpiredChallenge = "challenge expired"
	ReasonBadSignature     = "signature mismatch"
	ReasonUnknownVersion   = "version number unknown"
)

// Is lets callers match on RegistrationError reason via errors.Is(err, target)
// where target is another *RegistrationError with the same Reason.
func (e *RegistrationError) Is(target error) bool {
	t, ok := target.(*RegistrationError)
	return ok && t.Reason == e.Reason
}

// MasterKey is a user's signing-capable root key.
type MasterKey struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewMasterKey generates a fresh master key pair.
func NewMasterKey() (*MasterKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate master key: %w", err)
	}
	return &MasterKey{Public: pub, private: priv}, nil
}

// Sign produces a raw Ed25519 signature over msg.
func (m *MasterKey) Sign(msg []byte) []byte {
	return ed25519.Sign(m.private, msg)
}

// Challenge is issued by the server-side role to a device registering a key.
type Challenge struct {
	Nonce     [32]byte
	Timestamp time.Time
	DeviceID  [16]byte
}

// NewChallenge generates a fresh challenge for deviceID.
func NewChallenge(deviceID [16]byte) (*Challenge, error) {
	c := &Challenge{DeviceID: deviceID, Timestamp: time.Now()}
	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return nil, fmt.Errorf("identity: generate challenge nonce: %w", err)
	}
	return c, nil
}

// message builds the proof-of-possession payload the device must sign:
// the domain separator, nonce, big-endian unix timestamp, and device id.
func (c *Challenge) message() []byte {
	buf := make([]byte, 0, len(proofOfPossessionDomain)+32+8+16)
	buf = append(buf, proofOfPossessionDomain...)
	buf = append(buf, c.Nonce[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.Timestamp.Unix()))
	buf = append(buf, ts[:]...)
	buf = append(buf, c.DeviceID[:]...)
	return buf
}

// ProofOfPossession is the device's response to a Challenge.
type ProofOfPossession struct {
	Challenge       Challenge
	Signature       []byte
	DevicePublicKey ed25519.PublicKey
}

// Prove signs the challenge with the device's private key (device-side step).
func Prove(challenge Challenge, devicePriv ed25519.PrivateKey, devicePub ed25519.PublicKey) ProofOfPossession {
	sig := ed25519.Sign(devicePriv, challenge.message())
	return ProofOfPossession{Challenge: challenge, Signature: sig, DevicePublicKey: devicePub}
}

// DeviceKeyBinding proves a device's current key is authorized by a master.
type DeviceKeyBinding struct {
	DeviceID        [16]byte
	KeyVersion      uint64
	DevicePublicKey ed25519.PublicKey
	MasterSignature []byte
}

func bindingMessage(deviceID [16]byte, version uint64, pub ed25519.PublicKey) []byte {
	buf := make([]byte, 0, 16+8+len(pub))
	buf = append(buf, deviceID[:]...)
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], version)
	buf = append(buf, v[:]...)
	buf = append(buf, pub...)
	return buf
}

// Verify checks the binding against the claimed master public key.
func (b *DeviceKeyBinding) Verify(masterPub ed25519.PublicKey) bool {
	return ed25519.Verify(masterPub, bindingMessage(b.DeviceID, b.KeyVersion, b.DevicePublicKey), b.MasterSignature)
}

// DeviceKey is a per-device signing key with rotation support.
type DeviceKey struct {
	DeviceID       [16]byte
	currentVersion uint64
	activePriv     ed25519.PrivateKey
	activePub      ed25519.PublicKey
	archived       map[uint64]ed25519.PublicKey
	binding        DeviceKeyBinding
	counter        uint64
	log            *logrus.Entry
}

// RegisterWithProofOfPossession verifies proof against its own claimed
// public key and, if the challenge is fresh, has the master sign the
// binding. The private key never leaves the device — only the public key
// and proof are handed to this (master-holder-side) call.
func RegisterWithProofOfPossession(master *MasterKey, proof ProofOfPossession) (*DeviceKeyBinding, error) {
	if !ed25519.Verify(proof.DevicePublicKey, proof.Challenge.message(), proof.Signature) {
		return nil, registrationFailed(ReasonBadSignature)
	}
	if time.Since(proof.Challenge.Timestamp) > MaxChallengeAge {
		return nil, registrationFailed(ReasonExpiredChallenge)
	}
	const initialVersion = 1
	msg := bindingMessage(proof.Challenge.DeviceID, initialVersion, proof.DevicePublicKey)
	binding := &DeviceKeyBinding{
		DeviceID:        proof.Challenge.DeviceID,
		KeyVersion:      initialVersion,
		DevicePublicKey: proof.DevicePublicKey,
		MasterSignature: master.Sign(msg),
	}
	logrus.WithField("component", "identity").WithField("device_id", proof.Challenge.DeviceID).
		Info("identity: device registered via proof of possession")
	return binding, nil
}

// NewDeviceKey wraps a freshly generated device keypair with its master
// binding on the device side, once registration has produced the binding.
func NewDeviceKey(deviceID [16]byte, priv ed25519.PrivateKey, pub ed25519.PublicKey, binding DeviceKeyBinding) *DeviceKey {
	return &DeviceKey{
		DeviceID:       deviceID,
		currentVersion: binding.KeyVersion,
		activePriv:     priv,
		activePub:      pub,
		archived:       make(map[uint64]ed25519.PublicKey),
		binding:        binding,
		log:            logrus.WithField("component", "identity").WithField("device_id", deviceID),
	}
}

// Version returns the current active key version.
func (d *DeviceKey) Version() uint64 { return d.currentVersion }

// PublicKey returns the current active public key.
func (d *DeviceKey) PublicKey() ed25519.PublicKey { return d.activePub }

// Sign signs msg under version||counter||msg, incrementing the counter
// first so counters are strictly increasing and never reused.
func (d *DeviceKey) Sign(msg []byte) (signature []byte, counter uint64) {
	d.counter++
	full := signedPayload(d.currentVersion, d.counter, msg)
	return ed25519.Sign(d.activePriv, full), d.counter
}

func signedPayload(version, counter uint64, msg []byte) []byte {
	buf := make([]byte, 0, 16+len(msg))
	var v, c [8]byte
	binary.BigEndian.PutUint64(v[:], version)
	binary.BigEndian.PutUint64(c[:], counter)
	buf = append(buf, v[:]...)
	buf = append(buf, c[:]...)
	buf = append(buf, msg...)
	return buf
}

// Verify checks a signature against the version's current or archived key.
func (d *DeviceKey) Verify(msg, signature []byte, version, counter uint64) bool {
	full := signedPayload(version, counter, msg)
	if version == d.currentVersion {
		return ed25519.Verify(d.activePub, full, signature)
	}
	if pub, ok := d.archived[version]; ok {
		return ed25519.Verify(pub, full, signature)
	}
	return false
}

// Rotate archives the current key, generates a fresh one, re-signs the
// master binding for the new public key, and resets the signature counter.
func (d *DeviceKey) Rotate(master *MasterKey) error {
	newPub, newPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("identity: rotate device key: %w", err)
	}
	d.archived[d.currentVersion] = d.activePub
	d.currentVersion++
	d.activePub = newPub
	d.activePriv = newPriv
	d.counter = 0

	msg := bindingMessage(d.DeviceID, d.currentVersion, newPub)
	d.binding = DeviceKeyBinding{
		DeviceID:        d.DeviceID,
		KeyVersion:      d.currentVersion,
		DevicePublicKey: newPub,
		MasterSignature: master.Sign(msg),
	}
	d.log.WithField("version", d.currentVersion).Info("identity: device key rotated")
	return nil
}

// Binding returns the current master-signed binding for this device key.
func (d *DeviceKey) Binding() DeviceKeyBinding { return d.binding }

var errUnknownVersion = errors.New("identity: unknown key version")
