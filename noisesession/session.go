// Package noisesession upgrades a raw byte stream into a mutually
// authenticated, confidential channel per spec §4.3: three-flight
// Noise_XX_25519_ChaChaPoly_BLAKE2s, with a 64-bit handshake nonce carried
// in the initiator's first message for intra-connection replay detection,
// a 30s handshake deadline, and transport framing via the AEAD keys Noise
// hands back on completion.
//
// Grounded on github.com/flynn/noise (the teacher's own transitive
// dependency, pulled in via the libp2p stack) for the handshake state
// machine, and on the bespoke Noise session shapes in
// other_examples/7c101e13 (WireGuard) and other_examples/661af522
// (noisysockets) for the Handshaking/Established/Closed lifecycle this
// package exposes — those two hand-roll their own Noise crypto, but the
// state-machine shape they use is exactly spec §4.3's.
package noisesession

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// HandshakeTimeout is the hard deadline from handshake start (§5).
const HandshakeTimeout = 30 * time.Second

// maxSeenNonces bounds the per-session replay-nonce set (§4.3).
const maxSeenNonces = 100

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// State is the lifecycle of a Session.
type State int

const (
	StateHandshaking State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Errors per §7.
var (
	ErrHandshakeFailed  = errors.New("noise: handshake failed")
	ErrHandshakeTimeout = errors.New("noise: handshake timeout")
	ErrReplayDetected   = errors.New("noise: replayed handshake nonce")
	ErrDecryptionFailed = errors.New("noise: decryption failed")
	ErrNotEstablished   = errors.New("noise: session not established")
)

// StaticKeypair is a node's long-term Noise identity; its public half is
// the PeerId (§3).
type StaticKeypair = noise.DHKey

// GenerateStaticKeypair creates a fresh X25519 static keypair.
func GenerateStaticKeypair() (StaticKeypair, error) {
	kp, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return StaticKeypair{}, fmt.Errorf("noise: generate static keypair: %w", err)
	}
	return kp, nil
}

// metadata tracks per-connection handshake bookkeeping (§4.3).
type metadata struct {
	handshakeNonce uint64
	startedAt      time.Time
	seenNonces     map[uint64]struct{}
}

// Session is one Noise connection, from handshake through transport use.
type Session struct {
	mu    sync.Mutex
	state State
	hs    *noise.HandshakeState
	meta  metadata

	sendCS *noise.CipherState
	recvCS *noise.CipherState
	peerID [32]byte

	initiator bool
	step      int

	log *logrus.Entry
}

// NewInitiator starts a Session as the handshake initiator.
func NewInitiator(static StaticKeypair) (*Session, error) {
	return newSession(static, true)
}

// NewResponder starts a Session as the handshake responder.
func NewResponder(static StaticKeypair) (*Session, error) {
	return newSession(static, false)
}

func newSession(static StaticKeypair, initiator bool) (*Session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s := &Session{
		state:     StateHandshaking,
		hs:        hs,
		initiator: initiator,
		meta: metadata{
			startedAt:  time.Now(),
			seenNonces: make(map[uint64]struct{}),
		},
		log: logrus.WithField("component", "noisesession"),
	}
	if initiator {
		var nb [8]byte
		if _, err := rand.Read(nb[:]); err != nil {
			return nil, fmt.Errorf("noise: generate handshake nonce: %w", err)
		}
		s.meta.handshakeNonce = binary.BigEndian.Uint64(nb[:])
	}
	return s, nil
}

func (s *Session) expired() bool {
	return time.Since(s.meta.startedAt) > HandshakeTimeout
}

// WriteHandshakeMessage advances the handshake, returning the wire bytes to
// send. For the initiator's first call, the 64-bit handshake nonce is
// embedded in the Noise payload.
func (s *Session) WriteHandshakeMessage() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHandshaking {
		return nil, ErrNotEstablished
	}
	if s.expired() {
		s.state = StateClosed
		return nil, ErrHandshakeTimeout
	}
	var payload []byte
	if s.step == 0 {
		payload = make([]byte, 8)
		binary.BigEndian.PutUint64(payload, s.meta.handshakeNonce)
	}
	out, cs1, cs2, err := s.hs.WriteMessage(nil, payload)
	if err != nil {
		s.state = StateClosed
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.step++
	s.maybeComplete(cs1, cs2)
	return out, nil
}

// ReadHandshakeMessage advances the handshake with data received from the peer.
func (s *Session) ReadHandshakeMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHandshaking {
		return ErrNotEstablished
	}
	if s.expired() {
		s.state = StateClosed
		return ErrHandshakeTimeout
	}
	wasFirstMessage := s.step == 0
	payload, cs1, cs2, err := s.hs.ReadMessage(nil, data)
	if err != nil {
		s.state = StateClosed
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.step++
	if wasFirstMessage && len(payload) >= 8 {
		nonce := binary.BigEndian.Uint64(payload)
		if _, seen := s.meta.seenNonces[nonce]; seen {
			s.state = StateClosed
			return ErrReplayDetected
		}
		if len(s.meta.seenNonces) >= maxSeenNonces {
			s.meta.seenNonces = make(map[uint64]struct{})
		}
		s.meta.seenNonces[nonce] = struct{}{}
	}
	s.maybeComplete(cs1, cs2)
	return nil
}

// maybeComplete transitions Handshaking -> Established once Noise hands
// back the transport cipher states.
func (s *Session) maybeComplete(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if s.initiator {
		s.sendCS, s.recvCS = cs1, cs2
	} else {
		s.sendCS, s.recvCS = cs2, cs1
	}
	copy(s.peerID[:], s.hs.PeerStatic())
	s.state = StateEstablished
	s.log.WithField("peer_id", fmt.Sprintf("%x", s.peerID[:8])).Info("noise: session established")
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the remote static public key once Established.
func (s *Session) PeerID() ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return [32]byte{}, ErrNotEstablished
	}
	return s.peerID, nil
}

// PlaintextFrame is a decrypted inbound application payload.
type PlaintextFrame struct {
	PeerID [32]byte
	Data   []byte
}

// SealPlaintext produces one AEAD transport frame from plaintext.
func (s *Session) SealPlaintext(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	out, err := s.sendCS.Encrypt(nil, nil, plaintext)
	if err != nil {
		s.state = StateClosed
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return out, nil
}

// OpenFrame decrypts one AEAD transport frame into a PlaintextFrame. A bad
// tag closes the session (§4.3).
func (s *Session) OpenFrame(ciphertext []byte) (PlaintextFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return PlaintextFrame{}, ErrNotEstablished
	}
	plain, err := s.recvCS.Decrypt(nil, nil, ciphertext)
	if err != nil {
		s.state = StateClosed
		return PlaintextFrame{}, ErrDecryptionFailed
	}
	return PlaintextFrame{PeerID: s.peerID, Data: plain}, nil
}

// Close marks the session terminated.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// Table is the shared, lock-protected session registry keyed by connection
// id (§5): a single mutex, short critical sections, no I/O while held.
type Table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Put registers a session under connID, replacing any prior entry.
func (t *Table) Put(connID string, s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[connID] = s
}

// Get returns the session for connID, if any.
func (t *Table) Get(connID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[connID]
	return s, ok
}

// Remove drops the session for connID.
func (t *Table) Remove(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, connID)
}
