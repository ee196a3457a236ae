// Package onion implements the layered-encryption forwarding of spec §4.6:
// given a destination peer and plaintext, pick diverse relays, build
// back-to-front AEAD layers keyed by a fresh per-hop ECDH exchange, and
// peel one layer per hop until the deliver_local flag surfaces the inner
// envelope.
//
// Grounded on other_examples/cab0c46b (tallow onion-crypto.go) for the
// ChaCha20-Poly1305 layer cipher and HKDF key derivation shape, generalized
// from that file's placeholder ML-KEM exchange to the spec's per-hop X25519
// ECDH, and on original_source/spacepanda-core/src/core_router/onion_router.rs
// for the header/layer/mixing contract.
package onion

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/spacechat/core/wire"
)

// DefaultHops is the default circuit length (§4.6, §6).
const DefaultHops = 3

// DefaultMixWindow is the default mix-batching flush interval (§4.6, §6).
const DefaultMixWindow = 100 * time.Millisecond

var layerInfo = []byte("spacechat-onion-layer-v1")

// Errors per §7.
var (
	ErrShortPacket     = errors.New("onion: packet too short")
	ErrDecryptionFailed = errors.New("onion: layer decryption failed")
	ErrMalformedHeader  = errors.New("onion: malformed header")
)

// RelayStaticKey is a relay's long-term X25519 public key, published via the
// route table.
type RelayStaticKey = [32]byte

// deriveLayerKey derives the AEAD key for one hop from the ECDH shared
// secret, binding it to the hop's ephemeral public key so two hops never
// reuse a key even under shared-secret collision.
func deriveLayerKey(sharedSecret, ephemeralPub []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, sharedSecret, ephemeralPub, layerInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("onion: derive layer key: %w", err)
	}
	return key, nil
}

// header is the per-hop routing instruction, encrypted inside that hop's
// AEAD layer (§4.6).
type header struct {
	NextHop      string
	DeliverLocal bool
}

func encodeHeader(h header) []byte {
	e := wire.NewEncoder()
	e.PutBytes([]byte(h.NextHop))
	if h.DeliverLocal {
		e.PutUint8(1)
	} else {
		e.PutUint8(0)
	}
	return e.Bytes()
}

func decodeHeader(data []byte) (header, []byte, error) {
	d := wire.NewDecoder(data)
	nextHop, err := d.Bytes()
	if err != nil {
		return header{}, nil, ErrMalformedHeader
	}
	flag, err := d.Uint8()
	if err != nil {
		return header{}, nil, ErrMalformedHeader
	}
	rest := data[len(data)-d.Remaining():]
	return header{NextHop: string(nextHop), DeliverLocal: flag == 1}, rest, nil
}

// Envelope is the innermost payload, revealed only at the terminal hop.
type Envelope struct {
	Destination string
	Payload     []byte
}

func encodeEnvelope(e Envelope) []byte {
	enc := wire.NewEncoder()
	enc.PutBytes([]byte(e.Destination))
	enc.PutBytes(e.Payload)
	return enc.Bytes()
}

func decodeEnvelope(data []byte) (Envelope, error) {
	d := wire.NewDecoder(data)
	dest, err := d.Bytes()
	if err != nil {
		return Envelope{}, ErrMalformedHeader
	}
	payload, err := d.Bytes()
	if err != nil {
		return Envelope{}, ErrMalformedHeader
	}
	return Envelope{Destination: string(dest), Payload: payload}, nil
}

func sealLayer(staticPub RelayStaticKey, plaintext []byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("onion: generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("onion: derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv[:], staticPub[:])
	if err != nil {
		return nil, fmt.Errorf("onion: ecdh: %w", err)
	}
	key, err := deriveLayerKey(shared, ephPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("onion: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(ephPub)+len(ciphertext))
	out = append(out, ephPub...)
	out = append(out, ciphertext...)
	return out, nil
}

// BuildCircuit builds a layered packet addressed to destination through the
// given relay static keys/peer ids, outermost hop first. It returns the
// first hop's peer id and the wire bytes to dispatch to it.
func BuildCircuit(relays []RelayHop, destination string, payload []byte) (firstHop string, wireBytes []byte, err error) {
	if len(relays) == 0 {
		return "", nil, errors.New("onion: at least one relay required")
	}
	plaintext := append(encodeHeader(header{DeliverLocal: true}), encodeEnvelope(Envelope{Destination: destination, Payload: payload})...)

	var layer []byte
	for i := len(relays) - 1; i >= 0; i-- {
		layer, err = sealLayer(relays[i].StaticKey, plaintext)
		if err != nil {
			return "", nil, err
		}
		if i == 0 {
			break
		}
		h := header{NextHop: relays[i].PeerID, DeliverLocal: false}
		plaintext = append(encodeHeader(h), layer...)
	}
	return relays[0].PeerID, layer, nil
}

// RelayHop names one hop in a circuit, as picked by the route table.
type RelayHop struct {
	PeerID    string
	StaticKey RelayStaticKey
}

// PeelResult is what a relay learns after decrypting one layer.
type PeelResult struct {
	DeliverLocal bool
	NextHop      string
	Next         []byte    // forward this to NextHop, if not DeliverLocal
	Envelope     Envelope  // valid only if DeliverLocal
}

// PeelLayer decrypts one onion layer using the relay's static private key,
// returning either the next layer to forward or the terminal envelope.
func PeelLayer(staticPriv [32]byte, packet []byte) (PeelResult, error) {
	if len(packet) < 32+chacha20poly1305.Overhead {
		return PeelResult{}, ErrShortPacket
	}
	ephPub := packet[:32]
	ciphertext := packet[32:]

	shared, err := curve25519.X25519(staticPriv[:], ephPub)
	if err != nil {
		return PeelResult{}, fmt.Errorf("onion: ecdh: %w", err)
	}
	key, err := deriveLayerKey(shared, ephPub)
	if err != nil {
		return PeelResult{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return PeelResult{}, fmt.Errorf("onion: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return PeelResult{}, ErrDecryptionFailed
	}

	h, rest, err := decodeHeader(plaintext)
	if err != nil {
		return PeelResult{}, err
	}
	if h.DeliverLocal {
		env, err := decodeEnvelope(rest)
		if err != nil {
			return PeelResult{}, err
		}
		return PeelResult{DeliverLocal: true, Envelope: env}, nil
	}
	return PeelResult{DeliverLocal: false, NextHop: h.NextHop, Next: rest}, nil
}

// GenerateStaticKeypair creates a fresh X25519 static keypair for relay use.
func GenerateStaticKeypair() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, fmt.Errorf("onion: generate static key: %w", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("onion: derive static public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return pub, priv, nil
}

// pendingPacket is one packet awaiting mix-batch flush.
type pendingPacket struct {
	nextHop string
	data    []byte
}

// Mixer buffers forwarded packets for a window, shuffles them, and flushes
// in randomized order (§4.6). Mixing is a scheduling policy only: disabling
// it (by not constructing a Mixer and forwarding directly) must not change
// observable behavior beyond latency.
type Mixer struct {
	mu      sync.Mutex
	window  time.Duration
	pending []pendingPacket
	flush   func(nextHop string, data []byte)
	timer   *time.Timer
}

// NewMixer creates a Mixer that calls flush for each packet once per window.
func NewMixer(window time.Duration, flush func(nextHop string, data []byte)) *Mixer {
	return &Mixer{window: window, flush: flush}
}

// Enqueue buffers a packet for the next flush, starting the window timer on
// the first packet since the last flush.
func (m *Mixer) Enqueue(nextHop string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, pendingPacket{nextHop: nextHop, data: data})
	if m.timer == nil {
		m.timer = time.AfterFunc(m.window, m.flushNow)
	}
}

func (m *Mixer) flushNow() {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.timer = nil
	m.mu.Unlock()

	shuffled := shuffle(batch)
	for _, p := range shuffled {
		m.flush(p.nextHop, p.data)
	}
}

// shuffle returns a uniformly random permutation of batch using
// crypto/rand-backed Fisher-Yates, since the mix's unlinkability goal makes
// a predictable PRNG inappropriate here.
func shuffle(batch []pendingPacket) []pendingPacket {
	out := append([]pendingPacket(nil), batch...)
	for i := len(out) - 1; i > 0; i-- {
		j, err := randIntN(i + 1)
		if err != nil {
			continue
		}
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func randIntN(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
