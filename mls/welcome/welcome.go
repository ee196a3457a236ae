// Package welcome implements MLS Welcome onboarding (§4.10): a group id,
// epoch, ratchet-tree snapshot, and group metadata, plus one encrypted
// secrets blob per new member — each sealed under an ECDH-then-HKDF-then-AEAD
// construction (an HPKE sketch per §9) to that member's X25519 public key,
// with AAD binding the blob to the group id and epoch so it cannot be
// replayed into a different group or epoch.
//
// Grounded on onion/onion.go's sealLayer/PeelLayer for the per-recipient
// X25519-ECDH-then-HKDF-then-AEAD shape (same cipher stack, same teacher
// dependency, a different AAD/label), and other_examples/f3aea00d's
// WelcomeData for the group-secrets-per-new-member field shape.
package welcome

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/spacechat/core/mls"
	"github.com/spacechat/core/mls/tree"
	"github.com/spacechat/core/wire"
)

var hpkeInfo = []byte("spacechat-welcome-hpke-v1")

// Errors per §7.
var (
	ErrMalformed        = errors.New("welcome: malformed message")
	ErrDecryptionFailed = errors.New("welcome: secrets decryption failed")
	ErrRootHashMismatch = errors.New("welcome: reconstructed tree root hash mismatch")
)

// GroupSecrets is what a new member needs to initialize local group state
// (§4.10).
type GroupSecrets struct {
	Epoch              uint64
	ApplicationSecret  []byte
	EpochAuthenticator []byte
}

func (s GroupSecrets) encode() []byte {
	e := wire.NewEncoder()
	e.PutUint64(s.Epoch)
	e.PutBytes(s.ApplicationSecret)
	e.PutBytes(s.EpochAuthenticator)
	return e.Bytes()
}

func decodeGroupSecrets(data []byte) (GroupSecrets, error) {
	d := wire.NewDecoder(data)
	epoch, err := d.Uint64()
	if err != nil {
		return GroupSecrets{}, ErrMalformed
	}
	appSecret, err := d.Bytes()
	if err != nil {
		return GroupSecrets{}, ErrMalformed
	}
	auth, err := d.Bytes()
	if err != nil {
		return GroupSecrets{}, ErrMalformed
	}
	return GroupSecrets{Epoch: epoch, ApplicationSecret: appSecret, EpochAuthenticator: auth}, nil
}

func aad(groupID mls.GroupID, epoch uint64) []byte {
	out := make([]byte, 0, 32+8)
	out = append(out, groupID[:]...)
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], epoch)
	return append(out, e[:]...)
}

// SealSecrets encrypts secrets for a recipient's X25519 public key, bound
// to groupID and secrets.Epoch as AAD (§4.10).
func SealSecrets(recipientPub [32]byte, groupID mls.GroupID, secrets GroupSecrets) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("welcome: ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("welcome: derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("welcome: ecdh: %w", err)
	}
	key, err := deriveKey(shared, ephPub)
	if err != nil {
		return nil, err
	}
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("welcome: build aead: %w", err)
	}
	nonce := make([]byte, aeadCipher.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("welcome: nonce: %w", err)
	}
	ciphertext := aeadCipher.Seal(nil, nonce, secrets.encode(), aad(groupID, secrets.Epoch))

	out := make([]byte, 0, len(ephPub)+len(nonce)+len(ciphertext))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenSecrets decrypts a blob produced by SealSecrets using the recipient's
// X25519 private key, verifying it against groupID and the claimed epoch.
func OpenSecrets(recipientPriv [32]byte, groupID mls.GroupID, epoch uint64, blob []byte) (GroupSecrets, error) {
	const ephLen = 32
	if len(blob) < ephLen+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return GroupSecrets{}, ErrMalformed
	}
	ephPub := blob[:ephLen]
	rest := blob[ephLen:]
	nonce := rest[:chacha20poly1305.NonceSize]
	ciphertext := rest[chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(recipientPriv[:], ephPub)
	if err != nil {
		return GroupSecrets{}, fmt.Errorf("welcome: ecdh: %w", err)
	}
	key, err := deriveKey(shared, ephPub)
	if err != nil {
		return GroupSecrets{}, err
	}
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return GroupSecrets{}, fmt.Errorf("welcome: build aead: %w", err)
	}
	plaintext, err := aeadCipher.Open(nil, nonce, ciphertext, aad(groupID, epoch))
	if err != nil {
		return GroupSecrets{}, ErrDecryptionFailed
	}
	secrets, err := decodeGroupSecrets(plaintext)
	if err != nil {
		return GroupSecrets{}, err
	}
	if secrets.Epoch != epoch {
		return GroupSecrets{}, ErrMalformed
	}
	return secrets, nil
}

func deriveKey(sharedSecret, ephPub []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, ephPub, hpkeInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("welcome: derive key: %w", err)
	}
	return key, nil
}

// Recipient is one new member's encrypted secrets blob within a Welcome.
type Recipient struct {
	PublicKey        [32]byte
	EncryptedSecrets []byte
}

// Welcome onboards one or more new members into an existing group (§4.10).
type Welcome struct {
	GroupID      mls.GroupID
	Epoch        uint64
	TreeSnapshot tree.Snapshot
	Metadata     []byte
	Recipients   []Recipient
}

// Build assembles a Welcome for recipients, sealing secrets individually to
// each recipient's public key.
func Build(groupID mls.GroupID, snapshot tree.Snapshot, metadata []byte, secrets GroupSecrets, recipientPubs [][32]byte) (Welcome, error) {
	w := Welcome{
		GroupID:      groupID,
		Epoch:        secrets.Epoch,
		TreeSnapshot: snapshot,
		Metadata:     metadata,
	}
	for _, pub := range recipientPubs {
		blob, err := SealSecrets(pub, groupID, secrets)
		if err != nil {
			return Welcome{}, err
		}
		w.Recipients = append(w.Recipients, Recipient{PublicKey: pub, EncryptedSecrets: blob})
	}
	return w, nil
}

// Encode serializes w into the out-of-band "welcome_blob" wire shape (§6)
// for delivery alongside an InviteToken.
func (w Welcome) Encode() []byte {
	e := wire.NewEncoder()
	e.PutBytes(w.GroupID[:])
	e.PutUint64(w.Epoch)

	e.PutUint32(uint32(len(w.TreeSnapshot.Leaves)))
	for _, leaf := range w.TreeSnapshot.Leaves {
		if leaf == nil {
			e.PutUint8(1)
		} else {
			e.PutUint8(0)
			e.PutBytes(leaf)
		}
	}

	e.PutBytes(w.Metadata)

	e.PutUint32(uint32(len(w.Recipients)))
	for _, r := range w.Recipients {
		e.PutBytes(r.PublicKey[:])
		e.PutBytes(r.EncryptedSecrets)
	}
	return e.Bytes()
}

// DecodeWelcome parses the wire shape produced by Welcome.Encode.
func DecodeWelcome(data []byte) (Welcome, error) {
	d := wire.NewDecoder(data)
	var w Welcome

	groupIDBytes, err := d.Bytes()
	if err != nil || len(groupIDBytes) != 32 {
		return Welcome{}, ErrMalformed
	}
	copy(w.GroupID[:], groupIDBytes)

	w.Epoch, err = d.Uint64()
	if err != nil {
		return Welcome{}, ErrMalformed
	}

	leafCount, err := d.Uint32()
	if err != nil {
		return Welcome{}, ErrMalformed
	}
	w.TreeSnapshot.Leaves = make([][]byte, leafCount)
	for i := uint32(0); i < leafCount; i++ {
		blankFlag, err := d.Uint8()
		if err != nil {
			return Welcome{}, ErrMalformed
		}
		if blankFlag == 0 {
			key, err := d.Bytes()
			if err != nil {
				return Welcome{}, ErrMalformed
			}
			w.TreeSnapshot.Leaves[i] = key
		}
	}

	w.Metadata, err = d.Bytes()
	if err != nil {
		return Welcome{}, ErrMalformed
	}

	recipientCount, err := d.Uint32()
	if err != nil {
		return Welcome{}, ErrMalformed
	}
	w.Recipients = make([]Recipient, recipientCount)
	for i := uint32(0); i < recipientCount; i++ {
		pubBytes, err := d.Bytes()
		if err != nil || len(pubBytes) != 32 {
			return Welcome{}, ErrMalformed
		}
		copy(w.Recipients[i].PublicKey[:], pubBytes)
		w.Recipients[i].EncryptedSecrets, err = d.Bytes()
		if err != nil {
			return Welcome{}, ErrMalformed
		}
	}
	return w, nil
}

// Join decrypts the caller's recipient entry (matched by public key),
// verifies the reconstructed tree's root hash equals expectedRootHash, and
// returns the decrypted secrets plus the reconstructed tree ready for local
// group initialization (§4.10).
func Join(w Welcome, recipientPub, recipientPriv [32]byte, expectedRootHash [32]byte) (GroupSecrets, *tree.Tree, error) {
	var blob []byte
	for _, r := range w.Recipients {
		if r.PublicKey == recipientPub {
			blob = r.EncryptedSecrets
			break
		}
	}
	if blob == nil {
		return GroupSecrets{}, nil, fmt.Errorf("%w: recipient not found in welcome", mls.ErrNotFound)
	}
	secrets, err := OpenSecrets(recipientPriv, w.GroupID, w.Epoch, blob)
	if err != nil {
		return GroupSecrets{}, nil, err
	}
	reconstructed := tree.FromSnapshot(w.TreeSnapshot)
	if reconstructed.RootHash() != expectedRootHash {
		return GroupSecrets{}, nil, ErrRootHashMismatch
	}
	return secrets, reconstructed, nil
}
