// Package keystore implements the encrypted-at-rest private key persistence
// described in spec §4.1: each keypair is bound to a single file, written
// atomically, optionally passphrase-encrypted with Argon2id-derived
// AES-256-GCM.
//
// Grounded on the teacher's atomic-write-then-rename convention (seen
// throughout the MLS persistence sketch in the spec and the onion
// KeyManager's save/load pair in other_examples/cab0c46b) and on
// original_source/spacepanda-core/src/core_identity/keystore/file_keystore.rs
// for the exact byte layout.
package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

const (
	magicEncrypted = "SPKS0001"
	magicRaw       = "SPKS_RAW"
	formatVersion  = byte(1)
	saltLen        = 16
	nonceLen       = 12
	headerLen      = 8 + 1 + saltLen + nonceLen

	argon2Time    = 2
	argon2Memory  = 19 * 1024 // KiB, i.e. 19 MiB
	argon2Threads = 1
	argon2KeyLen  = 32
)

// Error kinds per §7.
var (
	ErrNotFound        = errors.New("keystore: not found")
	ErrInvalidPassword = errors.New("keystore: invalid password")
	ErrDecryption      = errors.New("keystore: decryption failed")
	ErrEncryption      = errors.New("keystore: encryption failed")
	ErrSerialization   = errors.New("keystore: serialization failed")
)

// Keystore persists keypairs under a base directory, one file per key id.
// An instance either always encrypts (non-empty passphrase) or never does;
// it never mixes modes against the same file.
type Keystore struct {
	baseDir    string
	passphrase string
	log        *logrus.Entry
}

// New returns a Keystore rooted at dir. An empty passphrase means writes use
// the clear-text fallback format.
func New(dir, passphrase string) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return &Keystore{baseDir: dir, passphrase: passphrase, log: logrus.WithField("component", "keystore")}, nil
}

func (k *Keystore) path(id string) string {
	return filepath.Join(k.baseDir, id+".bin")
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

// Save persists plaintext under id, atomically (write temp file, rename).
func (k *Keystore) Save(id string, plaintext []byte) error {
	encoded, err := k.encode(plaintext)
	if err != nil {
		return err
	}
	dst := k.path(id)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	k.log.WithField("id", id).Debug("keystore: saved key material")
	return nil
}

// Load reads back the plaintext previously stored under id.
func (k *Keystore) Load(id string) ([]byte, error) {
	raw, err := os.ReadFile(k.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return k.decode(raw)
}

func (k *Keystore) encode(plaintext []byte) ([]byte, error) {
	if k.passphrase == "" {
		out := make([]byte, 0, len(magicRaw)+1+len(plaintext))
		out = append(out, magicRaw...)
		out = append(out, formatVersion)
		out = append(out, plaintext...)
		return out, nil
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	key := deriveKey(k.passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, headerLen+len(sealed))
	out = append(out, magicEncrypted...)
	out = append(out, formatVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func (k *Keystore) decode(data []byte) ([]byte, error) {
	if len(data) < 9 {
		return nil, ErrDecryption
	}
	if bytes.Equal(data[:8], []byte(magicRaw)) {
		if k.passphrase != "" {
			return nil, ErrDecryption
		}
		return append([]byte(nil), data[9:]...), nil
	}
	if !bytes.Equal(data[:8], []byte(magicEncrypted)) {
		return nil, ErrDecryption
	}
	if k.passphrase == "" {
		return nil, ErrDecryption
	}
	if data[8] != formatVersion {
		return nil, ErrDecryption
	}
	if len(data) < headerLen {
		return nil, ErrDecryption
	}
	salt := data[9 : 9+saltLen]
	nonce := data[9+saltLen : headerLen]
	ciphertext := data[headerLen:]

	key := deriveKey(k.passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return plaintext, nil
}

// Delete removes the file stored under id, if present.
func (k *Keystore) Delete(id string) error {
	if err := os.Remove(k.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return nil
}
