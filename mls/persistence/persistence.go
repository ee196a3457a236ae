// Package persistence implements MLS group persistence (§4.12): a group's
// metadata and secrets serialized as a single AEAD-sealed blob on disk,
// passphrase-keyed with Argon2id, written atomically.
//
// Grounded on keystore/keystore.go for the atomic-write-then-rename and
// Argon2id-then-AES-256-GCM shape, generalized from keystore's fixed
// magic/header into the spec's own header fields (version, group id,
// created-at, schema version, optional salt) and a different Argon2id cost
// profile (§4.12: 64 MiB, 3 iterations, 4 lanes, 256-bit output, heavier
// than the keystore's interactive-login profile since a group blob is
// opened far less often).
package persistence

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"github.com/spacechat/core/mls"
	"github.com/spacechat/core/wire"
)

const (
	magic         = "SPACEMLS"
	schemaVersion = uint32(1)
	saltLen       = 16
	nonceLen      = 12

	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB, i.e. 64 MiB
	argon2Threads = 4
	argon2KeyLen  = 32
)

// Header carries the blob's metadata fields, stored alongside (not inside)
// the sealed ciphertext so a reader can identify a blob before decrypting
// it (§4.12).
type Header struct {
	Version       uint32
	GroupID       mls.GroupID
	CreatedAtUnix int64
	SchemaVersion uint32
	Salt          []byte // empty for non-passphrase-keyed blobs
}

func (h Header) encode() []byte {
	e := wire.NewEncoder()
	e.PutUint32(h.Version)
	e.PutBytes(h.GroupID[:])
	e.PutUint64(uint64(h.CreatedAtUnix))
	e.PutUint32(h.SchemaVersion)
	e.PutBytes(h.Salt)
	return e.Bytes()
}

func decodeHeader(data []byte) (Header, error) {
	d := wire.NewDecoder(data)
	version, err := d.Uint32()
	if err != nil {
		return Header{}, ErrMalformed
	}
	groupIDBytes, err := d.Bytes()
	if err != nil || len(groupIDBytes) != 32 {
		return Header{}, ErrMalformed
	}
	createdAt, err := d.Uint64()
	if err != nil {
		return Header{}, ErrMalformed
	}
	schema, err := d.Uint32()
	if err != nil {
		return Header{}, ErrMalformed
	}
	salt, err := d.Bytes()
	if err != nil {
		return Header{}, ErrMalformed
	}
	var h Header
	h.Version = version
	copy(h.GroupID[:], groupIDBytes)
	h.CreatedAtUnix = int64(createdAt)
	h.SchemaVersion = schema
	h.Salt = salt
	return h, nil
}

// Errors per §7's Storage/Serialization kinds.
var (
	ErrMalformed     = fmt.Errorf("%w: malformed persistence blob", mls.ErrSerialization)
	ErrWrongPassword = fmt.Errorf("%w: decryption failed", mls.ErrStorage)
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

// Seal serializes header and plaintext into the wire blob described in
// §4.12: magic, length-prefixed header, length-prefixed nonce, length-
// prefixed ciphertext+tag. header.Salt is populated here if empty.
func Seal(header Header, passphrase string, plaintext []byte) ([]byte, error) {
	if len(header.Salt) == 0 {
		salt := make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("%w: %v", mls.ErrCrypto, err)
		}
		header.Salt = salt
	}
	key := deriveKey(passphrase, header.Salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mls.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mls.ErrCrypto, err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", mls.ErrCrypto, err)
	}
	headerBytes := header.encode()
	ciphertext := gcm.Seal(nil, nonce, plaintext, headerBytes)

	var out bytes.Buffer
	out.WriteString(magic)
	writeLenPrefixed(&out, headerBytes)
	writeLenPrefixed(&out, nonce)
	writeLenPrefixed(&out, ciphertext)
	return out.Bytes(), nil
}

// Open parses and decrypts a blob produced by Seal.
func Open(passphrase string, blob []byte) (Header, []byte, error) {
	if len(blob) < len(magic) || string(blob[:len(magic)]) != magic {
		return Header{}, nil, ErrMalformed
	}
	rest := blob[len(magic):]

	headerBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Header{}, nil, err
	}
	nonce, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Header{}, nil, err
	}
	ciphertext, _, err := readLenPrefixed(rest)
	if err != nil {
		return Header{}, nil, err
	}

	header, err := decodeHeader(headerBytes)
	if err != nil {
		return Header{}, nil, err
	}

	key := deriveKey(passphrase, header.Salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", mls.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", mls.ErrCrypto, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, headerBytes)
	if err != nil {
		return Header{}, nil, ErrWrongPassword
	}
	return header, plaintext, nil
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readLenPrefixed(data []byte) (field []byte, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, ErrMalformed
	}
	return data[:n], data[n:], nil
}

// Store saves and loads group blobs under a base directory, one file per
// group id, mirroring keystore's atomic-write convention (§4.12: "save is
// atomic: write .tmp, rename").
type Store struct {
	baseDir string
	log     *logrus.Entry
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", mls.ErrStorage, err)
	}
	return &Store{baseDir: dir, log: logrus.WithField("component", "mls_persistence")}, nil
}

func (s *Store) path(groupID mls.GroupID) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%x.mlsgroup", groupID[:]))
}

// Save atomically writes a sealed group blob to disk.
func (s *Store) Save(header Header, passphrase string, plaintext []byte) error {
	blob, err := Seal(header, passphrase, plaintext)
	if err != nil {
		return err
	}
	dst := s.path(header.GroupID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("%w: %v", mls.ErrStorage, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("%w: %v", mls.ErrStorage, err)
	}
	s.log.WithField("group_id", fmt.Sprintf("%x", header.GroupID[:8])).Debug("persisted mls group")
	return nil
}

// Load reads back and decrypts the blob stored for groupID.
func (s *Store) Load(groupID mls.GroupID, passphrase string) (Header, []byte, error) {
	raw, err := os.ReadFile(s.path(groupID))
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, nil, mls.ErrNotFound
		}
		return Header{}, nil, fmt.Errorf("%w: %v", mls.ErrStorage, err)
	}
	return Open(passphrase, raw)
}

// Delete removes the blob stored for groupID, if present.
func (s *Store) Delete(groupID mls.GroupID) error {
	if err := os.Remove(s.path(groupID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", mls.ErrStorage, err)
	}
	return nil
}
