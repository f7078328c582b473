package minileaf

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the AEAD key length in bytes (256-bit).
const KeySize = chacha20poly1305.KeySize

// aeadOverhead is the per-record ciphertext expansion: 96-bit nonce prepended
// plus the 128-bit authentication tag appended.
const aeadOverhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// GenerateKey produces a fresh 256-bit key from the system CSPRNG.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return key, nil
}

// cipherBox wraps the AEAD construction used for all at-rest encryption.
// Output layout is nonce ‖ ciphertext ‖ tag, so every sealed record carries
// everything needed to open it independently.
type cipherBox struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

func newCipherBox(key []byte) (*cipherBox, error) {
	if len(key) != KeySize {
		return nil, errors.Newf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}
	return &cipherBox{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (c *cipherBox) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce‖ciphertext‖tag blob. A tag mismatch (or a blob too
// short to carry a nonce and tag at all) surfaces as ErrCorruptedCipher.
func (c *cipherBox) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < aeadOverhead {
		return nil, errors.Wrapf(ErrCorruptedCipher, "sealed record of %d bytes is shorter than nonce+tag", len(sealed))
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptedCipher, "authentication tag mismatch")
	}
	return plain, nil
}

// ---- length-framed record I/O ----
//
// Encrypted records on disk are framed as [u32 length][length bytes of AEAD
// output] so that each record decrypts independently during replay.

func writeFramed(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFramed reads one length-framed record. maxLen bounds the length prefix;
// anything larger is reported as corruption rather than allocated.
func readFramed(r io.Reader, maxLen uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxLen {
		return nil, errors.Newf("framed record length %d exceeds cap %d", n, maxLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
