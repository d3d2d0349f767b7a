package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// SymmetricKeySize is the AES-256 key length used for room keys and
	// password-derived keys.
	SymmetricKeySize = 32
	IVSize           = 12
	TagSize          = 16
)

// ErrAuthentication is returned when an AEAD tag does not verify.
var ErrAuthentication = errors.New("message authentication failed")

// Sealed is AES-GCM output with the IV and tag kept apart from the ciphertext,
// which is how they are persisted.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// NewSymmetricKey generates a random AES-256 key.
func NewSymmetricKey() ([]byte, error) {
	return RandomBytes(SymmetricKeySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("invalid symmetric key length: expected %d bytes, got %d", SymmetricKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealGCM encrypts plain under key with a fresh random IV. aad is authenticated
// but not encrypted and may be nil.
func SealGCM(key, plain, aad []byte) (*Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv, err := RandomBytes(IVSize)
	if err != nil {
		return nil, err
	}
	out := aead.Seal(nil, iv, plain, aad)
	split := len(out) - TagSize
	return &Sealed{
		Ciphertext: out[:split],
		IV:         iv,
		Tag:        out[split:],
	}, nil
}

// OpenGCM reverses SealGCM. Any tag mismatch, including one caused by a wrong
// key, returns ErrAuthentication.
func OpenGCM(key []byte, s *Sealed, aad []byte) ([]byte, error) {
	if s == nil || len(s.IV) != IVSize || len(s.Tag) != TagSize {
		return nil, ErrAuthentication
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)
	plain, err := aead.Open(nil, s.IV, buf, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}
