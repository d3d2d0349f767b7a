// Package keyexchange derives pairwise secrets between room members from
// ephemeral X25519 keys. It is the socket path's scheme and is independent
// of the room key envelopes.
package keyexchange

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x25519"
	"golang.org/x/crypto/hkdf"
)

const (
	SecretSize  = 32
	defaultInfo = "securechat/pairwise/v1"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrLowOrderKey      = errors.New("peer public key has low order")
)

type KeyPair struct {
	Public  x25519.Key
	Private x25519.Key
}

// Params tunes the HKDF step. A nil *Params uses no salt and the default
// info string.
type Params struct {
	Salt []byte
	Info string
}

func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	x25519.KeyGen(&kp.Public, &kp.Private)
	return kp, nil
}

// PublicString is the wire form of the public key.
func (k *KeyPair) PublicString() string {
	return EncodePublicKey(k.Public)
}

func EncodePublicKey(pub x25519.Key) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

func ParsePublicKey(s string) (x25519.Key, error) {
	var pub x25519.Key
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != x25519.Size {
		return pub, ErrInvalidPublicKey
	}
	copy(pub[:], raw)
	return pub, nil
}

// ComputeSharedSecret runs X25519 and stretches the result with HKDF-SHA256.
// Both sides of a pair get the same secret for the same params.
func ComputeSharedSecret(private, peerPublic x25519.Key, p *Params) ([]byte, error) {
	var shared x25519.Key
	if !x25519.Shared(&shared, &private, &peerPublic) {
		return nil, ErrLowOrderKey
	}

	var salt []byte
	info := defaultInfo
	if p != nil {
		salt = p.Salt
		if p.Info != "" {
			info = p.Info
		}
	}

	out := make([]byte, SecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared[:], salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return out, nil
}
