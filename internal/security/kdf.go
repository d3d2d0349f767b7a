package security

import "golang.org/x/crypto/argon2"

const SaltSize = 16

// KDFParams are the argon2id cost parameters used to turn an encryption
// password into an AES key.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follows the argon2 RFC's second recommended profile.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

// DeriveKey stretches password with salt into a 32-byte key.
func DeriveKey(password string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, SymmetricKeySize)
}
