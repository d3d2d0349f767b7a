package security_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securechat/internal/security"
)

var testKDF = security.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}

func TestSealOpenGCM(t *testing.T) {
	key, err := security.NewSymmetricKey()
	require.NoError(t, err)

	sealed, err := security.SealGCM(key, []byte("hello"), nil)
	require.NoError(t, err)
	assert.Len(t, sealed.IV, security.IVSize)
	assert.Len(t, sealed.Tag, security.TagSize)
	assert.NotEqual(t, []byte("hello"), sealed.Ciphertext)

	plain, err := security.OpenGCM(key, sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	t.Run("FreshIVPerCall", func(t *testing.T) {
		again, err := security.SealGCM(key, []byte("hello"), nil)
		require.NoError(t, err)
		assert.NotEqual(t, sealed.IV, again.IV)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := security.NewSymmetricKey()
		_, err := security.OpenGCM(other, sealed, nil)
		assert.ErrorIs(t, err, security.ErrAuthentication)
	})

	t.Run("TamperedTag", func(t *testing.T) {
		bad := *sealed
		bad.Tag = append([]byte(nil), sealed.Tag...)
		bad.Tag[0] ^= 0xff
		_, err := security.OpenGCM(key, &bad, nil)
		assert.ErrorIs(t, err, security.ErrAuthentication)
	})

	t.Run("MissingIV", func(t *testing.T) {
		_, err := security.OpenGCM(key, &security.Sealed{Ciphertext: sealed.Ciphertext, Tag: sealed.Tag}, nil)
		assert.ErrorIs(t, err, security.ErrAuthentication)
	})
}

func TestDeriveKeyIsDeterministicPerSalt(t *testing.T) {
	salt, err := security.RandomBytes(security.SaltSize)
	require.NoError(t, err)

	a := security.DeriveKey("pw", salt, testKDF)
	b := security.DeriveKey("pw", salt, testKDF)
	c := security.DeriveKey("other", salt, testKDF)

	assert.Len(t, a, security.SymmetricKeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRSAWrapUnwrap(t *testing.T) {
	priv, err := security.GenerateRSAKeyPair(2048)
	require.NoError(t, err)

	pemStr, err := security.EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	pub, err := security.ParsePublicKeyPEM(pemStr)
	require.NoError(t, err)

	der, err := security.MarshalPrivateKey(priv)
	require.NoError(t, err)
	parsed, err := security.ParsePrivateKey(der)
	require.NoError(t, err)

	key, _ := security.NewSymmetricKey()
	wrapped, err := security.WrapKey(pub, key)
	require.NoError(t, err)
	unwrapped, err := security.UnwrapKey(parsed, wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)

	_, err = security.ParsePublicKeyPEM("not pem")
	assert.Error(t, err)
}

func TestSealer(t *testing.T) {
	s, err := security.NewSealer([]byte("server-secret"))
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)
	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))

	other, _ := security.NewSealer([]byte("different"))
	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = security.NewSealer(nil)
	assert.Error(t, err)
}

func TestTokenService(t *testing.T) {
	tokens := security.NewTokenService("secret", time.Hour)

	tok, err := tokens.CreateForUser("user-1")
	require.NoError(t, err)
	sub, err := tokens.Subject(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)

	expired, err := tokens.CreateWithTTL("user-1", -time.Minute)
	require.NoError(t, err)
	_, err = tokens.Subject(expired)
	assert.Error(t, err)

	forged, _ := security.NewTokenService("other", time.Hour).CreateForUser("user-1")
	_, err = tokens.Subject(forged)
	assert.Error(t, err)
}

func TestPasswordHasher(t *testing.T) {
	h := security.NewPasswordHasher(4)
	hash, err := h.Hash("Password1!")
	require.NoError(t, err)
	assert.NoError(t, h.Verify("Password1!", hash))
	assert.ErrorIs(t, h.Verify("nope", hash), security.ErrPasswordMismatch)
}
