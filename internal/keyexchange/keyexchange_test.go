package keyexchange_test

import (
	"context"
	"testing"
	"time"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/keyexchange"
	"securechat/internal/security"
	"securechat/internal/store/sqlite"
)

func TestComputeSharedSecretAgrees(t *testing.T) {
	a, err := keyexchange.GenerateKeyPair()
	require.NoError(t, err)
	b, err := keyexchange.GenerateKeyPair()
	require.NoError(t, err)

	ab, err := keyexchange.ComputeSharedSecret(a.Private, b.Public, nil)
	require.NoError(t, err)
	ba, err := keyexchange.ComputeSharedSecret(b.Private, a.Public, nil)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	assert.Len(t, ab, keyexchange.SecretSize)

	salted, err := keyexchange.ComputeSharedSecret(a.Private, b.Public, &keyexchange.Params{Salt: []byte("s"), Info: "x"})
	require.NoError(t, err)
	assert.NotEqual(t, ab, salted)
}

func TestComputeSharedSecretRejectsLowOrder(t *testing.T) {
	a, err := keyexchange.GenerateKeyPair()
	require.NoError(t, err)
	var zero x25519.Key
	_, err = keyexchange.ComputeSharedSecret(a.Private, zero, nil)
	assert.ErrorIs(t, err, keyexchange.ErrLowOrderKey)
}

func TestParsePublicKey(t *testing.T) {
	a, err := keyexchange.GenerateKeyPair()
	require.NoError(t, err)
	pub, err := keyexchange.ParsePublicKey(a.PublicString())
	require.NoError(t, err)
	assert.Equal(t, a.Public, pub)

	_, err = keyexchange.ParsePublicKey("not base64!")
	assert.ErrorIs(t, err, keyexchange.ErrInvalidPublicKey)
	_, err = keyexchange.ParsePublicKey("AAAA")
	assert.ErrorIs(t, err, keyexchange.ErrInvalidPublicKey)
}

func TestPairIDIsOrderIndependent(t *testing.T) {
	assert.Equal(t, keyexchange.PairID("b", "a"), keyexchange.PairID("a", "b"))
	assert.Equal(t, "a:b", keyexchange.PairID("b", "a"))
}

func TestKeyManagementService(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Rooms.Create(ctx, &domain.ChatRoom{
		ID: "room", Name: "room", Type: domain.RoomGroup, CreatedBy: "a",
		Settings: domain.DefaultRoomSettings(), CreatedAt: now, UpdatedAt: now,
		Participants: []domain.Participant{{UserID: "a", JoinedAt: now}, {UserID: "b", JoinedAt: now}, {UserID: "c", JoinedAt: now}},
	}))

	sealer, err := security.NewSealer([]byte("server"))
	require.NoError(t, err)
	svc := keyexchange.NewKeyManagementService(store.Rooms, store.Sessions, sealer, zap.NewNop())

	secret, err := svc.GetPrimarySharedSecret(ctx, "a", "room")
	require.NoError(t, err)
	assert.Nil(t, secret, "no exchange yet")

	assert.ErrorIs(t, svc.SetPublicKey(ctx, "room", "a", "junk"), domain.ErrInvalidInput)

	ka, _ := keyexchange.GenerateKeyPair()
	kb, _ := keyexchange.GenerateKeyPair()
	require.NoError(t, svc.SetPublicKey(ctx, "room", "a", ka.PublicString()))
	require.NoError(t, svc.SetPublicKey(ctx, "room", "b", kb.PublicString()))

	paired, err := svc.InitializeRoomKeyExchange(ctx, "room", "b", kb.Private, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, paired, "c has no public key")

	want, err := keyexchange.ComputeSharedSecret(ka.Private, kb.Public, nil)
	require.NoError(t, err)

	for _, user := range []string{"a", "b"} {
		got, err := svc.GetPrimarySharedSecret(ctx, user, "room")
		require.NoError(t, err)
		assert.Equal(t, want, got, user)
	}

	rows, err := store.Sessions.ListForUser(ctx, "room", "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotEqual(t, want, rows[0].SharedSecret, "sealed at rest")

	require.NoError(t, svc.Forget(ctx, "room", "a"))
	secret, err = svc.GetPrimarySharedSecret(ctx, "a", "room")
	require.NoError(t, err)
	assert.Nil(t, secret)

	// once a's key is withdrawn, c pairs with nobody but b
	require.NoError(t, svc.ClearPublicKey(ctx, "room", "a", ka.PublicString()))
	kc, _ := keyexchange.GenerateKeyPair()
	paired, err = svc.InitializeRoomKeyExchange(ctx, "room", "c", kc.Private, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, paired)
}
