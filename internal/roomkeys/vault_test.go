package roomkeys_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/keycustody"
	"securechat/internal/roomkeys"
	"securechat/internal/security"
	"securechat/internal/store/sqlite"
	"securechat/internal/store/sqlstore"
)

type fixture struct {
	store   *sqlstore.Store
	custody *keycustody.Custody
	vault   *roomkeys.Vault
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	custody := keycustody.New(store.KeyPairs, keycustody.Options{
		KDF: security.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1},
	}, zap.NewNop())
	for _, u := range users {
		_, err := custody.GenerateKeyPair(context.Background(), u, u+"-pw")
		require.NoError(t, err)
	}

	now := time.Now()
	require.NoError(t, store.Rooms.Create(context.Background(), &domain.ChatRoom{
		ID: "room", Name: "room", Type: domain.RoomGroup, CreatedBy: "a",
		Settings: domain.DefaultRoomSettings(), CreatedAt: now, UpdatedAt: now,
		Participants: []domain.Participant{{UserID: "a", JoinedAt: now}},
	}))

	return &fixture{
		store:   store,
		custody: custody,
		vault:   roomkeys.New(store.Envelopes, custody, zap.NewNop()),
	}
}

func TestGenerateAndGetRoomKey(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	granted, err := f.vault.GenerateRoomKey(ctx, "room", []string{"a", "b", "no-keys"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, granted)

	ka, err := f.vault.GetRoomKey(ctx, "room", "a", "a-pw")
	require.NoError(t, err)
	kb, err := f.vault.GetRoomKey(ctx, "room", "b", "b-pw")
	require.NoError(t, err)
	assert.Equal(t, ka.Key, kb.Key)
	assert.Len(t, ka.Key, security.SymmetricKeySize)
	assert.Equal(t, 1, ka.Version)

	_, err = f.vault.GetRoomKey(ctx, "room", "a", "wrong")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	_, err = f.vault.GetRoomKey(ctx, "room", "no-keys", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAddParticipantSharesCurrentKey(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	_, err := f.vault.GenerateRoomKey(ctx, "room", []string{"a", "b"})
	require.NoError(t, err)

	err = f.vault.AddParticipant(ctx, "room", "c", "a", "wrong")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	require.NoError(t, f.vault.AddParticipant(ctx, "room", "c", "a", "a-pw"))

	ka, err := f.vault.GetRoomKey(ctx, "room", "a", "a-pw")
	require.NoError(t, err)
	kc, err := f.vault.GetRoomKey(ctx, "room", "c", "c-pw")
	require.NoError(t, err)
	assert.Equal(t, ka.Key, kc.Key)
	assert.Equal(t, ka.Version, kc.Version)
}

func TestAddParticipantToKeylessRoom(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	require.NoError(t, f.vault.AddParticipant(ctx, "room", "a", "", ""))
	k, err := f.vault.GetRoomKey(ctx, "room", "a", "a-pw")
	require.NoError(t, err)
	assert.Equal(t, 1, k.Version)
}

func TestRemovedParticipantLosesAccess(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	_, err := f.vault.GenerateRoomKey(ctx, "room", []string{"a", "b", "c"})
	require.NoError(t, err)
	old, err := f.vault.GetRoomKey(ctx, "room", "c", "c-pw")
	require.NoError(t, err)

	require.NoError(t, f.vault.RemoveParticipant(ctx, "room", "c"))
	_, err = f.vault.GetRoomKey(ctx, "room", "c", "c-pw")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	granted, err := f.vault.ReEncryptRoom(ctx, "room", []string{"a", "b"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, granted)

	fresh, err := f.vault.GetRoomKey(ctx, "room", "a", "a-pw")
	require.NoError(t, err)
	assert.NotEqual(t, old.Key, fresh.Key)
	assert.Equal(t, old.Version+1, fresh.Version)

	_, err = f.vault.GetRoomKey(ctx, "room", "c", "c-pw")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRewrapAfterRotation(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, err := f.vault.GenerateRoomKey(ctx, "room", []string{"a", "b"})
	require.NoError(t, err)
	before, err := f.vault.GetRoomKey(ctx, "room", "a", "a-pw")
	require.NoError(t, err)

	rot, err := f.custody.RotateKeyPair(ctx, "a", "a-pw", "a-new")
	require.NoError(t, err)
	moved, err := f.vault.RewrapForUser(ctx, "a", rot.OldPrivate, rot.NewPublic)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	after, err := f.vault.GetRoomKey(ctx, "room", "a", "a-new")
	require.NoError(t, err)
	assert.Equal(t, before.Key, after.Key)
	assert.Equal(t, before.Version, after.Version)
}
