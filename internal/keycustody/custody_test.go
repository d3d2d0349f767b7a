package keycustody_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/keycustody"
	"securechat/internal/security"
	"securechat/internal/store/sqlite"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newCustody(t *testing.T) (*keycustody.Custody, *clock) {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := keycustody.New(store.KeyPairs, keycustody.Options{
		KDF:      security.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1},
		Lifetime: 24 * time.Hour,
		Now:      clk.Now,
	}, zap.NewNop())
	return c, clk
}

func TestGenerateKeyPairIsIdempotent(t *testing.T) {
	c, _ := newCustody(t)
	ctx := context.Background()

	pub1, err := c.GenerateKeyPair(ctx, "alice", "pw")
	require.NoError(t, err)
	pub2, err := c.GenerateKeyPair(ctx, "alice", "other")
	require.NoError(t, err)
	assert.Equal(t, pub1, pub2)

	got, err := c.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pub1, got)
	assert.True(t, c.HasValidKeyPair(ctx, "alice"))
}

func TestConcurrentGenerateCreatesOnePair(t *testing.T) {
	c, _ := newCustody(t)
	ctx := context.Background()

	const callers = 4
	pubs := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pubs[i], errs[i] = c.GenerateKeyPair(ctx, "alice", "pw")
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, pubs[0], pubs[i])
	}
	kp, ok, err := c.Status(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, kp.KeyVersion)
}

func TestGetPrivateKey(t *testing.T) {
	c, _ := newCustody(t)
	ctx := context.Background()

	_, err := c.GenerateKeyPair(ctx, "alice", "pw")
	require.NoError(t, err)

	priv, err := c.GetPrivateKey(ctx, "alice", "pw")
	require.NoError(t, err)
	pub, err := c.PublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))

	_, err = c.GetPrivateKey(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	_, err = c.GetPrivateKey(ctx, "bob", "pw")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, c.HasValidKeyPair(ctx, "bob"))
}

func TestExpiredPairIsReplaced(t *testing.T) {
	c, clk := newCustody(t)
	ctx := context.Background()

	pub1, err := c.GenerateKeyPair(ctx, "alice", "pw")
	require.NoError(t, err)

	clk.t = clk.t.Add(25 * time.Hour)
	assert.False(t, c.HasValidKeyPair(ctx, "alice"))
	_, err = c.GetPublicKey(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pub2, err := c.GenerateKeyPair(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.NotEqual(t, pub1, pub2)

	kp, ok, err := c.Status(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, kp.KeyVersion)
}

func TestRotateKeyPair(t *testing.T) {
	c, _ := newCustody(t)
	ctx := context.Background()

	_, err := c.GenerateKeyPair(ctx, "alice", "old")
	require.NoError(t, err)
	before, err := c.GetPrivateKey(ctx, "alice", "old")
	require.NoError(t, err)

	_, err = c.RotateKeyPair(ctx, "alice", "wrong", "new")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	rot, err := c.RotateKeyPair(ctx, "alice", "old", "new")
	require.NoError(t, err)
	assert.True(t, rot.OldPrivate.Equal(before))
	assert.Equal(t, 2, rot.Version)

	_, err = c.GetPrivateKey(ctx, "alice", "old")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	after, err := c.GetPrivateKey(ctx, "alice", "new")
	require.NoError(t, err)
	assert.True(t, after.PublicKey.Equal(rot.NewPublic))
}

func TestGenerateKeyPairRejectsEmptyPassword(t *testing.T) {
	c, _ := newCustody(t)
	_, err := c.GenerateKeyPair(context.Background(), "alice", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
