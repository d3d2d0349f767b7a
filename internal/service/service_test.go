package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/keycustody"
	"securechat/internal/keyexchange"
	"securechat/internal/roomkeys"
	"securechat/internal/security"
	"securechat/internal/service"
	"securechat/internal/store/sqlite"
	"securechat/internal/store/sqlstore"
)

type harness struct {
	store      *sqlstore.Store
	vault      *roomkeys.Vault
	custody    *keycustody.Custody
	kms        *keyexchange.KeyManagementService
	rooms      *service.RoomService
	messages   *service.MessageService
	encryption *service.EncryptionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := zap.NewNop()
	custody := keycustody.New(store.KeyPairs, keycustody.Options{
		KDF: security.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1},
	}, log)
	vault := roomkeys.New(store.Envelopes, custody, log)
	sealer, err := security.NewSealer([]byte("test"))
	require.NoError(t, err)
	kms := keyexchange.NewKeyManagementService(store.Rooms, store.Sessions, sealer, log)

	return &harness{
		store:      store,
		vault:      vault,
		custody:    custody,
		kms:        kms,
		rooms:      service.NewRoomService(store.Rooms, store.Messages, vault, custody, kms, log),
		messages:   service.NewMessageService(store.Rooms, store.Messages, vault, custody, log),
		encryption: service.NewEncryptionService(custody, vault, log),
	}
}

func pw(user string) string { return user + "-secret" }

func (h *harness) initUsers(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		pub, err := h.encryption.InitializeUserEncryption(context.Background(), u, pw(u))
		require.NoError(t, err)
		require.NotEmpty(t, pub)
	}
}

func (h *harness) room(t *testing.T, creator string, others ...string) *domain.ChatRoom {
	t.Helper()
	room, err := h.rooms.CreateRoom(context.Background(), creator, service.CreateRoomInput{
		Name:           "team",
		Type:           domain.RoomGroup,
		ParticipantIDs: others,
	})
	require.NoError(t, err)
	return room
}

func (h *harness) unread(t *testing.T, roomID, userID string) int {
	t.Helper()
	room, err := h.store.Rooms.GetByID(context.Background(), roomID)
	require.NoError(t, err)
	p := room.Participant(userID)
	require.NotNil(t, p)
	return p.UnreadCount
}

func TestHelloScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B", "C")
	room := h.room(t, "A", "B", "C")
	assert.ElementsMatch(t, []string{"A", "B", "C"}, room.ParticipantIDs())

	sent, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", sent.Content)

	page, err := h.messages.GetMessages(ctx, "B", pw("B"), room.ID, service.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello", page.Messages[0].Content)
	assert.False(t, page.Messages[0].Undecryptable)

	_, err = h.messages.GetMessages(ctx, "B", "wrong", room.ID, service.ListOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	stored, err := h.store.Messages.GetByID(ctx, sent.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Ciphertext), "hello")
}

func TestRemovedParticipantCannotReadNewMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B", "C")
	room := h.room(t, "A", "B", "C")

	_, err := h.vault.GetRoomKey(ctx, room.ID, "C", pw("C"))
	require.NoError(t, err)

	_, err = h.rooms.RemoveParticipant(ctx, "A", room.ID, "C")
	require.NoError(t, err)
	_, err = h.vault.GetRoomKey(ctx, room.ID, "C", pw("C"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.rooms.RotateRoomKey(ctx, "A", room.ID)
	require.NoError(t, err)

	_, err = h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "after"})
	require.NoError(t, err)

	_, err = h.messages.GetMessages(ctx, "C", pw("C"), room.ID, service.ListOptions{})
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	page, err := h.messages.GetMessages(ctx, "B", pw("B"), room.ID, service.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "after", page.Messages[0].Content)
}

func TestAccessDeniedForNonParticipants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B", "X")
	room := h.room(t, "A", "B")

	_, err := h.rooms.GetRoom(ctx, "X", room.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	_, err = h.messages.SendMessage(ctx, "X", pw("X"), service.SendMessageInput{RoomID: room.ID, Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	sent, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "hi"})
	require.NoError(t, err)
	_, err = h.messages.AddReaction(ctx, "X", sent.ID, service.ReactionInput{Type: "like"})
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	assert.ErrorIs(t, h.messages.MarkRead(ctx, "X", sent.ID), domain.ErrAccessDenied)
}

func TestUnreadAccounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B", "C")
	room := h.room(t, "A", "B", "C")

	const n = 3
	var ids []string
	for i := 0; i < n; i++ {
		m, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	assert.Equal(t, 0, h.unread(t, room.ID, "A"))
	assert.Equal(t, n, h.unread(t, room.ID, "B"))
	assert.Equal(t, n, h.unread(t, room.ID, "C"))

	require.NoError(t, h.messages.MarkRead(ctx, "B", ids[0]))
	require.NoError(t, h.messages.MarkRead(ctx, "B", ids[0]))
	assert.Equal(t, n-1, h.unread(t, room.ID, "B"), "second read of the same message is a no-op")

	for _, id := range ids {
		require.NoError(t, h.messages.MarkRead(ctx, "A", id))
	}
	assert.Equal(t, 0, h.unread(t, room.ID, "A"), "never below zero")
}

func TestReadingOwnMessageKeepsUnreadCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B")
	room := h.room(t, "A", "B")

	for i := 0; i < 2; i++ {
		_, err := h.messages.SendMessage(ctx, "B", pw("B"), service.SendMessageInput{RoomID: room.ID, Content: fmt.Sprintf("b%d", i)})
		require.NoError(t, err)
	}
	own, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "a0"})
	require.NoError(t, err)
	require.Equal(t, 2, h.unread(t, room.ID, "A"))

	require.NoError(t, h.messages.MarkRead(ctx, "A", own.ID))
	assert.Equal(t, 2, h.unread(t, room.ID, "A"))

	stored, err := h.store.Messages.GetByID(ctx, own.ID)
	require.NoError(t, err)
	assert.True(t, stored.ReadByUser("A"), "the receipt is still recorded")
}

func TestReactionIdempotence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B")
	room := h.room(t, "A", "B")

	sent, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "hi"})
	require.NoError(t, err)

	res, err := h.messages.AddReaction(ctx, "B", sent.ID, service.ReactionInput{Type: "like", Emoji: "👍"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	res, err = h.messages.AddReaction(ctx, "B", sent.ID, service.ReactionInput{Type: "like", Emoji: "👍"})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Len(t, res.Message.Reactions, 1)

	res, err = h.messages.RemoveReaction(ctx, "B", sent.ID, "love")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Len(t, res.Message.Reactions, 1)

	res, err = h.messages.RemoveReaction(ctx, "B", sent.ID, "like")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Empty(t, res.Message.Reactions)
}

func TestEditAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B")
	room := h.room(t, "A", "B")

	sent, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "draft"})
	require.NoError(t, err)
	before, err := h.store.Messages.GetByID(ctx, sent.ID)
	require.NoError(t, err)

	_, err = h.messages.EditMessage(ctx, "B", pw("B"), sent.ID, "hijack")
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	edited, err := h.messages.EditMessage(ctx, "A", pw("A"), sent.ID, "final")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "final", edited.Content)

	after, err := h.store.Messages.GetByID(ctx, sent.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.IV, after.IV)

	page, err := h.messages.GetMessages(ctx, "B", pw("B"), room.ID, service.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "final", page.Messages[0].Content)

	_, err = h.messages.DeleteMessage(ctx, "B", sent.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	_, err = h.messages.DeleteMessage(ctx, "A", sent.ID)
	require.NoError(t, err)
	_, err = h.store.Messages.GetByID(ctx, sent.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetMessagesPaginationAndOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B")
	room := h.room(t, "A", "B")

	for i := 0; i < 5; i++ {
		_, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	page, err := h.messages.GetMessages(ctx, "B", pw("B"), room.ID, service.ListOptions{Page: 2, Limit: 2, SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m2", page.Messages[0].Content)
	assert.Equal(t, service.Pagination{Page: 2, Limit: 2, Total: 5, TotalPages: 3}, page.Pagination)

	page, err = h.messages.GetMessages(ctx, "B", pw("B"), room.ID, service.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "m4", page.Messages[0].Content)

	_, err = h.messages.GetMessages(ctx, "B", pw("B"), room.ID, service.ListOptions{SortOrder: "sideways"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTamperedRowIsFlagged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B")
	room := h.room(t, "A", "B")

	sent, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "hi"})
	require.NoError(t, err)

	m, err := h.store.Messages.GetByID(ctx, sent.ID)
	require.NoError(t, err)
	m.Tag[0] ^= 0xff
	require.NoError(t, h.store.Messages.Update(ctx, m))

	page, err := h.messages.GetMessages(ctx, "B", pw("B"), room.ID, service.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.Messages[0].Undecryptable)
	assert.Empty(t, page.Messages[0].Content)
}

func TestAddParticipantWrapsCurrentKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B", "D")
	room := h.room(t, "A", "B")

	_, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "before D"})
	require.NoError(t, err)

	_, err = h.rooms.AddParticipant(ctx, "A", "wrong", room.ID, "D")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	updated, err := h.rooms.AddParticipant(ctx, "A", pw("A"), room.ID, "D")
	require.NoError(t, err)
	assert.True(t, updated.HasParticipant("D"))

	page, err := h.messages.GetMessages(ctx, "D", pw("D"), room.ID, service.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "before D", page.Messages[0].Content)
}

func TestAttachmentPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A")
	settings := domain.RoomSettings{AllowFileUploads: true, MaxFileSizeBytes: 100}
	room, err := h.rooms.CreateRoom(ctx, "A", service.CreateRoomInput{Name: "files", Settings: &settings})
	require.NoError(t, err)

	_, err = h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{
		RoomID:      room.ID,
		Attachments: []domain.Attachment{{Name: "big.bin", URL: "/f/big.bin", Size: 101}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	sent, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{
		RoomID:      room.ID,
		Attachments: []domain.Attachment{{Name: "ok.txt", URL: "/f/ok.txt", Size: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageAttachment, sent.Type)

	settings.AllowFileUploads = false
	_, err = h.rooms.UpdateRoom(ctx, "A", room.ID, service.UpdateRoomInput{Settings: &settings})
	require.NoError(t, err)
	_, err = h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{
		RoomID:      room.ID,
		Attachments: []domain.Attachment{{Name: "ok.txt", URL: "/f/ok.txt", Size: 10}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEnsureWorkspaceGeneralRoomIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A")

	first, created, err := h.rooms.EnsureWorkspaceGeneralRoom(ctx, "A", "ws-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RoomGeneral, first.Type)

	second, created, err := h.rooms.EnsureWorkspaceGeneralRoom(ctx, "A", "ws-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestPurgeMessagesCreatorOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B")
	room := h.room(t, "A", "B")

	_, err := h.messages.SendMessage(ctx, "B", pw("B"), service.SendMessageInput{RoomID: room.ID, Content: "x"})
	require.NoError(t, err)

	_, err = h.rooms.PurgeMessages(ctx, "B", room.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	n, err := h.rooms.PurgeMessages(ctx, "A", room.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRotateUserKeysKeepsRoomAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B")
	room := h.room(t, "A", "B")

	_, err := h.messages.SendMessage(ctx, "A", pw("A"), service.SendMessageInput{RoomID: room.ID, Content: "kept"})
	require.NoError(t, err)

	res, err := h.encryption.RotateUserKeys(ctx, "B", pw("B"), "B-new")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rewrapped)
	assert.Equal(t, 2, res.KeyVersion)

	page, err := h.messages.GetMessages(ctx, "B", "B-new", room.ID, service.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, "kept", page.Messages[0].Content)

	st, err := h.encryption.Status(ctx, "B")
	require.NoError(t, err)
	assert.True(t, st.Initialized)
	assert.True(t, st.Valid)

	st, err = h.encryption.Status(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, st.Initialized)
}

type recordingMembership struct {
	calls []string
}

func (r *recordingMembership) SubscribeUser(roomID, userID string) {
	r.calls = append(r.calls, "subscribe "+userID)
}

func (r *recordingMembership) EvictUser(roomID, userID string) {
	r.calls = append(r.calls, "evict "+userID)
}

func (r *recordingMembership) RetainMembers(roomID string, userIDs []string) {
	ids := append([]string(nil), userIDs...)
	sort.Strings(ids)
	r.calls = append(r.calls, "retain "+strings.Join(ids, ","))
}

func TestMembershipChangesReachLiveSockets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B", "C")
	live := &recordingMembership{}
	h.rooms.SetMembership(live)

	room := h.room(t, "A", "B")
	assert.Equal(t, []string{"subscribe A", "subscribe B"}, live.calls)

	live.calls = nil
	_, err := h.rooms.AddParticipant(ctx, "A", pw("A"), room.ID, "C")
	require.NoError(t, err)
	_, err = h.rooms.RemoveParticipant(ctx, "A", room.ID, "C")
	require.NoError(t, err)
	_, err = h.rooms.RotateRoomKey(ctx, "A", room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"subscribe C", "evict C", "retain A,B"}, live.calls)

	live.calls = nil
	_, err = h.rooms.RemoveParticipant(ctx, "B", room.ID, "A")
	require.Error(t, err)
	assert.Empty(t, live.calls, "failed removals leave sockets alone")
}

type brokenVault struct {
	*roomkeys.Vault
}

func (brokenVault) RemoveParticipant(context.Context, string, string) error {
	return errors.New("envelope store unavailable")
}

func TestRemovalRevokesMembershipBeforeEnvelope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B")
	room := h.room(t, "A", "B")

	live := &recordingMembership{}
	rooms := service.NewRoomService(h.store.Rooms, h.store.Messages, brokenVault{h.vault}, h.custody, h.kms, zap.NewNop())
	rooms.SetMembership(live)

	_, err := rooms.RemoveParticipant(ctx, "A", room.ID, "B")
	require.Error(t, err)

	member, err := h.store.Rooms.IsParticipant(ctx, room.ID, "B")
	require.NoError(t, err)
	assert.False(t, member)
	assert.Equal(t, []string{"evict B"}, live.calls)

	_, err = h.messages.GetMessages(ctx, "B", pw("B"), room.ID, service.ListOptions{})
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}

func TestSessionSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.initUsers(t, "A", "B", "X")
	room := h.room(t, "A", "B")

	secret, err := h.rooms.SessionSecret(ctx, "A", room.ID)
	require.NoError(t, err)
	assert.Nil(t, secret, "no exchange yet")

	a, err := keyexchange.GenerateKeyPair()
	require.NoError(t, err)
	b, err := keyexchange.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, h.kms.SetPublicKey(ctx, room.ID, "B", b.PublicString()))
	_, err = h.kms.InitializeRoomKeyExchange(ctx, room.ID, "A", a.Private, nil)
	require.NoError(t, err)

	secret, err = h.rooms.SessionSecret(ctx, "A", room.ID)
	require.NoError(t, err)
	assert.Len(t, secret, keyexchange.SecretSize)

	_, err = h.rooms.SessionSecret(ctx, "X", room.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
}
