package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/groupchat/internal/models"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 589000000, time.UTC)

type harness struct {
	svc      *Service
	registry *Registry
	messages *memoryMessages
}

func newHarness(t *testing.T, policy PresencePolicy) *harness {
	t.Helper()
	registry := NewRegistry(policy)
	messages := newMemoryMessages(fixedNow)
	identities := staticIdentities{"tok-alice": alice, "tok-bob": bob}
	svc := NewService(registry, identities, messages, testUsers(), ServiceConfig{})
	return &harness{svc: svc, registry: registry, messages: messages}
}

// join starts a group session and waits until the peer is admitted.
func (h *harness) join(t *testing.T, group models.GroupID, token string) (*fakePeer, *Conn, <-chan error) {
	t.Helper()
	peer := newFakePeer()
	done := make(chan error, 1)
	before := len(h.registry.ConnectionsFor(group))
	go func() { done <- h.svc.ServeGroup(context.Background(), peer, group, token) }()

	require.Eventually(t, func() bool {
		return peer.attached() != nil && len(h.registry.ConnectionsFor(group)) == before+1
	}, time.Second, 5*time.Millisecond)
	return peer, peer.attached(), done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("session did not finish")
	}
	return nil
}

func decodeEvent(t *testing.T, payload string) ChatEvent {
	t.Helper()
	var ev ChatEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &ev), payload)
	return ev
}

func TestServeGroup_RejectsUnauthenticated(t *testing.T) {
	tests := []struct {
		name       string
		credential string
		identities IdentityResolver
	}{
		{name: "missing credential", credential: "", identities: staticIdentities{}},
		{name: "blank credential", credential: "   ", identities: staticIdentities{}},
		{name: "unknown session", credential: "nope", identities: staticIdentities{"tok-alice": alice}},
		{name: "resolver failure", credential: "tok-alice", identities: brokenIdentities{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(PresencePerConnection)
			svc := NewService(registry, tt.identities, newMemoryMessages(fixedNow), testUsers(), ServiceConfig{})

			watcher := NewConn(4, WithGroup(7), WithUser(bob))
			registry.Admit(watcher)

			peer := newFakePeer()
			err := svc.ServeGroup(context.Background(), peer, 7, tt.credential)

			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnauthenticated))
			assert.True(t, peer.rejected)
			assert.Equal(t, CloseUnauthorized, peer.rejectCode)
			assert.Nil(t, peer.attached())
			assert.Equal(t, 1, registry.Len())
			assert.Equal(t, []models.UserID{bob.ID}, registry.UsersPresentGlobally())
			expectNoPayload(t, watcher, 20*time.Millisecond)
		})
	}
}

func TestServeGroup_TwoUserConversation(t *testing.T) {
	h := newHarness(t, PresencePerConnection)
	const lobby models.GroupID = 7

	alicePeer, aliceConn, aliceDone := h.join(t, lobby, "tok-alice")
	assert.Equal(t, "[system] alice joined", nextPayload(t, aliceConn))

	bobPeer, bobConn, bobDone := h.join(t, lobby, "tok-bob")
	assert.Equal(t, "[system] bob joined", nextPayload(t, aliceConn))
	assert.Equal(t, "[system] bob joined", nextPayload(t, bobConn))

	alicePeer.send("hello")
	for _, conn := range []*Conn{aliceConn, bobConn} {
		ev := decodeEvent(t, nextPayload(t, conn))
		assert.Equal(t, "alice", ev.Author)
		assert.Equal(t, "hello", ev.Content)
		assert.True(t, fixedNow.Equal(ev.CreatedAt))
	}

	stored := h.messages.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, models.StoredMessage{
		ID: 1, GroupID: lobby, AuthorID: alice.ID, Content: "hello", CreatedAt: fixedNow,
	}, stored[0])

	bobPeer.hangUp()
	require.NoError(t, waitDone(t, bobDone))
	assert.Equal(t, "[system] bob left", nextPayload(t, aliceConn))
	assert.Equal(t, []models.UserID{alice.ID}, h.registry.UsersPresentIn(lobby))
	assert.True(t, bobConn.Closed())

	alicePeer.hangUp()
	require.NoError(t, waitDone(t, aliceDone))
	assert.Zero(t, h.registry.Len())
	assert.Empty(t, h.registry.UsersPresentGlobally())
}

func TestServeGroup_SuppressesBlankAndBinaryFrames(t *testing.T) {
	h := newHarness(t, PresencePerConnection)

	peer, conn, done := h.join(t, 7, "tok-alice")
	require.Equal(t, "[system] alice joined", nextPayload(t, conn))

	peer.send("")
	peer.send("   \t\n ")
	peer.sendBinary("binary bytes")
	peer.send("  real  ")

	ev := decodeEvent(t, nextPayload(t, conn))
	assert.Equal(t, "real", ev.Content)

	stored := h.messages.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "real", stored[0].Content)

	peer.hangUp()
	require.NoError(t, waitDone(t, done))
}

func TestServeGroup_PersistsBeforeBroadcast(t *testing.T) {
	h := newHarness(t, PresencePerConnection)

	peer, conn, done := h.join(t, 7, "tok-alice")
	require.Equal(t, "[system] alice joined", nextPayload(t, conn))

	queuedAtAppend := -1
	h.messages.onAppend = func(models.StoredMessage) {
		queuedAtAppend = len(conn.Outbound())
	}

	peer.send("first")
	ev := decodeEvent(t, nextPayload(t, conn))

	assert.Equal(t, 0, queuedAtAppend, "event must not be queued before the append returns")
	require.Len(t, h.messages.stored(), 1)
	assert.True(t, h.messages.stored()[0].CreatedAt.Equal(ev.CreatedAt))

	peer.hangUp()
	require.NoError(t, waitDone(t, done))
}

func TestServeGroup_PersistFailureKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, PresencePerConnection)

	peer, conn, done := h.join(t, 7, "tok-alice")
	require.Equal(t, "[system] alice joined", nextPayload(t, conn))

	h.messages.setFail(errors.New("disk full"))
	peer.send("lost")
	expectNoPayload(t, conn, 50*time.Millisecond)

	h.messages.setFail(nil)
	peer.send("kept")
	assert.Equal(t, "kept", decodeEvent(t, nextPayload(t, conn)).Content)
	assert.Equal(t, 1, h.registry.Len())

	peer.hangUp()
	require.NoError(t, waitDone(t, done))
}

func TestServeGroup_PreservesSenderOrder(t *testing.T) {
	h := newHarness(t, PresencePerConnection)

	alicePeer, aliceConn, aliceDone := h.join(t, 7, "tok-alice")
	require.Equal(t, "[system] alice joined", nextPayload(t, aliceConn))
	bobPeer, bobConn, bobDone := h.join(t, 7, "tok-bob")
	require.Equal(t, "[system] bob joined", nextPayload(t, aliceConn))
	require.Equal(t, "[system] bob joined", nextPayload(t, bobConn))

	for i := 0; i < 5; i++ {
		alicePeer.send(fmt.Sprintf("m%d", i))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), decodeEvent(t, nextPayload(t, bobConn)).Content)
	}

	alicePeer.hangUp()
	bobPeer.hangUp()
	require.NoError(t, waitDone(t, aliceDone))
	require.NoError(t, waitDone(t, bobDone))
}

func TestServeGroup_SameUserTwoGroups(t *testing.T) {
	h := newHarness(t, PresencePerConnection)

	p7, c7, d7 := h.join(t, 7, "tok-alice")
	p8, c8, d8 := h.join(t, 8, "tok-alice")
	require.Equal(t, "[system] alice joined", nextPayload(t, c7))
	require.Equal(t, "[system] alice joined", nextPayload(t, c8))

	p7.hangUp()
	require.NoError(t, waitDone(t, d7))

	assert.Equal(t, []models.UserID{alice.ID}, h.registry.UsersPresentGlobally())
	assert.Empty(t, h.registry.UsersPresentIn(7))
	assert.Equal(t, []models.UserID{alice.ID}, h.registry.UsersPresentIn(8))

	p8.hangUp()
	require.NoError(t, waitDone(t, d8))
	assert.Empty(t, h.registry.UsersPresentGlobally())
}

func TestServeNotifications_ReceivesGroupNotices(t *testing.T) {
	h := newHarness(t, PresencePerConnection)

	peer := newFakePeer()
	done := make(chan error, 1)
	go func() { done <- h.svc.ServeNotifications(context.Background(), peer) }()
	require.Eventually(t, func() bool {
		return len(h.registry.GlobalConnections()) == 1
	}, time.Second, 5*time.Millisecond)
	conn := peer.attached()
	require.NotNil(t, conn)

	// inbound frames are ignored
	peer.send("anything")

	n := h.svc.NotifyGroupCreated(models.Group{ID: 3, Name: "lobby"})
	assert.Equal(t, 1, n)
	assert.Equal(t, "new_group:lobby", nextPayload(t, conn))
	assert.Empty(t, h.messages.stored())
	assert.Empty(t, h.registry.UsersPresentGlobally())

	peer.hangUp()
	require.NoError(t, waitDone(t, done))
	assert.Empty(t, h.registry.GlobalConnections())
}

func TestService_ActiveUsers(t *testing.T) {
	h := newHarness(t, PresencePerConnection)

	ghost := models.Identity{ID: 99, Username: "ghost"}
	h.registry.Admit(NewConn(4, WithGroup(7), WithUser(bob)))
	h.registry.Admit(NewConn(4, WithGroup(8), WithUser(alice)))
	h.registry.Admit(NewConn(4, WithGroup(8), WithUser(ghost)))

	all, err := h.svc.ActiveUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.UserView{{ID: 1, Username: "alice"}, {ID: 2, Username: "bob"}}, all)

	inGroup, err := h.svc.ActiveUsersInGroup(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, []models.UserView{{ID: 1, Username: "alice"}}, inGroup)

	empty, err := h.svc.ActiveUsersInGroup(context.Background(), 42)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestService_History(t *testing.T) {
	h := newHarness(t, PresencePerConnection)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.messages.Append(ctx, 7, alice.ID, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	_, err := h.messages.Append(ctx, 7, 55, "from a deleted user")
	require.NoError(t, err)
	_, err = h.messages.Append(ctx, 8, bob.ID, "elsewhere")
	require.NoError(t, err)

	views, err := h.svc.History(ctx, 7, 3)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, "m3", views[0].Content)
	assert.Equal(t, "m4", views[1].Content)
	assert.Equal(t, "alice", views[1].Author)
	assert.Equal(t, "user#55", views[2].Author)

	all, err := h.svc.History(ctx, 7, 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	none, err := h.svc.History(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestService_RunClosesConnectionsOnShutdown(t *testing.T) {
	h := newHarness(t, PresencePerConnection)
	conn := NewConn(4, WithGroup(7), WithUser(alice))
	h.registry.Admit(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()
	cancel()

	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
	assert.True(t, conn.Closed())
	assert.Zero(t, h.registry.Len())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateConnecting, StateAuthenticating))
	assert.True(t, CanTransition(StateConnecting, StateJoined))
	assert.True(t, CanTransition(StateAuthenticating, StateClosed))
	assert.True(t, CanTransition(StateRelaying, StateClosing))
	assert.True(t, CanTransition(StateClosing, StateClosed))

	assert.False(t, CanTransition(StateAuthenticating, StateRelaying))
	assert.False(t, CanTransition(StateClosed, StateConnecting))
	assert.False(t, CanTransition(StateJoined, StateClosed))
	assert.Equal(t, "relaying", StateRelaying.String())
}
