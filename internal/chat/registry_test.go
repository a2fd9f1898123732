package chat

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/groupchat/internal/models"
)

func TestRegistry_EvictBeforeAdmitIsNoop(t *testing.T) {
	r := NewRegistry(PresencePerConnection)
	conn := NewConn(4, WithGroup(7), WithUser(alice))

	assert.False(t, r.Evict(conn))
	assert.False(t, r.Evict(conn))
	assert.Zero(t, r.Len())
	assert.Empty(t, r.UsersPresentGlobally())
	assert.Empty(t, r.ConnectionsFor(7))

	require.True(t, r.Admit(conn))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_AdmitTwiceDoesNotDuplicate(t *testing.T) {
	r := NewRegistry(PresencePerConnection)
	conn := NewConn(4, WithGroup(7), WithUser(alice))

	require.True(t, r.Admit(conn))
	assert.False(t, r.Admit(conn))
	assert.Len(t, r.ConnectionsFor(7), 1)

	// one eviction fully removes it; the duplicate admit did not bump the user count
	require.True(t, r.Evict(conn))
	assert.Empty(t, r.UsersPresentGlobally())
	assert.Empty(t, r.UsersPresentIn(7))
}

func TestRegistry_PresenceFollowsAdmitAndEvict(t *testing.T) {
	r := NewRegistry(PresencePerConnection)
	conn := NewConn(4, WithGroup(7), WithUser(alice))

	r.Admit(conn)
	assert.Equal(t, []models.UserID{alice.ID}, r.UsersPresentIn(7))
	assert.Equal(t, []models.UserID{alice.ID}, r.UsersPresentGlobally())
	_, ok := r.LastSeen(alice.ID)
	assert.True(t, ok)

	r.Evict(conn)
	assert.Empty(t, r.UsersPresentIn(7))
	assert.Empty(t, r.UsersPresentGlobally())
	_, ok = r.LastSeen(alice.ID)
	assert.False(t, ok)
}

func TestRegistry_PresenceWithTwoConnections(t *testing.T) {
	tests := []struct {
		name          string
		policy        PresencePolicy
		wantGlobal    []models.UserID
		wantInGroup8  []models.UserID
		wantRemaining int
	}{
		{
			name:          "per connection keeps the user present",
			policy:        PresencePerConnection,
			wantGlobal:    []models.UserID{alice.ID},
			wantInGroup8:  []models.UserID{alice.ID},
			wantRemaining: 1,
		},
		{
			name:          "any disconnect drops global presence",
			policy:        PresenceAnyDisconnect,
			wantGlobal:    []models.UserID{},
			wantInGroup8:  []models.UserID{alice.ID},
			wantRemaining: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(tt.policy)
			first := NewConn(4, WithGroup(7), WithUser(alice))
			second := NewConn(4, WithGroup(8), WithUser(alice))
			r.Admit(first)
			r.Admit(second)

			r.Evict(first)

			assert.Equal(t, tt.wantGlobal, r.UsersPresentGlobally())
			assert.Equal(t, tt.wantInGroup8, r.UsersPresentIn(8))
			assert.Empty(t, r.UsersPresentIn(7))
			assert.Equal(t, tt.wantRemaining, r.Len())

			r.Evict(second)
			assert.Empty(t, r.UsersPresentGlobally())
		})
	}
}

func TestRegistry_GroupsAreIsolated(t *testing.T) {
	r := NewRegistry(PresencePerConnection)
	a := NewConn(4, WithGroup(7), WithUser(alice))
	b := NewConn(4, WithGroup(8), WithUser(bob))
	g := NewConn(4)
	r.Admit(a)
	r.Admit(b)
	r.Admit(g)

	assert.ElementsMatch(t, []*Conn{a}, r.ConnectionsFor(7))
	assert.ElementsMatch(t, []*Conn{b}, r.ConnectionsFor(8))
	assert.ElementsMatch(t, []*Conn{g}, r.GlobalConnections())
	assert.Equal(t, []models.UserID{alice.ID, bob.ID}, r.UsersPresentGlobally())
	assert.Equal(t, []models.UserID{bob.ID}, r.UsersPresentIn(8))
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry(PresencePerConnection)
	a := NewConn(4, WithGroup(7), WithUser(alice))
	b := NewConn(4, WithGroup(7), WithUser(bob))
	r.Admit(a)
	r.Admit(b)

	snapshot := r.ConnectionsFor(7)
	r.Evict(a)

	assert.Len(t, snapshot, 2)
	assert.Len(t, r.ConnectionsFor(7), 1)
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(PresencePerConnection)
	a := NewConn(4, WithGroup(7), WithUser(alice))
	g := NewConn(4)
	r.Admit(a)
	r.Admit(g)

	assert.Equal(t, 2, r.CloseAll())
	assert.Zero(t, r.Len())
	assert.True(t, a.Closed())
	assert.True(t, g.Closed())
	assert.Empty(t, r.UsersPresentGlobally())

	// sessions still unwinding evict afterwards; that stays a no-op
	assert.False(t, r.Evict(a))
}

func TestRegistry_ConcurrentAdmitEvictBroadcast(t *testing.T) {
	r := NewRegistry(PresencePerConnection)
	b := NewBroadcaster(r)

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers * 2)

	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			user := models.Identity{ID: models.UserID(i + 1), Username: "u"}
			conn := NewConn(64, WithGroup(7), WithUser(user))
			r.Admit(conn)
			r.Evict(conn)
			r.Evict(conn)
			conn.Close()
		}(i)
		go func() {
			defer wg.Done()
			b.Broadcast(7, []byte("ping"))
			_ = r.UsersPresentIn(7)
		}()
	}
	wg.Wait()

	assert.Zero(t, r.Len())
	assert.Empty(t, r.UsersPresentGlobally())
}

func TestParsePresencePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    PresencePolicy
		wantErr bool
	}{
		{"", PresencePerConnection, false},
		{"per_connection", PresencePerConnection, false},
		{"ANY_DISCONNECT", PresenceAnyDisconnect, false},
		{"sometimes", PresencePerConnection, true},
	}
	for _, tt := range tests {
		got, err := ParsePresencePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.want.String(), got.String())
	}
}
