package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
	"github.com/arjunkumar811/Excalidraw/internal/registry"
	"github.com/arjunkumar811/Excalidraw/internal/registry/registrytest"
)

func TestAddAndIdentity(t *testing.T) {
	r := registry.New()
	p := registrytest.NewPeer("c1")

	require.True(t, r.Add(p, auth.Identity{ID: "u1"}))
	assert.False(t, r.Add(p, auth.Identity{ID: "u2"}), "duplicate conn id must be refused")

	id, ok := r.Identity("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, 1, r.Count())
}

func TestSameIdentityManyConnections(t *testing.T) {
	r := registry.New()
	r.Add(registrytest.NewPeer("c1"), auth.Identity{ID: "u1"})
	r.Add(registrytest.NewPeer("c2"), auth.Identity{ID: "u1"})

	_, _, err := r.Join("c1", "room")
	require.NoError(t, err)
	n, added, err := r.Join("c2", "room")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 2, n)
}

func TestJoinIsIdempotent(t *testing.T) {
	r := registry.New()
	r.Add(registrytest.NewPeer("c1"), auth.Identity{ID: "u1"})

	n, added, err := r.Join("c1", "room")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, 1, n)

	n, added, err = r.Join("c1", "room")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"room"}, r.RoomsOf("c1"))
}

func TestJoinUnknownConnection(t *testing.T) {
	r := registry.New()
	_, _, err := r.Join("ghost", "room")
	assert.ErrorIs(t, err, registry.ErrUnknownConnection)
	assert.Empty(t, r.Rooms())
}

func TestLeave(t *testing.T) {
	r := registry.New()
	r.Add(registrytest.NewPeer("c1"), auth.Identity{ID: "u1"})
	r.Add(registrytest.NewPeer("c2"), auth.Identity{ID: "u2"})
	r.Join("c1", "room")
	r.Join("c2", "room")

	n, removed := r.Leave("c1", "room")
	assert.True(t, removed)
	assert.Equal(t, 1, n)

	n, removed = r.Leave("c1", "room")
	assert.False(t, removed, "leaving twice is a no-op")
	assert.Equal(t, 1, n)

	n, _ = r.Leave("c2", "room")
	assert.Equal(t, 0, n)
	assert.Empty(t, r.Rooms(), "empty rooms are dropped")
}

func TestRemoveReturnsJoinedRooms(t *testing.T) {
	r := registry.New()
	r.Add(registrytest.NewPeer("c1"), auth.Identity{ID: "u1"})
	r.Add(registrytest.NewPeer("c2"), auth.Identity{ID: "u2"})
	r.Join("c1", "b")
	r.Join("c1", "a")
	r.Join("c2", "a")

	rooms, ok := r.Remove("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, rooms)

	assert.Equal(t, 1, r.MemberCount("a"))
	assert.Equal(t, 0, r.MemberCount("b"))
	assert.False(t, r.IsMember("c1", "a"))
	assert.Equal(t, []string{"a"}, r.Rooms())

	rooms, ok = r.Remove("c1")
	assert.False(t, ok, "second remove is a no-op")
	assert.Nil(t, rooms)
}

func TestMembersSnapshot(t *testing.T) {
	r := registry.New()
	r.Add(registrytest.NewPeer("c1"), auth.Identity{ID: "u1"})
	r.Add(registrytest.NewPeer("c2"), auth.Identity{ID: "guest_x", Guest: true})
	r.Join("c1", "room")
	r.Join("c2", "room")

	members := r.Members("room")
	require.Len(t, members, 2)

	ids := map[string]bool{}
	for _, m := range members {
		ids[m.Peer.ID()] = m.Identity.Guest
	}
	assert.Equal(t, map[string]bool{"c1": false, "c2": true}, ids)

	r.Remove("c1")
	assert.Len(t, members, 2, "snapshot is not affected by later changes")
	assert.Empty(t, r.Members("nobody-here"))
}

func TestStats(t *testing.T) {
	r := registry.New()
	r.Add(registrytest.NewPeer("c1"), auth.Identity{ID: "u1"})
	r.Add(registrytest.NewPeer("c2"), auth.Identity{ID: "u2"})
	r.Join("c1", "a")
	r.Join("c1", "b")
	r.Join("c2", "a")

	assert.Equal(t, registry.Stats{Connections: 2, Rooms: 2, Memberships: 3}, r.Stats())
}

func TestConcurrentJoinAndRemove(t *testing.T) {
	r := registry.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Add(registrytest.NewPeer(id), auth.Identity{ID: id})
			r.Join(id, "shared")
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.MemberCount("shared"))
	assert.Equal(t, 25, r.Count())
}
