package main

import (
	"fmt"
	"sync"
	"testing"

	"github.com/puyokura/roomchat/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	name string

	mu    sync.Mutex
	lines []string
	full  bool
}

func newFakeMember(name string) *fakeMember { return &fakeMember{name: name} }

func (f *fakeMember) DisplayName() string { return f.name }

func (f *fakeMember) Send(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.lines = append(f.lines, line)
	return true
}

func (f *fakeMember) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeMember) Reset() {
	f.mu.Lock()
	f.lines = nil
	f.mu.Unlock()
}

type fakeStorage struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeStorage) RemoveRoom(room string) error {
	f.mu.Lock()
	f.removed = append(f.removed, room)
	f.mu.Unlock()
	return nil
}

func (f *fakeStorage) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func newTestRegistry(historySize int, audience ...Member) (*Registry, *fakeStorage) {
	storage := &fakeStorage{}
	r := NewRegistry("Lobby", historySize, storage, nil)
	r.SetAudience(func() []Member { return audience })
	return r, storage
}

func TestRegistryCreate(t *testing.T) {
	watcher := newFakeMember("watcher")
	r, _ := newTestRegistry(10, watcher)

	assert.ErrorIs(t, r.Create(""), ErrInvalidRoomName)
	assert.ErrorIs(t, r.Create("two words"), ErrInvalidRoomName)
	assert.ErrorIs(t, r.Create("a|b"), ErrInvalidRoomName)
	assert.ErrorIs(t, r.Create("Lobby"), ErrRoomExists)

	require.NoError(t, r.Create("study"))
	assert.ErrorIs(t, r.Create("study"), ErrRoomExists)

	assert.Equal(t, []string{"Lobby", "study"}, r.Names())
	assert.Equal(t, []string{"ROOM_LIST Lobby|study"}, watcher.Lines())
}

func TestRegistryJoinBroadcastsMembers(t *testing.T) {
	r, _ := newTestRegistry(10)
	alice, bob := newFakeMember("alice"), newFakeMember("bob")
	require.NoError(t, r.Create("study"))

	require.NoError(t, r.Join("study", alice))
	require.NoError(t, r.Join("study", bob))

	assert.Equal(t, []string{"ROOM_USERS study alice", "ROOM_USERS study alice|bob"}, alice.Lines())
	assert.Equal(t, []string{"ROOM_USERS study alice|bob"}, bob.Lines())
	assert.Equal(t, "study", r.Current(alice))

	members, err := r.Members("study")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestRegistryJoinSameRoomIsNoop(t *testing.T) {
	r, _ := newTestRegistry(10)
	alice := newFakeMember("alice")

	require.NoError(t, r.Join("Lobby", alice))
	alice.Reset()

	require.NoError(t, r.Join("Lobby", alice))
	assert.Empty(t, alice.Lines())
}

func TestRegistryFailedJoinKeepsCurrentRoom(t *testing.T) {
	r, _ := newTestRegistry(10)
	alice := newFakeMember("alice")
	require.NoError(t, r.Join("Lobby", alice))

	assert.ErrorIs(t, r.Join("nowhere", alice), ErrRoomNotFound)
	assert.Equal(t, "Lobby", r.Current(alice))
}

func TestRegistryLeaveDeletesEmptyRoom(t *testing.T) {
	watcher := newFakeMember("watcher")
	r, storage := newTestRegistry(10, watcher)
	alice, bob := newFakeMember("alice"), newFakeMember("bob")

	require.NoError(t, r.Create("study"))
	require.NoError(t, r.Join("study", alice))
	require.NoError(t, r.Join("study", bob))

	r.Leave(alice)
	assert.True(t, r.Exists("study"))
	assert.Equal(t, "", r.Current(alice))
	assert.Contains(t, bob.Lines(), "ROOM_USERS study bob")

	watcher.Reset()
	require.NoError(t, r.Join("Lobby", bob))
	assert.False(t, r.Exists("study"))
	assert.Equal(t, []string{"study"}, storage.Removed())
	assert.Equal(t, []string{"ROOM_LIST Lobby"}, watcher.Lines())

	// The default room survives being emptied.
	r.Leave(bob)
	assert.Equal(t, []string{"Lobby"}, r.Names())
}

func TestRegistryPersistentRoomSurvivesEmpty(t *testing.T) {
	r, storage := newTestRegistry(10)
	alice := newFakeMember("alice")

	require.NoError(t, r.CreatePersistent("hall"))
	require.NoError(t, r.Join("hall", alice))
	r.Leave(alice)

	assert.True(t, r.Exists("hall"))
	assert.Empty(t, storage.Removed())
}

func TestRegistryHistoryBound(t *testing.T) {
	r, _ := newTestRegistry(3)
	alice, bob := newFakeMember("alice"), newFakeMember("bob")
	require.NoError(t, r.Join("Lobby", alice))

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.BroadcastChat("Lobby", "alice", fmt.Sprintf("line %d", i)))
	}
	assert.Len(t, r.History("Lobby"), 3)

	require.NoError(t, r.Join("Lobby", bob))
	assert.Equal(t, []string{
		"ROOM_USERS Lobby alice|bob",
		"CHAT Lobby alice line 3",
		"CHAT Lobby alice line 4",
		"CHAT Lobby alice line 5",
	}, bob.Lines())
}

func TestRegistryBroadcastIsolatesFailures(t *testing.T) {
	r, _ := newTestRegistry(10)
	broken, ok := newFakeMember("aaa"), newFakeMember("bob")
	require.NoError(t, r.Join("Lobby", broken))
	require.NoError(t, r.Join("Lobby", ok))

	broken.full = true
	require.NoError(t, r.BroadcastChat("Lobby", "bob", "hello  world"))
	assert.Contains(t, ok.Lines(), "CHAT Lobby bob hello  world")

	assert.ErrorIs(t, r.BroadcastChat("nowhere", "bob", "x"), ErrRoomNotFound)
}

func TestRegistryDeleteMovesMembers(t *testing.T) {
	watcher := newFakeMember("watcher")
	r, storage := newTestRegistry(10, watcher)
	alice, bob := newFakeMember("alice"), newFakeMember("bob")

	require.NoError(t, r.Join("Lobby", bob))
	require.NoError(t, r.BroadcastChat("Lobby", "bob", "welcome"))
	require.NoError(t, r.Create("study"))
	require.NoError(t, r.Join("study", alice))
	alice.Reset()
	bob.Reset()

	require.NoError(t, r.Delete("study"))

	assert.False(t, r.Exists("study"))
	assert.Equal(t, "Lobby", r.Current(alice))
	assert.Equal(t, []string{"study"}, storage.Removed())
	// The notice follows ROOM_USERS so the client already points at Lobby.
	assert.Equal(t, []string{
		"ROOM_USERS Lobby alice|bob",
		protocol.Info("Room study was deleted. Moved to Lobby."),
		"CHAT Lobby bob welcome",
	}, alice.Lines())
	assert.Equal(t, []string{"ROOM_USERS Lobby alice|bob"}, bob.Lines())

	assert.ErrorIs(t, r.Delete("Lobby"), ErrDefaultRoom)
	assert.ErrorIs(t, r.Delete("study"), ErrRoomNotFound)
}

func TestRegistryWithRoom(t *testing.T) {
	r, _ := newTestRegistry(10)

	called := false
	require.NoError(t, r.WithRoom("Lobby", func() error {
		called = true
		return nil
	}))
	assert.True(t, called)

	err := r.WithRoom("nowhere", func() error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRegistryReset(t *testing.T) {
	r, storage := newTestRegistry(10)
	alice := newFakeMember("alice")

	require.NoError(t, r.CreatePersistent("hall"))
	require.NoError(t, r.Create("study"))
	require.NoError(t, r.Join("hall", alice))
	require.NoError(t, r.BroadcastChat("hall", "alice", "hi"))

	r.Reset()

	assert.Equal(t, []string{"hall", "Lobby"}, r.Names())
	assert.Equal(t, "", r.Current(alice))
	assert.Empty(t, r.History("hall"))
	assert.Equal(t, []string{"study"}, storage.Removed())
}

func TestRegistrySnapshot(t *testing.T) {
	r, _ := newTestRegistry(10)
	alice := newFakeMember("alice")
	require.NoError(t, r.Join("Lobby", alice))
	require.NoError(t, r.Create("study"))

	assert.Equal(t, []RoomInfo{
		{Name: "Lobby", Persistent: true, Members: []string{"alice"}},
		{Name: "study", Persistent: false, Members: []string{}},
	}, r.Snapshot())
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	r, _ := newTestRegistry(10)

	members := make([]*fakeMember, 16)
	for i := range members {
		members[i] = newFakeMember(fmt.Sprintf("m%02d", i))
	}

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *fakeMember) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := r.Create("busy"); err != nil {
					assert.ErrorIs(t, err, ErrRoomExists)
				}
				if err := r.Join("busy", m); err == nil {
					assert.Equal(t, "busy", r.Current(m))
				}
				assert.NoError(t, r.Join("Lobby", m))
			}
		}(m)
	}
	wg.Wait()

	assert.Equal(t, []string{"Lobby"}, r.Names())
	lobby, err := r.Members("Lobby")
	require.NoError(t, err)
	assert.Len(t, lobby, len(members))
}
