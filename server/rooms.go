package main

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puyokura/roomchat/model"
	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

// Member is anything that can sit in a room. Send must not block; it
// reports false when the line could not be queued.
type Member interface {
	DisplayName() string
	Send(line string) bool
}

// RoomStorage removes the on-disk area of a deleted room.
type RoomStorage interface {
	RemoveRoom(room string) error
}

type Room struct {
	Name       string
	Persistent bool
	members    map[Member]struct{}
	history    []model.ChatEntry
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	Name       string   `json:"name"`
	Persistent bool     `json:"persistent"`
	Members    []string `json:"members"`
}

// Registry owns every room and each member's current room. One mutex
// serializes create, join, leave and delete for all room names, so a join
// and the deletion of an emptied room can never interleave.
//
// Lock order: Registry.mu before Hub.mu.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	current     map[Member]*Room
	defaultRoom string
	historySize int
	storage     RoomStorage
	audience    func() []Member
	slog        *ServerLog
}

func NewRegistry(defaultRoom string, historySize int, storage RoomStorage, slog *ServerLog) *Registry {
	if historySize <= 0 {
		historySize = 1
	}
	r := &Registry{
		rooms:       make(map[string]*Room),
		current:     make(map[Member]*Room),
		defaultRoom: defaultRoom,
		historySize: historySize,
		storage:     storage,
		slog:        slog,
	}
	r.rooms[defaultRoom] = newRoom(defaultRoom, true)
	return r
}

func newRoom(name string, persistent bool) *Room {
	return &Room{Name: name, Persistent: persistent, members: make(map[Member]struct{})}
}

// SetAudience installs the source of logged-in members that receive room
// list updates.
func (r *Registry) SetAudience(fn func() []Member) {
	r.mu.Lock()
	r.audience = fn
	r.mu.Unlock()
}

func (r *Registry) DefaultRoom() string { return r.defaultRoom }

// Create adds a transient room and pushes the new room list.
func (r *Registry) Create(name string) error {
	return r.create(name, false)
}

// CreatePersistent adds a room that survives becoming empty.
func (r *Registry) CreatePersistent(name string) error {
	return r.create(name, true)
}

func (r *Registry) create(name string, persistent bool) error {
	if !protocol.ValidRoomName(name) {
		return ErrInvalidRoomName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[name]; ok {
		return ErrRoomExists
	}
	r.rooms[name] = newRoom(name, persistent)
	r.logf("Room created: %s", name)
	r.broadcastRoomListLocked()
	return nil
}

// Delete removes a room even while occupied. Members are moved into the
// default room and told why.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == r.defaultRoom {
		return ErrDefaultRoom
	}
	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}

	moved := sortedMembers(room)
	lobby := r.rooms[r.defaultRoom]
	for _, m := range moved {
		delete(room.members, m)
		lobby.members[m] = struct{}{}
		r.current[m] = lobby
	}
	r.dropLocked(room)

	if len(moved) > 0 {
		r.sendUsersLocked(lobby)
		for _, m := range moved {
			m.Send(protocol.Info("Room " + name + " was deleted. Moved to " + r.defaultRoom + "."))
			r.replayLocked(lobby, m)
		}
	}
	return nil
}

// Join moves m into the named room. Joining the current room is a no-op.
// The target is checked before m leaves its old room, so a failed join
// leaves m where it was.
func (r *Registry) Join(name string, m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.current[m]; cur != nil && cur.Name == name {
		return nil
	}
	target, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}

	r.leaveLocked(m)

	target.members[m] = struct{}{}
	r.current[m] = target
	r.sendUsersLocked(target)
	r.replayLocked(target, m)
	return nil
}

// Leave removes m from its current room, deleting the room if it is now
// empty and not persistent.
func (r *Registry) Leave(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(m)
}

func (r *Registry) leaveLocked(m Member) {
	room := r.current[m]
	if room == nil {
		return
	}
	delete(room.members, m)
	delete(r.current, m)

	if len(room.members) == 0 && !room.Persistent && room.Name != r.defaultRoom {
		r.dropLocked(room)
		return
	}
	r.sendUsersLocked(room)
}

// dropLocked forgets room, removes its storage and pushes the room list.
func (r *Registry) dropLocked(room *Room) {
	delete(r.rooms, room.Name)
	if r.storage != nil {
		if err := r.storage.RemoveRoom(room.Name); err != nil {
			log.Error().Str("module", "rooms").Str("room", room.Name).Err(err).Msg("remove room storage")
			if r.slog != nil {
				r.slog.Errorf("Failed to remove storage for room %s: %v", room.Name, err)
			}
		}
	}
	r.logf("Room deleted: %s", room.Name)
	r.broadcastRoomListLocked()
}

// BroadcastChat records the line in the room's history and pushes it to
// every member. A member whose queue is full is skipped; its session
// closes itself.
func (r *Registry) BroadcastChat(name, from, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}

	room.history = append(room.history, model.ChatEntry{From: from, Text: text, Time: time.Now()})
	if over := len(room.history) - r.historySize; over > 0 {
		room.history = append(room.history[:0], room.history[over:]...)
	}

	line := protocol.Chat(name, from, text)
	for _, m := range sortedMembers(room) {
		if !m.Send(line) {
			log.Warn().Str("module", "rooms").Str("room", name).Str("member", m.DisplayName()).Msg("chat delivery failed")
		}
	}
	return nil
}

// History returns a copy of the room's retained chat lines, oldest first.
func (r *Registry) History(name string) []model.ChatEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return nil
	}
	return append([]model.ChatEntry(nil), room.history...)
}

// Names lists every room sorted case-insensitively.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	sortFold(names)
	return names
}

// Members lists the display names in a room.
func (r *Registry) Members(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return memberNames(room), nil
}

// Current is the name of m's room, or "" when m is in none.
func (r *Registry) Current(m Member) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room := r.current[m]; room != nil {
		return room.Name
	}
	return ""
}

func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[name]
	return ok
}

// WithRoom runs fn while holding the registry lock, provided the room
// exists. The room cannot be deleted while fn runs.
func (r *Registry) WithRoom(name string, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[name]; !ok {
		return ErrRoomNotFound
	}
	return fn()
}

// SendRoomList pushes the current room list to m alone.
func (r *Registry) SendRoomList(m Member) {
	r.mu.Lock()
	line := protocol.RoomList(r.namesLocked())
	r.mu.Unlock()
	m.Send(line)
}

func (r *Registry) Snapshot() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomInfo, 0, len(r.rooms))
	for _, name := range r.namesLocked() {
		room := r.rooms[name]
		out = append(out, RoomInfo{Name: room.Name, Persistent: room.Persistent, Members: memberNames(room)})
	}
	return out
}

// PersistentNames lists rooms that survive becoming empty.
func (r *Registry) PersistentNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, room := range r.rooms {
		if room.Persistent {
			names = append(names, name)
		}
	}
	sortFold(names)
	return names
}

// Reset drops all membership and history. Transient rooms are deleted with
// their storage; persistent rooms are recreated empty.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[string]*Room)
	for name, room := range r.rooms {
		if room.Persistent {
			fresh[name] = newRoom(name, true)
			continue
		}
		if r.storage != nil {
			if err := r.storage.RemoveRoom(name); err != nil {
				log.Error().Str("module", "rooms").Str("room", name).Err(err).Msg("remove room storage")
			}
		}
	}
	if _, ok := fresh[r.defaultRoom]; !ok {
		fresh[r.defaultRoom] = newRoom(r.defaultRoom, true)
	}
	r.rooms = fresh
	r.current = make(map[Member]*Room)
}

func (r *Registry) sendUsersLocked(room *Room) {
	line := protocol.RoomUsers(room.Name, memberNames(room))
	for _, m := range sortedMembers(room) {
		m.Send(line)
	}
}

func (r *Registry) replayLocked(room *Room, m Member) {
	for _, e := range room.history {
		m.Send(protocol.Chat(room.Name, e.From, e.Text))
	}
}

func (r *Registry) broadcastRoomListLocked() {
	if r.audience == nil {
		return
	}
	line := protocol.RoomList(r.namesLocked())
	for _, m := range r.audience() {
		m.Send(line)
	}
}

func (r *Registry) logf(format string, args ...any) {
	if r.slog != nil {
		r.slog.Infof(format, args...)
	}
}

func sortedMembers(room *Room) []Member {
	out := make([]Member, 0, len(room.members))
	for m := range room.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessFold(out[i].DisplayName(), out[j].DisplayName())
	})
	return out
}

func memberNames(room *Room) []string {
	names := make([]string, 0, len(room.members))
	for m := range room.members {
		names = append(names, m.DisplayName())
	}
	sortFold(names)
	return names
}

func sortFold(s []string) {
	sort.Slice(s, func(i, j int) bool { return lessFold(s[i], s[j]) })
}

func lessFold(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}
