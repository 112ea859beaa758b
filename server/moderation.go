package main

import (
	"errors"

	"github.com/puyokura/roomchat/model"
	"github.com/puyokura/roomchat/protocol"
	"github.com/rs/zerolog/log"
)

// Warn sends a WARN line to username. It reports false when the user is
// not logged in. Delivery is best effort.
func (h *Hub) Warn(username, text string) bool {
	s := h.lookup(username)
	if s == nil {
		return false
	}
	if !s.Send(protocol.Warn(text)) {
		log.Warn().Str("module", "moderation").Str("user", username).Msg("warning not delivered")
	}
	h.slog.Warnf("Warned %s: %s", username, text)
	return true
}

// Ban persists the ban and, if the user is online, sends BANNED and
// disconnects them. A persistence failure is returned after the user has
// still been banned in memory and kicked.
func (h *Hub) Ban(username, reason string) error {
	err := h.store.SetBanned(username, true)
	if errors.Is(err, ErrUnknownUser) {
		return err
	}
	if err != nil {
		h.slog.Errorf("Ban of %s not persisted: %v", username, err)
	}

	if reason == "" {
		reason = "You have been banned."
	}
	if s := h.lookup(username); s != nil {
		s.closeAfter(protocol.Banned(reason))
	}
	h.slog.Warnf("User banned: %s (%s)", username, reason)
	return err
}

// Unban clears the persisted ban flag.
func (h *Hub) Unban(username string) error {
	if err := h.store.SetBanned(username, false); err != nil {
		return err
	}
	h.slog.Infof("User unbanned: %s", username)
	return nil
}

// Kick disconnects a logged-in user without banning them.
func (h *Hub) Kick(username string) bool {
	s := h.lookup(username)
	if s == nil {
		return false
	}
	s.closeAfter(protocol.Info("You have been disconnected by the server."))
	h.slog.Warnf("User kicked: %s", username)
	return true
}

// Announce sends an INFO line to every logged-in user and returns how many
// accepted it.
func (h *Hub) Announce(text string) int {
	line := protocol.Info("[Server] " + text)
	n := 0
	for _, m := range h.audience() {
		if m.Send(line) {
			n++
		}
	}
	h.slog.Infof("Broadcast: %s", text)
	return n
}

// Users lists every credential record.
func (h *Hub) Users() []model.User {
	return h.store.List()
}

// CreateRoom adds a persistent room on behalf of the operator.
func (h *Hub) CreateRoom(name string) error {
	return h.rooms.CreatePersistent(name)
}

// DeleteRoom removes a room, moving any members to the default room.
func (h *Hub) DeleteRoom(name string) error {
	return h.rooms.Delete(name)
}
