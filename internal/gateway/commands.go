package gateway

import (
	"encoding/json"

	apperrors "github.com/abrezinsky/planningpoker/internal/errors"
	"github.com/abrezinsky/planningpoker/internal/models"
	"github.com/abrezinsky/planningpoker/internal/session"
	"github.com/abrezinsky/planningpoker/internal/stats"
	"github.com/abrezinsky/planningpoker/internal/tracker"
)

var errSessionNotFound = apperrors.NotFound(models.MsgSessionNotFound)

func (h *Hub) dispatch(c *Client, data []byte) {
	if h.clients[c.id] != c {
		return
	}

	h.tracker.Touch(c.id)
	if c.sessionID != "" {
		if s, ok := h.registry.Get(c.sessionID); ok {
			s.MarkSeen(c.id)
		}
	}

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		h.metrics.RecordCommand("invalid", false)
		h.sendError(c, apperrors.InvalidInput("Invalid message"))
		return
	}

	handle, ok := h.commands[env.Type]
	if !ok {
		h.metrics.RecordCommand("unknown", false)
		h.sendError(c, apperrors.InvalidInputf("Unknown message type: %s", env.Type))
		return
	}

	err := handle(c, env)
	h.metrics.RecordCommand(env.Type, err == nil)
	if err != nil {
		h.log.Debug("Command rejected", "type", env.Type, "connection_id", c.id, "error", err)
		h.sendError(c, err)
	}
}

func (h *Hub) sendError(c *Client, err error) {
	h.sendTo(c, models.EvtError, models.ErrorPayload{
		Message: apperrors.MessageOf(err),
		Code:    errorCode(err),
	})
}

func errorCode(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.ErrNotFound:
		return models.CodeNotFound
	case apperrors.ErrValidation:
		return models.CodeValidation
	case apperrors.ErrInvalidInput, apperrors.ErrConflict:
		return models.CodeBadRequest
	default:
		return models.CodeInternal
	}
}

func decode(env models.Envelope, target any) error {
	if err := env.Decode(target); err != nil {
		return apperrors.InvalidInputf("Invalid payload for %s", env.Type)
	}
	return nil
}

func (h *Hub) lookup(sessionID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, apperrors.InvalidInput("sessionId is required")
	}
	s, ok := h.registry.Get(sessionID)
	if !ok {
		return nil, errSessionNotFound
	}
	return s, nil
}

// decodeSession decodes env into target and resolves the session it names
func (h *Hub) decodeSession(env models.Envelope, target any, sessionID func() string) (*session.Session, error) {
	if err := decode(env, target); err != nil {
		return nil, err
	}
	return h.lookup(sessionID())
}

// playerName validates a supplied display name. Blank names are allowed and
// get a default from the session.
func playerName(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	return session.NormalizeName(name)
}

func (h *Hub) bind(c *Client, s *session.Session) {
	p, _ := s.Participant(c.id)
	sessionID := s.ID()
	h.joinRoom(c, sessionID)
	h.tracker.OnActivity(c.id, tracker.Activity{
		SessionID:       &sessionID,
		ParticipantName: &p.Name,
		IsWatcher:       &p.IsWatcher,
	})
}

func (h *Hub) handleCreateSession(c *Client, env models.Envelope) error {
	var p models.CreateSessionPayload
	if err := decode(env, &p); err != nil {
		return err
	}
	name, err := playerName(p.PlayerName)
	if err != nil {
		return err
	}

	h.leaveCurrent(c, "")
	s := h.registry.Create(p.DeckType)
	s.AddOrUpdateParticipant(c.id, name, p.IsWatcher)
	h.bind(c, s)

	h.sendTo(c, models.EvtSessionCreated, models.SessionCreatedPayload{
		SessionID: s.ID(),
		Session:   s.View(),
	})
	h.metrics.SetSessions(h.registry.Len())
	h.persist()
	return nil
}

func (h *Hub) handleJoinSession(c *Client, env models.Envelope) error {
	var p models.JoinSessionPayload
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}
	name, err := playerName(p.PlayerName)
	if err != nil {
		return err
	}

	h.leaveCurrent(c, s.ID())
	var joined models.Participant
	if _, exists := s.Participant(c.id); exists {
		joined = s.Rejoin(c.id, name, p.IsWatcher)
	} else if oldID, ok := h.reclaimable(s, c, p.PreviousID, name); ok {
		joined, _ = s.Reclaim(oldID, c.id, name, p.IsWatcher)
		h.retire(oldID)
		h.log.Info("Participant reconnected", "session_id", s.ID(), "player", joined.Name, "previous_id", oldID, "connection_id", c.id)
	} else {
		joined = s.AddOrUpdateParticipant(c.id, name, p.IsWatcher)
	}
	h.bind(c, s)

	h.log.Info("Player joined session",
		"session_id", s.ID(),
		"player", joined.Name,
		"watcher", joined.IsWatcher,
		"players", s.ParticipantCount(),
		"connections", h.tracker.InSession(s.ID()))
	h.broadcast(s.ID(), models.EvtPlayerJoined, s.View())
	h.persist()
	return nil
}

// reclaimable finds the participant a reconnecting client held before. The
// previous connection id wins when it names a participant of s with the same
// name. Otherwise a participant with the requested name whose connection is
// not live in s is taken over; live namesakes are distinct people.
func (h *Hub) reclaimable(s *session.Session, c *Client, previousID, name string) (string, bool) {
	if previousID != "" && previousID != c.id {
		if old, ok := s.Participant(previousID); ok && (name == "" || old.Name == name) {
			return previousID, true
		}
	}
	if name == "" {
		return "", false
	}
	for _, p := range s.Participants() {
		if p.ID == c.id || p.Name != name {
			continue
		}
		if old, live := h.clients[p.ID]; live && old.sessionID == s.ID() {
			continue
		}
		return p.ID, true
	}
	return "", false
}

// retire forgets the connection whose participant was reclaimed. A socket
// that is still open, typically half-open after a network change, is closed
// without evicting the participant it no longer owns.
func (h *Hub) retire(oldID string) {
	h.tracker.OnDisconnect(oldID)
	if old, ok := h.clients[oldID]; ok {
		h.detach(old)
	}
}

func (h *Hub) handleCastVote(c *Client, env models.Envelope) error {
	var p models.CastVotePayload
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	if !s.Deck().HasCard(p.Card) {
		h.log.Debug("Vote for a card outside the active deck", "session_id", s.ID(), "card", p.Card, "deck", s.DeckType())
	}
	if !s.CastVote(c.id, p.Card) {
		h.log.Warn("Invalid vote attempt", "session_id", s.ID(), "connection_id", c.id, "card", p.Card)
		return nil
	}

	view := s.View()
	if view.AllVoted {
		h.log.Info("All players voted", "session_id", s.ID(), "voters", len(view.Voters()))
	}
	h.broadcast(s.ID(), models.EvtVoteCast, view)
	h.persist()
	return nil
}

func (h *Hub) handleRevealVotes(c *Client, env models.Envelope) error {
	var p models.SessionRef
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	s.RevealVotes()
	view := s.View()
	h.log.Info("Votes revealed", "session_id", s.ID(), "votes", len(view.Votes))
	if card, ok := stats.Consensus(view); ok {
		h.log.Info("Consensus reached", "session_id", s.ID(), "card", card, "voters", len(view.Votes))
	}
	h.broadcast(s.ID(), models.EvtVotesRevealed, view)
	h.persist()
	return nil
}

func (h *Hub) handleResetRound(c *Client, env models.Envelope) error {
	var p models.SessionRef
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	s.ResetRound()
	h.log.Info("Round reset", "session_id", s.ID())
	h.broadcast(s.ID(), models.EvtRoundReset, s.View())
	h.persist()
	return nil
}

func (h *Hub) handleChangeDeck(c *Client, env models.Envelope) error {
	var p models.ChangeDeckPayload
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	s.SetDeck(p.DeckType)
	h.log.Info("Deck changed", "session_id", s.ID(), "requested", p.DeckType, "deck_type", s.DeckType())
	h.broadcast(s.ID(), models.EvtDeckChanged, s.View())
	h.persist()
	return nil
}

func (h *Hub) handleCreateCustomDeck(c *Client, env models.Envelope) error {
	var p models.CustomDeckPayload
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	if err := s.CreateCustomDeck(p.Name, p.Cards); err != nil {
		return err
	}
	deck, _ := s.CustomDeck()
	h.log.Info("Custom deck created", "session_id", s.ID(), "deck", deck.Name, "cards", len(deck.Cards))
	h.broadcast(s.ID(), models.EvtCustomDeckCreated, s.View())
	h.persist()
	return nil
}

func (h *Hub) handleEditCustomDeck(c *Client, env models.Envelope) error {
	var p models.CustomDeckPayload
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	changed, err := s.EditCustomDeck(p.Name, p.Cards)
	if err != nil {
		return err
	}
	if !changed {
		h.log.Debug("No custom deck to edit", "session_id", s.ID())
		return nil
	}
	deck, _ := s.CustomDeck()
	h.log.Info("Custom deck edited", "session_id", s.ID(), "deck", deck.Name, "cards", len(deck.Cards))
	h.broadcast(s.ID(), models.EvtCustomDeckEdited, s.View())
	h.persist()
	return nil
}

func (h *Hub) handleToggleRole(c *Client, env models.Envelope) error {
	var p models.SessionRef
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	if !s.ToggleRole(c.id) {
		h.log.Warn("Role toggle for unknown participant", "session_id", s.ID(), "connection_id", c.id)
		return nil
	}
	participant, _ := s.Participant(c.id)
	h.tracker.OnActivity(c.id, tracker.Activity{IsWatcher: &participant.IsWatcher})
	h.log.Info("Role toggled", "session_id", s.ID(), "player", participant.Name, "watcher", participant.IsWatcher)
	h.broadcast(s.ID(), models.EvtRoleToggled, s.View())
	h.persist()
	return nil
}

func (h *Hub) handleRename(c *Client, env models.Envelope) error {
	var p models.RenamePayload
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	before, _ := s.Participant(c.id)
	if err := s.RenameParticipant(c.id, p.NewName); err != nil {
		return err
	}
	after, _ := s.Participant(c.id)
	h.tracker.OnActivity(c.id, tracker.Activity{ParticipantName: &after.Name})
	h.log.Info("Name changed", "session_id", s.ID(), "old", before.Name, "new", after.Name)
	h.broadcast(s.ID(), models.EvtNameChanged, s.View())
	h.persist()
	return nil
}

func (h *Hub) handleLeaveSession(c *Client, env models.Envelope) error {
	var p models.SessionRef
	s, err := h.decodeSession(env, &p, func() string { return p.SessionID })
	if err != nil {
		return err
	}

	if c.sessionID == s.ID() {
		h.leaveRoom(c)
		h.tracker.ClearSession(c.id)
	}
	if !s.RemoveParticipant(c.id) {
		return nil
	}
	if s.ParticipantCount() == 0 {
		h.log.Info("Session is now empty", "session_id", s.ID(), "expires_after", h.cfg.SessionTTL)
	} else {
		h.log.Info("Player left session", "session_id", s.ID(), "connection_id", c.id)
		h.broadcast(s.ID(), models.EvtPlayerLeft, s.View())
	}
	h.persist()
	return nil
}

func (h *Hub) handlePing(c *Client, _ models.Envelope) error {
	h.sendTo(c, models.EvtPong, nil)
	return nil
}

func (h *Hub) handleLifecycle(c *Client, env models.Envelope) error {
	rec, _ := h.tracker.Get(c.id)
	h.log.Debug("App lifecycle event",
		"type", env.Type,
		"connection_id", c.id,
		"player", rec.ParticipantName,
		"mobile", rec.Mobile)
	return nil
}
