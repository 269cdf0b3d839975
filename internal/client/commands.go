package client

import (
	"strings"

	"github.com/abrezinsky/planningpoker/internal/models"
)

// Create starts a new session with this client as its first participant
func (s *Sync) Create(playerName string, isWatcher bool, deckType string) error {
	s.mu.Lock()
	if s.conn == nil {
		s.state.LastError = ErrNotConnected.Error()
		s.unlock()
		return ErrNotConnected
	}
	s.stopReconnectLocked()
	s.clearJoinLocked()

	name := strings.TrimSpace(playerName)
	err := s.sendLocked(models.CmdCreateSession, models.CreateSessionPayload{
		PlayerName: name,
		IsWatcher:  isWatcher,
		DeckType:   deckType,
	})
	if err != nil {
		s.state.LastError = err.Error()
		s.unlock()
		return err
	}
	s.state.ParticipantName = name
	s.state.IsWatcher = isWatcher
	s.state.NeedsManualJoin = false
	s.state.Loading = true
	s.state.LastError = ""
	s.saveLastNameLocked(name)
	s.unlock()
	return nil
}

// Join asks to enter sessionID. A second call while a join is outstanding
// returns ErrJoinInProgress and sends nothing.
func (s *Sync) Join(sessionID, playerName string, isWatcher bool) error {
	s.mu.Lock()
	if s.joinPending {
		s.mu.Unlock()
		s.log.Debug("Join already in progress, skipping duplicate attempt", "session_id", sessionID)
		return ErrJoinInProgress
	}
	if s.conn == nil {
		s.state.LastError = ErrNotConnected.Error()
		s.unlock()
		return ErrNotConnected
	}
	s.stopReconnectLocked()

	name := strings.TrimSpace(playerName)
	prev, prevID := s.state, s.previousID
	s.state.SessionID = strings.TrimSpace(sessionID)
	s.state.ParticipantName = name
	s.state.IsWatcher = isWatcher
	s.state.NeedsManualJoin = false
	if prev.SessionID != s.state.SessionID {
		s.state.View = nil
		s.joined = false
		s.previousID = ""
	}

	if err := s.joinLocked(); err != nil {
		s.state.SessionID = prev.SessionID
		s.state.ParticipantName = prev.ParticipantName
		s.state.IsWatcher = prev.IsWatcher
		s.state.View = prev.View
		s.state.LastError = err.Error()
		s.previousID = prevID
		s.unlock()
		return err
	}
	s.saveLastNameLocked(name)
	s.log.Info("Joining session", "session_id", s.state.SessionID, "player", name)
	s.unlock()
	return nil
}

// Leave exits the current session and forgets it. The last used name is
// kept.
func (s *Sync) Leave() error {
	s.mu.Lock()
	if s.state.SessionID == "" {
		s.mu.Unlock()
		return ErrNotJoined
	}
	sessionID := s.state.SessionID
	var sendErr error
	if s.conn != nil {
		sendErr = s.sendLocked(models.CmdLeaveSession, models.SessionRef{SessionID: sessionID})
	}
	s.forgetLocked()
	s.state.LastError = ""
	s.log.Info("Left session", "session_id", sessionID)
	s.unlock()
	return sendErr
}

// sessionCommand sends a command scoped to the joined session
func (s *Sync) sessionCommand(cmdType string, payload func(sessionID string) any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.SessionID == "" || !s.joined {
		return ErrNotJoined
	}
	return s.sendLocked(cmdType, payload(s.state.SessionID))
}

// CastVote votes card in the current round
func (s *Sync) CastVote(card string) error {
	return s.sessionCommand(models.CmdCastVote, func(id string) any {
		return models.CastVotePayload{SessionID: id, Card: card}
	})
}

// Reveal shows all votes
func (s *Sync) Reveal() error {
	return s.sessionCommand(models.CmdRevealVotes, func(id string) any {
		return models.SessionRef{SessionID: id}
	})
}

// Reset starts a new round
func (s *Sync) Reset() error {
	return s.sessionCommand(models.CmdResetRound, func(id string) any {
		return models.SessionRef{SessionID: id}
	})
}

// ChangeDeck switches the session deck
func (s *Sync) ChangeDeck(deckType string) error {
	return s.sessionCommand(models.CmdChangeDeck, func(id string) any {
		return models.ChangeDeckPayload{SessionID: id, DeckType: deckType}
	})
}

// CreateCustomDeck replaces the session's custom deck and selects it
func (s *Sync) CreateCustomDeck(name string, cards []string) error {
	return s.sessionCommand(models.CmdCreateCustomDeck, func(id string) any {
		return models.CustomDeckPayload{SessionID: id, Name: name, Cards: cards}
	})
}

// EditCustomDeck edits the session's existing custom deck
func (s *Sync) EditCustomDeck(name string, cards []string) error {
	return s.sessionCommand(models.CmdEditCustomDeck, func(id string) any {
		return models.CustomDeckPayload{SessionID: id, Name: name, Cards: cards}
	})
}

// ToggleRole switches between voter and watcher
func (s *Sync) ToggleRole() error {
	return s.sessionCommand(models.CmdToggleRole, func(id string) any {
		return models.SessionRef{SessionID: id}
	})
}

// Rename changes this participant's display name
func (s *Sync) Rename(newName string) error {
	return s.sessionCommand(models.CmdRenameParticipant, func(id string) any {
		return models.RenamePayload{SessionID: id, NewName: newName}
	})
}

// Ping sends an application heartbeat
func (s *Sync) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(models.CmdPing, nil)
}
