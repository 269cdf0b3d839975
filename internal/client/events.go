package client

import (
	"github.com/abrezinsky/planningpoker/internal/models"
)

func (s *Sync) handleEvent(env models.Envelope) {
	switch env.Type {
	case models.EvtConnected:
		var p models.ConnectedPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn("Malformed connected event", "error", err)
			return
		}
		s.mu.Lock()
		s.state.ConnectionID = p.ConnectionID
		s.unlock()

	case models.EvtSessionCreated:
		var p models.SessionCreatedPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn("Malformed session-created event", "error", err)
			return
		}
		s.mu.Lock()
		s.stopReconnectLocked()
		s.clearJoinLocked()
		s.joined = true
		s.previousID = ""
		s.state.SessionID = p.SessionID
		s.state.View = &p.Session
		s.state.Loading = false
		s.state.LastError = ""
		s.state.NeedsManualJoin = false
		s.saveIdentityLocked()
		s.log.Info("Session created", "session_id", p.SessionID)
		s.unlock()

	case models.EvtPlayerJoined:
		s.applyView(env, s.joinedLocked)

	case models.EvtRoleToggled, models.EvtNameChanged:
		s.applyView(env, s.selfChangedLocked)

	case models.EvtVoteCast, models.EvtVotesRevealed, models.EvtRoundReset,
		models.EvtDeckChanged, models.EvtCustomDeckCreated, models.EvtCustomDeckEdited,
		models.EvtPlayerLeft:
		s.applyView(env, nil)

	case models.EvtError:
		var p models.ErrorPayload
		if err := env.Decode(&p); err != nil {
			s.log.Warn("Malformed error event", "error", err)
			return
		}
		s.handleError(p)

	case models.EvtPong:

	default:
		s.log.Debug("Ignoring unknown event", "type", env.Type)
	}
}

// applyView stores a broadcast view for the mirrored session and runs after,
// if set, with the new view in place.
func (s *Sync) applyView(env models.Envelope, after func(view *models.SessionView)) {
	var view models.SessionView
	if err := env.Decode(&view); err != nil {
		s.log.Warn("Malformed session view", "type", env.Type, "error", err)
		return
	}

	s.mu.Lock()
	if view.ID == "" || view.ID != s.state.SessionID {
		s.mu.Unlock()
		return
	}
	s.state.View = &view
	if after != nil {
		after(&view)
	}
	s.unlock()
}

// joinedLocked completes a pending join once our participant shows up
func (s *Sync) joinedLocked(view *models.SessionView) {
	self, ok := view.Participant(s.state.ConnectionID)
	if !ok {
		return
	}
	if !s.joined {
		s.log.Info("Joined session", "session_id", view.ID, "player", self.Name)
	}
	s.joined = true
	s.previousID = ""
	s.stopReconnectLocked()
	s.clearJoinLocked()
	s.state.ParticipantName = self.Name
	s.state.IsWatcher = self.IsWatcher
	s.state.Loading = false
	s.state.LastError = ""
	s.state.NeedsManualJoin = false
	s.saveIdentityLocked()
}

// selfChangedLocked picks up our own role or name from the view
func (s *Sync) selfChangedLocked(view *models.SessionView) {
	self, ok := view.Participant(s.state.ConnectionID)
	if !ok {
		return
	}
	if self.Name == s.state.ParticipantName && self.IsWatcher == s.state.IsWatcher {
		return
	}
	s.state.ParticipantName = self.Name
	s.state.IsWatcher = self.IsWatcher
	s.saveIdentityLocked()
	s.saveLastNameLocked(self.Name)
}

func (s *Sync) handleError(p models.ErrorPayload) {
	s.mu.Lock()
	s.log.Warn("Server error", "code", p.Code, "message", p.Message)
	s.state.LastError = p.Message
	if s.joinPending {
		s.clearJoinLocked()
		s.stopReconnectLocked()
	}
	s.state.Loading = false

	if p.Code == models.CodeNotFound && p.Message == models.MsgSessionNotFound {
		s.log.Info("Session no longer exists, clearing saved identity", "session_id", s.state.SessionID)
		s.forgetLocked()
	}
	s.unlock()
}
