package models

import "encoding/json"

// Commands sent by clients
const (
	CmdCreateSession     = "create-session"
	CmdJoinSession       = "join-session"
	CmdCastVote          = "cast-vote"
	CmdRevealVotes       = "reveal-votes"
	CmdResetRound        = "reset-round"
	CmdChangeDeck        = "change-deck"
	CmdCreateCustomDeck  = "create-custom-deck"
	CmdEditCustomDeck    = "edit-custom-deck"
	CmdToggleRole        = "toggle-role"
	CmdRenameParticipant = "rename-participant"
	CmdLeaveSession      = "leave-session"
	CmdPing              = "ping"
	CmdAppBackground     = "app-background"
	CmdAppResume         = "app-resume"
)

// Events sent by the server
const (
	EvtConnected         = "connected"
	EvtSessionCreated    = "session-created"
	EvtPlayerJoined      = "player-joined"
	EvtVoteCast          = "vote-cast"
	EvtVotesRevealed     = "votes-revealed"
	EvtRoundReset        = "round-reset"
	EvtDeckChanged       = "deck-changed"
	EvtCustomDeckCreated = "custom-deck-created"
	EvtCustomDeckEdited  = "custom-deck-edited"
	EvtRoleToggled       = "role-toggled"
	EvtNameChanged       = "name-changed"
	EvtPlayerLeft        = "player-left"
	EvtPong              = "pong"
	EvtError             = "error"
)

// Error codes carried by error events
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
	CodeValidation = "VALIDATION_ERROR"
	CodeInternal   = "INTERNAL_SERVER_ERROR"
)

// MsgSessionNotFound is the error message for commands naming an unknown
// session
const MsgSessionNotFound = "Session not found."

// WSMessage represents an outbound WebSocket message
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Envelope is a WebSocket message whose payload has not been decoded yet
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into target. An absent payload leaves
// target untouched.
func (e Envelope) Decode(target any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(e.Payload, target)
}

// CreateSessionPayload is the payload of create-session
type CreateSessionPayload struct {
	PlayerName string `json:"playerName"`
	IsWatcher  bool   `json:"isWatcher"`
	DeckType   string `json:"deckType,omitempty"`
}

// JoinSessionPayload is the payload of join-session. PreviousID is the
// connection id the client held before it reconnected, if any.
type JoinSessionPayload struct {
	SessionID  string `json:"sessionId"`
	PlayerName string `json:"playerName"`
	IsWatcher  bool   `json:"isWatcher"`
	PreviousID string `json:"previousId,omitempty"`
}

// SessionRef addresses a session for commands that carry nothing else
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// CastVotePayload is the payload of cast-vote
type CastVotePayload struct {
	SessionID string `json:"sessionId"`
	Card      string `json:"card"`
}

// ChangeDeckPayload is the payload of change-deck
type ChangeDeckPayload struct {
	SessionID string `json:"sessionId"`
	DeckType  string `json:"deckType"`
}

// CustomDeckPayload is the payload of create-custom-deck and edit-custom-deck
type CustomDeckPayload struct {
	SessionID string   `json:"sessionId"`
	Name      string   `json:"name"`
	Cards     []string `json:"cards"`
}

// RenamePayload is the payload of rename-participant
type RenamePayload struct {
	SessionID string `json:"sessionId"`
	NewName   string `json:"newName"`
}

// ConnectedPayload tells a client its connection id
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// SessionCreatedPayload is sent to the creator of a session
type SessionCreatedPayload struct {
	SessionID string      `json:"sessionId"`
	Session   SessionView `json:"session"`
}

// ErrorPayload is the payload of error events
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
