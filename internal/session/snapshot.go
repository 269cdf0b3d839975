package session

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/abrezinsky/planningpoker/internal/decks"
	"github.com/abrezinsky/planningpoker/internal/errors"
	"github.com/abrezinsky/planningpoker/internal/models"
)

// Snapshot is the durable form of a Session, votes included
type Snapshot struct {
	ID           string               `json:"id"`
	DeckType     string               `json:"deckType"`
	Deck         models.Deck          `json:"deck"`
	CustomDeck   *models.Deck         `json:"customDeck,omitempty"`
	Participants []models.Participant `json:"participants"`
	Votes        map[string]string    `json:"votes"`
	Revealed     bool                 `json:"revealed"`
	CreatedAt    time.Time            `json:"createdAt"`
	LastActivity time.Time            `json:"lastActivity"`
}

// Snapshot captures the full session state
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:           s.id,
		DeckType:     s.deckType,
		Deck:         s.deck.Clone(),
		Participants: s.Participants(),
		Votes:        make(map[string]string, len(s.votes)),
		Revealed:     s.revealed,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.customDeck != nil {
		d := s.customDeck.Clone()
		snap.CustomDeck = &d
	}
	for id, card := range s.votes {
		snap.Votes[id] = card
	}
	return snap
}

// FromSnapshot rebuilds a session. Votes of unknown participants or
// watchers are dropped and hasVoted is derived from the remaining votes.
func FromSnapshot(snap Snapshot, catalog *decks.Catalog, clock clockwork.Clock) (*Session, error) {
	if snap.ID == "" {
		return nil, errors.InvalidInput("snapshot has no session id")
	}
	s := New(snap.ID, snap.DeckType, catalog, clock)

	if snap.CustomDeck != nil && len(snap.CustomDeck.Cards) > 0 {
		d := snap.CustomDeck.Clone()
		s.customDeck = &d
	}
	// Catalog decks come from the current catalog, not the stored copy.
	if snap.DeckType == models.CustomDeckType && s.customDeck != nil {
		s.deckType = models.CustomDeckType
		s.deck = s.customDeck.Clone()
	}

	for _, p := range snap.Participants {
		if p.ID == "" {
			continue
		}
		if _, dup := s.participants[p.ID]; dup {
			continue
		}
		cp := p
		cp.HasVoted = false
		s.participants[p.ID] = &cp
		s.order = append(s.order, p.ID)
	}
	for id, card := range snap.Votes {
		p, ok := s.participants[id]
		if !ok || p.IsWatcher || card == "" {
			continue
		}
		s.votes[id] = card
		p.HasVoted = true
	}

	s.revealed = snap.Revealed
	if !snap.CreatedAt.IsZero() {
		s.createdAt = snap.CreatedAt
	}
	if !snap.LastActivity.IsZero() {
		s.lastActivity = snap.LastActivity
	}
	return s, nil
}
