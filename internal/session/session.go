package session

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/abrezinsky/planningpoker/internal/decks"
	"github.com/abrezinsky/planningpoker/internal/errors"
	"github.com/abrezinsky/planningpoker/internal/models"
)

// MaxNameLength is the longest participant name accepted, in characters
const MaxNameLength = 50

const defaultCustomDeckName = "Custom Deck"

// Session is the authoritative state of one estimation session.
// It is not safe for concurrent use; the gateway serializes access.
type Session struct {
	id           string
	deckType     string
	deck         models.Deck
	customDeck   *models.Deck
	participants map[string]*models.Participant
	order        []string
	votes        map[string]string
	revealed     bool
	createdAt    time.Time
	lastActivity time.Time

	catalog *decks.Catalog
	clock   clockwork.Clock
}

// New creates an empty session using deckType, or the default deck if
// deckType is unknown
func New(id, deckType string, catalog *decks.Catalog, clock clockwork.Clock) *Session {
	if catalog == nil {
		catalog = decks.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	key, deck := catalog.Resolve(deckType)
	now := clock.Now()
	return &Session{
		id:           id,
		deckType:     key,
		deck:         deck,
		participants: make(map[string]*models.Participant),
		votes:        make(map[string]string),
		createdAt:    now,
		lastActivity: now,
		catalog:      catalog,
		clock:        clock,
	}
}

func (s *Session) ID() string              { return s.id }
func (s *Session) DeckType() string        { return s.deckType }
func (s *Session) Deck() models.Deck       { return s.deck.Clone() }
func (s *Session) Revealed() bool          { return s.revealed }
func (s *Session) CreatedAt() time.Time    { return s.createdAt }
func (s *Session) LastActivity() time.Time { return s.lastActivity }
func (s *Session) ParticipantCount() int   { return len(s.order) }

// CustomDeck returns the session's custom deck, if one was ever created
func (s *Session) CustomDeck() (models.Deck, bool) {
	if s.customDeck == nil {
		return models.Deck{}, false
	}
	return s.customDeck.Clone(), true
}

// Participant returns a copy of the participant with id
func (s *Session) Participant(id string) (models.Participant, bool) {
	p, ok := s.participants[id]
	if !ok {
		return models.Participant{}, false
	}
	return *p, true
}

// Participants returns copies of all participants in join order
func (s *Session) Participants() []models.Participant {
	out := make([]models.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.participants[id])
	}
	return out
}

// Touch refreshes lastActivity
func (s *Session) Touch() {
	s.lastActivity = s.clock.Now()
}

// AddOrUpdateParticipant inserts a participant or updates the name and role
// of an existing one. An existing participant keeps its vote unless it
// becomes a watcher. A blank name falls back to the current name, or to
// "Player N" for newcomers.
func (s *Session) AddOrUpdateParticipant(id, name string, isWatcher bool) models.Participant {
	s.upsert(id, name, isWatcher, false)
	s.Touch()
	return *s.participants[id]
}

// Rejoin is AddOrUpdateParticipant for a client re-entering the session on
// the same connection: the participant's vote for the current round is
// dropped so it must vote again.
func (s *Session) Rejoin(id, name string, isWatcher bool) models.Participant {
	s.upsert(id, name, isWatcher, true)
	s.Touch()
	return *s.participants[id]
}

// Reclaim hands participant oldID to connection newID for a client that
// reconnected on a new transport. The participant keeps its place in the
// join order; as with Rejoin its vote for the current round is dropped. It
// reports false if oldID is unknown or newID is already present.
func (s *Session) Reclaim(oldID, newID, name string, isWatcher bool) (models.Participant, bool) {
	p, ok := s.participants[oldID]
	if !ok || oldID == newID {
		return models.Participant{}, false
	}
	if _, taken := s.participants[newID]; taken {
		return models.Participant{}, false
	}

	delete(s.participants, oldID)
	delete(s.votes, oldID)
	p.ID = newID
	p.HasVoted = false
	s.participants[newID] = p
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
			break
		}
	}
	s.upsert(newID, name, isWatcher, true)
	s.Touch()
	return *p, true
}

func (s *Session) upsert(id, name string, isWatcher, resetVote bool) {
	name = strings.TrimSpace(name)
	now := s.clock.Now()

	p, ok := s.participants[id]
	if !ok {
		if name == "" {
			name = fmt.Sprintf("Player %d", len(s.order)+1)
		}
		s.participants[id] = &models.Participant{
			ID:        id,
			Name:      name,
			IsWatcher: isWatcher,
			LastSeen:  now,
		}
		s.order = append(s.order, id)
		return
	}

	if name != "" {
		p.Name = name
	}
	p.IsWatcher = isWatcher
	p.LastSeen = now
	if resetVote || isWatcher {
		delete(s.votes, id)
		p.HasVoted = false
	}
}

// MarkSeen refreshes a participant's lastSeen without counting as session
// activity
func (s *Session) MarkSeen(id string) {
	if p, ok := s.participants[id]; ok {
		p.LastSeen = s.clock.Now()
	}
}

// RemoveParticipant deletes the participant and its vote. Removing an
// unknown id is a no-op and reports false.
func (s *Session) RemoveParticipant(id string) bool {
	if _, ok := s.participants[id]; !ok {
		return false
	}
	delete(s.participants, id)
	delete(s.votes, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.Touch()
	return true
}

// CastVote records card for participant id. It is rejected once the round
// is revealed, for unknown participants, for watchers and for blank cards.
// Voting again before the reveal replaces the previous card.
func (s *Session) CastVote(id, card string) bool {
	card = strings.TrimSpace(card)
	if s.revealed || card == "" {
		return false
	}
	p, ok := s.participants[id]
	if !ok || p.IsWatcher {
		return false
	}
	s.votes[id] = card
	p.HasVoted = true
	s.Touch()
	return true
}

// RevealVotes exposes votes in the view. Revealing twice is harmless.
func (s *Session) RevealVotes() {
	s.revealed = true
	s.Touch()
}

// ResetRound clears all votes and starts a new round
func (s *Session) ResetRound() {
	s.resetRound()
	s.Touch()
}

func (s *Session) resetRound() {
	s.votes = make(map[string]string)
	s.revealed = false
	for _, p := range s.participants {
		p.HasVoted = false
	}
}

// SetDeck switches the active deck. "custom" reuses the stored custom deck
// when one exists; unknown types fall back to the default deck. The round
// is reset.
func (s *Session) SetDeck(deckType string) {
	if deckType == models.CustomDeckType && s.customDeck != nil {
		s.deckType = models.CustomDeckType
		s.deck = s.customDeck.Clone()
	} else {
		s.deckType, s.deck = s.catalog.Resolve(deckType)
	}
	s.resetRound()
	s.Touch()
}

// CreateCustomDeck stores a custom deck, makes it active and resets the
// round. Blank cards are dropped; a deck left with no cards is rejected.
func (s *Session) CreateCustomDeck(name string, cards []string) error {
	deck, err := buildCustomDeck(name, cards)
	if err != nil {
		return err
	}
	s.applyCustomDeck(deck)
	return nil
}

// EditCustomDeck replaces the stored custom deck. It reports false without
// changing anything when the session has no custom deck.
func (s *Session) EditCustomDeck(name string, cards []string) (bool, error) {
	if s.customDeck == nil {
		return false, nil
	}
	deck, err := buildCustomDeck(name, cards)
	if err != nil {
		return false, err
	}
	s.applyCustomDeck(deck)
	return true, nil
}

func (s *Session) applyCustomDeck(deck models.Deck) {
	s.customDeck = &deck
	s.deckType = models.CustomDeckType
	s.deck = deck.Clone()
	s.resetRound()
	s.Touch()
}

func buildCustomDeck(name string, cards []string) (models.Deck, error) {
	cleaned := decks.CleanCards(cards)
	if len(cleaned) == 0 {
		return models.Deck{}, errors.Validation("Custom deck needs at least one card")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultCustomDeckName
	}
	return models.Deck{Name: name, Cards: cleaned}, nil
}

// ToggleRole flips a participant between voter and watcher. Becoming a
// watcher discards the current vote. Unknown ids report false.
func (s *Session) ToggleRole(id string) bool {
	p, ok := s.participants[id]
	if !ok {
		return false
	}
	p.IsWatcher = !p.IsWatcher
	if p.IsWatcher {
		delete(s.votes, id)
		p.HasVoted = false
	}
	s.Touch()
	return true
}

// RenameParticipant changes a participant's display name
func (s *Session) RenameParticipant(id, newName string) error {
	name, err := NormalizeName(newName)
	if err != nil {
		return err
	}
	p, ok := s.participants[id]
	if !ok {
		return errors.NotFound("Participant not found")
	}
	p.Name = name
	s.Touch()
	return nil
}

// NormalizeName trims name and checks it is between 1 and MaxNameLength
// characters
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.Validation("Name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", errors.Validationf("Name must be %d characters or fewer", MaxNameLength)
	}
	return name, nil
}

// View returns the broadcastable snapshot. Votes are only included once
// the round is revealed.
func (s *Session) View() models.SessionView {
	view := models.SessionView{
		ID:           s.id,
		DeckType:     s.deckType,
		Deck:         s.deck.Clone(),
		Participants: s.Participants(),
		Votes:        make(map[string]string),
		Revealed:     s.revealed,
		AllVoted:     true,
		CanReveal:    len(s.votes) > 0 && !s.revealed,
	}
	if s.customDeck != nil {
		d := s.customDeck.Clone()
		view.CustomDeck = &d
	}
	for _, p := range view.Participants {
		if !p.IsWatcher && !p.HasVoted {
			view.AllVoted = false
			break
		}
	}
	if s.revealed {
		for id, card := range s.votes {
			view.Votes[id] = card
		}
	}
	return view
}
