package models

import "time"

// CustomDeckType is the deck type of a session-owned custom deck
const CustomDeckType = "custom"

// Deck is a named, ordered list of card labels
type Deck struct {
	Name  string   `json:"name"`
	Cards []string `json:"cards"`
}

// HasCard reports whether label is one of the deck's cards
func (d Deck) HasCard(label string) bool {
	for _, c := range d.Cards {
		if c == label {
			return true
		}
	}
	return false
}

// Clone returns a copy that does not share the card slice
func (d Deck) Clone() Deck {
	cards := make([]string, len(d.Cards))
	copy(cards, d.Cards)
	return Deck{Name: d.Name, Cards: cards}
}

// Participant is a member of a session, keyed by connection id
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsWatcher bool      `json:"isWatcher"`
	HasVoted  bool      `json:"hasVoted"`
	LastSeen  time.Time `json:"lastSeen"`
}

// SessionView is the broadcastable snapshot of a session.
// Votes is empty until the round is revealed.
type SessionView struct {
	ID           string            `json:"id"`
	DeckType     string            `json:"deckType"`
	Deck         Deck              `json:"deck"`
	CustomDeck   *Deck             `json:"customDeck,omitempty"`
	Participants []Participant     `json:"participants"`
	Votes        map[string]string `json:"votes"`
	Revealed     bool              `json:"revealed"`
	AllVoted     bool              `json:"allVoted"`
	CanReveal    bool              `json:"canReveal"`
}

// Participant returns the participant with id, if present
func (v *SessionView) Participant(id string) (Participant, bool) {
	for _, p := range v.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Voters returns the non-watcher participants
func (v *SessionView) Voters() []Participant {
	voters := make([]Participant, 0, len(v.Participants))
	for _, p := range v.Participants {
		if !p.IsWatcher {
			voters = append(voters, p)
		}
	}
	return voters
}
