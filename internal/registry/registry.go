package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/abrezinsky/planningpoker/internal/decks"
	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/internal/repository"
	"github.com/abrezinsky/planningpoker/internal/session"
)

// IDLength is the length of generated session ids
const IDLength = 8

// Registry owns every live session, keyed by id
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session

	catalog *decks.Catalog
	clock   clockwork.Clock
	log     logger.Logger
	newID   func() string
}

// New creates an empty registry
func New(catalog *decks.Catalog, clock clockwork.Clock, log logger.Logger) *Registry {
	if catalog == nil {
		catalog = decks.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		sessions: make(map[string]*session.Session),
		catalog:  catalog,
		clock:    clock,
		log:      log,
		newID:    randomID,
	}
}

func randomID() string {
	return uuid.NewString()[:IDLength]
}

// Catalog returns the deck catalog sessions are created with
func (r *Registry) Catalog() *decks.Catalog {
	return r.catalog
}

// Create makes a new empty session with a fresh id
func (r *Registry) Create(deckType string) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id = r.newID()
	}

	s := session.New(id, deckType, r.catalog, r.clock)
	r.sessions[id] = s
	r.log.Info("Session created", "session_id", id, "deck_type", s.DeckType())
	return s
}

// Get returns the session with id
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session with id and reports whether it existed
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Len returns the number of sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every session in id order
func (r *Registry) Each(fn func(*session.Session)) {
	for _, s := range r.sorted() {
		fn(s)
	}
}

func (r *Registry) sorted() []*session.Session {
	r.mu.RLock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SnapshotAll captures every session in id order
func (r *Registry) SnapshotAll() []session.Snapshot {
	sessions := r.sorted()
	snaps := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// RestoreAll loads sessions from stored records. A record that cannot be
// decoded is skipped with a warning; the rest still load. It returns the
// number of sessions restored.
func (r *Registry) RestoreAll(records []repository.SessionRecord) int {
	restored := 0
	for _, rec := range records {
		var snap session.Snapshot
		if err := json.Unmarshal(rec.Data, &snap); err != nil {
			r.log.Warn("Skipping corrupt session snapshot", "session_id", rec.ID, "error", err)
			continue
		}
		if snap.ID == "" {
			snap.ID = rec.ID
		}
		s, err := session.FromSnapshot(snap, r.catalog, r.clock)
		if err != nil {
			r.log.Warn("Skipping invalid session snapshot", "session_id", rec.ID, "error", err)
			continue
		}

		r.mu.Lock()
		r.sessions[s.ID()] = s
		r.mu.Unlock()
		restored++
	}
	r.log.Info("Sessions restored", "restored", restored, "skipped", len(records)-restored)
	return restored
}

// ExpireIdle removes sessions whose last activity is older than ttl and
// returns their ids in order
func (r *Registry) ExpireIdle(ttl time.Duration) []string {
	cutoff := r.clock.Now().Add(-ttl)

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		r.log.Info("Session expired", "session_id", id, "ttl", ttl)
	}
	return expired
}

// EncodeSnapshots serializes snapshots into store records. Snapshots that
// fail to encode are left out; the second result counts them.
func EncodeSnapshots(snaps []session.Snapshot) ([]repository.SessionRecord, int) {
	records := make([]repository.SessionRecord, 0, len(snaps))
	failed := 0
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			failed++
			continue
		}
		records = append(records, repository.SessionRecord{
			ID:           snap.ID,
			Data:         data,
			LastActivity: snap.LastActivity,
		})
	}
	return records, failed
}
