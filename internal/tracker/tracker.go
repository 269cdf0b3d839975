// Package tracker keeps a record per live connection: which session and
// name it is bound to and when it was last heard from.
package tracker

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Record describes one connection
type Record struct {
	ConnectionID    string    `json:"connectionId"`
	SessionID       string    `json:"sessionId,omitempty"`
	ParticipantName string    `json:"participantName,omitempty"`
	IsWatcher       bool      `json:"isWatcher"`
	LastSeen        time.Time `json:"lastSeen"`
	ConnectedAt     time.Time `json:"connectedAt"`
	UserAgent       string    `json:"userAgent,omitempty"`
	Mobile          bool      `json:"mobile"`
}

// Activity carries the fields an inbound message may update. Nil fields are
// left unchanged.
type Activity struct {
	SessionID       *string
	ParticipantName *string
	IsWatcher       *bool
}

// Tracker is safe for concurrent use
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	clock   clockwork.Clock
}

// New creates an empty tracker
func New(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		records: make(map[string]*Record),
		clock:   clock,
	}
}

var mobileMarkers = []string{"mobile", "android", "iphone", "ipad"}

// IsMobile reports whether a user agent belongs to a phone or tablet
func IsMobile(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, m := range mobileMarkers {
		if strings.Contains(ua, m) {
			return true
		}
	}
	return false
}

// OnConnect creates the record for a new connection
func (t *Tracker) OnConnect(id, userAgent string) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[id] = &Record{
		ConnectionID: id,
		LastSeen:     now,
		ConnectedAt:  now,
		UserAgent:    userAgent,
		Mobile:       IsMobile(userAgent),
	}
}

// OnActivity refreshes lastSeen and applies any fields set in a. A record is
// created if the connection is unknown.
func (t *Tracker) OnActivity(id string, a Activity) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		rec = &Record{ConnectionID: id, ConnectedAt: now}
		t.records[id] = rec
	}
	rec.LastSeen = now
	if a.SessionID != nil {
		rec.SessionID = *a.SessionID
	}
	if a.ParticipantName != nil {
		rec.ParticipantName = *a.ParticipantName
	}
	if a.IsWatcher != nil {
		rec.IsWatcher = *a.IsWatcher
	}
}

// Touch refreshes lastSeen of a known connection and reports whether it
// was found
func (t *Tracker) Touch(id string) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if ok {
		rec.LastSeen = now
	}
	return ok
}

// ClearSession unbinds the connection from its session
func (t *Tracker) ClearSession(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[id]; ok {
		rec.SessionID = ""
		rec.ParticipantName = ""
		rec.IsWatcher = false
	}
}

// OnDisconnect deletes the record and returns it
func (t *Tracker) OnDisconnect(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	delete(t.records, id)
	return *rec, true
}

// Stale returns connections silent for longer than threshold, oldest first.
// Records are not removed.
func (t *Tracker) Stale(now time.Time, threshold time.Duration) []Record {
	cutoff := now.Add(-threshold)
	t.mu.Lock()
	var out []Record
	for _, rec := range t.records {
		if rec.LastSeen.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.Before(out[j].LastSeen)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// Adopt installs a record as is, replacing any existing one
func (t *Tracker) Adopt(rec Record) {
	if rec.ConnectionID == "" {
		return
	}
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = rec.LastSeen
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.ConnectionID] = &rec
}

// Get returns a copy of the record for id
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of tracked connections
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// InSession returns how many tracked connections are bound to sessionID
func (t *Tracker) InSession(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.records {
		if rec.SessionID == sessionID {
			n++
		}
	}
	return n
}
