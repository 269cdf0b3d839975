// Package gateway runs the realtime protocol: it owns every websocket
// connection, applies client commands to sessions and broadcasts the
// resulting views.
package gateway

import (
	"context"
	"errors"
	"runtime"
	"sort"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/internal/models"
	"github.com/abrezinsky/planningpoker/internal/registry"
	"github.com/abrezinsky/planningpoker/internal/session"
	"github.com/abrezinsky/planningpoker/internal/tracker"
)

// ErrStopped is returned by queries issued after the hub stopped
var ErrStopped = errors.New("gateway: hub stopped")

// Deps are the collaborators a hub needs. Registry and Tracker are
// required; the rest have defaults.
type Deps struct {
	Registry  *registry.Registry
	Tracker   *tracker.Tracker
	Persister Persister
	Metrics   Metrics
	Clock     clockwork.Clock
	Logger    logger.Logger
}

type inbound struct {
	client *Client
	data   []byte
}

type commandFunc func(c *Client, env models.Envelope) error

// Hub serializes all session mutation on a single goroutine. Connections
// feed it through channels; HTTP readers use Query.
type Hub struct {
	cfg       Config
	log       logger.Logger
	clock     clockwork.Clock
	registry  *registry.Registry
	tracker   *tracker.Tracker
	persister Persister
	metrics   Metrics
	upgrader  websocket.Upgrader
	commands  map[string]commandFunc

	// owned by the run loop
	clients map[string]*Client
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	queries    chan func()
	done       chan struct{}
}

// Stats is a point-in-time summary of hub state
type Stats struct {
	Connections  int `json:"connections"`
	Tracked      int `json:"tracked"`
	Sessions     int `json:"sessions"`
	Participants int `json:"participants"`
	ActiveRooms  int `json:"activeRooms"`
}

// New creates a hub. Call Start to run it.
func New(cfg Config, deps Deps) *Hub {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NoOpMetrics{}
	}
	if deps.Persister == nil {
		deps.Persister = noopPersister{}
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = AllowOrigins(nil)
	}

	h := &Hub{
		cfg:       cfg,
		log:       deps.Logger,
		clock:     deps.Clock,
		registry:  deps.Registry,
		tracker:   deps.Tracker,
		persister: deps.Persister,
		metrics:   deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		queries:    make(chan func()),
		done:       make(chan struct{}),
	}
	h.commands = map[string]commandFunc{
		models.CmdCreateSession:     h.handleCreateSession,
		models.CmdJoinSession:       h.handleJoinSession,
		models.CmdCastVote:          h.handleCastVote,
		models.CmdRevealVotes:       h.handleRevealVotes,
		models.CmdResetRound:        h.handleResetRound,
		models.CmdChangeDeck:        h.handleChangeDeck,
		models.CmdCreateCustomDeck:  h.handleCreateCustomDeck,
		models.CmdEditCustomDeck:    h.handleEditCustomDeck,
		models.CmdToggleRole:        h.handleToggleRole,
		models.CmdRenameParticipant: h.handleRename,
		models.CmdLeaveSession:      h.handleLeaveSession,
		models.CmdPing:              h.handlePing,
		models.CmdAppBackground:     h.handleLifecycle,
		models.CmdAppResume:         h.handleLifecycle,
	}
	return h
}

// Start runs the hub loop in a goroutine until ctx is cancelled
func (h *Hub) Start(ctx context.Context) {
	go h.Run(ctx)
}

// Done is closed once the hub loop has exited
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run processes connections, commands and timers until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	staleTicker := h.clock.NewTicker(h.cfg.StaleSweepInterval)
	expiryTicker := h.clock.NewTicker(h.cfg.ExpirySweepInterval)
	persistTicker := h.clock.NewTicker(h.cfg.PersistInterval)
	statsTicker := h.clock.NewTicker(h.cfg.StatsInterval)
	defer staleTicker.Stop()
	defer expiryTicker.Stop()
	defer persistTicker.Stop()
	defer statsTicker.Stop()

	h.adoptRestored()
	h.log.Info("Gateway started", "sessions", h.registry.Len())

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.attach(c)
		case c := <-h.unregister:
			h.disconnect(c)
		case in := <-h.inbound:
			h.dispatch(in.client, in.data)
		case fn := <-h.queries:
			fn()
		case <-staleTicker.Chan():
			h.sweepStale()
		case <-expiryTicker.Chan():
			h.sweepExpired()
		case <-persistTicker.Chan():
			h.persist()
		case <-statsTicker.Chan():
			h.logStats()
		}
	}
}

// Query runs fn on the hub goroutine and waits for it to finish
func (h *Hub) Query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case h.queries <- wrapped:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// View returns the current view of a session
func (h *Hub) View(ctx context.Context, sessionID string) (models.SessionView, bool, error) {
	var (
		view  models.SessionView
		found bool
	)
	err := h.Query(ctx, func() {
		if s, ok := h.registry.Get(sessionID); ok {
			view, found = s.View(), true
		}
	})
	return view, found, err
}

// Stats returns a summary of hub state
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.Query(ctx, func() { st = h.stats() })
	return st, err
}

func (h *Hub) stats() Stats {
	st := Stats{
		Connections: len(h.clients),
		Tracked:     h.tracker.Len(),
		Sessions:    h.registry.Len(),
		ActiveRooms: len(h.rooms),
	}
	h.registry.Each(func(s *session.Session) {
		st.Participants += s.ParticipantCount()
	})
	return st
}

// adoptRestored gives participants loaded from the store a tracker record,
// so the stale sweep removes them if their connection never comes back
func (h *Hub) adoptRestored() {
	adopted := 0
	h.registry.Each(func(s *session.Session) {
		for _, p := range s.Participants() {
			if _, live := h.clients[p.ID]; live {
				continue
			}
			h.tracker.Adopt(tracker.Record{
				ConnectionID:    p.ID,
				SessionID:       s.ID(),
				ParticipantName: p.Name,
				IsWatcher:       p.IsWatcher,
				LastSeen:        p.LastSeen,
			})
			adopted++
		}
	})
	if adopted > 0 {
		h.log.Info("Tracking restored participants", "participants", adopted)
	}
}

func (h *Hub) attach(c *Client) {
	h.clients[c.id] = c
	h.tracker.OnConnect(c.id, c.userAgent)
	h.metrics.SetConnections(len(h.clients))
	h.log.Debug("Client connected", "connection_id", c.id, "mobile", tracker.IsMobile(c.userAgent), "total_clients", len(h.clients))
	h.sendTo(c, models.EvtConnected, models.ConnectedPayload{ConnectionID: c.id})
}

// detach removes c from the hub and closes its send channel. It reports
// false if c was already gone.
func (h *Hub) detach(c *Client) bool {
	if h.clients[c.id] != c {
		return false
	}
	delete(h.clients, c.id)
	h.leaveRoom(c)
	close(c.send)
	h.metrics.SetConnections(len(h.clients))
	return true
}

func (h *Hub) disconnect(c *Client) {
	sessionID := c.sessionID
	if !h.detach(c) {
		return
	}
	h.tracker.OnDisconnect(c.id)
	h.log.Debug("Client disconnected", "connection_id", c.id, "session_id", sessionID, "total_clients", len(h.clients))
	if sessionID != "" {
		h.evictParticipant(sessionID, c.id)
	}
}

// evictParticipant removes a departed connection's participant and tells
// whoever is left
func (h *Hub) evictParticipant(sessionID, connID string) {
	s, ok := h.registry.Get(sessionID)
	if !ok || !s.RemoveParticipant(connID) {
		return
	}
	if s.ParticipantCount() == 0 {
		h.log.Info("Session is now empty", "session_id", sessionID, "expires_after", h.cfg.SessionTTL)
	} else {
		h.broadcast(sessionID, models.EvtPlayerLeft, s.View())
	}
	h.persist()
}

func (h *Hub) joinRoom(c *Client, sessionID string) {
	if c.sessionID == sessionID {
		return
	}
	h.leaveRoom(c)
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[sessionID] = room
	}
	room[c] = true
	c.sessionID = sessionID
}

func (h *Hub) leaveRoom(c *Client) {
	if c.sessionID == "" {
		return
	}
	if room, ok := h.rooms[c.sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
	c.sessionID = ""
}

// leaveCurrent takes c out of the session it is in before it moves to
// another one
func (h *Hub) leaveCurrent(c *Client, next string) {
	prev := c.sessionID
	if prev == "" || prev == next {
		return
	}
	h.leaveRoom(c)
	h.tracker.ClearSession(c.id)
	h.evictParticipant(prev, c.id)
}

func (h *Hub) sendTo(c *Client, evtType string, payload any) {
	if h.enqueue(c, models.WSMessage{Type: evtType, Payload: payload}) {
		h.metrics.RecordEvent(evtType, 1)
	}
}

func (h *Hub) broadcast(sessionID, evtType string, payload any) {
	msg := models.WSMessage{Type: evtType, Payload: payload}
	sent := 0
	for c := range h.rooms[sessionID] {
		if h.enqueue(c, msg) {
			sent++
		}
	}
	h.metrics.RecordEvent(evtType, sent)
}

func (h *Hub) enqueue(c *Client, msg models.WSMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		// Client's send channel is full, unregister
		h.log.Warn("Client send buffer full, dropping connection", "connection_id", c.id)
		go func() {
			select {
			case h.unregister <- c:
			case <-h.done:
			}
		}()
		return false
	}
}

func (h *Hub) sweepStale() {
	stale := h.tracker.Stale(h.clock.Now(), h.cfg.StaleAfter)
	for _, rec := range stale {
		h.tracker.OnDisconnect(rec.ConnectionID)
		h.metrics.RecordStaleEviction()
		h.log.Info("Cleaning up stale connection",
			"connection_id", rec.ConnectionID,
			"session_id", rec.SessionID,
			"player", rec.ParticipantName,
			"last_seen", rec.LastSeen)

		sessionID := rec.SessionID
		if c, ok := h.clients[rec.ConnectionID]; ok {
			if c.sessionID != "" {
				sessionID = c.sessionID
			}
			h.detach(c)
		}
		if sessionID != "" {
			h.evictParticipant(sessionID, rec.ConnectionID)
		}
	}
}

func (h *Hub) sweepExpired() {
	expired := h.registry.ExpireIdle(h.cfg.SessionTTL)
	if len(expired) == 0 {
		return
	}
	for _, id := range expired {
		for c := range h.rooms[id] {
			c.sessionID = ""
			h.tracker.ClearSession(c.id)
		}
		delete(h.rooms, id)
	}
	h.metrics.RecordExpired(len(expired))
	h.metrics.SetSessions(h.registry.Len())
	h.persist()
}

func (h *Hub) persist() {
	h.persister.Submit(h.registry.SnapshotAll())
}

func (h *Hub) logStats() {
	st := h.stats()
	h.metrics.SetSessions(st.Sessions)
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	h.log.Info("Server stats",
		"heap_mb", mem.HeapAlloc/1024/1024,
		"connections", st.Connections,
		"tracked", st.Tracked,
		"sessions", st.Sessions,
		"participants", st.Participants,
		"active_rooms", st.ActiveRooms)
}

func (h *Hub) shutdown() {
	h.persist()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := h.clients[id]
		h.leaveRoom(c)
		delete(h.clients, id)
		close(c.send)
	}
	h.log.Info("Gateway stopped", "closed_connections", len(ids))
}
