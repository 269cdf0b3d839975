// Package client keeps a local mirror of a planning poker session, issues
// commands to the gateway and rejoins after network interruptions.
package client

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/internal/models"
)

// Status is the transport state seen by the client
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Errors surfaced to callers and through State.LastError
const (
	MsgJoinTimeout      = "Failed to join session - server did not respond. Please try again."
	MsgReconnectTimeout = "Failed to reconnect to session. Please try joining manually."
)

var (
	ErrJoinInProgress = stderrors.New("join already in progress")
	ErrNotConnected   = stderrors.New("not connected to server")
	ErrNotJoined      = stderrors.New("not in a session")
)

const (
	DefaultJoinTimeout     = 10 * time.Second
	DefaultReconnectWindow = 15 * time.Second
)

// State is a snapshot of the client mirror
type State struct {
	SessionID           string
	ParticipantName     string
	IsWatcher           bool
	View                *models.SessionView
	Status              Status
	ConnectionID        string
	PendingJoinDeadline time.Time
	Loading             bool
	LastError           string
	ConnError           string
	NeedsManualJoin     bool
}

// Joined reports whether the mirror holds a live view of a session
func (s State) Joined() bool {
	return s.SessionID != "" && s.View != nil
}

// Self returns this client's participant in the current view
func (s State) Self() (models.Participant, bool) {
	if s.View == nil || s.ConnectionID == "" {
		return models.Participant{}, false
	}
	return s.View.Participant(s.ConnectionID)
}

// Options configure a Sync
type Options struct {
	URL    string
	Dialer Dialer
	Store  IdentityStore
	Clock  clockwork.Clock
	Logger logger.Logger

	JoinTimeout     time.Duration
	ReconnectWindow time.Duration
	// Backoff paces redials; nil uses 500ms doubling to 5s with 0.5 jitter.
	Backoff backoff.BackOff
	// OnChange receives a snapshot after every state change. It runs on the
	// goroutine that caused the change and must not block.
	OnChange func(State)
}

// Sync is the client synchronization layer
type Sync struct {
	url             string
	dialer          Dialer
	store           IdentityStore
	clock           clockwork.Clock
	log             logger.Logger
	joinTimeout     time.Duration
	reconnectWindow time.Duration
	backoff         backoff.BackOff
	onChange        func(State)
	wake            chan struct{}

	mu     sync.Mutex
	conn   Conn
	state  State
	joined bool // server has confirmed our participant on this connection
	// previousID is the connection id that held our participant before the
	// current transport; sent with join so the server can hand it over
	previousID string

	joinPending bool
	joinSeq     int
	joinTimer   clockwork.Timer

	reconnecting bool
	windowSeq    int
	windowTimer  clockwork.Timer
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	return b
}

// New creates a Sync and restores any stored identity
func New(opts Options) *Sync {
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.ReconnectWindow <= 0 {
		opts.ReconnectWindow = DefaultReconnectWindow
	}
	if opts.Backoff == nil {
		opts.Backoff = newBackoff()
	}

	s := &Sync{
		url:             opts.URL,
		dialer:          opts.Dialer,
		store:           opts.Store,
		clock:           opts.Clock,
		log:             opts.Logger,
		joinTimeout:     opts.JoinTimeout,
		reconnectWindow: opts.ReconnectWindow,
		backoff:         opts.Backoff,
		onChange:        opts.OnChange,
		wake:            make(chan struct{}, 1),
		state:           State{Status: StatusDisconnected},
	}

	id, ok, err := s.store.LoadIdentity()
	if err != nil {
		s.log.Warn("Failed to load saved identity", "error", err)
	}
	if ok {
		s.state.SessionID = id.SessionID
		s.state.ParticipantName = id.PlayerName
		s.state.IsWatcher = id.IsWatcher
		s.previousID = id.ConnectionID
	} else {
		s.state.ParticipantName = s.store.LastName()
	}
	return s
}

// State returns a snapshot of the mirror
func (s *Sync) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Sync) snapshotLocked() State {
	st := s.state
	if st.View != nil {
		v := *st.View
		st.View = &v
	}
	return st
}

// unlock releases the mutex and publishes the new state
func (s *Sync) unlock() {
	st := s.snapshotLocked()
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(st)
	}
}

// Run dials the gateway and keeps the connection alive until ctx ends
func (s *Sync) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state.SessionID != "" {
		s.log.Info("Auto-reconnecting to saved session", "session_id", s.state.SessionID)
		s.startReconnectLocked()
		s.unlock()
	} else {
		s.mu.Unlock()
	}

	for {
		s.setStatus(StatusConnecting, "")
		conn, err := s.dialer.Dial(ctx, s.url)
		if err != nil {
			if ctx.Err() != nil {
				s.setStatus(StatusDisconnected, "")
				return ctx.Err()
			}
			s.log.Warn("Connection failed", "url", s.url, "error", err)
			s.setStatus(StatusDisconnected, err.Error())
			if !s.wait(ctx, s.backoff.NextBackOff()) {
				s.setStatus(StatusDisconnected, "")
				return ctx.Err()
			}
			continue
		}

		s.backoff.Reset()
		s.attach(conn)
		err = s.readLoop(ctx, conn)
		s.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Info("Disconnected from server", "error", err)
		if !s.wait(ctx, s.backoff.NextBackOff()) {
			return ctx.Err()
		}
	}
}

// wait sleeps for d, returning early on Resume. It returns false when ctx
// ends.
func (s *Sync) wait(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = s.reconnectWindow
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	case <-s.wake:
		return true
	}
}

func (s *Sync) readLoop(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	for {
		env, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		s.handleEvent(env)
	}
}

func (s *Sync) setStatus(status Status, connErr string) {
	s.mu.Lock()
	s.state.Status = status
	if connErr != "" || status == StatusConnected {
		s.state.ConnError = connErr
	}
	s.unlock()
}

func (s *Sync) attach(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.joined = false
	s.state.Status = StatusConnected
	s.state.ConnError = ""
	if s.state.SessionID != "" && !s.state.NeedsManualJoin {
		s.startReconnectLocked()
		s.clearJoinLocked()
		if err := s.joinLocked(); err != nil {
			s.log.Warn("Auto-rejoin failed", "session_id", s.state.SessionID, "error", err)
		}
	}
	s.unlock()
}

func (s *Sync) detach(conn Conn) {
	conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.joined = false
	s.state.Status = StatusDisconnected
	if s.state.ConnectionID != "" && s.state.SessionID != "" {
		s.previousID = s.state.ConnectionID
	}
	s.state.ConnectionID = ""
	s.clearJoinLocked()
	if s.state.SessionID != "" && !s.state.NeedsManualJoin {
		s.startReconnectLocked()
	}
	s.unlock()
}

// Resume handles the app returning to the foreground. If the mirror is in a
// session but the transport is down it redials now and starts the
// auto-reconnect window. It reports whether a reconnect was triggered.
func (s *Sync) Resume() bool {
	s.mu.Lock()
	if s.state.SessionID == "" || s.state.Status == StatusConnected {
		s.mu.Unlock()
		return false
	}
	s.log.Info("Resumed while disconnected, reconnecting", "session_id", s.state.SessionID)
	s.state.NeedsManualJoin = false
	s.startReconnectLocked()
	s.unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// startReconnectLocked opens the auto-reconnect window unless one is running
func (s *Sync) startReconnectLocked() {
	if s.reconnecting {
		return
	}
	s.reconnecting = true
	s.state.Loading = true
	s.state.LastError = ""
	s.windowSeq++
	seq := s.windowSeq
	s.windowTimer = s.clock.AfterFunc(s.reconnectWindow, func() { s.reconnectExpired(seq) })
}

func (s *Sync) stopReconnectLocked() {
	if !s.reconnecting {
		return
	}
	s.reconnecting = false
	s.windowSeq++
	if s.windowTimer != nil {
		s.windowTimer.Stop()
		s.windowTimer = nil
	}
}

func (s *Sync) reconnectExpired(seq int) {
	s.mu.Lock()
	if seq != s.windowSeq || !s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.log.Warn("Auto-reconnect timed out", "session_id", s.state.SessionID)
	s.reconnecting = false
	s.clearJoinLocked()
	s.state.Loading = false
	s.state.LastError = MsgReconnectTimeout
	s.state.NeedsManualJoin = true
	s.unlock()
}

// joinLocked sends join-session for the mirrored identity and arms the
// join timeout.
func (s *Sync) joinLocked() error {
	if s.joinPending {
		return ErrJoinInProgress
	}
	payload := models.JoinSessionPayload{
		SessionID:  s.state.SessionID,
		PlayerName: s.state.ParticipantName,
		IsWatcher:  s.state.IsWatcher,
	}
	if s.previousID != s.state.ConnectionID {
		payload.PreviousID = s.previousID
	}
	if err := s.sendLocked(models.CmdJoinSession, payload); err != nil {
		return err
	}

	s.joinPending = true
	s.joinSeq++
	seq := s.joinSeq
	s.state.Loading = true
	s.state.LastError = ""
	s.state.PendingJoinDeadline = s.clock.Now().Add(s.joinTimeout)
	s.joinTimer = s.clock.AfterFunc(s.joinTimeout, func() { s.joinExpired(seq) })
	return nil
}

func (s *Sync) clearJoinLocked() {
	s.joinPending = false
	s.joinSeq++
	s.state.PendingJoinDeadline = time.Time{}
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
}

func (s *Sync) joinExpired(seq int) {
	s.mu.Lock()
	if seq != s.joinSeq || !s.joinPending {
		s.mu.Unlock()
		return
	}
	s.log.Warn("Join timed out", "session_id", s.state.SessionID)
	s.clearJoinLocked()
	s.state.LastError = MsgJoinTimeout
	if !s.reconnecting {
		s.state.Loading = false
	}
	s.unlock()
}

func (s *Sync) sendLocked(cmdType string, payload any) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteCommand(models.WSMessage{Type: cmdType, Payload: payload})
}

func (s *Sync) saveIdentityLocked() {
	if s.state.SessionID == "" {
		return
	}
	err := s.store.SaveIdentity(Identity{
		SessionID:    s.state.SessionID,
		PlayerName:   s.state.ParticipantName,
		IsWatcher:    s.state.IsWatcher,
		LastActivity: s.clock.Now(),
		ConnectionID: s.state.ConnectionID,
	})
	if err != nil {
		s.log.Warn("Failed to save identity", "error", err)
	}
}

func (s *Sync) saveLastNameLocked(name string) {
	if name == "" {
		return
	}
	if err := s.store.SaveLastName(name); err != nil {
		s.log.Warn("Failed to save player name", "error", err)
	}
}

// forgetLocked drops the session association from the mirror and store
func (s *Sync) forgetLocked() {
	s.stopReconnectLocked()
	s.clearJoinLocked()
	s.joined = false
	s.previousID = ""
	s.state.SessionID = ""
	s.state.View = nil
	s.state.IsWatcher = false
	s.state.Loading = false
	s.state.NeedsManualJoin = false
	if err := s.store.ClearIdentity(); err != nil {
		s.log.Warn("Failed to clear identity", "error", err)
	}
}
