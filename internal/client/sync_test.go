package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/abrezinsky/planningpoker/internal/logger"
	"github.com/abrezinsky/planningpoker/internal/models"
	"github.com/abrezinsky/planningpoker/internal/testutil"
)

var errClosed = errors.New("connection closed")

// fakeConn is an in-memory transport driven by the test
type fakeConn struct {
	in     chan models.Envelope
	out    chan models.WSMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan models.Envelope, 32),
		out:    make(chan models.WSMessage, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEvent() (models.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return models.Envelope{}, errClosed
	}
}

func (c *fakeConn) WriteCommand(msg models.WSMessage) error {
	select {
	case <-c.closed:
		return errClosed
	default:
	}
	c.out <- msg
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a server event
func (c *fakeConn) push(t *testing.T, evtType string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal %s: %v", evtType, err)
		}
		raw = data
	}
	c.in <- models.Envelope{Type: evtType, Payload: raw}
}

// sent waits for the next command written by the client
func (c *fakeConn) sent(t *testing.T, cmdType string) models.WSMessage {
	t.Helper()
	select {
	case msg := <-c.out:
		if msg.Type != cmdType {
			t.Fatalf("expected %s, got %s (%+v)", cmdType, msg.Type, msg.Payload)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", cmdType)
		return models.WSMessage{}
	}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.out:
		t.Fatalf("unexpected command %s (%+v)", msg.Type, msg.Payload)
	case <-time.After(30 * time.Millisecond):
	}
}

// fakeDialer hands out connections queued by the test
type fakeDialer struct {
	conns chan *fakeConn
	mu    sync.Mutex
	dials int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	select {
	case c := <-d.conns:
		if c == nil {
			return nil, errors.New("connection refused")
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type harness struct {
	sync   *Sync
	dialer *fakeDialer
	clock  *clockwork.FakeClock
	store  *MemoryStore
}

func newHarness(t *testing.T, store *MemoryStore, bo backoff.BackOff) *harness {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	if bo == nil {
		bo = &backoff.ZeroBackOff{}
	}
	h := &harness{dialer: newFakeDialer(), clock: testutil.NewClock(), store: store}
	h.sync = New(Options{
		URL:     "ws://poker.test/ws",
		Dialer:  h.dialer,
		Store:   store,
		Clock:   h.clock,
		Logger:  logger.Nop(),
		Backoff: bo,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sync.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// accept hands the client a new connection and announces its id
func (h *harness) accept(t *testing.T, connID string) *fakeConn {
	t.Helper()
	c := newFakeConn()
	h.dialer.conns <- c
	c.push(t, models.EvtConnected, models.ConnectedPayload{ConnectionID: connID})
	h.waitFor(t, func(st State) bool {
		return st.Status == StatusConnected && st.ConnectionID == connID
	}, "connected as "+connID)
	return c
}

func (h *harness) waitFor(t *testing.T, cond func(State) bool, msg string) {
	t.Helper()
	testutil.Eventually(t, 2*time.Second, func() bool { return cond(h.sync.State()) }, msg)
}

func viewWith(id string, participants ...models.Participant) models.SessionView {
	return models.SessionView{
		ID:           id,
		DeckType:     "fibonacci",
		Deck:         models.Deck{Name: "Fibonacci", Cards: []string{"1", "2", "3"}},
		Participants: participants,
		Votes:        map[string]string{},
	}
}

// joinAs drives a successful join of sess as connID
func (h *harness) joinAs(t *testing.T, c *fakeConn, sess, connID, name string) {
	t.Helper()
	if err := h.sync.Join(sess, name, false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	c.sent(t, models.CmdJoinSession)
	c.push(t, models.EvtPlayerJoined, viewWith(sess, models.Participant{ID: connID, Name: name}))
	h.waitFor(t, func(st State) bool { return st.Joined() && !st.Loading }, "joined "+sess)
}

func TestCreate(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")

	if err := h.sync.Create("  Alice ", false, "tshirt"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	msg := c.sent(t, models.CmdCreateSession)
	payload := msg.Payload.(models.CreateSessionPayload)
	if payload.PlayerName != "Alice" || payload.DeckType != "tshirt" {
		t.Errorf("unexpected payload %+v", payload)
	}
	if !h.sync.State().Loading {
		t.Error("expected loading while create is outstanding")
	}

	c.push(t, models.EvtSessionCreated, models.SessionCreatedPayload{
		SessionID: "abc12345",
		Session:   viewWith("abc12345", models.Participant{ID: "c1", Name: "Alice"}),
	})
	h.waitFor(t, func(st State) bool { return st.SessionID == "abc12345" && st.Joined() }, "session created")

	id, ok, _ := h.store.LoadIdentity()
	if !ok || id.SessionID != "abc12345" || id.PlayerName != "Alice" {
		t.Errorf("expected identity to be saved, got %+v %v", id, ok)
	}
	if h.store.LastName() != "Alice" {
		t.Errorf("expected last name Alice, got %q", h.store.LastName())
	}
	if self, ok := h.sync.State().Self(); !ok || self.Name != "Alice" {
		t.Errorf("expected self in view, got %+v %v", self, ok)
	}
}

func TestCommandsRequireConnectionAndSession(t *testing.T) {
	h := newHarness(t, nil, nil)

	if err := h.sync.Join("abc12345", "Alice", false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := h.sync.Create("Alice", false, ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	c := h.accept(t, "c1")
	if err := h.sync.CastVote("3"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("expected ErrNotJoined, got %v", err)
	}
	if err := h.sync.Leave(); !errors.Is(err, ErrNotJoined) {
		t.Errorf("expected ErrNotJoined from Leave, got %v", err)
	}
	c.expectNothing(t)
}

func TestJoin_Success(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")

	if err := h.sync.Join("abc12345", "Bob", true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	msg := c.sent(t, models.CmdJoinSession)
	payload := msg.Payload.(models.JoinSessionPayload)
	want := models.JoinSessionPayload{SessionID: "abc12345", PlayerName: "Bob", IsWatcher: true}
	if payload != want {
		t.Errorf("payload = %+v, want %+v", payload, want)
	}

	st := h.sync.State()
	if !st.Loading || !st.PendingJoinDeadline.Equal(testutil.Epoch.Add(DefaultJoinTimeout)) {
		t.Errorf("expected pending join with deadline, got %+v", st)
	}

	// Another participant's join does not complete ours
	c.push(t, models.EvtPlayerJoined, viewWith("abc12345", models.Participant{ID: "c9", Name: "Zed"}))
	c.push(t, models.EvtPlayerJoined, viewWith("abc12345",
		models.Participant{ID: "c9", Name: "Zed"},
		models.Participant{ID: "c1", Name: "Bob", IsWatcher: true}))
	h.waitFor(t, func(st State) bool { return !st.Loading && len(st.View.Participants) == 2 }, "join completed")

	st = h.sync.State()
	if !st.PendingJoinDeadline.IsZero() || st.LastError != "" {
		t.Errorf("expected join cleared, got %+v", st)
	}
	if id, ok, _ := h.store.LoadIdentity(); !ok || !id.IsWatcher {
		t.Errorf("expected watcher identity saved, got %+v", id)
	}
}

func TestJoin_SuppressesDuplicate(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")

	if err := h.sync.Join("abc12345", "Bob", false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.sync.Join("abc12345", "Bob", false); !errors.Is(err, ErrJoinInProgress) {
		t.Errorf("expected ErrJoinInProgress, got %v", err)
	}
	c.sent(t, models.CmdJoinSession)
	c.expectNothing(t)
}

func TestJoin_Timeout(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")

	if err := h.sync.Join("abc12345", "Bob", false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	c.sent(t, models.CmdJoinSession)

	h.clock.Advance(DefaultJoinTimeout)
	h.waitFor(t, func(st State) bool { return st.LastError == MsgJoinTimeout }, "join timeout surfaced")

	st := h.sync.State()
	if st.Loading || !st.PendingJoinDeadline.IsZero() {
		t.Errorf("expected pending state cleared, got %+v", st)
	}

	// A fresh attempt is allowed after the timeout
	if err := h.sync.Join("abc12345", "Bob", false); err != nil {
		t.Errorf("expected retry to be accepted, got %v", err)
	}
}

func TestJoin_LateResponseAfterTimeoutStillApplies(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")

	h.sync.Join("abc12345", "Bob", false)
	c.sent(t, models.CmdJoinSession)
	h.clock.Advance(DefaultJoinTimeout)
	h.waitFor(t, func(st State) bool { return st.LastError == MsgJoinTimeout }, "timeout")

	c.push(t, models.EvtPlayerJoined, viewWith("abc12345", models.Participant{ID: "c1", Name: "Bob"}))
	h.waitFor(t, func(st State) bool { return st.Joined() && st.LastError == "" }, "late join applied")
}

func TestEvents_UpdateMirror(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")
	h.joinAs(t, c, "abc12345", "c1", "Bob")

	revealed := viewWith("abc12345", models.Participant{ID: "c1", Name: "Bob", HasVoted: true})
	revealed.Revealed = true
	revealed.Votes = map[string]string{"c1": "3"}
	c.push(t, models.EvtVotesRevealed, revealed)
	h.waitFor(t, func(st State) bool { return st.View.Revealed }, "revealed view")

	// Views of other sessions are ignored
	c.push(t, models.EvtRoundReset, viewWith("other000"))
	c.push(t, models.EvtRoleToggled, viewWith("abc12345", models.Participant{ID: "c1", Name: "Bob", IsWatcher: true}))
	h.waitFor(t, func(st State) bool { return st.IsWatcher }, "role toggled")
	if st := h.sync.State(); st.View.ID != "abc12345" {
		t.Errorf("expected foreign view to be ignored, got %s", st.View.ID)
	}

	c.push(t, models.EvtNameChanged, viewWith("abc12345", models.Participant{ID: "c1", Name: "Robert", IsWatcher: true}))
	h.waitFor(t, func(st State) bool { return st.ParticipantName == "Robert" }, "renamed")
	id, _, _ := h.store.LoadIdentity()
	if id.PlayerName != "Robert" || !id.IsWatcher || h.store.LastName() != "Robert" {
		t.Errorf("expected identity to follow rename, got %+v last=%q", id, h.store.LastName())
	}
}

func TestSessionCommands(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")
	h.joinAs(t, c, "abc12345", "c1", "Bob")

	tests := []struct {
		name string
		call func() error
		want models.WSMessage
	}{
		{"vote", func() error { return h.sync.CastVote("5") }, models.WSMessage{Type: models.CmdCastVote, Payload: models.CastVotePayload{SessionID: "abc12345", Card: "5"}}},
		{"reveal", h.sync.Reveal, models.WSMessage{Type: models.CmdRevealVotes, Payload: models.SessionRef{SessionID: "abc12345"}}},
		{"reset", h.sync.Reset, models.WSMessage{Type: models.CmdResetRound, Payload: models.SessionRef{SessionID: "abc12345"}}},
		{"deck", func() error { return h.sync.ChangeDeck("tshirt") }, models.WSMessage{Type: models.CmdChangeDeck, Payload: models.ChangeDeckPayload{SessionID: "abc12345", DeckType: "tshirt"}}},
		{"role", h.sync.ToggleRole, models.WSMessage{Type: models.CmdToggleRole, Payload: models.SessionRef{SessionID: "abc12345"}}},
		{"rename", func() error { return h.sync.Rename("Rob") }, models.WSMessage{Type: models.CmdRenameParticipant, Payload: models.RenamePayload{SessionID: "abc12345", NewName: "Rob"}}},
		{"ping", h.sync.Ping, models.WSMessage{Type: models.CmdPing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("call failed: %v", err)
			}
			got := c.sent(t, tt.want.Type)
			if got.Payload != tt.want.Payload {
				t.Errorf("payload = %+v, want %+v", got.Payload, tt.want.Payload)
			}
		})
	}

	if err := h.sync.CreateCustomDeck("Team", []string{"S", "M"}); err != nil {
		t.Fatalf("CreateCustomDeck: %v", err)
	}
	deck := c.sent(t, models.CmdCreateCustomDeck).Payload.(models.CustomDeckPayload)
	if deck.Name != "Team" || len(deck.Cards) != 2 {
		t.Errorf("unexpected custom deck payload %+v", deck)
	}
	if err := h.sync.EditCustomDeck("Team", []string{"L"}); err != nil {
		t.Fatalf("EditCustomDeck: %v", err)
	}
	c.sent(t, models.CmdEditCustomDeck)
}

func TestLeave(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")
	h.joinAs(t, c, "abc12345", "c1", "Bob")

	if err := h.sync.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	c.sent(t, models.CmdLeaveSession)

	st := h.sync.State()
	if st.SessionID != "" || st.View != nil {
		t.Errorf("expected mirror cleared, got %+v", st)
	}
	if _, ok, _ := h.store.LoadIdentity(); ok {
		t.Error("expected identity cleared")
	}
	if h.store.LastName() != "Bob" {
		t.Errorf("expected last name to survive leave, got %q", h.store.LastName())
	}
}

func TestError_SessionNotFoundClearsIdentity(t *testing.T) {
	store := NewMemoryStore()
	store.SaveIdentity(Identity{SessionID: "gone0000", PlayerName: "Bob"})
	h := newHarness(t, store, nil)
	c := h.accept(t, "c1")

	msg := c.sent(t, models.CmdJoinSession)
	if msg.Payload.(models.JoinSessionPayload).SessionID != "gone0000" {
		t.Fatalf("expected auto rejoin of saved session, got %+v", msg.Payload)
	}

	c.push(t, models.EvtError, models.ErrorPayload{Message: models.MsgSessionNotFound, Code: models.CodeNotFound})
	h.waitFor(t, func(st State) bool { return st.SessionID == "" && st.LastError == models.MsgSessionNotFound }, "identity cleared")

	if _, ok, _ := store.LoadIdentity(); ok {
		t.Error("expected stored identity to be removed")
	}
	st := h.sync.State()
	if st.Loading || st.NeedsManualJoin {
		t.Errorf("expected idle state, got %+v", st)
	}
}

func TestError_OtherErrorsKeepSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	c := h.accept(t, "c1")
	h.joinAs(t, c, "abc12345", "c1", "Bob")

	c.push(t, models.EvtError, models.ErrorPayload{Message: "Participant not found.", Code: models.CodeNotFound})
	h.waitFor(t, func(st State) bool { return st.LastError == "Participant not found." }, "error surfaced")
	if st := h.sync.State(); st.SessionID != "abc12345" {
		t.Errorf("expected session kept, got %+v", st)
	}
}

func TestAutoReconnect_RejoinsAfterDrop(t *testing.T) {
	h := newHarness(t, nil, nil)
	c1 := h.accept(t, "c1")
	h.joinAs(t, c1, "abc12345", "c1", "Bob")

	c1.Close()
	h.waitFor(t, func(st State) bool { return st.Status != StatusConnected && st.Loading }, "dropped")

	c2 := h.accept(t, "c2")
	msg := c2.sent(t, models.CmdJoinSession)
	want := models.JoinSessionPayload{SessionID: "abc12345", PlayerName: "Bob", PreviousID: "c1"}
	if msg.Payload.(models.JoinSessionPayload) != want {
		t.Errorf("payload = %+v, want %+v", msg.Payload, want)
	}

	c2.push(t, models.EvtPlayerJoined, viewWith("abc12345", models.Participant{ID: "c2", Name: "Bob"}))
	h.waitFor(t, func(st State) bool { return st.Joined() && !st.Loading }, "rejoined")

	// The window was closed by the successful rejoin
	h.clock.Advance(DefaultReconnectWindow)
	time.Sleep(20 * time.Millisecond)
	if st := h.sync.State(); st.NeedsManualJoin || st.LastError != "" {
		t.Errorf("expected no reconnect timeout after rejoin, got %+v", st)
	}
}

func TestAutoReconnect_SavedConnectionIsReclaimed(t *testing.T) {
	store := NewMemoryStore()
	store.SaveIdentity(Identity{SessionID: "abc12345", PlayerName: "Bob", ConnectionID: "c0"})
	h := newHarness(t, store, nil)

	c1 := h.accept(t, "c1")
	msg := c1.sent(t, models.CmdJoinSession)
	if got := msg.Payload.(models.JoinSessionPayload).PreviousID; got != "c0" {
		t.Errorf("expected previous connection c0, got %q", got)
	}
	c1.push(t, models.EvtPlayerJoined, viewWith("abc12345", models.Participant{ID: "c1", Name: "Bob"}))
	h.waitFor(t, func(st State) bool { return st.Joined() && !st.Loading }, "rejoined")

	if id, _, _ := store.LoadIdentity(); id.ConnectionID != "c1" {
		t.Errorf("expected identity to record c1, got %+v", id)
	}

	// A join on the same connection no longer names a previous one
	if err := h.sync.Join("abc12345", "Bob", false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	msg = c1.sent(t, models.CmdJoinSession)
	if got := msg.Payload.(models.JoinSessionPayload).PreviousID; got != "" {
		t.Errorf("expected no previous connection, got %q", got)
	}
}

func TestAutoReconnect_WindowExpires(t *testing.T) {
	store := NewMemoryStore()
	store.SaveIdentity(Identity{SessionID: "abc12345", PlayerName: "Bob"})
	h := newHarness(t, store, nil)

	// Never connect: the saved session cannot be rejoined in time
	testutil.Eventually(t, time.Second, func() bool { return h.dialer.attempts() > 0 }, "dialing")
	h.clock.Advance(DefaultReconnectWindow)
	h.waitFor(t, func(st State) bool { return st.NeedsManualJoin }, "manual join required")

	st := h.sync.State()
	if st.LastError != MsgReconnectTimeout || st.Loading {
		t.Errorf("unexpected state %+v", st)
	}

	// A later connection does not rejoin on its own
	c := h.accept(t, "c1")
	c.expectNothing(t)

	// A manual join is still possible
	if err := h.sync.Join("abc12345", "Bob", false); err != nil {
		t.Fatalf("Join: %v", err)
	}
	c.sent(t, models.CmdJoinSession)
	if h.sync.State().NeedsManualJoin {
		t.Error("expected manual join to clear the flag")
	}
}

func TestResume_RedialsImmediately(t *testing.T) {
	h := newHarness(t, nil, backoff.NewConstantBackOff(time.Hour))
	c1 := h.accept(t, "c1")
	h.joinAs(t, c1, "abc12345", "c1", "Bob")

	if h.sync.Resume() {
		t.Error("expected Resume to do nothing while connected")
	}

	c1.Close()
	h.waitFor(t, func(st State) bool { return st.Status == StatusDisconnected }, "dropped")
	// Let the loop settle into its hour-long backoff
	h.clock.BlockUntilContext(context.Background(), 2)

	if !h.sync.Resume() {
		t.Fatal("expected Resume to trigger a reconnect")
	}
	c2 := h.accept(t, "c2")
	c2.sent(t, models.CmdJoinSession)
}

func TestResume_NotInSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	if h.sync.Resume() {
		t.Error("expected Resume without a session to be a no-op")
	}
}

func TestNew_RestoresIdentity(t *testing.T) {
	store := NewMemoryStore()
	store.SaveLastName("Carol")
	s := New(Options{Store: store, Clock: testutil.NewClock()})
	if st := s.State(); st.ParticipantName != "Carol" || st.SessionID != "" {
		t.Errorf("expected last name only, got %+v", st)
	}

	store.SaveIdentity(Identity{SessionID: "abc12345", PlayerName: "Dana", IsWatcher: true})
	s = New(Options{Store: store, Clock: testutil.NewClock()})
	st := s.State()
	if st.SessionID != "abc12345" || st.ParticipantName != "Dana" || !st.IsWatcher {
		t.Errorf("expected saved identity, got %+v", st)
	}
	if st.Status != StatusDisconnected {
		t.Errorf("expected disconnected before Run, got %s", st.Status)
	}
}

func TestOnChange(t *testing.T) {
	var mu sync.Mutex
	var statuses []Status
	d := newFakeDialer()
	s := New(Options{
		Dialer:  d,
		Clock:   testutil.NewClock(),
		Backoff: &backoff.ZeroBackOff{},
		OnChange: func(st State) {
			mu.Lock()
			statuses = append(statuses, st.Status)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	d.conns <- newFakeConn()
	testutil.Eventually(t, time.Second, func() bool { return s.State().Status == StatusConnected }, "connected")
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) < 2 || statuses[0] != StatusConnecting {
		t.Errorf("expected connecting then connected notifications, got %v", statuses)
	}
}
