package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/config"
)

const testKey = "voiceCallConnectionDetails"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeSource struct {
	mu    sync.Mutex
	clock *fakeClock
	calls int
	err   error
}

func (s *fakeSource) RequestCredential(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Credential{
		ServerURL:           "wss://rooms.example.com",
		RoomName:            "voice_assistant_room_1",
		ParticipantIdentity: "voice_assistant_user_1",
		ParticipantToken:    "fresh-token",
		IssuedAt:            s.clock.Now(),
	}, nil
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeConn struct {
	mu     sync.Mutex
	closed int
	events Events
}

func (c *fakeConn) EnableMicrophone(ctx context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type micFailConn struct{ fakeConn }

func (c *micFailConn) EnableMicrophone(ctx context.Context) error {
	return errors.New("permission denied")
}

type fakeTransport struct {
	mu         sync.Mutex
	tokens     []string
	failTokens map[string]bool
	failMic    bool
	dropOnJoin bool // the room goes away before Connect returns
	conns      []Connection
}

func (t *fakeTransport) Connect(ctx context.Context, serverURL, token string, events Events) (Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, token)
	if t.failTokens[token] {
		return nil, errors.New("room not found")
	}

	var conn Connection
	if t.failMic {
		c := &micFailConn{}
		c.events = events
		conn = c
	} else {
		conn = &fakeConn{events: events}
	}
	t.conns = append(t.conns, conn)
	if t.dropOnJoin {
		events.OnDisconnected("signal closed")
	}
	return conn, nil
}

func (t *fakeTransport) joined() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tokens...)
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch c := t.conns[len(t.conns)-1].(type) {
	case *fakeConn:
		return c
	case *micFailConn:
		return &c.fakeConn
	}
	return nil
}

type harness struct {
	clock     *fakeClock
	store     *MemoryStore
	source    *fakeSource
	transport *fakeTransport
	session   *Session

	mu      sync.Mutex
	states  []State
	notices []Notice
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:     NewMemoryStore(),
		transport: &fakeTransport{failTokens: make(map[string]bool)},
	}
	h.source = &fakeSource{clock: h.clock}

	cfg := &config.Config{CredentialCacheKey: testKey, CredentialTTLMin: 30}
	h.session = New(cfg, h.store, h.source, h.transport, zerolog.Nop(),
		WithClock(h.clock.Now),
		WithNotifier(NotifierFunc(func(n Notice) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		})),
		WithStateHook(func(from, to State) {
			h.mu.Lock()
			h.states = append(h.states, to)
			h.mu.Unlock()
		}))
	t.Cleanup(func() { h.session.Close() })
	return h
}

// cache stores a credential issued age ago
func (h *harness) cache(t *testing.T, token string, age time.Duration) {
	t.Helper()
	err := h.store.Save(context.Background(), testKey, &Credential{
		ServerURL:        "wss://rooms.example.com",
		RoomName:         "voice_assistant_room_0",
		ParticipantToken: token,
		IssuedAt:         h.clock.Now().Add(-age),
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
}

func (h *harness) cached(t *testing.T) *Credential {
	t.Helper()
	cred, err := h.store.Load(context.Background(), testKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cred
}

func (h *harness) transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) noticeKinds() []NoticeKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]NoticeKind, 0, len(h.notices))
	for _, n := range h.notices {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCredential_IsFresh(t *testing.T) {
	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 30 * time.Minute
	cred := &Credential{IssuedAt: issued}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"just issued", issued, true},
		{"one millisecond before expiry", issued.Add(ttl - time.Millisecond), true},
		{"at expiry", issued.Add(ttl), false},
		{"one millisecond after expiry", issued.Add(ttl + time.Millisecond), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cred.IsFresh(tt.now, ttl); got != tt.want {
				t.Errorf("IsFresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnect_FetchesAndCaches(t *testing.T) {
	h := newHarness(t)

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if h.session.State() != StateConnected {
		t.Errorf("Expected connected, got %s", h.session.State())
	}
	if h.source.count() != 1 {
		t.Errorf("Expected one credential request, got %d", h.source.count())
	}
	if cred := h.cached(t); cred == nil || cred.ParticipantToken != "fresh-token" {
		t.Errorf("Expected fresh credential to be cached, got %+v", cred)
	}
	if h.session.Room() != "voice_assistant_room_1" {
		t.Errorf("Unexpected room %q", h.session.Room())
	}

	want := []State{StateAcquiringCredential, StateJoining, StateConnected}
	if got := h.transitions(); !equalStates(got, want) {
		t.Errorf("Expected transitions %v, got %v", want, got)
	}
}

func TestConnect_UsesFreshCachedCredential(t *testing.T) {
	h := newHarness(t)
	h.cache(t, "cached-token", 10*time.Minute)

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if h.source.count() != 0 {
		t.Errorf("Expected no credential request, got %d", h.source.count())
	}
	if got := h.transport.joined(); len(got) != 1 || got[0] != "cached-token" {
		t.Errorf("Expected join with cached token, got %v", got)
	}
}

func TestConnect_StaleCredentialIsReplaced(t *testing.T) {
	h := newHarness(t)
	h.cache(t, "stale-token", 30*time.Minute)

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if h.source.count() != 1 {
		t.Errorf("Expected one credential request, got %d", h.source.count())
	}
	if got := h.transport.joined(); len(got) != 1 || got[0] != "fresh-token" {
		t.Errorf("Expected join with fresh token, got %v", got)
	}
	if cred := h.cached(t); cred == nil || cred.ParticipantToken != "fresh-token" {
		t.Errorf("Expected stale credential to be replaced, got %+v", cred)
	}
}

func TestConnect_AlreadyConnected(t *testing.T) {
	h := newHarness(t)

	h.session.Connect(context.Background())
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Second Connect failed: %v", err)
	}
	if got := h.transport.joined(); len(got) != 1 {
		t.Errorf("Expected a single join, got %d", len(got))
	}
}

func TestConnect_CredentialFailure(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("connection refused")

	err := h.session.Connect(context.Background())
	var ce *CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected CredentialError, got %v", err)
	}
	if h.session.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.session.State())
	}
	if len(h.transport.joined()) != 0 {
		t.Error("Transport must not be used without a credential")
	}
	if kinds := h.noticeKinds(); len(kinds) != 1 || kinds[0] != NoticeConnectFailed {
		t.Errorf("Expected one connect_failed notice, got %v", kinds)
	}
}

func TestConnect_JoinFailureEvicts(t *testing.T) {
	h := newHarness(t)
	h.transport.failTokens["fresh-token"] = true

	err := h.session.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Phase != "join" {
		t.Fatalf("Expected join TransportError, got %v", err)
	}
	if h.cached(t) != nil {
		t.Error("Expected credential to be evicted after join failure")
	}
	if h.session.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.session.State())
	}
	if len(h.transport.joined()) != 1 {
		t.Errorf("Join must not be retried silently, got %d attempts", len(h.transport.joined()))
	}
}

func TestConnect_MicrophoneFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.failMic = true

	err := h.session.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Phase != "microphone" {
		t.Fatalf("Expected microphone TransportError, got %v", err)
	}
	if h.transport.last().closeCount() != 1 {
		t.Error("Expected the half-opened connection to be closed")
	}
	if h.cached(t) != nil {
		t.Error("Expected credential to be evicted")
	}
}

func TestResume_SkipsAcquisition(t *testing.T) {
	h := newHarness(t)
	h.cache(t, "cached-token", 10*time.Minute)

	if err := h.session.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if h.source.count() != 0 {
		t.Errorf("Expected no credential request, got %d", h.source.count())
	}

	want := []State{StateJoining, StateConnected}
	if got := h.transitions(); !equalStates(got, want) {
		t.Errorf("Expected transitions %v, got %v", want, got)
	}
}

func TestResume_NothingCached(t *testing.T) {
	h := newHarness(t)

	if err := h.session.Resume(context.Background()); !errors.Is(err, ErrNoCachedCredential) {
		t.Fatalf("Expected ErrNoCachedCredential, got %v", err)
	}

	h.cache(t, "stale-token", 45*time.Minute)
	if err := h.session.Resume(context.Background()); !errors.Is(err, ErrNoCachedCredential) {
		t.Fatalf("Expected ErrNoCachedCredential for stale credential, got %v", err)
	}
	if h.cached(t) != nil {
		t.Error("Expected stale credential to be evicted")
	}
	if len(h.transport.joined()) != 0 {
		t.Error("Transport must not be used")
	}
}

func TestResume_FallsBackToFullConnectOnce(t *testing.T) {
	h := newHarness(t)
	h.cache(t, "cached-token", 10*time.Minute)
	h.transport.failTokens["cached-token"] = true

	if err := h.session.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if h.source.count() != 1 {
		t.Errorf("Expected exactly one credential request, got %d", h.source.count())
	}
	if got := h.transport.joined(); len(got) != 2 || got[1] != "fresh-token" {
		t.Errorf("Expected cached then fresh join, got %v", got)
	}
	if h.session.State() != StateConnected {
		t.Errorf("Expected connected, got %s", h.session.State())
	}
}

func TestResume_FallbackFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.cache(t, "cached-token", 10*time.Minute)
	h.transport.failTokens["cached-token"] = true
	h.transport.failTokens["fresh-token"] = true

	err := h.session.Resume(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	if h.source.count() != 1 {
		t.Errorf("Expected exactly one credential request, got %d", h.source.count())
	}
	if len(h.transport.joined()) != 2 {
		t.Errorf("Expected two join attempts, got %d", len(h.transport.joined()))
	}
	if h.session.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.session.State())
	}
}

func TestDisconnect_EvictsAndCloses(t *testing.T) {
	h := newHarness(t)
	h.session.Connect(context.Background())
	conn := h.transport.last()

	if err := h.session.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if conn.closeCount() != 1 {
		t.Errorf("Expected connection closed once, got %d", conn.closeCount())
	}
	if h.cached(t) != nil {
		t.Error("Expected credential to be evicted")
	}
	if h.session.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.session.State())
	}
}

func TestClose_KeepsCredential(t *testing.T) {
	h := newHarness(t)
	h.session.Connect(context.Background())
	conn := h.transport.last()
	before := len(h.transitions())

	if err := h.session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if conn.closeCount() != 1 {
		t.Errorf("Expected connection closed once, got %d", conn.closeCount())
	}
	if h.cached(t) == nil {
		t.Error("Expected credential to survive teardown")
	}
	if got := len(h.transitions()); got != before {
		t.Errorf("Expected no transitions after Close, got %d more", got-before)
	}
	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}

	// Events from the dead connection are ignored
	conn.events.OnDisconnected("server shutdown")
	if got := len(h.transitions()); got != before {
		t.Error("Expected late disconnect event to be ignored")
	}
}

func TestUnexpectedDisconnect(t *testing.T) {
	h := newHarness(t)
	h.session.Connect(context.Background())
	conn := h.transport.last()

	conn.events.OnDisconnected("signal closed")

	if h.session.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.session.State())
	}
	if kinds := h.noticeKinds(); len(kinds) != 1 || kinds[0] != NoticeDisconnected {
		t.Errorf("Expected one disconnected notice, got %v", kinds)
	}
	if h.cached(t) == nil {
		t.Error("Expected credential to be kept after an unexpected disconnect")
	}

	// Reconnecting reuses the kept credential
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if h.source.count() != 1 {
		t.Errorf("Expected cached credential reuse, got %d requests", h.source.count())
	}

	// A second event from the old connection must not touch the new one
	conn.events.OnDisconnected("duplicate")
	if h.session.State() != StateConnected {
		t.Errorf("Expected stale event to be ignored, got %s", h.session.State())
	}
}

func TestDeviceError_NotifiesOnly(t *testing.T) {
	h := newHarness(t)
	h.session.Connect(context.Background())

	h.transport.last().events.OnDeviceError(errors.New("microphone unplugged"))

	if h.session.State() != StateConnected {
		t.Errorf("Expected to stay connected, got %s", h.session.State())
	}
	if kinds := h.noticeKinds(); len(kinds) != 1 || kinds[0] != NoticeDeviceError {
		t.Errorf("Expected one device_error notice, got %v", kinds)
	}
}

func TestConnect_DisconnectedWhileJoining(t *testing.T) {
	h := newHarness(t)
	h.transport.dropOnJoin = true

	err := h.session.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Phase != "join" {
		t.Fatalf("Expected join TransportError, got %v", err)
	}
	if h.session.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", h.session.State())
	}
	if h.transport.last().closeCount() != 1 {
		t.Error("Expected the lost connection to be closed")
	}
	for _, st := range h.transitions() {
		if st == StateConnected {
			t.Error("Session must not report connected on a room that is already gone")
		}
	}

	// The next join is unaffected
	h.transport.dropOnJoin = false
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if h.session.State() != StateConnected {
		t.Errorf("Expected connected, got %s", h.session.State())
	}
}
