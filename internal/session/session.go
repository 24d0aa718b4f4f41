package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-voice/internal/config"
	"github.com/lexiqai/interview-voice/internal/observability"
)

var (
	// ErrNoCachedCredential is returned by Resume when nothing usable is cached
	ErrNoCachedCredential = errors.New("no usable cached credential")

	// ErrSessionClosed is returned by every operation after Close
	ErrSessionClosed = errors.New("voice session is closed")
)

// State is the voice session lifecycle state
type State string

const (
	StateDisconnected        State = "disconnected"
	StateAcquiringCredential State = "acquiring_credential"
	StateJoining             State = "joining"
	StateConnected           State = "connected"
)

// Events are raised by a live connection
type Events struct {
	OnDisconnected func(reason string)
	OnDeviceError  func(err error)
}

// Transport opens real-time connections to a voice room
type Transport interface {
	Connect(ctx context.Context, serverURL, token string, events Events) (Connection, error)
}

// Connection is one joined room. Close must be safe to call more than once.
type Connection interface {
	EnableMicrophone(ctx context.Context) error
	Close() error
}

// TransportError wraps a failure of the real-time transport in a given phase
type TransportError struct {
	Phase string // join, microphone, disconnect
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Phase, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NoticeKind classifies a user-facing notice
type NoticeKind string

const (
	NoticeConnectFailed NoticeKind = "connect_failed"
	NoticeDisconnected  NoticeKind = "disconnected"
	NoticeDeviceError   NoticeKind = "device_error"
)

// Notice is something the user should be told about
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// Notifier surfaces notices to the user
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Option configures a Session
type Option func(*Session)

// WithNotifier sets where notices go; by default they are only logged
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithClock replaces time.Now for TTL checks
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithStateHook is called after every state transition
func WithStateHook(fn func(from, to State)) Option {
	return func(s *Session) { s.onState = fn }
}

// Session owns the connection to the interview room and the cached credential
// used to (re)join it. Operations are serialized; connection events may
// arrive at any time.
type Session struct {
	store     CredentialStore
	source    CredentialSource
	transport Transport
	key       string
	ttl       time.Duration
	notifier  Notifier
	now       func() time.Time
	onState   func(from, to State)
	logger    zerolog.Logger

	life context.Context
	kill context.CancelFunc

	opMu sync.Mutex

	mu     sync.Mutex
	state  State
	conn   Connection
	gen    uint64
	room   string
	closed bool

	// lost records a disconnect reported while gen was still joining
	lostGen    uint64
	lostReason string
}

// New creates a disconnected session
func New(cfg *config.Config, store CredentialStore, source CredentialSource, transport Transport, logger zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		store:     store,
		source:    source,
		transport: transport,
		key:       cfg.CredentialCacheKey,
		ttl:       cfg.CredentialTTL(),
		now:       time.Now,
		logger:    logger.With().Str("component", "session").Logger(),
		state:     StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.life, s.kill = context.WithCancel(context.Background())
	observability.RecordSessionTransition("", string(StateDisconnected))
	return s
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the joined room name, empty when not connected
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.room
}

// Connect joins the room using a fresh cached credential or a new one.
// It is a no-op when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, done := s.bind(ctx)
	defer done()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.State() == StateConnected {
		return nil
	}
	return s.connectLocked(ctx)
}

// Resume rejoins with the cached credential, skipping acquisition. If the
// join fails the credential is evicted and one full Connect is attempted.
// ErrNoCachedCredential means there was nothing to resume.
func (s *Session) Resume(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, done := s.bind(ctx)
	defer done()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.State() == StateConnected {
		return nil
	}

	cred, ok := s.cached(ctx)
	if !ok {
		return ErrNoCachedCredential
	}

	err := s.join(ctx, cred)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	s.logger.Warn().Err(err).Str("room", cred.RoomName).Msg("Resume failed, acquiring a new credential")
	return s.connectLocked(ctx)
}

// Disconnect leaves the room and forgets the cached credential
func (s *Session) Disconnect(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	var err error
	if conn := s.detach(); conn != nil {
		if cerr := conn.Close(); cerr != nil {
			err = &TransportError{Phase: "disconnect", Err: cerr}
		}
	}
	s.evict(ctx)
	s.setState(StateDisconnected)

	s.logger.Info().Msg("Voice session disconnected")
	return err
}

// Close tears the session down. The cached credential is kept so a later
// process can resume; no further state transitions are emitted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Unblock an operation that is still joining
	s.kill()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if conn := s.detach(); conn != nil {
		if err := conn.Close(); err != nil {
			return &TransportError{Phase: "disconnect", Err: err}
		}
	}
	return nil
}

func (s *Session) connectLocked(ctx context.Context) error {
	s.setState(StateAcquiringCredential)

	cred, err := s.acquire(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		s.notify(Notice{Kind: NoticeConnectFailed, Message: "Could not get interview room credentials", Err: err})
		return err
	}

	return s.join(ctx, cred)
}

// cached returns the stored credential if it is still fresh, evicting a stale one
func (s *Session) cached(ctx context.Context) (*Credential, bool) {
	cred, err := s.store.Load(ctx, s.key)
	switch {
	case errors.Is(err, ErrNotFound):
		observability.RecordCredentialLookup("miss")
		return nil, false
	case err != nil:
		s.logger.Warn().Err(err).Msg("Failed to read cached credential")
		observability.RecordCredentialLookup("miss")
		s.evict(ctx)
		return nil, false
	case !cred.IsFresh(s.now(), s.ttl):
		s.logger.Debug().Time("issued_at", cred.IssuedAt).Msg("Cached credential expired")
		observability.RecordCredentialLookup("stale")
		s.evict(ctx)
		return nil, false
	}

	observability.RecordCredentialLookup("hit")
	return cred, true
}

func (s *Session) acquire(ctx context.Context) (*Credential, error) {
	if cred, ok := s.cached(ctx); ok {
		return cred, nil
	}

	cred, err := s.source.RequestCredential(ctx)
	if err != nil {
		var ce *CredentialError
		if !errors.As(err, &ce) {
			err = &CredentialError{Message: "request credential", Cause: err}
		}
		return nil, err
	}

	if err := s.store.Save(ctx, s.key, cred); err != nil {
		// Still usable for this join, just not resumable
		s.logger.Warn().Err(err).Msg("Failed to cache credential")
	}
	return cred, nil
}

func (s *Session) join(ctx context.Context, cred *Credential) error {
	s.setState(StateJoining)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	logger := s.logger.With().Str("room", cred.RoomName).Logger()

	conn, err := s.transport.Connect(ctx, cred.ServerURL, cred.ParticipantToken, s.events(gen))
	if err != nil {
		return s.failJoin(ctx, &TransportError{Phase: "join", Err: err})
	}
	if err := conn.EnableMicrophone(ctx); err != nil {
		conn.Close()
		return s.failJoin(ctx, &TransportError{Phase: "microphone", Err: err})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	if s.lostGen == gen {
		reason := s.lostReason
		s.mu.Unlock()
		conn.Close()
		return s.failJoin(ctx, &TransportError{Phase: "join", Err: fmt.Errorf("disconnected while joining: %s", reason)})
	}
	s.conn = conn
	s.room = cred.RoomName
	from := s.state
	s.state = StateConnected
	s.mu.Unlock()
	s.emit(from, StateConnected)

	logger.Info().Str("participant", cred.ParticipantIdentity).Msg("Joined interview room")
	return nil
}

func (s *Session) failJoin(ctx context.Context, err error) error {
	if s.checkOpen() != nil {
		// Torn down mid-join: the credential stays for the next process
		return err
	}
	s.logger.Error().Err(err).Msg("Failed to join interview room")
	observability.RecordError("join", "session")

	s.evict(ctx)
	s.setState(StateDisconnected)
	s.notify(Notice{Kind: NoticeConnectFailed, Message: "Could not join the interview room", Err: err})
	return err
}

func (s *Session) events(gen uint64) Events {
	return Events{
		OnDisconnected: func(reason string) { s.handleDisconnected(gen, reason) },
		OnDeviceError:  func(err error) { s.handleDeviceError(gen, err) },
	}
}

// handleDisconnected reacts to the room going away underneath us. The
// credential is kept: the room may still be joinable.
func (s *Session) handleDisconnected(gen uint64, reason string) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.conn == nil {
		// Still joining; join notices and fails instead of reporting Connected
		s.lostGen = gen
		s.lostReason = reason
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.gen++
	from := s.state
	s.state = StateDisconnected
	s.mu.Unlock()

	// Release local tracks without blocking the transport's callback
	go conn.Close()

	s.emit(from, StateDisconnected)
	s.logger.Warn().Str("reason", reason).Msg("Voice connection lost")
	s.notify(Notice{Kind: NoticeDisconnected, Message: "Connection to the interview room was lost"})
}

func (s *Session) handleDeviceError(gen uint64, err error) {
	s.mu.Lock()
	current := !s.closed && gen == s.gen
	s.mu.Unlock()
	if !current {
		return
	}

	s.logger.Error().Err(err).Msg("Audio device error")
	observability.RecordError("device", "session")
	s.notify(Notice{Kind: NoticeDeviceError, Message: "There was a problem with your microphone", Err: err})
}

// bind ties an operation's context to the session lifetime
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) detach() Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.gen++
	return conn
}

func (s *Session) evict(ctx context.Context) {
	if err := s.store.Delete(context.WithoutCancel(ctx), s.key); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to evict cached credential")
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.emit(from, to)
}

func (s *Session) emit(from, to State) {
	if from == to {
		return
	}
	observability.RecordSessionTransition(string(from), string(to))
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Session state changed")
	if s.onState != nil {
		s.onState(from, to)
	}
}

func (s *Session) notify(n Notice) {
	if s.notifier != nil {
		s.notifier.Notify(n)
	}
}
