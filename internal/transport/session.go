// Package transport owns the bidirectional channel to the backend: one
// websocket session per authenticated identity, with an auth handshake,
// automatic reconnection with bounded backoff, and publish/subscribe over
// the tagged event surface. Transport-level failures are handled here and
// never propagate to the state machine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ridesync/internal/events"
	"github.com/example/ridesync/internal/observability"
)

var (
	ErrNotConnected    = errors.New("session not connected")
	ErrUnauthenticated = errors.New("authentication rejected")
	ErrSessionClosed   = errors.New("session closed")
)

type Options struct {
	WSURL            string
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Manager hands out at most one live session per identity token. Calling
// Connect again with the same token while its session is alive returns the
// existing handle, which keeps re-renders from stacking connections.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{opts: opts.withDefaults(), log: log, sessions: make(map[string]*Session)}
}

func (m *Manager) Connect(ctx context.Context, token string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[token]; ok && s.State().Alive() {
		m.mu.Unlock()
		return s, nil
	}
	s := newSession(m.opts, token, m.log)
	s.onClose = func() { m.remove(token, s) }
	m.sessions[token] = s
	m.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		m.remove(token, s)
		return nil, err
	}
	return s, nil
}

func (m *Manager) remove(token string, s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[token]; ok && cur == s {
		delete(m.sessions, token)
	}
	m.mu.Unlock()
}

// Session is one authenticated connection. All writes go through a mutex;
// inbound frames are decoded, validated, and dispatched to subscribers
// sequentially in arrival order.
type Session struct {
	opts    Options
	token   string
	log     *slog.Logger
	onClose func()

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	identity    string
	subs        map[events.Name]map[int]func(any)
	stateSubs   map[int]func(StateChange)
	resumedSubs map[int]func()
	rooms       map[string]struct{}
	nextID      int
	closed      bool
}

func newSession(opts Options, token string, log *slog.Logger) *Session {
	return &Session{
		opts:        opts,
		token:       token,
		log:         log,
		state:       StateDisconnected,
		subs:        make(map[events.Name]map[int]func(any)),
		stateSubs:   make(map[int]func(StateChange)),
		resumedSubs: make(map[int]func()),
		rooms:       make(map[string]struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity is the backend-confirmed identity from the auth handshake.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Subscribe registers a handler for one event name. Each inbound frame is
// delivered at most once per registered handler. The returned func cancels
// the registration.
func (s *Session) Subscribe(name events.Name, h func(payload any)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[name] == nil {
		s.subs[name] = make(map[int]func(any))
	}
	id := s.nextID
	s.nextID++
	s.subs[name][id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[name], id)
	}
}

// OnStateChange observes connect/disconnect/error transitions so the UI can
// render connectivity.
func (s *Session) OnStateChange(h func(StateChange)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.stateSubs[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateSubs, id)
	}
}

// OnResumed fires after every successful reconnect, once rooms have been
// re-joined. Dependent components use it to refetch snapshots and repair
// events missed while disconnected.
func (s *Session) OnResumed(h func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.resumedSubs[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.resumedSubs, id)
	}
}

// Publish sends one event frame. Join/leave frames also update the room set
// that gets re-issued after a reconnect.
func (s *Session) Publish(name events.Name, payload any) error {
	frame, err := events.Encode(name, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.trackRoomLocked(name, payload)
	conn := s.conn
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (s *Session) trackRoomLocked(name events.Name, payload any) {
	p, ok := payload.(events.RoomPayload)
	if !ok {
		return
	}
	switch name {
	case events.JoinRoom:
		s.rooms[p.Room] = struct{}{}
	case events.LeaveRoom:
		delete(s.rooms, p.Room)
	}
}

// Disconnect tears the session down for good (logout). It is an explicit
// lifecycle transition, not a render side effect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.setState(StateClosed, nil)
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting, nil)
	conn, identity, err := s.dialAndAuth(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			s.setState(StateUnauthenticated, err)
			observability.SessionConnects.WithLabelValues("unauthenticated").Inc()
		} else {
			s.setState(StateDisconnected, err)
			observability.SessionConnects.WithLabelValues("error").Inc()
		}
		return err
	}
	observability.SessionConnects.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.conn = conn
	s.identity = identity
	s.mu.Unlock()
	s.setState(StateConnected, nil)

	go s.readLoop(conn)
	return nil
}

// dialAndAuth opens the socket and runs the handshake: the first frame out
// is auth, the first frame back decides the session's fate.
func (s *Session) dialAndAuth(ctx context.Context) (*websocket.Conn, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.opts.WSURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial: %w", err)
	}

	frame, err := events.Encode(events.Auth, events.AuthPayload{Token: s.token})
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("auth write: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("auth read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, payload, err := events.Decode(raw)
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("auth reply: %w", err)
	}
	switch env.Event {
	case events.AuthOK:
		res, _ := payload.(events.AuthResultPayload)
		return conn, res.Identity, nil
	case events.AuthError:
		res, _ := payload.(events.AuthResultPayload)
		_ = conn.Close()
		return nil, "", fmt.Errorf("%w: %s", ErrUnauthenticated, res.Reason)
	default:
		_ = conn.Close()
		return nil, "", fmt.Errorf("unexpected handshake reply %q", env.Event)
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if s.stale(conn) {
				return
			}
			s.log.Warn("session read failed", "error", err)
			go s.reconnectLoop(err)
			return
		}
		env, payload, err := events.Decode(raw)
		if err != nil {
			if errors.Is(err, events.ErrUnknownEvent) {
				s.log.Debug("unknown event dropped", "event", env.Event)
			} else {
				s.log.Warn("malformed event dropped", "event", env.Event, "error", err)
			}
			continue
		}
		s.dispatch(env.Event, payload)
	}
}

// dispatch delivers one frame to current subscribers, in order, to
// completion, before the read loop picks up the next frame.
func (s *Session) dispatch(name events.Name, payload any) {
	s.mu.Lock()
	handlers := make([]func(any), 0, len(s.subs[name]))
	for _, h := range s.subs[name] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (s *Session) stale(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.conn != conn
}

// reconnectLoop retries with doubling backoff up to a ceiling and a bounded
// attempt count. Auth rejection is terminal: the token is bad, retrying
// cannot fix it.
func (s *Session) reconnectLoop(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	s.setState(StateReconnecting, cause)

	backoff := s.opts.InitialBackoff
	var lastErr error = cause
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		time.Sleep(backoff)
		if backoff *= 2; backoff > s.opts.MaxBackoff {
			backoff = s.opts.MaxBackoff
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		conn, identity, err := s.dialAndAuth(context.Background())
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				s.setState(StateUnauthenticated, err)
				return
			}
			lastErr = err
			s.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.identity = identity
		s.state = StateConnected
		rooms := make([]string, 0, len(s.rooms))
		for r := range s.rooms {
			rooms = append(rooms, r)
		}
		s.mu.Unlock()

		s.notifyState(StateChange{Old: StateReconnecting, New: StateConnected})
		observability.SessionReconnects.Inc()

		// Re-issue every previously-registered room subscription, then let
		// dependents repair.
		for _, r := range rooms {
			if err := s.Publish(events.JoinRoom, events.RoomPayload{Room: r}); err != nil {
				s.log.Warn("room rejoin failed", "room", r, "error", err)
			}
		}
		s.notifyResumed()

		go s.readLoop(conn)
		return
	}

	s.log.Error("reconnect attempts exhausted", "attempts", s.opts.MaxAttempts, "error", lastErr)
	s.setState(StateDisconnected, lastErr)
}

func (s *Session) setState(newState State, err error) {
	s.mu.Lock()
	old := s.state
	s.state = newState
	s.mu.Unlock()
	if old != newState {
		s.notifyState(StateChange{Old: old, New: newState, Err: err})
	}
}

func (s *Session) notifyState(ch StateChange) {
	s.mu.Lock()
	handlers := make([]func(StateChange), 0, len(s.stateSubs))
	for _, h := range s.stateSubs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(ch)
	}
}

func (s *Session) notifyResumed() {
	s.mu.Lock()
	handlers := make([]func(), 0, len(s.resumedSubs))
	for _, h := range s.resumedSubs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// Connected reports whether publishes will currently go through. The
// location publisher gates sends on this rather than buffering.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}
