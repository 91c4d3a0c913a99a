// Package sessions tracks live WebSocket sessions keyed by their 40-char
// session identity, surviving transport reconnects: a session outlives any
// one connection, and a new connection presenting the same identity steals
// the binding from the old one.
package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pggate/pggate/auth"
)

// ErrNotConnected reports a send attempted between a disconnect and the
// client's reconnect.
var ErrNotConnected = errors.New("session not connected")

// Conn is the transport a session is bound to. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// ReplyHandler consumes a client reply to a server-initiated message.
type ReplyHandler func(payload []byte)

// Session is one authenticated WebSocket presence.
type Session struct {
	// Identity is the session code the client presented; fixed for the
	// session's lifetime.
	Identity string

	mu       sync.Mutex
	wmu      sync.Mutex
	conn     Conn
	ip       string
	agent    string
	code     string
	secret   string
	authz    auth.Authorization
	updated  time.Time
	handlers map[string]ReplyHandler
}

// Conn returns the currently bound transport, which may lag a reconnect.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// IP reports the binding connection's remote address.
func (s *Session) IP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ip
}

// Agent reports the binding connection's user agent.
func (s *Session) Agent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Pair returns the session code and signing secret installed at sign-in or
// open, both empty before.
func (s *Session) Pair() (code, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.secret
}

// SetPair installs or clears the session's signing credentials.
func (s *Session) SetPair(code, secret string) {
	s.mu.Lock()
	s.code = code
	s.secret = secret
	s.updated = time.Now()
	s.mu.Unlock()
}

// Authorization returns the credential snapshot taken at session setup.
func (s *Session) Authorization() auth.Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authz
}

// SetAuthorization replaces the credential snapshot, e.g. after sign-in.
func (s *Session) SetAuthorization(a auth.Authorization) {
	s.mu.Lock()
	s.authz = a
	s.updated = time.Now()
	s.mu.Unlock()
}

// Send writes v as a JSON frame on the current connection. Writes are
// serialized; the underlying connection allows one concurrent writer.
func (s *Session) Send(v any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteJSON(v)
}

// Expect registers a handler for the client's reply to uniqueID.
func (s *Session) Expect(uniqueID string, h ReplyHandler) {
	s.mu.Lock()
	if s.handlers == nil {
		s.handlers = make(map[string]ReplyHandler)
	}
	s.handlers[uniqueID] = h
	s.mu.Unlock()
}

// TakeHandler removes and returns the reply handler for uniqueID, if any.
func (s *Session) TakeHandler(uniqueID string) (ReplyHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[uniqueID]
	if ok {
		delete(s.handlers, uniqueID)
	}
	return h, ok
}

// rebind swaps the transport, returning the displaced connection.
func (s *Session) rebind(conn Conn, ip, agent string) Conn {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.ip = ip
	s.agent = agent
	s.updated = time.Now()
	s.mu.Unlock()
	if old == conn {
		return nil
	}
	return old
}

// detach clears the transport only if conn is still the bound one, and
// reports whether it was.
func (s *Session) detach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	s.updated = time.Now()
	return true
}

// Manager is the registry of live sessions.
type Manager struct {
	log *slog.Logger

	mu   sync.Mutex
	byID map[string]*Session
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager constructs an empty session registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:  slog.New(slog.DiscardHandler),
		byID: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind attaches conn to the session named identity, creating the session on
// first sight. A session already bound elsewhere is rebound here and the
// displaced connection is closed: the newest transport always wins.
func (m *Manager) Bind(identity string, conn Conn, ip, agent string) *Session {
	m.mu.Lock()
	s, ok := m.byID[identity]
	if !ok {
		s = &Session{Identity: identity}
		m.byID[identity] = s
	}
	m.mu.Unlock()

	if old := s.rebind(conn, ip, agent); old != nil {
		m.log.Info("session.rebind",
			slog.String("session", identity),
			slog.String("ip", ip))
		_ = old.Close()
	} else if !ok {
		m.log.Info("session.open",
			slog.String("session", identity),
			slog.String("ip", ip))
	}
	return s
}

// FindByIdentity returns the session for identity, or nil.
func (m *Manager) FindByIdentity(identity string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[identity]
}

// FindByConn returns the session currently bound to conn, or nil.
func (m *Manager) FindByConn(conn Conn) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.Conn() == conn {
			return s
		}
	}
	return nil
}

// Disconnect handles conn going away. The session is removed only when conn
// is still its bound transport; a stale close after a rebind is a no-op.
func (m *Manager) Disconnect(conn Conn) {
	m.mu.Lock()
	var victim *Session
	for _, s := range m.byID {
		if s.detach(conn) {
			victim = s
			break
		}
	}
	if victim != nil {
		delete(m.byID, victim.Identity)
	}
	m.mu.Unlock()

	if victim != nil {
		m.log.Info("session.close", slog.String("session", victim.Identity))
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}
