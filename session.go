package tunnel

import (
	"net"
	"sync"
	"time"
)

// Session is the server's per-connection state: the negotiated AES
// session key, the underlying connection, and the flow controller
// tracking that connection's congestion state. Sessions are registered
// in a Server's session table keyed by remote address for the lifetime
// of the connection.
type Session struct {
	conn       net.Conn
	peerAddr   string
	sessionKey []byte
	fingerprint string
	flow       *FlowController
	username   string

	createdAt time.Time

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time

	bytesForwarded int64
}

func newSession(conn net.Conn, sessionKey []byte, username string) *Session {
	now := time.Now()
	return &Session{
		conn:        conn,
		peerAddr:    conn.RemoteAddr().String(),
		sessionKey:  sessionKey,
		fingerprint: sessionFingerprint(sessionKey),
		flow:        NewFlowController(defaultInitialWindow),
		username:    username,
		createdAt:   now,
		lastSeen:    now,
	}
}

// Fingerprint returns the session's non-secret log-correlation label.
// The session key itself never appears in a log line; this is its
// stand-in.
func (s *Session) Fingerprint() string { return s.fingerprint }

// PeerAddr returns the remote address the session was established from.
func (s *Session) PeerAddr() string { return s.peerAddr }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) addBytesForwarded(n int) {
	s.mu.Lock()
	s.bytesForwarded += int64(n)
	s.mu.Unlock()
}

// Close tears down the session's connection and zeroes its session key.
// Calling Close more than once is safe.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	clear(s.sessionKey)
	return s.conn.Close()
}

// sessionRegistry is a server's table of live sessions, keyed by peer
// address.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*Session)}
}

func (r *sessionRegistry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.peerAddr] = s
	r.mu.Unlock()
}

func (r *sessionRegistry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.peerAddr)
	r.mu.Unlock()
}

func (r *sessionRegistry) get(peerAddr string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[peerAddr]
	return s, ok
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// all returns a snapshot slice of the currently registered sessions.
func (r *sessionRegistry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// closeAll tears down every registered session, used during server
// shutdown.
func (r *sessionRegistry) closeAll() {
	for _, s := range r.all() {
		_ = s.Close()
		r.remove(s)
	}
}
