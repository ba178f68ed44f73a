package tunnel

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerOptions configures a Server. Zero values are not safe defaults
// for every field; callers typically populate ServerOptions from an
// internal/config.ServerConfig rather than constructing it by hand.
type ServerOptions struct {
	ListenAddr       string
	ServerIP         string
	HandshakeTimeout time.Duration
	ForwardTimeout   time.Duration
	Logger           zerolog.Logger
	Metrics          MetricsRecorder
}

// Server accepts tunnel connections, authenticates each one, and
// dispatches decrypted requests to the forwarding, CONNECT, keepalive,
// and stats handlers.
type Server struct {
	opts ServerOptions

	priv  *rsa.PrivateKey
	store CredentialStore

	listener net.Listener
	sessions *sessionRegistry
	stats    *globalStats

	wg sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer creates a Server with a freshly generated RSA-2048 keypair.
// The keypair lives only for the process lifetime.
func NewServer(opts ServerOptions, store CredentialStore) (*Server, error) {
	priv, err := GenerateServerKeyPair()
	if err != nil {
		return nil, fmt.Errorf("new server: %w", err)
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ForwardTimeout == 0 {
		opts.ForwardTimeout = 10 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Server{
		opts:     opts,
		priv:     priv,
		store:    store,
		sessions: newSessionRegistry(),
		stats:    newGlobalStats(),
		closed:   make(chan struct{}),
	}, nil
}

// Serve listens on opts.ListenAddr and accepts connections until ctx is
// canceled or Shutdown is called. It blocks until the accept loop exits.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("serve: listen on %s: %w", s.opts.ListenAddr, err)
	}
	s.listener = ln
	s.opts.Logger.Info().Str("addr", ln.Addr().String()).Msg("tunnel server listening")

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		}
		_ = s.listener.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("serve: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Shutdown stops the accept loop and tears down every live session. It
// waits for in-flight connection handlers to observe the shutdown signal
// and exit, or for ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.sessions.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the number of currently registered sessions.
func (s *Server) ActiveSessions() int { return s.sessions.count() }
