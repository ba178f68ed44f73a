package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	forwardBufferSize = 4096
	pollInterval      = 1 * time.Second
)

type forwardResponse struct {
	Status  string `json:"status"`
	Data    string `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type ackResponse struct {
	Status string `json:"status"`
	Size   int    `json:"size"`
}

// handleConnection runs the handshake for a freshly accepted connection
// and, on success, dispatches its decrypted requests until the
// connection closes or a protocol violation terminates it.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess, err := serverHandshake(ctx, conn, s.priv, s.store, s.opts.ServerIP, s.opts.HandshakeTimeout)
	if err != nil {
		s.opts.Metrics.HandshakeFailed()
		s.opts.Logger.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("handshake failed")
		return
	}
	defer sess.Close()

	s.sessions.add(sess)
	defer s.sessions.remove(sess)

	s.stats.recordConnection()
	s.opts.Metrics.ConnectionOpened()
	defer s.opts.Metrics.ConnectionClosed()

	s.opts.Logger.Info().
		Str("peer", sess.PeerAddr()).
		Str("session", sess.Fingerprint()).
		Str("user", sess.username).
		Msg("session established")

	s.dispatchLoop(ctx, sess)
}

// dispatchLoop reads, decrypts, classifies, and routes every request on
// sess until the connection fails or ctx is canceled. A poll cadence is
// used so shutdown is observed promptly even when the peer is idle.
// Decrypt failures are logged and skipped rather than treated as fatal:
// a single corrupted record shouldn't end an otherwise healthy session.
func (s *Server) dispatchLoop(ctx context.Context, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := sess.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return
		}

		record, err := readRecord(sess.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if err == io.EOF {
				s.opts.Logger.Info().Str("session", sess.Fingerprint()).Msg("session closed by peer")
				return
			}
			s.opts.Logger.Warn().Err(err).Str("session", sess.Fingerprint()).Msg("session terminated")
			return
		}

		plaintext, err := DecryptAES(record, sess.sessionKey)
		if err != nil {
			s.opts.Logger.Warn().Err(err).Str("session", sess.Fingerprint()).Msg("dropping undecryptable record")
			continue
		}

		sess.touch()
		req := classifyRequest(plaintext)
		s.opts.Metrics.RequestClassified(req.Kind)

		switch req.Kind {
		case KindKeepalive:
			s.handleKeepalive(sess)
		case KindStatsRequest:
			s.handleStatsRequest(sess)
		case KindForward:
			s.handleForward(sess, req)
		case KindConnect:
			s.handleConnect(ctx, sess, req)
			return // the CONNECT splice owns the connection until it closes
		default:
			s.handleOpaque(sess, req)
		}
	}
}

func (s *Server) encryptAndSend(sess *Session, body []byte) error {
	record, err := EncryptAES(body, sess.sessionKey)
	if err != nil {
		return err
	}
	return writeRecord(sess.conn, record)
}

func (s *Server) handleKeepalive(sess *Session) {
	body, _ := json.Marshal(map[string]string{"status": "ok", "type": "keepalive_ack"})
	if err := s.encryptAndSend(sess, body); err != nil {
		s.opts.Logger.Warn().Err(err).Str("session", sess.Fingerprint()).Msg("keepalive ack failed")
	}
}

func (s *Server) handleStatsRequest(sess *Session) {
	snapshot := StatsSnapshot{
		TunnelStats: TunnelStats{
			Username:       sess.username,
			BytesForwarded: sess.bytesForwarded,
			UptimeSeconds:  time.Since(sess.createdAt).Seconds(),
		},
		FlowControlStats: sess.flow.Snapshot(),
		ServerStats:      s.stats.snapshot(s.sessions.count()),
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		s.opts.Logger.Warn().Err(err).Msg("marshal stats snapshot")
		return
	}
	if err := s.encryptAndSend(sess, body); err != nil {
		s.opts.Logger.Warn().Err(err).Str("session", sess.Fingerprint()).Msg("stats response failed")
	}
}

// handleForward opens a short-lived connection to the requested
// destination, writes the forwarded payload, reads a single reply chunk,
// and relays it back to the client. This mirrors the reference
// implementation's one-shot request/response forwarding rather than a
// fully bidirectional stream, which is what KindConnect is for.
func (s *Server) handleForward(sess *Session, req Request) {
	var resp forwardResponse
	if req.ParseError != "" {
		resp = forwardResponse{Status: "error", Error: req.ParseError}
	} else {
		resp = s.doForward(req)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		s.opts.Logger.Warn().Err(err).Msg("marshal forward response")
		return
	}
	if err := s.encryptAndSend(sess, body); err != nil {
		s.opts.Logger.Warn().Err(err).Str("session", sess.Fingerprint()).Msg("forward response failed")
		return
	}

	n := len(req.Payload) + len(resp.Data)
	sess.addBytesForwarded(n)
	s.stats.recordBytesForwarded(n)
	s.opts.Metrics.BytesForwarded(n)
}

func (s *Server) doForward(req Request) forwardResponse {
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	dest, err := net.DialTimeout("tcp", addr, s.opts.ForwardTimeout)
	if err != nil {
		return forwardResponse{Status: "error", Error: "could not reach destination: " + err.Error()}
	}
	defer dest.Close()

	if err := dest.SetDeadline(time.Now().Add(s.opts.ForwardTimeout)); err != nil {
		return forwardResponse{Status: "error", Error: err.Error()}
	}
	if len(req.Payload) > 0 {
		if _, err := dest.Write(req.Payload); err != nil {
			return forwardResponse{Status: "error", Error: "write to destination failed: " + err.Error()}
		}
	}

	buf := make([]byte, forwardBufferSize)
	n, err := dest.Read(buf)
	if err != nil && n == 0 {
		return forwardResponse{Status: "error", Error: "read from destination failed: " + err.Error()}
	}
	return forwardResponse{Status: "success", Data: latin1Encode(buf[:n])}
}

// handleConnect enters full-duplex splice mode: bytes arriving on the
// destination connection are encrypted and framed to the client, and
// decrypted client records are written raw to the destination, until
// either side closes.
func (s *Server) handleConnect(ctx context.Context, sess *Session, req Request) {
	addr := net.JoinHostPort(req.Host, strconv.Itoa(req.Port))
	dest, err := net.DialTimeout("tcp", addr, s.opts.ForwardTimeout)
	if err != nil {
		body, _ := json.Marshal(forwardResponse{Status: "error", Error: "could not reach destination: " + err.Error()})
		_ = s.encryptAndSend(sess, body)
		return
	}
	defer dest.Close()

	body, _ := json.Marshal(forwardResponse{Status: "success", Message: "connected"})
	if err := s.encryptAndSend(sess, body); err != nil {
		return
	}

	destClosed := make(chan struct{})
	go func() {
		defer close(destClosed)
		buf := make([]byte, forwardBufferSize)
		for {
			n, err := dest.Read(buf)
			if n > 0 {
				if sendErr := s.encryptAndSend(sess, buf[:n]); sendErr != nil {
					return
				}
				sess.addBytesForwarded(n)
				s.stats.recordBytesForwarded(n)
				s.opts.Metrics.BytesForwarded(n)
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-destClosed:
			return
		default:
		}

		if err := sess.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return
		}
		record, err := readRecord(sess.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		plaintext, err := DecryptAES(record, sess.sessionKey)
		if err != nil {
			continue
		}
		if _, err := dest.Write(plaintext); err != nil {
			return
		}
	}
}

func (s *Server) handleOpaque(sess *Session, req Request) {
	body, _ := json.Marshal(ackResponse{Status: "ack", Size: len(req.Payload)})
	if err := s.encryptAndSend(sess, body); err != nil {
		s.opts.Logger.Warn().Err(err).Str("session", sess.Fingerprint()).Msg("opaque ack failed")
	}
}

