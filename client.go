package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	ServerAddr        string
	Username          string
	Password          string
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	Logger            zerolog.Logger
}

// ClientCounters is a snapshot of the traffic a Client has observed on
// its own connection.
type ClientCounters struct {
	BytesSent       int64
	BytesReceived   int64
	PacketsSent     int64
	PacketsReceived int64
	LastRTT         time.Duration
}

// Client is the tunnel client: it owns one connection to a server, the
// negotiated session key, and a background keepalive goroutine.
type Client struct {
	opts ClientOptions

	mu         sync.Mutex
	conn       net.Conn
	sessionKey []byte
	serverInfo *ServerInfo
	counters   ClientCounters

	cancel context.CancelFunc
}

// NewClient creates an unconnected Client. Call Connect before using it.
func NewClient(opts ClientOptions) *Client {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	return &Client{opts: opts}
}

// Connect dials the server and runs the handshake. On success, a
// background keepalive goroutine starts and runs until Disconnect is
// called or ctx is canceled.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", c.opts.ServerAddr, c.opts.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("connect: dial %s: %w", c.opts.ServerAddr, err)
	}

	result, err := clientHandshake(conn, c.opts.Username, c.opts.Password, c.opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return fmt.Errorf("connect: handshake: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.conn = conn
	c.sessionKey = result.sessionKey
	c.serverInfo = result.info
	c.cancel = cancel
	c.mu.Unlock()

	go c.keepaliveLoop(runCtx)

	c.opts.Logger.Info().Str("server", c.opts.ServerAddr).Msg("tunnel connected")
	return nil
}

// Disconnect stops the keepalive loop, closes the connection, and
// zeroes the session key.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	key := c.sessionKey
	cancel := c.cancel
	c.conn = nil
	c.sessionKey = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if key != nil {
		clear(key)
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendKeepalive(); err != nil {
				c.opts.Logger.Warn().Err(err).Msg("keepalive failed")
				return
			}
		}
	}
}

func (c *Client) sendKeepalive() error {
	body, err := json.Marshal(map[string]string{"type": "keepalive"})
	if err != nil {
		return err
	}
	_, err = c.send(body)
	return err
}

// send encrypts and frames body, measuring the round-trip to the reply
// record and feeding it into the client's counters. It returns the raw
// decrypted reply.
func (c *Client) send(body []byte) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	key := c.sessionKey
	c.mu.Unlock()
	if conn == nil || key == nil {
		return nil, ErrNotConnected
	}

	record, err := EncryptAES(body, key)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := writeRecord(conn, record); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	reply, err := readRecord(conn)
	if err != nil {
		return nil, fmt.Errorf("send: read reply: %w", err)
	}
	rtt := time.Since(start)

	plaintext, err := DecryptAES(reply, key)
	if err != nil {
		return nil, fmt.Errorf("send: decrypt reply: %w", err)
	}

	c.mu.Lock()
	c.counters.BytesSent += int64(len(record))
	c.counters.BytesReceived += int64(len(reply))
	c.counters.PacketsSent++
	c.counters.PacketsReceived++
	c.counters.LastRTT = rtt
	c.mu.Unlock()

	return plaintext, nil
}

// Forward sends a one-shot FORWARD request for host:port carrying
// payload, and returns the destination's reply bytes.
func (c *Client) Forward(host string, port int, payload []byte) ([]byte, error) {
	req := fmt.Sprintf("FORWARD:%s:%d:%s", host, port, payload)
	reply, err := c.send([]byte(req))
	if err != nil {
		return nil, err
	}

	var resp forwardResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, &ProtocolError{Msg: "malformed forward response"}
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("forward: %s", resp.Error)
	}
	data, err := latin1Decode(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("forward: decode response data: %w", err)
	}
	return data, nil
}

// RequestStatistics asks the server for its current stats snapshot.
func (c *Client) RequestStatistics() (*StatsSnapshot, error) {
	reply, err := c.send([]byte(`{"type": "stats_request"}`))
	if err != nil {
		return nil, err
	}
	var snapshot StatsSnapshot
	if err := json.Unmarshal(reply, &snapshot); err != nil {
		return nil, &ProtocolError{Msg: "malformed stats response"}
	}
	return &snapshot, nil
}

// Counters returns a snapshot of the client's local traffic counters.
func (c *Client) Counters() ClientCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// ServerInfo returns the server_info block received during the
// handshake, or nil if the client has not connected yet.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}
