// Package localproxy implements the client-side HTTP proxy adapter: a
// loopback HTTP server that rewrites ordinary browser proxy requests
// into tunnel FORWARD requests and relays the upstream reply back
// verbatim. It is the only piece of the system that ever sees plaintext
// HTTP framing on the client's local machine.
package localproxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Forwarder is satisfied by *tunnel.Client. It is declared separately
// here so this package never imports the root module, keeping the
// dependency direction client -> localproxy, not the reverse.
type Forwarder interface {
	Forward(host string, port int, payload []byte) ([]byte, error)
}

const defaultUpstreamPort = 80

// Proxy is a loopback HTTP proxy that forwards every request over a
// Forwarder (normally a connected tunnel client).
type Proxy struct {
	ListenAddr string
	Forwarder  Forwarder
	Logger     zerolog.Logger

	listener net.Listener
}

// ListenAndServe binds ListenAddr and serves connections until the
// listener is closed.
func (p *Proxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.ListenAddr)
	if err != nil {
		return fmt.Errorf("localproxy: listen on %s: %w", p.ListenAddr, err)
	}
	p.listener = ln
	p.Logger.Info().Str("addr", ln.Addr().String()).Msg("local HTTP proxy listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go p.handleConnection(conn)
	}
}

// Close stops accepting new connections.
func (p *Proxy) Close() error {
	if p.listener == nil {
		return nil
	}
	return p.listener.Close()
}

func (p *Proxy) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	host, port, rewritten, err := parseRequestLine(requestLine, reader)
	if err != nil {
		p.Logger.Warn().Err(err).Msg("could not parse proxied request")
		writeBadGateway(conn, err)
		return
	}

	reply, err := p.Forwarder.Forward(host, port, rewritten)
	if err != nil {
		p.Logger.Warn().Err(err).Str("host", host).Int("port", port).Msg("forward failed")
		writeBadGateway(conn, err)
		return
	}

	if _, err := conn.Write(reply); err != nil {
		p.Logger.Warn().Err(err).Msg("write proxy response failed")
	}
}

// parseRequestLine reads the rest of an HTTP request (headers, and the
// body if Content-Length is present) from reader, determines the
// destination host and port from either the absolute-URI request target
// or the Host header, and returns a rewritten request with an
// origin-form request line ready to forward upstream. host/port default
// to the well-known demo destination on the loopback interface when no
// Host header is present, matching the reference proxy's fallback.
func parseRequestLine(requestLine string, reader *bufio.Reader) (host string, port int, rewritten []byte, err error) {
	parts := strings.Fields(strings.TrimRight(requestLine, "\r\n"))
	if len(parts) != 3 {
		return "", 0, nil, fmt.Errorf("malformed request line: %q", requestLine)
	}
	method, target, version := parts[0], parts[1], parts[2]

	var headerLines []string
	var headerHost string
	contentLength := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", 0, nil, fmt.Errorf("read headers: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		headerLines = append(headerLines, trimmed)
		if strings.HasPrefix(strings.ToLower(trimmed), "host:") {
			headerHost = strings.TrimSpace(trimmed[len("host:"):])
		}
		if strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(trimmed[len("content-length:"):]))
		}
	}

	host, port, requestTarget, err := resolveTarget(target, headerHost)
	if err != nil {
		return "", 0, nil, err
	}

	var body []byte
	if contentLength > 0 {
		body = make([]byte, contentLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			return "", 0, nil, fmt.Errorf("read body: %w", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", method, requestTarget, version)
	for _, h := range headerLines {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	raw := append([]byte(b.String()), body...)

	return host, port, raw, nil
}

// resolveTarget determines the upstream host/port and the request
// target to forward, handling both absolute-URI proxy requests
// ("GET http://host:port/path HTTP/1.1") and origin-form requests relying
// on the Host header.
func resolveTarget(target, headerHost string) (host string, port int, requestTarget string, err error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", 0, "", fmt.Errorf("parse absolute URI target: %w", err)
		}
		host, portStr := splitHostPort(u.Host)
		port := defaultUpstreamPort
		if portStr != "" {
			port, err = strconv.Atoi(portStr)
			if err != nil {
				return "", 0, "", fmt.Errorf("parse target port: %w", err)
			}
		}
		requestTarget := u.RequestURI()
		return host, port, requestTarget, nil
	}

	if headerHost == "" {
		return "127.0.0.1", 9000, target, nil
	}
	host, portStr := splitHostPort(headerHost)
	port = defaultUpstreamPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return "", 0, "", fmt.Errorf("parse host header port: %w", err)
		}
	}
	return host, port, target, nil
}

func splitHostPort(hostport string) (host, port string) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, ""
	}
	return h, p
}

func writeBadGateway(conn net.Conn, cause error) {
	body := fmt.Sprintf("tunnel proxy error: %s", cause)
	fmt.Fprintf(conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
}
