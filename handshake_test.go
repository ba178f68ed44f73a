package tunnel

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestHandshakeSuccess(t *testing.T) {
	priv, err := GenerateServerKeyPair()
	if err != nil {
		t.Fatalf("GenerateServerKeyPair: %v", err)
	}
	store := NewStaticCredentialStore(map[string]string{"student": "secure123"})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	type serverResult struct {
		session *Session
		err     error
	}
	serverDone := make(chan serverResult, 1)
	go func() {
		sess, err := serverHandshake(context.Background(), serverConn, priv, store, "10.0.0.1", 10*time.Second)
		serverDone <- serverResult{sess, err}
	}()

	clientResult, err := clientHandshake(clientConn, "student", "secure123", 10*time.Second)
	if err != nil {
		t.Fatalf("clientHandshake: %v", err)
	}
	if clientResult.info == nil || clientResult.info.Encryption != "AES-256-CBC" {
		t.Fatalf("unexpected server info: %+v", clientResult.info)
	}

	result := <-serverDone
	if result.err != nil {
		t.Fatalf("serverHandshake: %v", result.err)
	}
	defer result.session.Close()

	if result.session.username != "student" {
		t.Fatalf("got username %q, want %q", result.session.username, "student")
	}
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	priv, err := GenerateServerKeyPair()
	if err != nil {
		t.Fatalf("GenerateServerKeyPair: %v", err)
	}
	store := NewStaticCredentialStore(map[string]string{"student": "secure123"})

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverErrCh := make(chan error, 1)
	go func() {
		_, err := serverHandshake(context.Background(), serverConn, priv, store, "10.0.0.1", 10*time.Second)
		serverErrCh <- err
	}()

	_, err = clientHandshake(clientConn, "student", "wrongpassword", 10*time.Second)
	if err == nil {
		t.Fatal("expected client handshake to fail with bad credentials")
	}

	serverErr := <-serverErrCh
	if serverErr != ErrAuthenticationFailed {
		t.Fatalf("got server error %v, want %v", serverErr, ErrAuthenticationFailed)
	}
}
