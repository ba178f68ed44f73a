package tunnel

import (
	"net"
	"testing"
)

func TestSessionRegistryAddGetRemove(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sess := newSession(serverConn, make([]byte, 32), "student")
	reg := newSessionRegistry()

	reg.add(sess)
	if reg.count() != 1 {
		t.Fatalf("got count %d, want 1", reg.count())
	}

	got, ok := reg.get(sess.PeerAddr())
	if !ok || got != sess {
		t.Fatal("expected to find the session by peer address")
	}

	reg.remove(sess)
	if reg.count() != 0 {
		t.Fatalf("got count %d after remove, want 0", reg.count())
	}
	if _, ok := reg.get(sess.PeerAddr()); ok {
		t.Fatal("expected session to be gone after remove")
	}
}

func TestSessionCloseZeroesKey(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	key := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	sess := newSession(serverConn, key, "student")

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, b := range sess.sessionKey {
		if b != 0 {
			t.Fatalf("byte %d not cleared: %x", i, b)
		}
	}

	// Closing twice must not panic or error.
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSessionFingerprintIsNotSecretMaterial(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sess := newSession(serverConn, key, "student")

	fp := sess.Fingerprint()
	if len(fp) == 0 {
		t.Fatal("expected a non-empty fingerprint")
	}
	if fp == string(key) {
		t.Fatal("fingerprint must not equal the raw session key")
	}
}
