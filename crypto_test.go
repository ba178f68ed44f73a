package tunnel

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}

	cases := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly16bytes!!"),
		bytes.Repeat([]byte("x"), 4096),
		[]byte("FORWARD:example.com:80:GET / HTTP/1.0\r\n\r\n"),
	}

	for _, plaintext := range cases {
		record, err := EncryptAES(plaintext, key)
		if err != nil {
			t.Fatalf("EncryptAES(%q): %v", plaintext, err)
		}
		got, err := DecryptAES(record, key)
		if err != nil {
			t.Fatalf("DecryptAES(%q): %v", plaintext, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptRandomizesIV(t *testing.T) {
	key, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}

	plaintext := []byte("same plaintext every time")
	first, err := EncryptAES(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptAES: %v", err)
	}
	second, err := EncryptAES(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptAES: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two encryptions of the same plaintext produced identical records")
	}
	if bytes.Equal(first[:aesBlockLen], second[:aesBlockLen]) {
		t.Fatal("two encryptions produced identical IVs")
	}
}

func TestDecryptRejectsShortRecord(t *testing.T) {
	key, _ := GenerateSessionKey()
	_, err := DecryptAES(make([]byte, aesBlockLen-1), key)
	if err == nil {
		t.Fatal("expected error decrypting a record too short to hold an IV")
	}
	var protoErr *ProtocolError
	if !asProtocolError(err, &protoErr) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestDecryptRejectsMisalignedCiphertext(t *testing.T) {
	key, _ := GenerateSessionKey()
	record := make([]byte, aesBlockLen+5) // ciphertext not a multiple of the block size
	_, err := DecryptAES(record, key)
	if err == nil {
		t.Fatal("expected error decrypting misaligned ciphertext")
	}
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	_, err := EncryptAES([]byte("hello"), make([]byte, 16))
	if err == nil {
		t.Fatal("expected error encrypting with a non-32-byte key")
	}
}

func TestRSAWrapUnwrapRoundTrip(t *testing.T) {
	priv, err := GenerateServerKeyPair()
	if err != nil {
		t.Fatalf("GenerateServerKeyPair: %v", err)
	}
	sessionKey, err := GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}

	wrapped, err := WrapSessionKey(sessionKey, &priv.PublicKey)
	if err != nil {
		t.Fatalf("WrapSessionKey: %v", err)
	}
	if bytes.Equal(wrapped, sessionKey) {
		t.Fatal("wrapped key must not equal the plaintext key")
	}

	unwrapped, err := UnwrapSessionKey(wrapped, priv)
	if err != nil {
		t.Fatalf("UnwrapSessionKey: %v", err)
	}
	if !bytes.Equal(unwrapped, sessionKey) {
		t.Fatal("unwrapped session key does not match original")
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	priv, err := GenerateServerKeyPair()
	if err != nil {
		t.Fatalf("GenerateServerKeyPair: %v", err)
	}

	pemBytes, err := SerializePublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("SerializePublicKey: %v", err)
	}

	parsed, err := ParsePublicKey(pemBytes)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed.N.Cmp(priv.PublicKey.N) != 0 || parsed.E != priv.PublicKey.E {
		t.Fatal("parsed public key does not match original")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte("not a pem block"))
	if err == nil {
		t.Fatal("expected error parsing a non-PEM blob")
	}
}

func TestSessionFingerprintDeterministicAndDistinct(t *testing.T) {
	key1, _ := GenerateSessionKey()
	key2, _ := GenerateSessionKey()

	if sessionFingerprint(key1) != sessionFingerprint(key1) {
		t.Fatal("fingerprint of the same key must be deterministic")
	}
	if sessionFingerprint(key1) == sessionFingerprint(key2) {
		t.Fatal("fingerprints of two distinct keys collided")
	}
	for _, b := range key1 {
		if b != 0 {
			continue
		}
	}
}

func TestClearZeroesBuffer(t *testing.T) {
	key, _ := GenerateSessionKey()
	clear(key)
	for i, b := range key {
		if b != 0 {
			t.Fatalf("byte %d not cleared: %x", i, b)
		}
	}
}

// asProtocolError reports whether err is a *ProtocolError and, if so,
// stores it through target.
func asProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
