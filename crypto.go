// Package tunnel implements an authenticated, encrypted TCP tunnel. A
// client negotiates a fresh session key with a server over RSA-OAEP, then
// exchanges length-framed, AES-256-CBC encrypted records carrying
// forwarding requests and their replies. The server forwards requests to
// arbitrary upstream hosts on the client's behalf and returns the response
// over the same encrypted channel.
//
// The handshake follows a fixed shape:
//
//	server --[RSA-2048 public key, PEM SubjectPublicKeyInfo]--> client
//	client --[AES-256 session key, RSA-OAEP-SHA256 wrapped]--> server
//	client --[credentials, AES-256-CBC encrypted JSON]--> server
//	server --[auth result, AES-256-CBC encrypted JSON]--> client
//
// Everything after the handshake is a stream of length-prefixed, AES-CBC
// encrypted records. CBC gives confidentiality but not integrity; the
// protocol has no certificate-based peer identity and no forward secrecy
// beyond the lifetime of the per-session symmetric key. These are known,
// accepted limitations rather than oversights — see the package design
// notes.
package tunnel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	aesKeySize  = 32 // AES-256
	aesBlockLen = aes.BlockSize
	rsaKeyBits  = 2048
)

// GenerateServerKeyPair creates a fresh RSA-2048 keypair for a server
// instance. The private half lives only for the process lifetime;
// regenerating it on every restart is acceptable, there is no long-term
// key pinning in this protocol.
func GenerateServerKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	return priv, nil
}

// SerializePublicKey encodes an RSA public key as a PEM-wrapped
// SubjectPublicKeyInfo block, the first bytes a server sends a peer.
func SerializePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey is the inverse of SerializePublicKey.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, &ProtocolError{Msg: "parse public key: no PEM block found"}
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, &ProtocolError{Msg: "parse public key: not an RSA key"}
	}
	return rsaKey, nil
}

// GenerateSessionKey draws a fresh 32-byte AES-256 session key from a
// CSPRNG. Callers own zeroing it via clear once the session ends.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: could not get entropy: %w", err)
	}
	return key, nil
}

// WrapSessionKey RSA-OAEP-SHA256-wraps a session key under the peer's
// public key, per handshake step 2.
func WrapSessionKey(key []byte, pub *rsa.PublicKey) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}
	return wrapped, nil
}

// UnwrapSessionKey is the inverse of WrapSessionKey, run by the server
// against its own private key.
func UnwrapSessionKey(wrapped []byte, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap session key: %w", err)
	}
	return key, nil
}

// EncryptAES encrypts plaintext under key using AES-256-CBC with a fresh
// random IV and PKCS#7 padding. The output is iv || ciphertext.
func EncryptAES(plaintext []byte, key []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("encrypt: key must be %d bytes, got %d", aesKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	iv := make([]byte, aesBlockLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("encrypt: could not get entropy for IV: %w", err)
	}

	padded := pkcs7Pad(plaintext, aesBlockLen)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptAES is the inverse of EncryptAES. It returns a *ProtocolError if
// record is too short to hold an IV, if the ciphertext isn't a positive
// multiple of the block size, or if the recovered padding is malformed —
// any of which indicate a corrupted or hostile peer, never a transient
// condition.
func DecryptAES(record []byte, key []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("decrypt: key must be %d bytes, got %d", aesKeySize, len(key))
	}
	if len(record) < aesBlockLen {
		return nil, &ProtocolError{Msg: fmt.Sprintf("record too short to contain an IV: %d bytes", len(record))}
	}

	iv := record[:aesBlockLen]
	ciphertext := record[aesBlockLen:]
	if len(ciphertext) == 0 || len(ciphertext)%aesBlockLen != 0 {
		return nil, &ProtocolError{Msg: fmt.Sprintf("ciphertext length %d is not a positive multiple of %d", len(ciphertext), aesBlockLen)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return pkcs7Unpad(padded, aesBlockLen)
}

// pkcs7Pad always appends 1..blockLen padding bytes, including a full
// block of padding when data is already block-aligned.
func pkcs7Pad(data []byte, blockLen int) []byte {
	padLen := blockLen - (len(data) % blockLen)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte, blockLen int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockLen != 0 {
		return nil, &ProtocolError{Msg: "padded plaintext is not block-aligned"}
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockLen || padLen > len(data) {
		return nil, &ProtocolError{Msg: fmt.Sprintf("invalid PKCS#7 padding length %d", padLen)}
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, &ProtocolError{Msg: "invalid PKCS#7 padding bytes"}
		}
	}
	return data[:len(data)-padLen], nil
}

// sessionFingerprint derives a short, non-secret, one-way label for a
// session key suitable for log correlation. It uses HKDF over SHA3-512;
// the output never serves as key material — only as a log-safe
// identifier, so a session key never appears in a log line.
func sessionFingerprint(sessionKey []byte) string {
	r := hkdf.New(sha3.New512, sessionKey, nil, []byte("tunnel session fingerprint"))
	out := make([]byte, 6)
	if _, err := io.ReadFull(r, out); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(out)
}

// clear overwrites every byte of x with 0, used to scrub session keys
// from memory once a session ends.
func clear(x []byte) {
	for i := range x {
		x[i] = 0
	}
}
