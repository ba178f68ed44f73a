package tunnel

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

const (
	clientVersion = "2.0"
	statusSuccess = "success"
	statusFailed  = "failed"
)

type authRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	ClientVersion string `json:"client_version"`
}

type ServerInfo struct {
	ServerIP    string   `json:"server_ip"`
	Features    []string `json:"features"`
	Encryption  string   `json:"encryption"`
	KeyExchange string   `json:"key_exchange"`
}

type authResponse struct {
	Status     string      `json:"status"`
	Message    string      `json:"message"`
	ServerInfo *ServerInfo `json:"server_info,omitempty"`
}

var serverFeatures = []string{"tunneling", "flow_control", "encryption"}

// serverHandshake runs the server side of the four-step handshake over
// conn: send the RSA public key, receive a wrapped AES session key,
// receive encrypted credentials, authenticate, and send an encrypted
// auth response. On success it returns a Session ready for the
// dispatcher loop; on failure the caller is responsible for closing
// conn, since the rejection response has already been sent.
func serverHandshake(ctx context.Context, conn net.Conn, priv *rsa.PrivateKey, store CredentialStore, serverIP string, timeout time.Duration) (*Session, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("handshake: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	pubPEM, err := SerializePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("handshake: serialize public key: %w", err)
	}
	if err := writeRecord(conn, pubPEM); err != nil {
		return nil, fmt.Errorf("handshake: send public key: %w", err)
	}

	wrappedKey, err := readRecord(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake: receive wrapped session key: %w", err)
	}
	sessionKey, err := UnwrapSessionKey(wrappedKey, priv)
	if err != nil {
		return nil, fmt.Errorf("handshake: unwrap session key: %w", err)
	}

	credRecord, err := readRecord(conn)
	if err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: receive credentials: %w", err)
	}
	credPlain, err := DecryptAES(credRecord, sessionKey)
	if err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: decrypt credentials: %w", err)
	}

	var req authRequest
	if err := json.Unmarshal(credPlain, &req); err != nil {
		clear(sessionKey)
		return nil, &ProtocolError{Msg: "malformed credential payload"}
	}

	ok, err := store.Authenticate(ctx, Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: authenticate: %w", err)
	}
	if !ok {
		_ = sendAuthResponse(conn, sessionKey, authResponse{
			Status:  statusFailed,
			Message: "invalid username or password",
		})
		clear(sessionKey)
		return nil, ErrAuthenticationFailed
	}

	if err := sendAuthResponse(conn, sessionKey, authResponse{
		Status:  statusSuccess,
		Message: "VPN tunnel established - Full forwarding enabled",
		ServerInfo: &ServerInfo{
			ServerIP:    serverIP,
			Features:    serverFeatures,
			Encryption:  "AES-256-CBC",
			KeyExchange: "RSA-2048-OAEP",
		},
	}); err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: send auth response: %w", err)
	}

	return newSession(conn, sessionKey, req.Username), nil
}

func sendAuthResponse(conn net.Conn, sessionKey []byte, resp authResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal auth response: %w", err)
	}
	record, err := EncryptAES(body, sessionKey)
	if err != nil {
		return fmt.Errorf("encrypt auth response: %w", err)
	}
	return writeRecord(conn, record)
}

// clientHandshakeResult carries everything the client needs out of a
// successful handshake.
type clientHandshakeResult struct {
	sessionKey []byte
	info       *ServerInfo
}

// clientHandshake runs the client side of the handshake: receive the
// server's public key, generate and wrap a session key, send encrypted
// credentials, and receive the auth response.
func clientHandshake(conn net.Conn, username, password string, timeout time.Duration) (*clientHandshakeResult, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("handshake: set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	pubPEM, err := readRecord(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake: receive public key: %w", err)
	}
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("handshake: parse public key: %w", err)
	}

	sessionKey, err := GenerateSessionKey()
	if err != nil {
		return nil, fmt.Errorf("handshake: generate session key: %w", err)
	}

	wrapped, err := WrapSessionKey(sessionKey, pub)
	if err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: wrap session key: %w", err)
	}
	if err := writeRecord(conn, wrapped); err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: send wrapped session key: %w", err)
	}

	reqBody, err := json.Marshal(authRequest{
		Username:      username,
		Password:      password,
		ClientVersion: clientVersion,
	})
	if err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: marshal credentials: %w", err)
	}
	credRecord, err := EncryptAES(reqBody, sessionKey)
	if err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: encrypt credentials: %w", err)
	}
	if err := writeRecord(conn, credRecord); err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: send credentials: %w", err)
	}

	respRecord, err := readRecord(conn)
	if err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: receive auth response: %w", err)
	}
	respPlain, err := DecryptAES(respRecord, sessionKey)
	if err != nil {
		clear(sessionKey)
		return nil, fmt.Errorf("handshake: decrypt auth response: %w", err)
	}

	var resp authResponse
	if err := json.Unmarshal(respPlain, &resp); err != nil {
		clear(sessionKey)
		return nil, &ProtocolError{Msg: "malformed auth response"}
	}
	if resp.Status != statusSuccess {
		clear(sessionKey)
		return nil, fmt.Errorf("%w: %s", ErrAuthenticationFailed, resp.Message)
	}

	return &clientHandshakeResult{sessionKey: sessionKey, info: resp.ServerInfo}, nil
}
