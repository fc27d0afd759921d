// Package securechan implements the end-to-end secure channel between a client
// and a compute node. The coordinator relays signaling but never holds key
// material, so the channel is bootstrapped with an asymmetric exchange:
//
//  1. Client sends its RSA public key.
//  2. Worker replies with its own RSA public key.
//  3. Client generates a fresh 32-byte session key, wraps it with RSA-OAEP
//     under the worker's public key, and sends the wrapped key.
//  4. Worker unwraps the key and acknowledges. The channel is established.
//
// Payloads after establishment are AES-256-GCM with a random per-message
// nonce; the frame type string is bound as additional authenticated data so a
// ciphertext cannot be replayed under a different frame type. The wire format
// is base64(nonce || ciphertext || tag).
//
// A session that observes a single decryption failure is poisoned: every
// subsequent call fails and the caller is expected to tear down the channel.
package securechan

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"
)

// State is the bootstrap progress of a Session. It only moves forward:
// none → remote-pubkey-known → established (or → failed, terminally).
type State int

const (
	StateNone State = iota
	StateRemoteKey
	StateEstablished
	StateFailed
)

// String returns the state name used in logs and session snapshots.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRemoteKey:
		return "remote-pubkey-known"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotEstablished is returned when Encrypt or Decrypt is called before
	// the symmetric key has been agreed.
	ErrNotEstablished = errors.New("securechan: session key not established")

	// ErrDecrypt is returned on authentication-tag failure. The session is
	// permanently failed after the first occurrence.
	ErrDecrypt = errors.New("securechan: decryption failed")

	// ErrSessionFailed is returned for any operation on a poisoned session.
	ErrSessionFailed = errors.New("securechan: session is in failed state")
)

const sessionKeySize = 32 // AES-256

// Session holds one end of a secure channel. Safe for concurrent use.
type Session struct {
	mu        sync.Mutex
	priv      *rsa.PrivateKey
	remotePub *rsa.PublicKey
	aead      cipher.AEAD
	state     State
}

// NewSession generates a fresh RSA-2048 keypair and returns an idle session.
func NewSession() (*Session, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("securechan: keypair generation failed: %w", err)
	}
	return &Session{priv: priv, state: StateNone}, nil
}

// State returns the current bootstrap state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PublicKeyPEM returns this end's RSA public key in PKIX PEM form, as carried
// in the send_public_key frame.
func (s *Session) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("securechan: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// SetRemotePublicKey records the peer's public key. Advances none →
// remote-pubkey-known; calling it again after establishment is rejected so the
// channel state never regresses.
func (s *Session) SetRemotePublicKey(pemStr string) error {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return errors.New("securechan: remote key is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("securechan: parse remote key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("securechan: remote key is %T, want RSA", pub)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateFailed:
		return ErrSessionFailed
	case StateEstablished:
		return errors.New("securechan: key already established, refusing rekey")
	}
	s.remotePub = rsaPub
	if s.state == StateNone {
		s.state = StateRemoteKey
	}
	return nil
}

// WrapSessionKey is the client side of step 3: it generates a fresh session
// key, installs it locally, and returns the key wrapped with RSA-OAEP under
// the peer's public key, base64-encoded for the send_aes_key frame.
func (s *Session) WrapSessionKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return "", ErrSessionFailed
	}
	if s.remotePub == nil {
		return "", errors.New("securechan: remote public key not known yet")
	}

	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("securechan: session key generation failed: %w", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, s.remotePub, key, nil)
	if err != nil {
		return "", fmt.Errorf("securechan: key wrap failed: %w", err)
	}
	if err := s.installKey(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// AcceptSessionKey is the worker side of step 3: it unwraps the session key
// with the local private key and installs it. Advances the state to
// established.
func (s *Session) AcceptSessionKey(wrappedB64 string) error {
	wrapped, err := base64.StdEncoding.DecodeString(wrappedB64)
	if err != nil {
		return fmt.Errorf("securechan: wrapped key is not valid base64: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return ErrSessionFailed
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, s.priv, wrapped, nil)
	if err != nil {
		s.state = StateFailed
		return fmt.Errorf("securechan: key unwrap failed: %w", err)
	}
	return s.installKey(key)
}

// installKey builds the AEAD and advances the state. Callers hold mu.
func (s *Session) installKey(key []byte) error {
	if len(key) != sessionKeySize {
		s.state = StateFailed
		return fmt.Errorf("securechan: session key must be %d bytes, got %d", sessionKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("securechan: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("securechan: GCM init failed: %w", err)
	}
	s.aead = aead
	s.state = StateEstablished
	return nil
}

// Encrypt seals plaintext under the session key with frameType bound as
// additional authenticated data. Returns base64(nonce || ciphertext || tag).
func (s *Session) Encrypt(frameType string, plaintext []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return "", ErrSessionFailed
	}
	if s.state != StateEstablished {
		return "", ErrNotEstablished
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("securechan: nonce generation failed: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(frameType))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by the peer's Encrypt with the same
// frameType. Any failure — bad base64, short input, or tag mismatch — poisons
// the session; subsequent calls return ErrSessionFailed.
func (s *Session) Decrypt(frameType string, payloadB64 string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return nil, ErrSessionFailed
	}
	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}

	data, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		s.state = StateFailed
		return nil, fmt.Errorf("%w: invalid base64", ErrDecrypt)
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		s.state = StateFailed
		return nil, fmt.Errorf("%w: payload shorter than nonce", ErrDecrypt)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(frameType))
	if err != nil {
		s.state = StateFailed
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
