package securechan

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// bootstrap runs the full key exchange between two sessions and returns them
// as (client, worker), both established.
func bootstrap(t *testing.T) (*Session, *Session) {
	t.Helper()

	client, err := NewSession()
	require.NoError(t, err)
	worker, err := NewSession()
	require.NoError(t, err)

	clientPEM, err := client.PublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, worker.SetRemotePublicKey(clientPEM))

	workerPEM, err := worker.PublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, client.SetRemotePublicKey(workerPEM))

	wrapped, err := client.WrapSessionKey()
	require.NoError(t, err)
	require.NoError(t, worker.AcceptSessionKey(wrapped))

	require.Equal(t, StateEstablished, client.State())
	require.Equal(t, StateEstablished, worker.State())
	return client, worker
}

func TestBootstrapStateIsMonotone(t *testing.T) {
	client, err := NewSession()
	require.NoError(t, err)
	worker, err := NewSession()
	require.NoError(t, err)

	assert.Equal(t, StateNone, client.State())
	assert.Equal(t, StateNone, worker.State())

	workerPEM, err := worker.PublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, client.SetRemotePublicKey(workerPEM))
	assert.Equal(t, StateRemoteKey, client.State())

	wrapped, err := client.WrapSessionKey()
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, client.State())

	clientPEM, err := client.PublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, worker.SetRemotePublicKey(clientPEM))
	require.NoError(t, worker.AcceptSessionKey(wrapped))
	assert.Equal(t, StateEstablished, worker.State())

	// Once established, presenting a new remote key must not regress state.
	err = worker.SetRemotePublicKey(clientPEM)
	assert.Error(t, err)
	assert.Equal(t, StateEstablished, worker.State())
}

func TestRoundTrip(t *testing.T) {
	client, worker := bootstrap(t)

	rapid.Check(t, func(t *rapid.T) {
		plain := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "plain")

		sealed, err := client.Encrypt(FrameEncryptedTask, plain)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := worker.Decrypt(FrameEncryptedTask, sealed)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if string(got) != string(plain) {
			t.Fatalf("round trip mismatch: %q != %q", got, plain)
		}
	})
}

func TestTamperedCiphertextPoisonsSession(t *testing.T) {
	client, worker := bootstrap(t)

	sealed, err := client.Encrypt(FrameEncryptedTask, []byte(`{"code":"print(1)"}`))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01 // flip a tag bit
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = worker.Decrypt(FrameEncryptedTask, tampered)
	assert.ErrorIs(t, err, ErrDecrypt)
	assert.Equal(t, StateFailed, worker.State())

	// A poisoned session never recovers, even for a valid payload.
	_, err = worker.Decrypt(FrameEncryptedTask, sealed)
	assert.ErrorIs(t, err, ErrSessionFailed)
}

func TestFrameTypeIsAuthenticated(t *testing.T) {
	client, worker := bootstrap(t)

	sealed, err := client.Encrypt(FrameEncryptedTask, []byte("payload"))
	require.NoError(t, err)

	// The same ciphertext presented under a different frame type must fail —
	// the type is bound as additional authenticated data.
	_, err = worker.Decrypt(FrameEncryptedResult, sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptBeforeEstablishment(t *testing.T) {
	s, err := NewSession()
	require.NoError(t, err)

	_, err = s.Encrypt(FrameEncryptedTask, []byte("x"))
	assert.ErrorIs(t, err, ErrNotEstablished)
	_, err = s.Decrypt(FrameEncryptedTask, "AAAA")
	assert.ErrorIs(t, err, ErrNotEstablished)
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"public key", `{"type":"key_exchange","action":"send_public_key","public_key":"pem"}`, false},
		{"aes key", `{"type":"key_exchange","action":"send_aes_key","encrypted_aes_key":"b64"}`, false},
		{"ack", `{"type":"key_exchange","action":"aes_key_received"}`, false},
		{"task", `{"type":"encrypted_task","encrypted_data":"b64"}`, false},
		{"result", `{"type":"encrypted_result","encrypted_data":"b64"}`, false},
		{"unknown type", `{"type":"exfiltrate"}`, true},
		{"unknown action", `{"type":"key_exchange","action":"rekey"}`, true},
		{"missing public key", `{"type":"key_exchange","action":"send_public_key"}`, true},
		{"missing data", `{"type":"encrypted_task"}`, true},
		{"not json", `{{{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProtocol)
				return
			}
			require.NoError(t, err)

			// Frames must survive a marshal back to the wire unchanged.
			out, err := json.Marshal(f)
			require.NoError(t, err)
			reparsed, err := ParseFrame(out)
			require.NoError(t, err)
			assert.Equal(t, f, reparsed)
		})
	}
}
