package securechan

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type discriminators on the data channel.
const (
	FrameKeyExchange     = "key_exchange"
	FrameEncryptedTask   = "encrypted_task"
	FrameEncryptedResult = "encrypted_result"
)

// Key-exchange actions.
const (
	ActionSendPublicKey  = "send_public_key"
	ActionSendAESKey     = "send_aes_key"
	ActionAESKeyReceived = "aes_key_received"
)

// ErrProtocol is returned when an inbound frame does not parse into a known
// variant. A protocol error is fatal to the session that produced it.
var ErrProtocol = errors.New("securechan: protocol error")

// Frame is the discriminated union carried on the data channel. Exactly one
// variant is populated depending on Type and Action.
type Frame struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`

	// Key-exchange payloads.
	PublicKey       string `json:"public_key,omitempty"`
	EncryptedAESKey string `json:"encrypted_aes_key,omitempty"`

	// Encrypted payloads (base64 nonce || ciphertext || tag).
	EncryptedData string `json:"encrypted_data,omitempty"`
}

// ParseFrame decodes raw into a Frame and rejects unknown variants before any
// handler sees the message. Handlers can rely on the variant-specific fields
// being present.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: malformed frame: %v", ErrProtocol, err)
	}

	switch f.Type {
	case FrameKeyExchange:
		switch f.Action {
		case ActionSendPublicKey:
			if f.PublicKey == "" {
				return Frame{}, fmt.Errorf("%w: send_public_key frame missing public_key", ErrProtocol)
			}
		case ActionSendAESKey:
			if f.EncryptedAESKey == "" {
				return Frame{}, fmt.Errorf("%w: send_aes_key frame missing encrypted_aes_key", ErrProtocol)
			}
		case ActionAESKeyReceived:
			// Acknowledgement carries no payload.
		default:
			return Frame{}, fmt.Errorf("%w: unknown key_exchange action %q", ErrProtocol, f.Action)
		}
	case FrameEncryptedTask, FrameEncryptedResult:
		if f.EncryptedData == "" {
			return Frame{}, fmt.Errorf("%w: %s frame missing encrypted_data", ErrProtocol, f.Type)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %q", ErrProtocol, f.Type)
	}
	return f, nil
}

// PublicKeyFrame builds the send_public_key frame for either peer.
func PublicKeyFrame(pemKey string) Frame {
	return Frame{Type: FrameKeyExchange, Action: ActionSendPublicKey, PublicKey: pemKey}
}

// SessionKeyFrame builds the send_aes_key frame carrying the wrapped key.
func SessionKeyFrame(wrappedB64 string) Frame {
	return Frame{Type: FrameKeyExchange, Action: ActionSendAESKey, EncryptedAESKey: wrappedB64}
}

// AckFrame builds the aes_key_received acknowledgement.
func AckFrame() Frame {
	return Frame{Type: FrameKeyExchange, Action: ActionAESKeyReceived}
}

// PayloadFrame builds an encrypted_task or encrypted_result frame.
func PayloadFrame(frameType, encryptedB64 string) Frame {
	return Frame{Type: frameType, EncryptedData: encryptedB64}
}
