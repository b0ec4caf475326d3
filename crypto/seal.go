package crypto

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

var (
	// ErrSealTooShort indicates a sealed blob smaller than the Noise
	// handshake overhead.
	ErrSealTooShort = errors.New("sealed payload too short")
)

// cipherSuite matches the suite used for device pairing handshakes.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// SealToPublicKey encrypts a payload to a recipient's static public key
// using the one-way Noise N pattern. The sender is anonymous; only the
// holder of the matching private key can open the result. This is the wire
// form of every wrapped key written into the shared store: key-exchange
// fulfillments and per-device keyMap entries.
func SealToPublicKey(payload []byte, recipientPK [32]byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeN,
		Initiator:   true,
		PeerStatic:  recipientPK[:],
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create seal state: %w", err)
	}

	sealed, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to seal payload: %w", err)
	}

	return sealed, nil
}

// OpenSealed decrypts a payload produced by SealToPublicKey using the
// recipient's key pair.
func OpenSealed(sealed []byte, recipient *KeyPair) ([]byte, error) {
	// 32-byte ephemeral key plus a 16-byte AEAD tag precede the payload.
	if len(sealed) < 48 {
		return nil, ErrSealTooShort
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeN,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: recipient.Private[:],
			Public:  recipient.Public[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create unseal state: %w", err)
	}

	payload, _, _, err := hs.ReadMessage(nil, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed payload: %w", err)
	}

	return payload, nil
}

// WrapGroupKey seals the sync group key to a device's public key.
func WrapGroupKey(key GroupKey, devicePK [32]byte) ([]byte, error) {
	return SealToPublicKey(key[:], devicePK)
}

// UnwrapGroupKey opens a wrapped sync group key with the device key pair.
func UnwrapGroupKey(wrapped []byte, device *KeyPair) (GroupKey, error) {
	raw, err := OpenSealed(wrapped, device)
	if err != nil {
		return GroupKey{}, err
	}
	if len(raw) != 32 {
		return GroupKey{}, fmt.Errorf("unwrapped key has length %d, want 32", len(raw))
	}

	var key GroupKey
	copy(key[:], raw)
	return key, nil
}
