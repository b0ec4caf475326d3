package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for symmetric encryption.
type Nonce [24]byte

// GroupKey is the symmetric sync group key shared by all of a user's
// devices. It is distributed by wrapping it to each device's public key.
type GroupKey [32]byte

// Maximum plaintext size accepted by the envelope cipher (1MB, mirrors the
// snapshot admission budget).
const MaxPlaintextSize = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// GenerateGroupKey creates a new random sync group key.
func GenerateGroupKey() (GroupKey, error) {
	var key GroupKey
	_, err := rand.Read(key[:])
	if err != nil {
		return GroupKey{}, err
	}
	return key, nil
}

// EncryptSymmetric encrypts a message body with a symmetric key using
// authenticated encryption.
func EncryptSymmetric(plaintext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, errors.New("plaintext too large")
	}

	return secretbox.Seal(nil, plaintext, (*[24]byte)(&nonce), &key), nil
}

// WrapKeyWithGroup encrypts a per-message data key under the sync group
// key. The nonce is prepended so the blob is self-contained inside a key
// map entry.
func WrapKeyWithGroup(dataKey [32]byte, groupKey GroupKey) ([]byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	sealed := secretbox.Seal(nonce[:], dataKey[:], (*[24]byte)(&nonce), (*[32]byte)(&groupKey))
	return sealed, nil
}

// UnwrapKeyWithGroup decrypts a WrapKeyWithGroup blob.
func UnwrapKeyWithGroup(blob []byte, groupKey GroupKey) ([32]byte, error) {
	if len(blob) < 24 {
		return [32]byte{}, errors.New("wrapped key too short")
	}

	var nonce [24]byte
	copy(nonce[:], blob[:24])
	raw, ok := secretbox.Open(nil, blob[24:], &nonce, (*[32]byte)(&groupKey))
	if !ok {
		return [32]byte{}, errors.New("wrapped key authentication failed")
	}
	if len(raw) != 32 {
		return [32]byte{}, errors.New("wrapped key has wrong length")
	}

	var key [32]byte
	copy(key[:], raw)
	return key, nil
}

// DecryptSymmetric decrypts a message body with a symmetric key.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	out, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), &key)
	if !ok {
		return nil, errors.New("decryption failed: message authentication failed")
	}

	return out, nil
}
