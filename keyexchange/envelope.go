// Package keyexchange runs the protocol that lets a newly-paired or
// re-keyed device obtain the sync group key and, through backfill, decrypt
// prior history. A joining device publishes a request; the data-owning
// device's listener wraps the group key to the requester's public key and
// writes the fulfillment back.
package keyexchange

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/dpchavali1/syncflow/crypto"
	"github.com/dpchavali1/syncflow/store"
)

// GroupKeyID is the shared key-map entry readable by every device holding
// the sync group key.
const GroupKeyID = "sync_group"

// ErrNoWrappedKey indicates an envelope carrying no key-map entry this
// device can open. The envelope is flagged undecryptable; it is never a
// fatal sync error.
var ErrNoWrappedKey = errors.New("no usable wrapped key for this device")

// SealEnvelope encrypts the envelope's plaintext body in place. A fresh
// per-message data key protects the body; the key is wrapped under the
// group key so any device that completed key exchange can read it.
func SealEnvelope(env *store.Envelope, groupKey crypto.GroupKey) error {
	if env.Encrypted() {
		return errors.New("envelope already encrypted")
	}

	var dataKey [32]byte
	if _, err := rand.Read(dataKey[:]); err != nil {
		return fmt.Errorf("failed to generate data key: %w", err)
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := crypto.EncryptSymmetric([]byte(env.Body), nonce, dataKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt body: %w", err)
	}
	wrapped, err := crypto.WrapKeyWithGroup(dataKey, groupKey)
	if err != nil {
		return fmt.Errorf("failed to wrap data key: %w", err)
	}

	env.Body = ""
	env.EncryptedBody = ciphertext
	env.Nonce = nonce[:]
	env.KeyMap = map[string][]byte{GroupKeyID: wrapped}
	return nil
}

// OpenEnvelope decrypts an encrypted envelope in place. The device's own
// key-map entry is preferred; the shared group entry is the fallback. Any
// failure flags the envelope DecryptionFailed and returns the cause; the
// caller keeps the envelope and moves on.
func OpenEnvelope(env *store.Envelope, deviceID string, keys *crypto.KeyPair, groupKey crypto.GroupKey, haveGroupKey bool) error {
	if !env.Encrypted() {
		return nil
	}

	dataKey, err := envelopeDataKey(env, deviceID, keys, groupKey, haveGroupKey)
	if err != nil {
		env.DecryptionFailed = true
		return err
	}

	var nonce crypto.Nonce
	if len(env.Nonce) != len(nonce) {
		env.DecryptionFailed = true
		return fmt.Errorf("envelope nonce has length %d, want %d", len(env.Nonce), len(nonce))
	}
	copy(nonce[:], env.Nonce)

	plaintext, err := crypto.DecryptSymmetric(env.EncryptedBody, nonce, dataKey)
	if err != nil {
		env.DecryptionFailed = true
		return err
	}

	env.Body = string(plaintext)
	env.EncryptedBody = nil
	env.Nonce = nil
	env.DecryptionFailed = false
	return nil
}

func envelopeDataKey(env *store.Envelope, deviceID string, keys *crypto.KeyPair, groupKey crypto.GroupKey, haveGroupKey bool) ([32]byte, error) {
	if wrapped, ok := env.KeyMap[deviceID]; ok && keys != nil {
		raw, err := crypto.OpenSealed(wrapped, keys)
		if err == nil && len(raw) == 32 {
			var key [32]byte
			copy(key[:], raw)
			return key, nil
		}
		// Fall through to the group entry: a stale device entry must not
		// make the envelope unreadable when the group key still works.
	}

	if wrapped, ok := env.KeyMap[GroupKeyID]; ok && haveGroupKey {
		return crypto.UnwrapKeyWithGroup(wrapped, groupKey)
	}

	return [32]byte{}, ErrNoWrappedKey
}
