package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, keys)

	assert.False(t, isZeroKey(keys.Public), "public key should not be zero")
	assert.False(t, isZeroKey(keys.Private), "private key should not be zero")
}

func TestFromSecretKey(t *testing.T) {
	original, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSecretKey(original.Private)
	require.NoError(t, err)
	assert.Equal(t, original.Public, restored.Public, "derived public key should match")
}

func TestFromSecretKeyRejectsZeroKey(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestSymmetricRoundTrip(t *testing.T) {
	key, err := GenerateGroupKey()
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	plaintext := []byte("meet me at the usual place")
	ciphertext, err := EncryptSymmetric(plaintext, nonce, key)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, plaintext))

	decrypted, err := DecryptSymmetric(ciphertext, nonce, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptSymmetricWrongKey(t *testing.T) {
	key, _ := GenerateGroupKey()
	wrongKey, _ := GenerateGroupKey()
	nonce, _ := GenerateNonce()

	ciphertext, err := EncryptSymmetric([]byte("secret"), nonce, key)
	require.NoError(t, err)

	_, err = DecryptSymmetric(ciphertext, nonce, wrongKey)
	assert.Error(t, err)
}

func TestEncryptSymmetricRejectsEmpty(t *testing.T) {
	key, _ := GenerateGroupKey()
	nonce, _ := GenerateNonce()

	_, err := EncryptSymmetric(nil, nonce, key)
	assert.Error(t, err)
}

func TestSealToPublicKeyRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	payload := []byte("wrapped data key material")
	sealed, err := SealToPublicKey(payload, recipient.Public)
	require.NoError(t, err)
	assert.Greater(t, len(sealed), len(payload), "seal should add handshake overhead")

	opened, err := OpenSealed(sealed, recipient)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)
}

func TestOpenSealedWrongRecipient(t *testing.T) {
	recipient, _ := GenerateKeyPair()
	eavesdropper, _ := GenerateKeyPair()

	sealed, err := SealToPublicKey([]byte("for recipient only"), recipient.Public)
	require.NoError(t, err)

	_, err = OpenSealed(sealed, eavesdropper)
	assert.Error(t, err, "wrong key pair must not open the seal")
}

func TestOpenSealedTooShort(t *testing.T) {
	recipient, _ := GenerateKeyPair()

	_, err := OpenSealed([]byte("short"), recipient)
	assert.ErrorIs(t, err, ErrSealTooShort)
}

func TestWrapUnwrapGroupKey(t *testing.T) {
	device, err := GenerateKeyPair()
	require.NoError(t, err)
	key, err := GenerateGroupKey()
	require.NoError(t, err)

	wrapped, err := WrapGroupKey(key, device.Public)
	require.NoError(t, err)

	unwrapped, err := UnwrapGroupKey(wrapped, device)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)
}

func TestWrapUnwrapKeyWithGroup(t *testing.T) {
	groupKey, err := GenerateGroupKey()
	require.NoError(t, err)

	var dataKey [32]byte
	copy(dataKey[:], []byte("0123456789abcdef0123456789abcdef"))

	blob, err := WrapKeyWithGroup(dataKey, groupKey)
	require.NoError(t, err)

	unwrapped, err := UnwrapKeyWithGroup(blob, groupKey)
	require.NoError(t, err)
	assert.Equal(t, dataKey, unwrapped)

	wrongKey, _ := GenerateGroupKey()
	_, err = UnwrapKeyWithGroup(blob, wrongKey)
	assert.Error(t, err)
}
