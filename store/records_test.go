package store

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopePlaintext(t *testing.T) {
	env, err := ParseEnvelope(Record{
		"id":      "m1",
		"address": "+15551234567",
		"date":    int64(1700000000000),
		"body":    "hello",
		"type":    "outgoing",
		"read":    true,
	})
	require.NoError(t, err)

	assert.Equal(t, "m1", env.ID)
	assert.Equal(t, DirectionOutgoing, env.Direction)
	assert.Equal(t, "hello", env.Body)
	assert.True(t, env.Read)
	assert.True(t, env.HasReadFlag)
	assert.False(t, env.Encrypted())
	assert.Equal(t, time.UnixMilli(1700000000000), env.Date)
}

func TestParseEnvelopeWithoutReadFlag(t *testing.T) {
	env, err := ParseEnvelope(Record{
		"id": "m1", "address": "x", "date": int64(1), "body": "hi",
	})
	require.NoError(t, err)
	assert.False(t, env.HasReadFlag)
}

func TestParseEnvelopeEncrypted(t *testing.T) {
	env, err := ParseEnvelope(Record{
		"id":            "m2",
		"address":       "5551234567",
		"date":          int64(1700000000000),
		"encryptedBody": []byte{1, 2, 3},
		"nonce":         []byte{4, 5, 6},
		"keyMap": map[string]any{
			"sync_group": []byte{7, 8, 9},
			"device-b":   base64.StdEncoding.EncodeToString([]byte{10, 11}),
		},
	})
	require.NoError(t, err)

	assert.True(t, env.Encrypted())
	assert.Equal(t, []byte{7, 8, 9}, env.KeyMap["sync_group"])
	assert.Equal(t, []byte{10, 11}, env.KeyMap["device-b"], "base64 key entries decode")
}

func TestParseEnvelopeRejectsEncryptedWithoutNonce(t *testing.T) {
	_, err := ParseEnvelope(Record{
		"id": "m", "address": "x", "date": int64(1),
		"encryptedBody": []byte{1},
		"keyMap":        map[string]any{"g": []byte{2}},
	})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseEnvelopeRejectsEncryptedWithoutKeyMap(t *testing.T) {
	_, err := ParseEnvelope(Record{
		"id": "m", "address": "x", "date": int64(1),
		"encryptedBody": []byte{1},
		"nonce":         []byte{2},
	})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseEnvelopeRejectsMissingCore(t *testing.T) {
	cases := []Record{
		{"address": "x", "date": int64(1)},
		{"id": "m", "date": int64(1)},
		{"id": "m", "address": "x"},
		{"id": "m", "address": "x", "date": "not a number"},
	}
	for _, rec := range cases {
		_, err := ParseEnvelope(rec)
		assert.Error(t, err)
	}
}

func TestEnvelopeEncodeParseSymmetry(t *testing.T) {
	in := &Envelope{
		ID:            "m3",
		Address:       "+15551234567",
		ThreadID:      "101",
		Direction:     DirectionIncoming,
		EncryptedBody: []byte{1, 2},
		Nonce:         []byte{3, 4},
		KeyMap:        map[string][]byte{"sync_group": {5, 6}},
		Date:          time.UnixMilli(42),
		Read:          false,
		HasReadFlag:   true,
	}

	out, err := ParseEnvelope(EncodeEnvelope(in))
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.ThreadID, out.ThreadID)
	assert.Equal(t, in.KeyMap, out.KeyMap)
	assert.True(t, out.HasReadFlag)
}

func TestParseKeyRequest(t *testing.T) {
	req, err := ParseKeyRequest(Record{
		"requesterDeviceId":      "device-b",
		"requesterPublicKeyX963": []byte{1, 2, 3},
		"status":                 "pending",
		"createdAt":              int64(1700000000000),
	})
	require.NoError(t, err)

	assert.Equal(t, "device-b", req.RequesterDeviceID)
	assert.Equal(t, KeyRequestPending, req.Status)
	assert.Empty(t, req.WrappedKey)
}

func TestParseKeyRequestRejectsMissingStatus(t *testing.T) {
	_, err := ParseKeyRequest(Record{
		"requesterDeviceId": "device-b",
		"createdAt":         int64(1),
	})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestParseSyncRequest(t *testing.T) {
	req, err := ParseSyncRequest(Record{
		"id":          "r1",
		"status":      "pending",
		"days":        float64(90),
		"requestedBy": "device-b",
		"requestedAt": int64(1700000000000),
	})
	require.NoError(t, err)

	assert.Equal(t, 90, req.Days, "JSON float64 numbers decode")
	assert.Equal(t, SyncRequestPending, req.Status)
}

func TestParseDevice(t *testing.T) {
	dev, err := ParseDevice(Record{
		"id": "device-a", "platform": "android", "online": true,
		"lastSeenAt": int64(1700000000000),
	})
	require.NoError(t, err)
	assert.True(t, dev.Online)
	assert.Equal(t, "android", dev.Platform)
}

func TestParseBackfillStatus(t *testing.T) {
	st, err := ParseBackfillStatus(Record{
		"status": "completed", "scanned": 10, "updated": 7, "skipped": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, BackfillCompleted, st.Status)
	assert.Equal(t, 10, st.Scanned)
	assert.Equal(t, 3, st.Skipped)
}

func TestChildID(t *testing.T) {
	assert.Equal(t, "m1", ChildID("users/u1/messages/m1"))
	assert.Equal(t, "plain", ChildID("plain"))
}
