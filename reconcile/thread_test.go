package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpchavali1/syncflow/store"
)

func threadEnv(id, address, threadID string, millis int64) *store.Envelope {
	return &store.Envelope{
		ID:        id,
		Address:   address,
		ThreadID:  threadID,
		Direction: store.DirectionIncoming,
		Body:      "b",
		Date:      time.UnixMilli(millis),
	}
}

// Two underlying thread ids resolving to one canonical address fold into a
// single conversation with one unread count.
func TestBuildThreadsMergesDivergentThreadIds(t *testing.T) {
	envelopes := MergeEnvelopes([]*store.Envelope{
		threadEnv("m1", "+1 (555) 123-4567", "101", 300),
		threadEnv("m2", "5551234567", "205", 200),
		threadEnv("m3", "15551234567", "101", 100),
	})

	threads := BuildThreads(envelopes, nil)
	require.Len(t, threads, 1)

	thread := threads[0]
	assert.Equal(t, "5551234567", thread.CanonicalAddress)
	assert.Equal(t, []string{"101", "205"}, thread.ThreadIDs)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(thread.Messages),
		"messages from both thread ids interleaved by timestamp")
	assert.Equal(t, "+1 (555) 123-4567", thread.DisplayAddress,
		"display form follows the newest message")
}

func TestBuildThreadsKeepsDistinctParties(t *testing.T) {
	envelopes := MergeEnvelopes([]*store.Envelope{
		threadEnv("m1", "5551234567", "1", 200),
		threadEnv("m2", "5559876543", "2", 100),
	})

	threads := BuildThreads(envelopes, nil)
	assert.Len(t, threads, 2)
}

func TestBuildThreadsOrderedByRecency(t *testing.T) {
	envelopes := MergeEnvelopes([]*store.Envelope{
		threadEnv("m1", "5559876543", "2", 100),
		threadEnv("m2", "5551234567", "1", 200),
	})

	threads := BuildThreads(envelopes, nil)
	require.Len(t, threads, 2)
	assert.Equal(t, "5551234567", threads[0].CanonicalAddress)
}

func TestUnreadPerMessageCountAuthoritative(t *testing.T) {
	unread := threadEnv("m1", "5551234567", "101", 300)
	unread.HasReadFlag = true
	unread.Read = false
	read := threadEnv("m2", "5551234567", "101", 200)
	read.HasReadFlag = true
	read.Read = true

	// Thread-level flag says unread too; the per-message count of 1 wins
	// over the flag's fallback value.
	threads := BuildThreads(
		MergeEnvelopes([]*store.Envelope{unread, read}),
		map[string]bool{"101": true},
	)
	require.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].UnreadCount)
}

func TestUnreadOutgoingNeverCounts(t *testing.T) {
	sent := threadEnv("m1", "5551234567", "101", 300)
	sent.Direction = store.DirectionOutgoing
	sent.HasReadFlag = true
	sent.Read = false

	threads := BuildThreads(MergeEnvelopes([]*store.Envelope{sent}), nil)
	require.Len(t, threads, 1)
	assert.Equal(t, 0, threads[0].UnreadCount)
}

func TestUnreadFallsBackToThreadFlag(t *testing.T) {
	// No per-message read flags anywhere in the thread.
	envelopes := MergeEnvelopes([]*store.Envelope{
		threadEnv("m1", "5551234567", "101", 300),
		threadEnv("m2", "5551234567", "205", 200),
	})

	threads := BuildThreads(envelopes, map[string]bool{"205": true})
	require.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].UnreadCount, "a raised thread flag is worth exactly one unread")

	threads = BuildThreads(envelopes, map[string]bool{})
	assert.Equal(t, 0, threads[0].UnreadCount)
}
