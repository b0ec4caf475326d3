package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string, millis int64) Record {
	return Record{"id": id, "address": "5551234567", "date": millis, "body": "hi"}
}

func drain(sub Subscription, n int) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			return out
		}
	}
	return out
}

func TestSubscribeReplaysExistingChildren(t *testing.T) {
	ms := NewMemoryStore()
	require.NoError(t, ms.Put("users/u1/messages/a", msg("a", 100)))
	require.NoError(t, ms.Put("users/u1/messages/b", msg("b", 200)))

	sub, err := ms.Subscribe("users/u1/messages", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	events := drain(sub, 2)
	require.Len(t, events, 2)
	assert.Equal(t, KindAdded, events[0].Kind)
	assert.Equal(t, "users/u1/messages/a", events[0].Path, "replay should be oldest first")
	assert.Equal(t, "users/u1/messages/b", events[1].Path)
}

func TestSubscribeWindowSince(t *testing.T) {
	ms := NewMemoryStore()
	cutoff := time.UnixMilli(150)
	require.NoError(t, ms.Put("users/u1/messages/old", msg("old", 100)))
	require.NoError(t, ms.Put("users/u1/messages/new", msg("new", 200)))

	sub, err := ms.Subscribe("users/u1/messages", SubscribeOptions{Window: Window{Since: cutoff}})
	require.NoError(t, err)
	defer sub.Cancel()

	events := drain(sub, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "users/u1/messages/new", events[0].Path)

	// Live events older than the window are filtered too.
	require.NoError(t, ms.Put("users/u1/messages/older", msg("older", 50)))
	require.NoError(t, ms.Put("users/u1/messages/newer", msg("newer", 300)))
	events = drain(sub, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "users/u1/messages/newer", events[0].Path)
}

func TestSubscribeWindowLimitKeepsNewest(t *testing.T) {
	ms := NewMemoryStore()
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, ms.Put("users/u1/messages/"+id, msg(id, int64(100+i*10))))
	}

	sub, err := ms.Subscribe("users/u1/messages", SubscribeOptions{Window: Window{Limit: 2}})
	require.NoError(t, err)
	defer sub.Cancel()

	events := drain(sub, 2)
	require.Len(t, events, 2)
	assert.Equal(t, "users/u1/messages/c", events[0].Path)
	assert.Equal(t, "users/u1/messages/d", events[1].Path)
}

func TestSubscribeReplaysWindowLargerThanLiveBuffer(t *testing.T) {
	ms := NewMemoryStore()
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("m%03d", i)
		require.NoError(t, ms.Put("users/u1/messages/"+id, msg(id, int64(1000+i))))
	}

	sub, err := ms.Subscribe("users/u1/messages", SubscribeOptions{
		Window: Window{Since: time.UnixMilli(1), Limit: 200},
	})
	require.NoError(t, err)
	defer sub.Cancel()

	events := drain(sub, 200)
	require.Len(t, events, 200, "the full window replays regardless of the live buffer size")
	assert.Equal(t, "users/u1/messages/m000", events[0].Path)
	assert.Equal(t, "users/u1/messages/m199", events[199].Path)
}

func TestPutEmitsChangedForExisting(t *testing.T) {
	ms := NewMemoryStore()
	sub, err := ms.Subscribe("users/u1/messages", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, ms.Put("users/u1/messages/a", msg("a", 100)))
	require.NoError(t, ms.Put("users/u1/messages/a", msg("a", 100)))

	events := drain(sub, 2)
	require.Len(t, events, 2)
	assert.Equal(t, KindAdded, events[0].Kind)
	assert.Equal(t, KindChanged, events[1].Kind)
}

func TestDeleteEmitsRemovedWithLastRecord(t *testing.T) {
	ms := NewMemoryStore()
	require.NoError(t, ms.Put("users/u1/messages/a", msg("a", 100)))

	sub, err := ms.Subscribe("users/u1/messages", SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Cancel()
	drain(sub, 1)

	require.NoError(t, ms.Delete("users/u1/messages/a"))
	events := drain(sub, 1)
	require.Len(t, events, 1)
	assert.Equal(t, KindRemoved, events[0].Kind)
	assert.Equal(t, "a", events[0].Record["id"])

	// Deleting again is a no-op.
	require.NoError(t, ms.Delete("users/u1/messages/a"))
}

func TestRevokeDeliversCancelledThenCloses(t *testing.T) {
	ms := NewMemoryStore()
	sub, err := ms.Subscribe("users/u1/messages", SubscribeOptions{})
	require.NoError(t, err)

	ms.Revoke("users/u1/messages")

	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, KindCancelled, ev.Kind)

	_, ok = <-sub.Events()
	assert.False(t, ok, "channel should be closed after cancellation")
}

func TestUpdateAppliesAtomically(t *testing.T) {
	ms := NewMemoryStore()
	require.NoError(t, ms.Put("users/u1/e2ee_key_requests/devB", Record{"status": "pending"}))

	err := ms.Update("users/u1/e2ee_key_requests/devB", func(rec Record) (Record, error) {
		require.Equal(t, "pending", rec["status"])
		rec["status"] = "fulfilled"
		return rec, nil
	})
	require.NoError(t, err)

	rec, ok, err := ms.Get("users/u1/e2ee_key_requests/devB")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fulfilled", rec["status"])
}

func TestUpdateNilLeavesStoreUnchanged(t *testing.T) {
	ms := NewMemoryStore()
	err := ms.Update("users/u1/e2ee_key_requests/devB", func(rec Record) (Record, error) {
		assert.Nil(t, rec)
		return nil, nil
	})
	require.NoError(t, err)

	_, ok, err := ms.Get("users/u1/e2ee_key_requests/devB")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListReturnsDirectChildrenOnly(t *testing.T) {
	ms := NewMemoryStore()
	require.NoError(t, ms.Put("users/u1/messages/a", msg("a", 100)))
	require.NoError(t, ms.Put("users/u1/notifications/n", Record{"id": "n"}))

	children, err := ms.List("users/u1/messages")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Contains(t, children, "a")
}

func TestCancelIsIdempotent(t *testing.T) {
	ms := NewMemoryStore()
	sub, err := ms.Subscribe("users/u1/messages", SubscribeOptions{})
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()
}
