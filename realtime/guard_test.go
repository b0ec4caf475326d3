package realtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dpchavali1/syncflow/store"
)

func TestAdmissibleBoundary(t *testing.T) {
	guard := NewSnapshotGuard(100)

	key := "b" // 1 byte of key cost
	exactly := store.Record{key: strings.Repeat("x", 99)}
	assert.False(t, guard.Admissible(exactly), "a payload of exactly the budget is rejected")

	under := store.Record{key: strings.Repeat("x", 98)}
	assert.True(t, guard.Admissible(under), "one byte under the budget is admitted")
}

func TestAdmissibleDefaultBudget(t *testing.T) {
	guard := NewSnapshotGuard(0)
	assert.Equal(t, DefaultSnapshotBudget, guard.Budget())

	assert.True(t, guard.Admissible(store.Record{"body": "normal message"}))
	assert.False(t, guard.Admissible(store.Record{
		"body": strings.Repeat("x", DefaultSnapshotBudget),
	}))
}

func TestEstimateCoversNestedShapes(t *testing.T) {
	rec := store.Record{
		"id":   "m1",     // 2 + 2
		"date": int64(5), // 4 + 8
		"keyMap": map[string]any{ // 6
			"device-b": []byte{1, 2, 3}, // 8 + 3
		},
		"tags": []any{"a", "bb"}, // 4 + 3
	}
	assert.Equal(t, 40, estimateSize(rec))
}

func TestEstimateByteKeyMap(t *testing.T) {
	rec := store.Record{
		"keyMap": map[string][]byte{"g": {1, 2}},
	}
	assert.Equal(t, 6+1+2, estimateSize(rec))
}

func TestEstimateNil(t *testing.T) {
	assert.Equal(t, 0, estimateSize(nil))
}
