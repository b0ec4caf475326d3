// Package realtime owns the live subscriptions against the shared store:
// one channel per data category, idempotent setup and teardown, and
// admission control for oversized snapshots.
package realtime

import "github.com/dpchavali1/syncflow/store"

// DefaultSnapshotBudget is the admission bound for one snapshot payload.
// A single oversized remote record is dropped rather than allowed to
// exhaust client memory; sync correctness for that one record is traded
// for stability.
const DefaultSnapshotBudget = 1_000_000

// SnapshotGuard rejects snapshot payloads at or above a byte budget. It is
// stateless; notice bookkeeping lives with the channel manager.
type SnapshotGuard struct {
	budget int
}

// NewSnapshotGuard creates a guard with the given budget. A non-positive
// budget falls back to the default.
func NewSnapshotGuard(budget int) *SnapshotGuard {
	if budget <= 0 {
		budget = DefaultSnapshotBudget
	}
	return &SnapshotGuard{budget: budget}
}

// Budget returns the configured byte budget.
func (g *SnapshotGuard) Budget() int { return g.budget }

// Admissible reports whether a payload may be applied. A payload estimated
// at exactly the budget is rejected; one byte under is admitted.
func (g *SnapshotGuard) Admissible(rec store.Record) bool {
	return estimateSize(rec) < g.budget
}

// estimateSize computes a cheap byte estimate of a raw record. It counts
// string and byte payloads plus a small fixed cost per scalar; precision
// does not matter here, only catching pathological payloads cheaply.
func estimateSize(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return len(val)
	case []byte:
		return len(val)
	case store.Record:
		total := 0
		for k, item := range val {
			total += len(k) + estimateSize(item)
		}
		return total
	case map[string]any:
		total := 0
		for k, item := range val {
			total += len(k) + estimateSize(item)
		}
		return total
	case map[string][]byte:
		total := 0
		for k, item := range val {
			total += len(k) + len(item)
		}
		return total
	case []any:
		total := 0
		for _, item := range val {
			total += estimateSize(item)
		}
		return total
	default:
		// Numbers, bools, timestamps.
		return 8
	}
}
