package store

// EventKind identifies one subscription event.
type EventKind uint8

const (
	// KindAdded reports a child that appeared under the subscribed prefix,
	// including the initial replay of existing children.
	KindAdded EventKind = iota
	// KindChanged reports an existing child whose record was replaced.
	KindChanged
	// KindRemoved reports a child deleted from the store.
	KindRemoved
	// KindCancelled is terminal: the transport revoked the subscription.
	// The event channel is closed immediately after.
	KindCancelled
)

// String returns a human-readable event kind for logging.
func (k EventKind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindChanged:
		return "changed"
	case KindRemoved:
		return "removed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is one child event delivered by a subscription. Path is the full
// path of the child; Record is the raw record (the last known record for
// removed events, nil for cancellation).
type Event struct {
	Kind   EventKind
	Path   string
	Record Record
}
