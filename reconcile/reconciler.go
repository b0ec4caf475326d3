package reconcile

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dpchavali1/syncflow/store"
)

// SnapshotFunc receives each newly published merged view.
type SnapshotFunc func(threads []*ConversationThread)

// Source names used by the engine. Precedence follows this order when two
// sources carry the same record id.
const (
	SourceLive  = "live"
	SourceBulk  = "bulk"
	SourceLocal = "local"
)

// sourcePrecedence orders sources for merging.
var sourcePrecedence = []string{SourceLive, SourceLocal, SourceBulk}

// Reconciler owns the merged conversation view. Every mutation replaces one
// source's partial list, rebuilds the merged snapshot from all latest
// partials under the lock, and publishes the result as a whole; callers on
// any goroutine always observe a complete, consistent snapshot, never an
// in-place mutation.
type Reconciler struct {
	mu           sync.Mutex
	sources      map[string][]*store.Envelope
	threadUnread map[string]bool
	snapshot     []*ConversationThread
	onSnapshot   SnapshotFunc
}

// NewReconciler creates an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{
		sources:      make(map[string][]*store.Envelope),
		threadUnread: make(map[string]bool),
	}
}

// OnSnapshot registers the callback invoked with each published view.
func (r *Reconciler) OnSnapshot(fn SnapshotFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSnapshot = fn
}

// SetSource replaces one source's partial list and republishes.
//
// An empty list means "no update": a channel that temporarily failed must
// not collapse the merged view to zero messages. Use ClearSource for an
// intentional reset.
func (r *Reconciler) SetSource(name string, envelopes []*store.Envelope) {
	if len(envelopes) == 0 {
		logrus.WithFields(logrus.Fields{
			"source": name,
		}).Debug("Ignoring empty source update")
		return
	}

	r.mu.Lock()
	r.sources[name] = envelopes
	snapshot, fn := r.rebuildLocked()
	r.mu.Unlock()
	publish(fn, snapshot)
}

// Upsert adds or replaces a single envelope inside one source, the
// push-driven update path. An upsert from a non-local source retires any
// local placeholder carrying the same id for good, so the local list does
// not grow for the life of the session.
func (r *Reconciler) Upsert(name string, env *store.Envelope) {
	if env == nil {
		return
	}

	r.mu.Lock()
	list := r.sources[name]
	replaced := false
	for i, existing := range list {
		if existing.ID != "" && existing.ID == env.ID {
			list[i] = env
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, env)
	}
	r.sources[name] = list
	if name != SourceLocal {
		r.dropLocalLocked(env.ID)
	}
	snapshot, fn := r.rebuildLocked()
	r.mu.Unlock()
	publish(fn, snapshot)
}

// DropLocal removes one local placeholder by its local key and
// republishes.
func (r *Reconciler) DropLocal(localID string) {
	r.mu.Lock()
	r.dropLocalLocked(localID)
	snapshot, fn := r.rebuildLocked()
	r.mu.Unlock()
	publish(fn, snapshot)
}

// dropLocalLocked removes same-id local placeholders. Caller holds r.mu.
func (r *Reconciler) dropLocalLocked(id string) {
	list := r.sources[SourceLocal]
	if len(list) == 0 {
		return
	}
	kept := list[:0]
	for _, env := range list {
		if env.ID != id {
			kept = append(kept, env)
		}
	}
	r.sources[SourceLocal] = kept
}

// ClearSource intentionally empties one source and republishes.
func (r *Reconciler) ClearSource(name string) {
	r.mu.Lock()
	delete(r.sources, name)
	snapshot, fn := r.rebuildLocked()
	r.mu.Unlock()
	publish(fn, snapshot)
}

// SetThreadUnread records a thread-level unread flag and republishes.
func (r *Reconciler) SetThreadUnread(threadID string, unread bool) {
	r.mu.Lock()
	r.threadUnread[threadID] = unread
	snapshot, fn := r.rebuildLocked()
	r.mu.Unlock()
	publish(fn, snapshot)
}

// Snapshot returns the latest published view.
func (r *Reconciler) Snapshot() []*ConversationThread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// rebuildLocked recomputes the merged view from the latest partial state
// and stores it. Caller holds r.mu and invokes the returned callback with
// the new snapshot after unlocking.
func (r *Reconciler) rebuildLocked() ([]*ConversationThread, SnapshotFunc) {
	ordered := make([][]*store.Envelope, 0, len(r.sources))
	known := make(map[string]bool, len(sourcePrecedence))
	for _, name := range sourcePrecedence {
		known[name] = true
		if list, ok := r.sources[name]; ok {
			ordered = append(ordered, list)
		}
	}
	for name, list := range r.sources {
		if !known[name] {
			ordered = append(ordered, list)
		}
	}

	flags := make(map[string]bool, len(r.threadUnread))
	for k, v := range r.threadUnread {
		flags[k] = v
	}

	merged := MergeEnvelopes(ordered...)
	snapshot := BuildThreads(merged, flags)
	r.snapshot = snapshot
	return snapshot, r.onSnapshot
}

func publish(fn SnapshotFunc, snapshot []*ConversationThread) {
	if fn != nil {
		fn(snapshot)
	}
}
