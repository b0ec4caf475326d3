package realtime

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dpchavali1/syncflow/store"
)

// Channel identifies one live data category.
type Channel uint8

const (
	ChannelMessages Channel = iota
	ChannelCalls
	ChannelNotifications
	ChannelSyncRequests
	ChannelKeyRequests
)

// AllChannels lists every channel the manager can own.
var AllChannels = []Channel{
	ChannelMessages,
	ChannelCalls,
	ChannelNotifications,
	ChannelSyncRequests,
	ChannelKeyRequests,
}

// String returns the channel name for logging.
func (c Channel) String() string {
	switch c {
	case ChannelMessages:
		return "messages"
	case ChannelCalls:
		return "calls"
	case ChannelNotifications:
		return "notifications"
	case ChannelSyncRequests:
		return "sync_requests"
	case ChannelKeyRequests:
		return "key_requests"
	default:
		return "unknown"
	}
}

// ChannelState is the per-channel subscription lifecycle.
type ChannelState uint8

const (
	StateUninitialized ChannelState = iota
	StateSubscribing
	StateActive
)

// Messages channel window: only recent history is streamed continuously;
// older data moves through the on-demand sync-request protocol instead.
const (
	MessageWindowDays  = 30
	MessageWindowLimit = 200
)

// Handler consumes one channel's events.
type Handler func(ev store.Event)

// CancelFunc is notified when the transport revokes a channel. The manager
// leaves the channel Uninitialized and does not retry on its own; retry
// policy belongs to the application lifecycle.
type CancelFunc func(ch Channel)

// NoticeFunc is invoked at most once per record when an oversized snapshot
// is dropped.
type NoticeFunc func(path string, estimated int)

// Manager owns at most one live subscription per channel. Setup and
// teardown are idempotent; the check-and-create runs under one mutex so
// racing setup paths can never double-subscribe a channel.
type Manager struct {
	mu       sync.Mutex
	store    store.Store
	userID   string
	guard    *SnapshotGuard
	handlers map[Channel]Handler
	subs     map[Channel]store.Subscription
	states   map[Channel]ChannelState

	onCancelled CancelFunc
	onOversized NoticeFunc
	noticed     map[string]bool

	droppedOversized atomic.Int64
}

// NewManager creates a channel manager for one user's subtree.
func NewManager(st store.Store, userID string, guard *SnapshotGuard) *Manager {
	if guard == nil {
		guard = NewSnapshotGuard(0)
	}
	return &Manager{
		store:    st,
		userID:   userID,
		guard:    guard,
		handlers: make(map[Channel]Handler),
		subs:     make(map[Channel]store.Subscription),
		states:   make(map[Channel]ChannelState),
		noticed:  make(map[string]bool),
	}
}

// SetHandler registers the consumer for a channel's events. Must be set
// before Setup; events on a handlerless channel are dropped with a warning.
func (m *Manager) SetHandler(ch Channel, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[ch] = fn
}

// OnCancelled registers the transport-cancellation callback.
func (m *Manager) OnCancelled(fn CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCancelled = fn
}

// OnOversized registers the one-time oversized-snapshot notice callback.
func (m *Manager) OnOversized(fn NoticeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOversized = fn
}

// Setup subscribes the channel. Calling it again while a subscription
// exists is a no-op; this guards against duplicate-bandwidth bugs when both
// the eager startup path and the post-pairing path reach it.
func (m *Manager) Setup(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[ch]; exists {
		logrus.WithFields(logrus.Fields{
			"channel": ch.String(),
		}).Debug("Channel already subscribed, setup is a no-op")
		return nil
	}

	m.states[ch] = StateSubscribing
	sub, err := m.store.Subscribe(m.prefix(ch), store.SubscribeOptions{Window: m.window(ch)})
	if err != nil {
		m.states[ch] = StateUninitialized
		return fmt.Errorf("failed to subscribe channel %s: %w", ch, err)
	}

	m.subs[ch] = sub
	m.states[ch] = StateActive
	go m.consume(ch, sub)

	logrus.WithFields(logrus.Fields{
		"channel": ch.String(),
	}).Info("Channel subscription active")
	return nil
}

// Teardown cancels the channel's subscription. Safe to call when Setup was
// never called.
func (m *Manager) Teardown(ch Channel) {
	m.mu.Lock()
	sub, exists := m.subs[ch]
	delete(m.subs, ch)
	m.states[ch] = StateUninitialized
	m.mu.Unlock()

	if !exists {
		return
	}
	sub.Cancel()
	logrus.WithFields(logrus.Fields{
		"channel": ch.String(),
	}).Info("Channel subscription removed")
}

// TeardownAll cancels every active subscription. Idempotent.
func (m *Manager) TeardownAll() {
	for _, ch := range AllChannels {
		m.Teardown(ch)
	}
}

// State returns the channel's lifecycle state.
func (m *Manager) State(ch Channel) ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[ch]
}

// ActiveCount returns the number of live subscriptions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// DroppedOversized returns how many snapshots admission control rejected.
func (m *Manager) DroppedOversized() int64 {
	return m.droppedOversized.Load()
}

func (m *Manager) prefix(ch Channel) string {
	switch ch {
	case ChannelMessages:
		return store.MessagesPath(m.userID)
	case ChannelCalls:
		return store.ActiveCallsPath(m.userID)
	case ChannelNotifications:
		return store.NotificationsPath(m.userID)
	case ChannelSyncRequests:
		return store.SyncRequestsPath(m.userID)
	case ChannelKeyRequests:
		return store.KeyRequestsPath(m.userID)
	default:
		return ""
	}
}

func (m *Manager) window(ch Channel) store.Window {
	if ch != ChannelMessages {
		return store.Window{}
	}
	return store.Window{
		Since: time.Now().AddDate(0, 0, -MessageWindowDays),
		Limit: MessageWindowLimit,
	}
}

// consume forwards one subscription's events to the channel handler until
// the event channel closes.
func (m *Manager) consume(ch Channel, sub store.Subscription) {
	for ev := range sub.Events() {
		if ev.Kind == store.KindCancelled {
			m.handleCancelled(ch)
			continue
		}
		if ch == ChannelMessages && !m.admit(ch, ev) {
			continue
		}

		m.mu.Lock()
		handler := m.handlers[ch]
		m.mu.Unlock()

		if handler == nil {
			logrus.WithFields(logrus.Fields{
				"channel": ch.String(),
				"kind":    ev.Kind.String(),
			}).Warn("No handler registered for channel, dropping event")
			continue
		}
		handler(ev)
	}
}

// admit runs added/changed message snapshots through the guard. A rejected
// snapshot is dropped and noticed at most once per record.
func (m *Manager) admit(ch Channel, ev store.Event) bool {
	if ev.Kind != store.KindAdded && ev.Kind != store.KindChanged {
		return true
	}
	if m.guard.Admissible(ev.Record) {
		return true
	}

	m.droppedOversized.Add(1)
	estimated := estimateSize(ev.Record)
	logrus.WithFields(logrus.Fields{
		"channel":   ch.String(),
		"path":      ev.Path,
		"estimated": estimated,
		"budget":    m.guard.Budget(),
	}).Error("Snapshot over budget, dropping update")

	m.mu.Lock()
	first := !m.noticed[ev.Path]
	m.noticed[ev.Path] = true
	notice := m.onOversized
	m.mu.Unlock()

	if first && notice != nil {
		notice(ev.Path, estimated)
	}
	return false
}

func (m *Manager) handleCancelled(ch Channel) {
	m.mu.Lock()
	delete(m.subs, ch)
	m.states[ch] = StateUninitialized
	cb := m.onCancelled
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"channel": ch.String(),
	}).Warn("Channel cancelled by transport, awaiting caller-driven retry")
	if cb != nil {
		cb(ch)
	}
}
