// Package syncflow implements adaptive cross-device synchronization for
// message, call, and notification state, with end-to-end encryption and a
// key-exchange protocol that lets newly-paired devices decrypt prior
// content.
//
// The Engine is the composition root: it owns the condition monitor, the
// adaptive scheduler, the realtime channel manager, the reconciliation
// engine, and the key-exchange coordinator, all constructed explicitly and
// passed by handle.
//
// Example:
//
//	opts := syncflow.DefaultOptions()
//	opts.DeviceID = "device-a"
//
//	engine, err := syncflow.New(opts, syncflow.Deps{
//	    Store:  st,
//	    Auth:   auth,
//	    Paired: gate,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine.OnConversations(func(threads []*reconcile.ConversationThread) {
//	    render(threads)
//	})
//
//	engine.Start()
//	defer engine.CloseAll()
package syncflow

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dpchavali1/syncflow/crypto"
	"github.com/dpchavali1/syncflow/keyexchange"
	"github.com/dpchavali1/syncflow/monitor"
	"github.com/dpchavali1/syncflow/realtime"
	"github.com/dpchavali1/syncflow/reconcile"
	"github.com/dpchavali1/syncflow/scheduler"
	"github.com/dpchavali1/syncflow/store"
)

// ErrNoUser indicates no user identity was available within the bounded
// startup retries.
var ErrNoUser = errors.New("no authenticated user")

// AuthManager supplies the current user identity. Absence is expected
// before sign-in or first pairing.
type AuthManager interface {
	CurrentUserID() (string, bool)
}

// PairedDevicesGate reports whether any other device is paired. Heavy
// channels are never set up for a device syncing with nobody.
type PairedDevicesGate interface {
	HasPairedDevices() bool
}

// Deps are the engine's external collaborators.
type Deps struct {
	Store   store.Store
	Auth    AuthManager
	Paired  PairedDevicesGate
	Battery monitor.BatteryProbe
	Network monitor.NetworkProbe
}

// DecryptFailedFunc is notified with a message id whose envelope could not
// be decrypted; the UI surfaces a banner with a manual "sync keys" action.
type DecryptFailedFunc func(messageID string)

// SyncRequestFunc is notified of another device's pending history request.
type SyncRequestFunc func(req *store.SyncRequest)

// Engine is the adaptive sync and key-exchange engine for one device.
type Engine struct {
	mu       sync.Mutex
	opts     Options
	deps     Deps
	monitor  *monitor.ConditionMonitor
	sched    *scheduler.AdaptiveScheduler
	rec      *reconcile.Reconciler
	manager  *realtime.Manager
	keyco    *keyexchange.Coordinator
	userID   string
	started  bool
	stopChan chan struct{}

	calls         map[string]*store.CallRecord
	notifications map[string]*store.Notification

	onDecryptFailed DecryptFailedFunc
	onOversized     realtime.NoticeFunc
	onBackfill      keyexchange.BackfillFunc
	onSyncRequest   SyncRequestFunc
}

// New creates an Engine. It starts nothing; call Start from the
// application lifecycle.
func New(opts Options, deps Deps) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("deps: Store is required")
	}
	if deps.Auth == nil {
		return nil, errors.New("deps: Auth is required")
	}
	if deps.Paired == nil {
		return nil, errors.New("deps: Paired is required")
	}

	cm := monitor.NewConditionMonitor(deps.Battery, deps.Network)
	cm.SetIntervals(opts.BatteryInterval, opts.NetworkInterval)

	e := &Engine{
		opts:          opts,
		deps:          deps,
		monitor:       cm,
		sched:         scheduler.NewAdaptiveScheduler(cm),
		rec:           reconcile.NewReconciler(),
		stopChan:      make(chan struct{}),
		calls:         make(map[string]*store.CallRecord),
		notifications: make(map[string]*store.Notification),
	}
	e.registerTiers()
	return e, nil
}

// DeviceID returns this device's id.
func (e *Engine) DeviceID() string { return e.opts.DeviceID }

// UserID returns the authenticated user id, if one was obtained.
func (e *Engine) UserID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID, e.userID != ""
}

// OnConversations registers the merged-view callback.
func (e *Engine) OnConversations(fn reconcile.SnapshotFunc) { e.rec.OnSnapshot(fn) }

// Conversations returns the latest merged view.
func (e *Engine) Conversations() []*reconcile.ConversationThread { return e.rec.Snapshot() }

// OnDecryptionFailed registers the undecryptable-message callback.
func (e *Engine) OnDecryptionFailed(fn DecryptFailedFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDecryptFailed = fn
}

// OnOversizedSnapshot registers the oversized-snapshot notice callback.
func (e *Engine) OnOversizedSnapshot(fn realtime.NoticeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onOversized = fn
}

// OnBackfillStatus registers the backfill status callback.
func (e *Engine) OnBackfillStatus(fn keyexchange.BackfillFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBackfill = fn
	if e.keyco != nil {
		e.keyco.OnBackfillStatus(fn)
	}
}

// OnSyncRequest registers the incoming history-request callback.
func (e *Engine) OnSyncRequest(fn SyncRequestFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSyncRequest = fn
}

// Start launches the background tasks: condition monitoring, the adaptive
// scheduler, the eager key-exchange listener, and, once an identity and a
// paired device exist, the heavy realtime channels. Safe to call more
// than once.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	e.monitor.Start()
	e.sched.Start()

	// The key-exchange listener starts independently of the heavy
	// channels: pairing depends on it, so it must not wait for pairing.
	go e.startKeyExchange()
	go e.startHeavyChannels()
}

// Close stops the heavy channels and background loops while leaving the
// key-exchange listener alive to answer future pairing requests. Safe to
// call when nothing was started.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.started {
		e.started = false
		close(e.stopChan)
	}
	manager := e.manager
	e.mu.Unlock()

	if manager != nil {
		manager.TeardownAll()
	}
	e.sched.Stop()
	e.monitor.Stop()
	logrus.Info("Sync engine closed, key-exchange listener retained")
}

// CloseAll stops everything, including the key-exchange listener.
func (e *Engine) CloseAll() {
	e.Close()

	e.mu.Lock()
	keyco := e.keyco
	e.mu.Unlock()
	if keyco != nil {
		keyco.StopFulfiller()
	}
}

// OnForeground refreshes conditions immediately and marks user activity.
func (e *Engine) OnForeground() {
	e.monitor.OnForeground()
	e.sched.RecordActivity()
}

// OnBackground records the foreground exit. Channels stay up; the
// scheduler's tier gates do the throttling.
func (e *Engine) OnBackground() {
	logrus.Debug("Entering background, relying on tier gating")
}

// OnPairingComplete re-attempts channel setup after a pairing changed the
// device topology. Setup is idempotent, so racing the eager startup path
// is harmless.
func (e *Engine) OnPairingComplete() {
	go func() {
		e.startKeyExchange()
		e.startHeavyChannels()
	}()
}

// MarkActivity records user activity for interval computation.
func (e *Engine) MarkActivity() { e.sched.RecordActivity() }

// --- startup paths ---------------------------------------------------------

// awaitUserID retries the auth collaborator with bounded attempts.
func (e *Engine) awaitUserID() (string, bool) {
	e.mu.Lock()
	if e.userID != "" {
		id := e.userID
		e.mu.Unlock()
		return id, true
	}
	attempts := e.opts.AuthAttempts
	delay := e.opts.AuthRetryDelay
	stop := e.stopChan
	e.mu.Unlock()

	for i := 0; i < attempts; i++ {
		if id, ok := e.deps.Auth.CurrentUserID(); ok && id != "" {
			e.mu.Lock()
			e.userID = id
			e.mu.Unlock()
			return id, true
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return "", false
		}
	}
	return "", false
}

// ensureCoordinator creates the key-exchange coordinator once an identity
// exists.
func (e *Engine) ensureCoordinator(userID string) *keyexchange.Coordinator {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.keyco == nil {
		e.keyco = keyexchange.NewCoordinator(e.deps.Store, userID, e.opts.DeviceID, e.opts.KeyPair)
		e.keyco.SetTimeout(e.opts.FulfillTimeout)
		if e.onBackfill != nil {
			e.keyco.OnBackfillStatus(e.onBackfill)
		}
	}
	return e.keyco
}

func (e *Engine) startKeyExchange() {
	userID, ok := e.awaitUserID()
	if !ok {
		// Pairing may be what produces the identity; the next lifecycle
		// hook retries.
		logrus.Warn("No user identity yet, key-exchange listener deferred")
		return
	}

	keyco := e.ensureCoordinator(userID)
	if err := keyco.StartFulfiller(); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Failed to start key-request listener")
	}
}

func (e *Engine) startHeavyChannels() {
	userID, ok := e.awaitUserID()
	if !ok {
		logrus.Warn("Auth attempts exhausted, heavy channels not started")
		return
	}
	if !e.deps.Paired.HasPairedDevices() {
		logrus.Info("No paired devices, heavy channels not started")
		return
	}
	e.setupHeavy(userID)
}

func (e *Engine) setupHeavy(userID string) {
	e.mu.Lock()
	if e.manager == nil {
		e.manager = realtime.NewManager(e.deps.Store, userID, realtime.NewSnapshotGuard(e.opts.SnapshotBudget))
		e.manager.OnCancelled(func(ch realtime.Channel) {
			logrus.WithFields(logrus.Fields{
				"channel": ch.String(),
			}).Warn("Channel lost, will retry on next lifecycle hook")
		})
		e.manager.OnOversized(func(path string, estimated int) {
			e.mu.Lock()
			fn := e.onOversized
			e.mu.Unlock()
			if fn != nil {
				fn(path, estimated)
			}
		})
		e.manager.SetHandler(realtime.ChannelMessages, e.handleMessageEvent)
		e.manager.SetHandler(realtime.ChannelCalls, e.handleCallEvent)
		e.manager.SetHandler(realtime.ChannelNotifications, e.handleNotificationEvent)
		e.manager.SetHandler(realtime.ChannelSyncRequests, e.handleSyncRequestEvent)
	}
	manager := e.manager
	e.mu.Unlock()

	for _, ch := range []realtime.Channel{
		realtime.ChannelMessages,
		realtime.ChannelCalls,
		realtime.ChannelNotifications,
		realtime.ChannelSyncRequests,
	} {
		if err := manager.Setup(ch); err != nil {
			logrus.WithFields(logrus.Fields{
				"channel": ch.String(),
				"error":   err,
			}).Warn("Channel setup failed, next pass retries")
		}
	}
}

// --- channel handlers ------------------------------------------------------

func (e *Engine) handleMessageEvent(ev store.Event) {
	if ev.Kind == store.KindRemoved {
		// A remote delete signal never deletes local user data. This is
		// deliberate policy, not a missing feature.
		logrus.WithFields(logrus.Fields{
			"path": ev.Path,
		}).Info("Ignoring remote message removal")
		return
	}

	env, err := store.ParseEnvelope(ev.Record)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  ev.Path,
			"error": err,
		}).Warn("Rejecting unparsable message record")
		return
	}

	e.decrypt(env)
	e.rec.Upsert(reconcile.SourceLive, env)
}

// decrypt attempts envelope decryption; a failure flags only that one
// message and surfaces the banner callback.
func (e *Engine) decrypt(env *store.Envelope) {
	if !env.Encrypted() {
		return
	}

	groupKey, haveKey := crypto.GroupKey{}, false
	e.mu.Lock()
	keyco := e.keyco
	cb := e.onDecryptFailed
	e.mu.Unlock()
	if keyco != nil {
		groupKey, haveKey = keyco.GroupKey()
	}

	if err := keyexchange.OpenEnvelope(env, e.opts.DeviceID, e.opts.KeyPair, groupKey, haveKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"message": env.ID,
			"error":   err,
		}).Warn("Message undecryptable, flagging and continuing")
		if cb != nil {
			cb(env.ID)
		}
	}
}

func (e *Engine) handleCallEvent(ev store.Event) {
	if ev.Kind == store.KindRemoved {
		e.mu.Lock()
		delete(e.calls, store.ChildID(ev.Path))
		e.mu.Unlock()
		return
	}

	call, err := store.ParseCall(ev.Record)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  ev.Path,
			"error": err,
		}).Warn("Rejecting unparsable call record")
		return
	}
	e.mu.Lock()
	e.calls[call.ID] = call
	e.mu.Unlock()
}

func (e *Engine) handleNotificationEvent(ev store.Event) {
	if ev.Kind == store.KindRemoved {
		e.mu.Lock()
		delete(e.notifications, store.ChildID(ev.Path))
		e.mu.Unlock()
		return
	}

	n, err := store.ParseNotification(ev.Record)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  ev.Path,
			"error": err,
		}).Warn("Rejecting unparsable notification record")
		return
	}
	e.mu.Lock()
	e.notifications[n.ID] = n
	e.mu.Unlock()
}

func (e *Engine) handleSyncRequestEvent(ev store.Event) {
	if ev.Kind == store.KindRemoved {
		return
	}

	req, err := store.ParseSyncRequest(ev.Record)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  ev.Path,
			"error": err,
		}).Warn("Rejecting unparsable sync request")
		return
	}
	if req.Status != store.SyncRequestPending || req.RequestedBy == e.opts.DeviceID {
		return
	}

	e.mu.Lock()
	fn := e.onSyncRequest
	e.mu.Unlock()
	if fn != nil {
		fn(req)
	}
}

// ChannelsActive reports how many heavy channels are currently active.
func (e *Engine) ChannelsActive() int {
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()

	if manager == nil {
		return 0
	}
	return manager.ActiveCount()
}

// Calls returns a snapshot of the mirrored live calls.
func (e *Engine) Calls() []*store.CallRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*store.CallRecord, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c)
	}
	return out
}

// Notifications returns a snapshot of the mirrored notifications.
func (e *Engine) Notifications() []*store.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*store.Notification, 0, len(e.notifications))
	for _, n := range e.notifications {
		out = append(out, n)
	}
	return out
}
