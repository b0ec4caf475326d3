package syncflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dpchavali1/syncflow/keyexchange"
	"github.com/dpchavali1/syncflow/reconcile"
	"github.com/dpchavali1/syncflow/scheduler"
	"github.com/dpchavali1/syncflow/store"
)

// registerTiers binds the periodic work to the scheduler's tiers.
// CRITICAL keeps presence fresh, HIGH reconciles the full message set,
// MEDIUM refreshes notification mirrors, LOW logs health counters.
func (e *Engine) registerTiers() {
	e.sched.RegisterTier(scheduler.TierCritical, e.heartbeat)
	e.sched.RegisterTier(scheduler.TierHigh, e.bulkRefresh)
	e.sched.RegisterTier(scheduler.TierMedium, e.refreshNotifications)
	e.sched.RegisterTier(scheduler.TierLow, e.logHealth)
}

// heartbeat keeps this device's presence record fresh.
func (e *Engine) heartbeat() error {
	userID, ok := e.UserID()
	if !ok {
		return nil
	}
	return e.registerDevice(userID)
}

// RegisterDevice upserts this device's presence record immediately,
// without waiting for the next heartbeat pass.
func (e *Engine) RegisterDevice() error {
	userID, ok := e.UserID()
	if !ok {
		return ErrNoUser
	}
	return e.registerDevice(userID)
}

func (e *Engine) registerDevice(userID string) error {
	return e.deps.Store.Put(store.DevicePath(userID, e.opts.DeviceID), store.EncodeDevice(&store.Device{
		ID:         e.opts.DeviceID,
		Platform:   e.opts.Platform,
		Online:     true,
		LastSeenAt: time.Now(),
	}))
}

// bulkRefresh fetches the full remote message set and reconciles it as the
// bulk source. Live events may race the fetch; merge precedence keeps the
// fresher value.
func (e *Engine) bulkRefresh() error {
	userID, ok := e.UserID()
	if !ok {
		return nil
	}

	records, err := e.deps.Store.List(store.MessagesPath(userID))
	if err != nil {
		return err
	}

	envelopes := make([]*store.Envelope, 0, len(records))
	for id, rec := range records {
		env, err := store.ParseEnvelope(rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message": id,
				"error":   err,
			}).Warn("Skipping unparsable message in bulk fetch")
			continue
		}
		e.decrypt(env)
		envelopes = append(envelopes, env)
	}

	e.rec.SetSource(reconcile.SourceBulk, envelopes)
	return nil
}

// refreshNotifications reloads the notification mirror from the store.
func (e *Engine) refreshNotifications() error {
	userID, ok := e.UserID()
	if !ok {
		return nil
	}

	records, err := e.deps.Store.List(store.NotificationsPath(userID))
	if err != nil {
		return err
	}

	fresh := make(map[string]*store.Notification, len(records))
	for id, rec := range records {
		n, err := store.ParseNotification(rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"notification": id,
				"error":        err,
			}).Warn("Skipping unparsable notification in refresh")
			continue
		}
		fresh[n.ID] = n
	}

	e.mu.Lock()
	e.notifications = fresh
	e.mu.Unlock()
	return nil
}

// logHealth emits low-priority health counters.
func (e *Engine) logHealth() error {
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()

	fields := logrus.Fields{
		"threads": len(e.rec.Snapshot()),
	}
	if manager != nil {
		fields["active_channels"] = manager.ActiveCount()
		fields["dropped_oversized"] = manager.DroppedOversized()
	}
	logrus.WithFields(fields).Debug("Sync engine health")
	return nil
}

// --- user-facing operations ------------------------------------------------

// SendMessage publishes an outgoing message. A local placeholder enters
// the merged view immediately; the store echo replaces it through content
// matching once the write lands. Returns the new message id.
func (e *Engine) SendMessage(address, body string) (string, error) {
	userID, ok := e.UserID()
	if !ok {
		return "", ErrNoUser
	}

	env := &store.Envelope{
		ID:        uuid.New().String(),
		Address:   address,
		Direction: store.DirectionOutgoing,
		Body:      body,
		Date:      time.Now(),
		Read:      true,
	}

	placeholder := *env
	placeholder.Local = true
	e.rec.Upsert(reconcile.SourceLocal, &placeholder)

	e.mu.Lock()
	keyco := e.keyco
	e.mu.Unlock()
	if keyco != nil {
		if groupKey, have := keyco.GroupKey(); have {
			if err := keyexchange.SealEnvelope(env, groupKey); err != nil {
				e.rec.DropLocal(placeholder.ID)
				return "", err
			}
		}
	}

	if err := e.deps.Store.Put(store.MessagePath(userID, env.ID), store.EncodeEnvelope(env)); err != nil {
		e.rec.DropLocal(placeholder.ID)
		return "", err
	}
	return env.ID, nil
}

// RequestHistory asks the data owner to push messages older than the live
// window, covering the given number of days. Returns the request id.
func (e *Engine) RequestHistory(days int) (string, error) {
	userID, ok := e.UserID()
	if !ok {
		return "", ErrNoUser
	}

	req := &store.SyncRequest{
		ID:          uuid.New().String(),
		Status:      store.SyncRequestPending,
		Days:        days,
		RequestedBy: e.opts.DeviceID,
		RequestedAt: time.Now(),
	}
	if err := e.deps.Store.Put(store.SyncRequestPath(userID, req.ID), store.EncodeSyncRequest(req)); err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"request": req.ID,
		"days":    days,
	}).Info("History sync requested")
	return req.ID, nil
}

// CompleteSyncRequest marks a history request this device has served.
// The transition is forward-only; a request another device already
// completed is left alone.
func (e *Engine) CompleteSyncRequest(requestID string) error {
	userID, ok := e.UserID()
	if !ok {
		return ErrNoUser
	}

	return e.deps.Store.Update(store.SyncRequestPath(userID, requestID), func(rec store.Record) (store.Record, error) {
		req, err := store.ParseSyncRequest(rec)
		if err != nil {
			return nil, err
		}
		if req.Status == store.SyncRequestCompleted {
			return nil, nil
		}
		req.Status = store.SyncRequestCompleted
		return store.EncodeSyncRequest(req), nil
	})
}

// RequestKeySync runs the joining side of key exchange, blocking until a
// paired device fulfils the request or the timeout elapses.
func (e *Engine) RequestKeySync(ctx context.Context) error {
	userID, ok := e.UserID()
	if !ok {
		if userID, ok = e.awaitUserID(); !ok {
			return ErrNoUser
		}
	}

	keyco := e.ensureCoordinator(userID)
	_, err := keyco.RequestKeys(ctx)
	return err
}

// Backfill re-wraps historical message keys for a newly-paired device so
// it can decrypt prior content. Progress lands on the backfill status
// callback and the shared status record.
func (e *Engine) Backfill(ctx context.Context, deviceID string, devicePK [32]byte) (*store.BackfillStatus, error) {
	userID, ok := e.UserID()
	if !ok {
		return nil, ErrNoUser
	}

	keyco := e.ensureCoordinator(userID)
	return keyco.Backfill(ctx, deviceID, devicePK)
}

// MarkThreadRead updates the unread flag for a whole thread in the merged
// view. Per-message read flags from the owner still win.
func (e *Engine) MarkThreadRead(threadID string) {
	e.rec.SetThreadUnread(threadID, false)
}
