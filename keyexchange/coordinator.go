package keyexchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dpchavali1/syncflow/crypto"
	"github.com/dpchavali1/syncflow/store"
)

// DefaultFulfillTimeout bounds how long a joining device waits for its
// request to be fulfilled before surfacing a recoverable failure.
const DefaultFulfillTimeout = 30 * time.Second

// ErrKeySyncTimeout is returned when no device fulfilled the key request
// within the timeout. The caller may retry manually; the coordinator never
// retries silently.
var ErrKeySyncTimeout = errors.New("key sync timed out waiting for fulfillment")

// BackfillFunc receives backfill status transitions.
type BackfillFunc func(status store.BackfillStatus)

// Coordinator runs both sides of the key-exchange protocol for one device:
// requesting the sync group key when joining, and fulfilling other devices'
// requests when owning the key. Its fulfiller listener is deliberately
// independent of the heavy sync channels; pairing depends on it, so it
// must be available even before full authentication completes.
type Coordinator struct {
	mu           sync.Mutex
	st           store.Store
	userID       string
	deviceID     string
	keys         *crypto.KeyPair
	groupKey     crypto.GroupKey
	haveGroupKey bool
	fulfiller    store.Subscription
	timeout      time.Duration
	onBackfill   BackfillFunc
}

// NewCoordinator creates a coordinator for one device identity.
func NewCoordinator(st store.Store, userID, deviceID string, keys *crypto.KeyPair) *Coordinator {
	return &Coordinator{
		st:       st,
		userID:   userID,
		deviceID: deviceID,
		keys:     keys,
		timeout:  DefaultFulfillTimeout,
	}
}

// SetTimeout overrides the fulfillment wait bound.
func (c *Coordinator) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// OnBackfillStatus registers the backfill status callback.
func (c *Coordinator) OnBackfillStatus(fn BackfillFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBackfill = fn
}

// GroupKey returns the sync group key, if this device holds one.
func (c *Coordinator) GroupKey() (crypto.GroupKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupKey, c.haveGroupKey
}

// SetGroupKey installs a previously persisted group key.
func (c *Coordinator) SetGroupKey(key crypto.GroupKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groupKey = key
	c.haveGroupKey = true
}

// ensureGroupKey returns the group key, generating one on first use.
func (c *Coordinator) ensureGroupKey() (crypto.GroupKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveGroupKey {
		return c.groupKey, nil
	}
	key, err := crypto.GenerateGroupKey()
	if err != nil {
		return crypto.GroupKey{}, fmt.Errorf("failed to generate group key: %w", err)
	}
	c.groupKey = key
	c.haveGroupKey = true
	logrus.WithFields(logrus.Fields{
		"device": c.deviceID,
	}).Info("Generated new sync group key")
	return key, nil
}

// RequestKeys publishes a key-exchange request and waits for its
// fulfillment. On success the unwrapped group key is installed and
// returned. On timeout the request is marked errored (forward-only) and
// ErrKeySyncTimeout is returned; the caller decides whether to retry. A
// cancelled context also errors the request but surfaces ctx.Err(), so a
// manual abort stays distinguishable from a fulfillment timeout.
func (c *Coordinator) RequestKeys(ctx context.Context) (crypto.GroupKey, error) {
	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()

	sub, err := c.st.Subscribe(store.KeyRequestsPath(c.userID), store.SubscribeOptions{})
	if err != nil {
		return crypto.GroupKey{}, fmt.Errorf("failed to watch key requests: %w", err)
	}
	defer sub.Cancel()

	req := &store.KeyExchangeRequest{
		RequesterDeviceID:  c.deviceID,
		RequesterPublicKey: c.keys.Public[:],
		Status:             store.KeyRequestPending,
		CreatedAt:          time.Now(),
	}
	path := store.KeyRequestPath(c.userID, c.deviceID)
	if err := c.st.Put(path, store.EncodeKeyRequest(req)); err != nil {
		return crypto.GroupKey{}, fmt.Errorf("failed to publish key request: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"device": c.deviceID,
	}).Info("Published key-exchange request, waiting for fulfillment")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				c.failRequest(path, "listener cancelled")
				return crypto.GroupKey{}, ErrKeySyncTimeout
			}
			key, done, err := c.tryFulfillment(ev)
			if err != nil {
				return crypto.GroupKey{}, err
			}
			if done {
				return key, nil
			}
		case <-timer.C:
			c.failRequest(path, "timeout")
			return crypto.GroupKey{}, ErrKeySyncTimeout
		case <-ctx.Done():
			c.failRequest(path, "cancelled")
			return crypto.GroupKey{}, ctx.Err()
		}
	}
}

// tryFulfillment inspects one event for this device's fulfilled request.
func (c *Coordinator) tryFulfillment(ev store.Event) (crypto.GroupKey, bool, error) {
	if ev.Kind != store.KindAdded && ev.Kind != store.KindChanged {
		return crypto.GroupKey{}, false, nil
	}
	req, err := store.ParseKeyRequest(ev.Record)
	if err != nil || req.RequesterDeviceID != c.deviceID {
		return crypto.GroupKey{}, false, nil
	}
	if req.Status != store.KeyRequestFulfilled || len(req.WrappedKey) == 0 {
		return crypto.GroupKey{}, false, nil
	}

	key, err := crypto.UnwrapGroupKey(req.WrappedKey, c.keys)
	if err != nil {
		return crypto.GroupKey{}, false, fmt.Errorf("failed to unwrap fulfilled key: %w", err)
	}

	c.SetGroupKey(key)
	logrus.WithFields(logrus.Fields{
		"device":       c.deviceID,
		"fulfilled_by": req.FulfilledBy,
	}).Info("Key exchange fulfilled")
	return key, true, nil
}

// failRequest marks the pending request errored. The transition is
// forward-only: a request already fulfilled by a racing device stays
// fulfilled.
func (c *Coordinator) failRequest(path, reason string) {
	err := c.st.Update(path, func(rec store.Record) (store.Record, error) {
		if rec == nil {
			return nil, nil
		}
		if status, _ := rec["status"].(string); status != string(store.KeyRequestPending) {
			return nil, nil
		}
		rec["status"] = string(store.KeyRequestError)
		return rec, nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Failed to mark key request errored")
	}

	logrus.WithFields(logrus.Fields{
		"device": c.deviceID,
		"reason": reason,
	}).Warn("Key exchange did not complete")
}

// StartFulfiller begins listening for other devices' key requests. The
// registration is idempotent: first-run, post-pairing, and resume paths
// all land here and only one listener ever exists.
func (c *Coordinator) StartFulfiller() error {
	c.mu.Lock()
	if c.fulfiller != nil {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"device": c.deviceID,
		}).Debug("Key-request listener already running, start is a no-op")
		return nil
	}

	sub, err := c.st.Subscribe(store.KeyRequestsPath(c.userID), store.SubscribeOptions{})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to listen for key requests: %w", err)
	}
	c.fulfiller = sub
	c.mu.Unlock()

	go c.fulfillLoop(sub)
	logrus.WithFields(logrus.Fields{
		"device": c.deviceID,
	}).Info("Key-request listener active")
	return nil
}

// StopFulfiller cancels the listener. Safe to call when never started.
func (c *Coordinator) StopFulfiller() {
	c.mu.Lock()
	sub := c.fulfiller
	c.fulfiller = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

func (c *Coordinator) fulfillLoop(sub store.Subscription) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case store.KindAdded, store.KindChanged:
			c.handleRequest(ev)
		case store.KindCancelled:
			logrus.Warn("Key-request listener cancelled by transport")
		}
	}

	// Channel closed: allow a future StartFulfiller to resubscribe.
	c.mu.Lock()
	if c.fulfiller == sub {
		c.fulfiller = nil
	}
	c.mu.Unlock()
}

// handleRequest fulfils one key-exchange request. Malformed requests are
// ignored where detected; nothing propagates to the requester.
func (c *Coordinator) handleRequest(ev store.Event) {
	req, err := store.ParseKeyRequest(ev.Record)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"path":  ev.Path,
			"error": err,
		}).Warn("Ignoring unparsable key request")
		return
	}
	if req.RequesterDeviceID == c.deviceID {
		return
	}
	if len(req.RequesterPublicKey) != 32 {
		logrus.WithFields(logrus.Fields{
			"requester": req.RequesterDeviceID,
			"key_len":   len(req.RequesterPublicKey),
		}).Warn("Ignoring key request with missing or malformed public key")
		return
	}
	if req.Status != store.KeyRequestPending {
		logrus.WithFields(logrus.Fields{
			"requester": req.RequesterDeviceID,
			"status":    string(req.Status),
		}).Debug("Ignoring key request that is not pending")
		return
	}

	groupKey, err := c.ensureGroupKey()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Error("Cannot fulfil key request without a group key")
		return
	}

	var requesterPK [32]byte
	copy(requesterPK[:], req.RequesterPublicKey)
	wrapped, err := crypto.WrapGroupKey(groupKey, requesterPK)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"requester": req.RequesterDeviceID,
			"error":     err,
		}).Error("Failed to wrap group key for requester")
		return
	}

	// The pending check re-runs inside the atomic update: if another
	// device fulfilled first, or the same added event was delivered
	// twice, the wrap is discarded and the status never moves backward.
	path := store.KeyRequestPath(c.userID, req.RequesterDeviceID)
	err = c.st.Update(path, func(rec store.Record) (store.Record, error) {
		if rec == nil {
			return nil, nil
		}
		if status, _ := rec["status"].(string); status != string(store.KeyRequestPending) {
			return nil, nil
		}
		rec["status"] = string(store.KeyRequestFulfilled)
		rec["wrappedKey"] = wrapped
		rec["fulfilledBy"] = c.deviceID
		return rec, nil
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"requester": req.RequesterDeviceID,
			"error":     err,
		}).Error("Failed to write key request fulfillment")
		return
	}

	logrus.WithFields(logrus.Fields{
		"requester": req.RequesterDeviceID,
		"fulfiller": c.deviceID,
	}).Info("Fulfilled key-exchange request")
}
