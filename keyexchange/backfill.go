package keyexchange

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dpchavali1/syncflow/crypto"
	"github.com/dpchavali1/syncflow/store"
)

// Backfill re-wraps historical envelopes' data keys so the given device can
// decrypt prior history. The pass is idempotent: envelopes that already
// carry the device's entry are counted as skipped, so re-running after an
// interruption converges without double-wrapping.
//
// Status transitions are mirrored to the shared store and the registered
// callback: processing while scanning, then completed or error.
func (c *Coordinator) Backfill(ctx context.Context, deviceID string, devicePK [32]byte) (*store.BackfillStatus, error) {
	groupKey, haveKey := c.GroupKey()
	if !haveKey {
		return nil, fmt.Errorf("cannot backfill without the group key")
	}

	status := &store.BackfillStatus{Status: store.BackfillProcessing}
	c.publishBackfillStatus(status)

	messages, err := c.st.List(store.MessagesPath(c.userID))
	if err != nil {
		status.Status = store.BackfillError
		status.Error = err.Error()
		c.publishBackfillStatus(status)
		return status, fmt.Errorf("failed to list messages for backfill: %w", err)
	}

	for id, rec := range messages {
		if err := ctx.Err(); err != nil {
			status.Status = store.BackfillError
			status.Error = err.Error()
			c.publishBackfillStatus(status)
			return status, err
		}

		status.Scanned++
		env, err := store.ParseEnvelope(rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message": id,
				"error":   err,
			}).Warn("Skipping unparsable envelope during backfill")
			status.Skipped++
			continue
		}
		if !env.Encrypted() {
			status.Skipped++
			continue
		}
		if _, ok := env.KeyMap[deviceID]; ok {
			status.Skipped++
			continue
		}

		wrapped, ok := env.KeyMap[GroupKeyID]
		if !ok {
			logrus.WithFields(logrus.Fields{
				"message": id,
			}).Warn("Envelope has no group entry, cannot re-wrap")
			status.Skipped++
			continue
		}
		dataKey, err := crypto.UnwrapKeyWithGroup(wrapped, groupKey)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message": id,
				"error":   err,
			}).Warn("Failed to unwrap data key during backfill")
			status.Skipped++
			continue
		}
		entry, err := crypto.SealToPublicKey(dataKey[:], devicePK)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message": id,
				"error":   err,
			}).Warn("Failed to seal data key to device")
			status.Skipped++
			continue
		}

		path := store.MessagePath(c.userID, id)
		err = c.st.Update(path, func(rec store.Record) (store.Record, error) {
			if rec == nil {
				return nil, nil
			}
			current, err := store.ParseEnvelope(rec)
			if err != nil {
				return nil, err
			}
			if _, ok := current.KeyMap[deviceID]; ok {
				return nil, nil
			}
			current.KeyMap[deviceID] = entry
			return store.EncodeEnvelope(current), nil
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message": id,
				"error":   err,
			}).Warn("Failed to write re-wrapped envelope")
			status.Skipped++
			continue
		}
		status.Updated++
	}

	status.Status = store.BackfillCompleted
	c.publishBackfillStatus(status)
	logrus.WithFields(logrus.Fields{
		"device":  deviceID,
		"scanned": status.Scanned,
		"updated": status.Updated,
		"skipped": status.Skipped,
	}).Info("Backfill pass completed")
	return status, nil
}

func (c *Coordinator) publishBackfillStatus(status *store.BackfillStatus) {
	if err := c.st.Put(store.BackfillStatusPath(c.userID), store.EncodeBackfillStatus(status)); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Failed to publish backfill status")
	}

	c.mu.Lock()
	fn := c.onBackfill
	c.mu.Unlock()
	if fn != nil {
		fn(*status)
	}
}
