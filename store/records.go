package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Parse errors reported at the transport boundary. Records that fail to
// parse are rejected whole; no partially-typed data flows into the engine.
var (
	ErrMissingField = errors.New("record missing required field")
	ErrBadField     = errors.New("record field has wrong type")
)

// MessageDirection distinguishes sent from received messages.
type MessageDirection string

const (
	DirectionIncoming MessageDirection = "incoming"
	DirectionOutgoing MessageDirection = "outgoing"
)

// KeyRequestStatus is the lifecycle of a key-exchange request. Transitions
// are forward-only: pending may become fulfilled or error, nothing moves
// backward.
type KeyRequestStatus string

const (
	KeyRequestPending   KeyRequestStatus = "pending"
	KeyRequestFulfilled KeyRequestStatus = "fulfilled"
	KeyRequestError     KeyRequestStatus = "error"
)

// SyncRequestStatus is the lifecycle of an on-demand history request.
type SyncRequestStatus string

const (
	SyncRequestPending    SyncRequestStatus = "pending"
	SyncRequestProcessing SyncRequestStatus = "processing"
	SyncRequestCompleted  SyncRequestStatus = "completed"
)

// BackfillState is the lifecycle of a historical re-wrap pass.
type BackfillState string

const (
	BackfillPending    BackfillState = "pending"
	BackfillProcessing BackfillState = "processing"
	BackfillCompleted  BackfillState = "completed"
	BackfillError      BackfillState = "error"
)

// Envelope is one message record. The body is either plaintext (Body) or
// encrypted (EncryptedBody+Nonce) with a per-message data key wrapped in
// KeyMap, keyed by device id or the shared sync group id.
type Envelope struct {
	ID            string
	Address       string
	ThreadID      string
	Direction     MessageDirection
	Body          string
	EncryptedBody []byte
	Nonce         []byte
	KeyMap        map[string][]byte
	Date          time.Time
	Read          bool
	HasReadFlag   bool

	// DecryptionFailed is set by the consumer when no usable KeyMap entry
	// exists or decryption fails. It never comes off the wire.
	DecryptionFailed bool

	// Local marks an optimistic "sending" placeholder created before the
	// origin store assigned an id. It never comes off the wire either.
	Local bool
}

// Encrypted reports whether the envelope carries an encrypted body.
func (e *Envelope) Encrypted() bool { return len(e.EncryptedBody) > 0 }

// Device is one paired device's presence record.
type Device struct {
	ID         string
	Platform   string
	Online     bool
	LastSeenAt time.Time
}

// CallRecord mirrors one live call's state.
type CallRecord struct {
	ID        string
	Address   string
	State     string
	StartedAt time.Time
}

// Notification mirrors one posted notification.
type Notification struct {
	ID       string
	Source   string
	Title    string
	Body     string
	PostedAt time.Time
}

// SyncRequest asks the data owner to push history older than the live
// window.
type SyncRequest struct {
	ID          string
	Status      SyncRequestStatus
	Days        int
	RequestedBy string
	RequestedAt time.Time
}

// KeyExchangeRequest is a joining device's request for the sync group key.
// WrappedKey and FulfilledBy are populated by the fulfilling device.
type KeyExchangeRequest struct {
	RequesterDeviceID  string
	RequesterPublicKey []byte
	Status             KeyRequestStatus
	CreatedAt          time.Time
	WrappedKey         []byte
	FulfilledBy        string
}

// BackfillStatus tracks a historical key re-wrap pass.
type BackfillStatus struct {
	Status  BackfillState
	Scanned int
	Updated int
	Skipped int
	Error   string
}

// --- field accessors -------------------------------------------------------
//
// Raw records may arrive with JSON-decoded types (float64 numbers, base64
// strings for bytes) or native types when produced in-process; the
// accessors accept both and reject everything else.

func fieldString(rec Record, key string) (string, error) {
	v, ok := rec[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBadField, key)
	}
	return s, nil
}

func fieldStringOr(rec Record, key, fallback string) string {
	if s, err := fieldString(rec, key); err == nil {
		return s
	}
	return fallback
}

func fieldBool(rec Record, key string) (bool, bool) {
	v, ok := rec[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func fieldInt(rec Record, key string) (int64, error) {
	v, ok := rec[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrBadField, key)
	}
}

func fieldTime(rec Record, key string) (time.Time, error) {
	millis, err := fieldInt(rec, key)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

func fieldBytes(rec Record, key string) ([]byte, error) {
	v, ok := rec[key]
	if !ok {
		return nil, nil
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		raw, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadField, key, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadField, key)
	}
}

// --- parse-or-reject decoders ---------------------------------------------

// ParseEnvelope decodes a raw message record, returning a typed envelope or
// an explicit error. Encrypted envelopes must carry a nonce and a key map.
func ParseEnvelope(rec Record) (*Envelope, error) {
	id, err := fieldString(rec, "id")
	if err != nil {
		return nil, err
	}
	address, err := fieldString(rec, "address")
	if err != nil {
		return nil, err
	}
	date, err := fieldTime(rec, "date")
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		ID:        id,
		Address:   address,
		ThreadID:  fieldStringOr(rec, "threadId", ""),
		Direction: MessageDirection(fieldStringOr(rec, "type", string(DirectionIncoming))),
		Body:      fieldStringOr(rec, "body", ""),
		Date:      date,
	}

	if read, present := fieldBool(rec, "read"); present {
		env.Read = read
		env.HasReadFlag = true
	}

	env.EncryptedBody, err = fieldBytes(rec, "encryptedBody")
	if err != nil {
		return nil, err
	}
	if len(env.EncryptedBody) > 0 {
		env.Nonce, err = fieldBytes(rec, "nonce")
		if err != nil {
			return nil, err
		}
		if len(env.Nonce) == 0 {
			return nil, fmt.Errorf("%w: nonce", ErrMissingField)
		}
		env.KeyMap, err = parseKeyMap(rec)
		if err != nil {
			return nil, err
		}
		if len(env.KeyMap) == 0 {
			return nil, fmt.Errorf("%w: keyMap", ErrMissingField)
		}
	}

	return env, nil
}

func parseKeyMap(rec Record) (map[string][]byte, error) {
	v, ok := rec["keyMap"]
	if !ok {
		return nil, nil
	}

	out := make(map[string][]byte)
	switch m := v.(type) {
	case map[string][]byte:
		for k, b := range m {
			out[k] = b
		}
	case map[string]any:
		for k, raw := range m {
			switch b := raw.(type) {
			case []byte:
				out[k] = b
			case string:
				decoded, err := base64.StdEncoding.DecodeString(b)
				if err != nil {
					return nil, fmt.Errorf("%w: keyMap[%s]: %v", ErrBadField, k, err)
				}
				out[k] = decoded
			default:
				return nil, fmt.Errorf("%w: keyMap[%s]", ErrBadField, k)
			}
		}
	default:
		return nil, fmt.Errorf("%w: keyMap", ErrBadField)
	}
	return out, nil
}

// EncodeEnvelope produces the raw record form of an envelope.
func EncodeEnvelope(env *Envelope) Record {
	rec := Record{
		"id":      env.ID,
		"address": env.Address,
		"type":    string(env.Direction),
		"date":    env.Date.UnixMilli(),
	}
	if env.ThreadID != "" {
		rec["threadId"] = env.ThreadID
	}
	if env.HasReadFlag {
		rec["read"] = env.Read
	}
	if env.Encrypted() {
		rec["encryptedBody"] = env.EncryptedBody
		rec["nonce"] = env.Nonce
		keyMap := make(map[string]any, len(env.KeyMap))
		for k, v := range env.KeyMap {
			keyMap[k] = v
		}
		rec["keyMap"] = keyMap
	} else {
		rec["body"] = env.Body
	}
	return rec
}

// ParseDevice decodes a paired-device presence record.
func ParseDevice(rec Record) (*Device, error) {
	id, err := fieldString(rec, "id")
	if err != nil {
		return nil, err
	}
	lastSeen, err := fieldTime(rec, "lastSeenAt")
	if err != nil {
		return nil, err
	}

	online, _ := fieldBool(rec, "online")
	return &Device{
		ID:         id,
		Platform:   fieldStringOr(rec, "platform", "unknown"),
		Online:     online,
		LastSeenAt: lastSeen,
	}, nil
}

// EncodeDevice produces the raw record form of a device.
func EncodeDevice(d *Device) Record {
	return Record{
		"id":         d.ID,
		"platform":   d.Platform,
		"online":     d.Online,
		"lastSeenAt": d.LastSeenAt.UnixMilli(),
	}
}

// ParseCall decodes a live call record.
func ParseCall(rec Record) (*CallRecord, error) {
	id, err := fieldString(rec, "id")
	if err != nil {
		return nil, err
	}
	startedAt, err := fieldTime(rec, "startedAt")
	if err != nil {
		return nil, err
	}

	return &CallRecord{
		ID:        id,
		Address:   fieldStringOr(rec, "address", ""),
		State:     fieldStringOr(rec, "state", ""),
		StartedAt: startedAt,
	}, nil
}

// ParseNotification decodes a mirrored notification.
func ParseNotification(rec Record) (*Notification, error) {
	id, err := fieldString(rec, "id")
	if err != nil {
		return nil, err
	}
	postedAt, err := fieldTime(rec, "postedAt")
	if err != nil {
		return nil, err
	}

	return &Notification{
		ID:       id,
		Source:   fieldStringOr(rec, "source", ""),
		Title:    fieldStringOr(rec, "title", ""),
		Body:     fieldStringOr(rec, "body", ""),
		PostedAt: postedAt,
	}, nil
}

// ParseSyncRequest decodes an on-demand history request.
func ParseSyncRequest(rec Record) (*SyncRequest, error) {
	id, err := fieldString(rec, "id")
	if err != nil {
		return nil, err
	}
	status, err := fieldString(rec, "status")
	if err != nil {
		return nil, err
	}
	days, err := fieldInt(rec, "days")
	if err != nil {
		return nil, err
	}
	requestedAt, err := fieldTime(rec, "requestedAt")
	if err != nil {
		return nil, err
	}

	return &SyncRequest{
		ID:          id,
		Status:      SyncRequestStatus(status),
		Days:        int(days),
		RequestedBy: fieldStringOr(rec, "requestedBy", ""),
		RequestedAt: requestedAt,
	}, nil
}

// EncodeSyncRequest produces the raw record form of a history request.
func EncodeSyncRequest(r *SyncRequest) Record {
	return Record{
		"id":          r.ID,
		"status":      string(r.Status),
		"days":        r.Days,
		"requestedBy": r.RequestedBy,
		"requestedAt": r.RequestedAt.UnixMilli(),
	}
}

// ParseKeyRequest decodes a key-exchange request.
func ParseKeyRequest(rec Record) (*KeyExchangeRequest, error) {
	deviceID, err := fieldString(rec, "requesterDeviceId")
	if err != nil {
		return nil, err
	}
	status, err := fieldString(rec, "status")
	if err != nil {
		return nil, err
	}
	createdAt, err := fieldTime(rec, "createdAt")
	if err != nil {
		return nil, err
	}
	publicKey, err := fieldBytes(rec, "requesterPublicKeyX963")
	if err != nil {
		return nil, err
	}
	wrapped, err := fieldBytes(rec, "wrappedKey")
	if err != nil {
		return nil, err
	}

	return &KeyExchangeRequest{
		RequesterDeviceID:  deviceID,
		RequesterPublicKey: publicKey,
		Status:             KeyRequestStatus(status),
		CreatedAt:          createdAt,
		WrappedKey:         wrapped,
		FulfilledBy:        fieldStringOr(rec, "fulfilledBy", ""),
	}, nil
}

// EncodeKeyRequest produces the raw record form of a key-exchange request.
func EncodeKeyRequest(r *KeyExchangeRequest) Record {
	rec := Record{
		"requesterDeviceId":      r.RequesterDeviceID,
		"requesterPublicKeyX963": r.RequesterPublicKey,
		"status":                 string(r.Status),
		"createdAt":              r.CreatedAt.UnixMilli(),
	}
	if len(r.WrappedKey) > 0 {
		rec["wrappedKey"] = r.WrappedKey
	}
	if r.FulfilledBy != "" {
		rec["fulfilledBy"] = r.FulfilledBy
	}
	return rec
}

// ParseBackfillStatus decodes the backfill status record.
func ParseBackfillStatus(rec Record) (*BackfillStatus, error) {
	status, err := fieldString(rec, "status")
	if err != nil {
		return nil, err
	}

	scanned, _ := fieldInt(rec, "scanned")
	updated, _ := fieldInt(rec, "updated")
	skipped, _ := fieldInt(rec, "skipped")
	return &BackfillStatus{
		Status:  BackfillState(status),
		Scanned: int(scanned),
		Updated: int(updated),
		Skipped: int(skipped),
		Error:   fieldStringOr(rec, "error", ""),
	}, nil
}

// EncodeBackfillStatus produces the raw record form of the backfill status.
func EncodeBackfillStatus(s *BackfillStatus) Record {
	rec := Record{
		"status":  string(s.Status),
		"scanned": s.Scanned,
		"updated": s.Updated,
		"skipped": s.Skipped,
	}
	if s.Error != "" {
		rec["error"] = s.Error
	}
	return rec
}
