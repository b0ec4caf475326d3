package store

import "strings"

// Logical store layout, one subtree per user.
//
//	users/{userId}/messages/{messageId}
//	users/{userId}/active_calls/{callId}
//	users/{userId}/notifications/{notificationId}
//	users/{userId}/devices/{deviceId}
//	users/{userId}/sync_requests/{requestId}
//	users/{userId}/e2ee_key_requests/{requesterDeviceId}
//	users/{userId}/e2ee_backfill_status

func userPath(userID string, parts ...string) string {
	return "users/" + userID + "/" + strings.Join(parts, "/")
}

// MessagesPath is the collection of message envelopes for a user.
func MessagesPath(userID string) string { return userPath(userID, "messages") }

// MessagePath addresses one message envelope.
func MessagePath(userID, messageID string) string {
	return userPath(userID, "messages", messageID)
}

// ActiveCallsPath is the collection of live call records.
func ActiveCallsPath(userID string) string { return userPath(userID, "active_calls") }

// CallPath addresses one live call record.
func CallPath(userID, callID string) string {
	return userPath(userID, "active_calls", callID)
}

// NotificationsPath is the collection of mirrored notifications.
func NotificationsPath(userID string) string { return userPath(userID, "notifications") }

// NotificationPath addresses one notification.
func NotificationPath(userID, notificationID string) string {
	return userPath(userID, "notifications", notificationID)
}

// DevicesPath is the collection of paired devices.
func DevicesPath(userID string) string { return userPath(userID, "devices") }

// DevicePath addresses one paired device record.
func DevicePath(userID, deviceID string) string {
	return userPath(userID, "devices", deviceID)
}

// SyncRequestsPath is the collection of on-demand history requests.
func SyncRequestsPath(userID string) string { return userPath(userID, "sync_requests") }

// SyncRequestPath addresses one history request.
func SyncRequestPath(userID, requestID string) string {
	return userPath(userID, "sync_requests", requestID)
}

// KeyRequestsPath is the collection of key-exchange requests, keyed by the
// requesting device id.
func KeyRequestsPath(userID string) string { return userPath(userID, "e2ee_key_requests") }

// KeyRequestPath addresses one key-exchange request.
func KeyRequestPath(userID, requesterDeviceID string) string {
	return userPath(userID, "e2ee_key_requests", requesterDeviceID)
}

// BackfillStatusPath addresses the single backfill status record.
func BackfillStatusPath(userID string) string { return userPath(userID, "e2ee_backfill_status") }

// ChildID extracts the final path segment, the child id under a collection.
func ChildID(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
