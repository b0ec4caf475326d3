package reconcile

import (
	"sort"

	"github.com/dpchavali1/syncflow/store"
)

// ConversationThread is the canonical representation of one logical
// conversation. It aggregates every underlying thread id that resolves to
// the same canonical address, interleaves their messages by timestamp, and
// carries a single reconciled unread count.
type ConversationThread struct {
	CanonicalAddress string
	// DisplayAddress is the raw address of the newest message, the form
	// shown to the user.
	DisplayAddress string
	ThreadIDs      []string
	Messages       []*store.Envelope
	UnreadCount    int
}

// BuildThreads groups an already-merged, newest-first envelope sequence
// into conversation threads. threadUnread carries the coarse thread-level
// "any unread" flags from stores that do not track per-message read state,
// keyed by underlying thread id.
//
// Unread reconciliation: a per-message count is authoritative whenever any
// message in the thread carries a read flag; otherwise a raised
// thread-level flag is worth exactly one unread.
func BuildThreads(envelopes []*store.Envelope, threadUnread map[string]bool) []*ConversationThread {
	byAddress := make(map[string]*ConversationThread)
	var order []string

	for _, env := range envelopes {
		key := CanonicalAddress(env.Address)
		thread, ok := byAddress[key]
		if !ok {
			thread = &ConversationThread{
				CanonicalAddress: key,
				DisplayAddress:   env.Address,
			}
			byAddress[key] = thread
			order = append(order, key)
		}
		thread.Messages = append(thread.Messages, env)
		if env.ThreadID != "" && !containsString(thread.ThreadIDs, env.ThreadID) {
			thread.ThreadIDs = append(thread.ThreadIDs, env.ThreadID)
		}
	}

	threads := make([]*ConversationThread, 0, len(order))
	for _, key := range order {
		thread := byAddress[key]
		sort.Strings(thread.ThreadIDs)
		thread.UnreadCount = reconcileUnread(thread, threadUnread)
		threads = append(threads, thread)
	}

	// Input is newest-first, so first-seen order already sorts threads by
	// most recent activity.
	return threads
}

func reconcileUnread(thread *ConversationThread, threadUnread map[string]bool) int {
	count := 0
	havePerMessage := false
	for _, env := range thread.Messages {
		if !env.HasReadFlag {
			continue
		}
		havePerMessage = true
		if !env.Read && env.Direction == store.DirectionIncoming {
			count++
		}
	}
	if havePerMessage {
		return count
	}

	for _, threadID := range thread.ThreadIDs {
		if threadUnread[threadID] {
			return 1
		}
	}
	return 0
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
