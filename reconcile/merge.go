package reconcile

import (
	"sort"

	"github.com/dpchavali1/syncflow/store"
)

// MergeEnvelopes unions partial envelope lists into one deduplicated,
// time-ordered sequence.
//
// Sources are given in precedence order (live push events before bulk
// fetches): when two sources carry the same id, the earlier source's copy
// wins. The union is ordered newest first; records with identical
// timestamps are tie-broken by id ascending so the output is
// deterministic.
//
// Local-only placeholders (Envelope.Local, a "sending" record that has no
// id from the origin store yet) are removed once a confirmed record with
// the same direction, body, and party arrives, a content match rather than an id
// match, because the placeholder never had the origin's id.
func MergeEnvelopes(sources ...[]*store.Envelope) []*store.Envelope {
	seen := make(map[string]bool)
	var merged []*store.Envelope
	var placeholders []*store.Envelope

	for _, source := range sources {
		for _, env := range source {
			if env == nil {
				continue
			}
			if env.Local {
				placeholders = append(placeholders, env)
				continue
			}
			if env.ID != "" && seen[env.ID] {
				continue
			}
			seen[env.ID] = true
			merged = append(merged, env)
		}
	}

	for _, ph := range placeholders {
		if !confirmedBy(merged, ph) {
			merged = append(merged, ph)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Date.Equal(merged[j].Date) {
			return merged[i].Date.After(merged[j].Date)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// confirmedBy reports whether a confirmed record matching the placeholder's
// semantic content is already present.
func confirmedBy(merged []*store.Envelope, placeholder *store.Envelope) bool {
	for _, env := range merged {
		if env.Direction == placeholder.Direction &&
			env.Body == placeholder.Body &&
			SameParty(env.Address, placeholder.Address) {
			return true
		}
	}
	return false
}
