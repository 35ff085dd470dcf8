// Package timeline maintains the ordered, de-duplicated message sequence for a room.
//
// Every source of messages (the initial fetch, push events and the user's own sends)
// goes through Merge, so display order depends only on (createdAt, id) and never on
// which source delivered a message first.
package timeline

import (
	"strings"
	"time"

	"github.com/peersupport/roomsync/chat"
	"github.com/peersupport/roomsync/internal"
	"golang.org/x/exp/slices"
)

// DefaultTolerance is how far apart the createdAt of a temporary message and its
// confirmed counterpart may be for them to be treated as the same message.
const DefaultTolerance = 10 * time.Second

// Merger merges batches of messages into an ordered set.
type Merger struct {
	// Tolerance for optimistic reconciliation. Zero means DefaultTolerance.
	Tolerance time.Duration
}

var defaultMerger = Merger{Tolerance: DefaultTolerance}

// Merge returns existing+incoming sorted ascending by createdAt with ties broken by id.
// Neither input is modified. See Merger.Merge.
func Merge(existing, incoming []chat.Message) []chat.Message {
	return defaultMerger.Merge(existing, incoming)
}

// Merge combines the two batches. Messages with an id already present replace the
// existing record in place. A confirmed message replaces the temporary message it
// confirms, matched either by the echoed client id or by the same author and text
// with createdAt within the tolerance window. A temporary message which is already
// confirmed in the set is absorbed. Messages without an id are dropped.
func (mg Merger) Merge(existing, incoming []chat.Message) []chat.Message {
	tolerance := mg.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	out := make([]chat.Message, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for _, m := range existing {
		out, index = upsert(out, index, m, tolerance)
	}
	for _, m := range incoming {
		out, index = upsert(out, index, m, tolerance)
	}
	sortMessages(out)
	internal.Assert("timeline has unique ids", uniqueIDs(out))
	mergesTotal.Inc()
	return out
}

func upsert(out []chat.Message, index map[string]int, m chat.Message, tolerance time.Duration) ([]chat.Message, map[string]int) {
	if m.ID == "" {
		droppedTotal.WithLabelValues("missing_id").Inc()
		return out, index
	}
	if i, exists := index[m.ID]; exists {
		out[i] = m
		return out, index
	}
	if m.IsTemporary() {
		// the confirmed copy may have won the race
		if i := findConfirmation(out, m, tolerance); i >= 0 {
			return out, index
		}
	} else if i := findPending(out, m, tolerance); i >= 0 {
		delete(index, out[i].ID)
		out[i] = m
		index[m.ID] = i
		reconciledTotal.Inc()
		return out, index
	}
	index[m.ID] = len(out)
	out = append(out, m)
	return out, index
}

// findPending returns the index of the temporary message which confirmed confirms, or -1.
// A confirmed message carrying a client id only ever confirms that exact temporary
// message. Otherwise the heuristic candidate with the closest createdAt wins.
func findPending(msgs []chat.Message, confirmed chat.Message, tolerance time.Duration) int {
	best := -1
	var bestDelta time.Duration
	for i := range msgs {
		if !msgs[i].IsTemporary() {
			continue
		}
		if confirmed.ClientID != "" {
			if confirmed.ClientID == msgs[i].ID {
				return i
			}
			continue
		}
		delta, ok := matches(&msgs[i], &confirmed, tolerance)
		if !ok {
			continue
		}
		if best == -1 || delta < bestDelta {
			best = i
			bestDelta = delta
		}
	}
	return best
}

// findConfirmation returns the index of a confirmed message which confirms pending, or -1.
// Confirmed messages echoing some other client id are never candidates.
func findConfirmation(msgs []chat.Message, pending chat.Message, tolerance time.Duration) int {
	for i := range msgs {
		if msgs[i].IsTemporary() {
			continue
		}
		if msgs[i].ClientID != "" {
			if msgs[i].ClientID == pending.ID {
				return i
			}
			continue
		}
		if _, ok := matches(&pending, &msgs[i], tolerance); ok {
			return i
		}
	}
	return -1
}

func matches(pending, confirmed *chat.Message, tolerance time.Duration) (time.Duration, bool) {
	if pending.Author.ID != confirmed.Author.ID || pending.Text != confirmed.Text {
		return 0, false
	}
	delta := confirmed.CreatedAt.Sub(pending.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta, delta <= tolerance
}

// Retract removes exactly the message with the given id. It is used to withdraw an
// optimistic message whose send failed.
func Retract(msgs []chat.Message, id string) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == id {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Find returns the message with the given id.
func Find(msgs []chat.Message, id string) (chat.Message, bool) {
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return chat.Message{}, false
}

func sortMessages(msgs []chat.Message) {
	slices.SortStableFunc(msgs, compare)
}

func compare(a, b chat.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func uniqueIDs(msgs []chat.Message) bool {
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			return false
		}
		seen[m.ID] = struct{}{}
	}
	return true
}
