package chatsync

import (
	"slices"
	"time"
)

// ============================================================================
// Timeline reconciliation
// ============================================================================

// DefaultDuplicateWindow is how far apart two equal messages may be and
// still be treated as the same send.
const DefaultDuplicateWindow = 10 * time.Second

type reconcileOutcome string

const (
	outcomeAppended  reconcileOutcome = "appended"
	outcomeReplaced  reconcileOutcome = "replaced"
	outcomeDuplicate reconcileOutcome = "duplicate"
)

// reconcileMessage merges one inbound message into a sorted timeline.
//
// Matching runs in order: same id (dropped), same client_id as a tentative
// entry, then a tentative entry with equal content inside window, then any
// entry by the same sender with equal content inside window. A match is
// replaced in place and the timeline re-sorted; otherwise in is inserted
// after every entry with an equal or earlier timestamp.
func reconcileMessage(timeline []Message, in Message, window time.Duration) ([]Message, reconcileOutcome) {
	for _, m := range timeline {
		if m.ID == in.ID {
			return timeline, outcomeDuplicate
		}
	}

	if i := findReplacement(timeline, in, window); i >= 0 {
		old := timeline[i]
		if len(in.Reactions) == 0 {
			in.Reactions = old.Reactions
		}
		if len(in.ReadReceipts) == 0 {
			in.ReadReceipts = old.ReadReceipts
		}
		if in.User == nil {
			in.User = old.User
		}
		in.ReplacedID = old.ID
		timeline[i] = in
		sortTimeline(timeline)
		return timeline, outcomeReplaced
	}

	return insertSorted(timeline, in), outcomeAppended
}

func findReplacement(timeline []Message, in Message, window time.Duration) int {
	if i := findTentative(timeline, in, window); i >= 0 {
		return i
	}
	if in.UserID == "" {
		return -1
	}
	for i, m := range timeline {
		if m.UserID == in.UserID && m.Content == in.Content && within(m.CreatedAt, in.CreatedAt, window) {
			return i
		}
	}
	return -1
}

// findTentative returns the tentative entry in stands for: same client_id
// first, then equal content inside window.
func findTentative(timeline []Message, in Message, window time.Duration) int {
	if in.ClientID != "" {
		for i, m := range timeline {
			if m.IsTentative() && m.ClientID == in.ClientID {
				return i
			}
		}
	}
	for i, m := range timeline {
		if m.IsTentative() && m.Content == in.Content && within(m.CreatedAt, in.CreatedAt, window) {
			return i
		}
	}
	return -1
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < window
}

// insertSorted places m after every entry whose timestamp is not later.
func insertSorted(timeline []Message, m Message) []Message {
	i, _ := slices.BinarySearchFunc(timeline, m, func(e, target Message) int {
		if e.CreatedAt.After(target.CreatedAt) {
			return 1
		}
		return -1
	})
	return slices.Insert(timeline, i, m)
}

// sortTimeline orders by created_at, keeping equal timestamps in place.
func sortTimeline(timeline []Message) {
	slices.SortStableFunc(timeline, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// mergeHistory folds a fetched page into the local timeline. The server
// copy of a message wins, but reactions and receipts recorded locally are
// kept on top of it. A tentative entry the page already confirms is
// replaced by the server copy. It returns the merged timeline and how many
// fetched messages were new.
func mergeHistory(local, fetched []Message, window time.Duration) ([]Message, int) {
	index := make(map[ID]int, len(local))
	out := make([]Message, 0, len(local)+len(fetched))
	for _, m := range local {
		index[m.ID] = len(out)
		out = append(out, m)
	}

	added := 0
	for _, m := range fetched {
		i, ok := index[m.ID]
		if !ok {
			i = findTentative(out, m, window)
			if i < 0 {
				index[m.ID] = len(out)
				out = append(out, m)
				added++
				continue
			}
			delete(index, out[i].ID)
			index[m.ID] = i
			m.ReplacedID = out[i].ID
		}
		prev := out[i]
		for _, r := range prev.Reactions {
			AddReaction(&m, r)
		}
		for _, rc := range prev.ReadReceipts {
			UpsertReceipt(&m, rc)
		}
		if m.User == nil {
			m.User = prev.User
		}
		out[i] = m
	}
	sortTimeline(out)
	return out, added
}
