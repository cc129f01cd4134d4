package chatsync

// ============================================================================
// Reaction & read-receipt overlay
// ============================================================================

// AddReaction attaches r to m unless the same user already reacted with the
// same emoji. It reports whether m changed.
func AddReaction(m *Message, r Reaction) bool {
	if r.Emoji == "" || r.UserID == "" {
		return false
	}
	for _, existing := range m.Reactions {
		if existing.UserID == r.UserID && existing.Emoji == r.Emoji {
			return false
		}
	}
	if r.MessageID == "" {
		r.MessageID = m.ID
	}
	m.Reactions = append(m.Reactions, r)
	return true
}

// RemoveReaction drops userID's emoji reaction from m, if present.
func RemoveReaction(m *Message, userID ID, emoji string) bool {
	for i, existing := range m.Reactions {
		if existing.UserID == userID && existing.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

// UpsertReceipt keeps one receipt per user on m. A receipt replaces the
// stored one when its ReadAt is the same or later; an older one is ignored.
func UpsertReceipt(m *Message, rc ReadReceipt) bool {
	if rc.UserID == "" {
		return false
	}
	if rc.MessageID == "" {
		rc.MessageID = m.ID
	}
	for i, existing := range m.ReadReceipts {
		if existing.UserID != rc.UserID {
			continue
		}
		if rc.ReadAt.Before(existing.ReadAt) || existing == rc {
			return false
		}
		m.ReadReceipts[i] = rc
		return true
	}
	m.ReadReceipts = append(m.ReadReceipts, rc)
	return true
}

// ReactionGroup is one emoji's aggregate on a message.
type ReactionGroup struct {
	Emoji       string
	Count       int
	UserIDs     []ID
	ReactedByMe bool
}

// GroupReactions aggregates m's reactions per emoji, in order of first
// appearance.
func GroupReactions(m Message, currentUserID ID) []ReactionGroup {
	var groups []ReactionGroup
	index := make(map[string]int)
	for _, r := range m.Reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, ReactionGroup{Emoji: r.Emoji})
		}
		g := &groups[i]
		g.Count++
		g.UserIDs = append(g.UserIDs, r.UserID)
		if r.UserID == currentUserID {
			g.ReactedByMe = true
		}
	}
	return groups
}

// ReceiptView is a read receipt joined with its reader.
type ReceiptView struct {
	User    User
	Receipt ReadReceipt
}

// ReceiptsWithUsers joins m's receipts to users. Receipts from users that
// are not in the list are left out.
func ReceiptsWithUsers(m Message, users []User) []ReceiptView {
	byID := make(map[ID]User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	var out []ReceiptView
	for _, rc := range m.ReadReceipts {
		u, ok := byID[rc.UserID]
		if !ok {
			continue
		}
		out = append(out, ReceiptView{User: u, Receipt: rc})
	}
	return out
}
