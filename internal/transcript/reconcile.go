package transcript

import (
	"github.com/ashureev/open-dialogue/internal/domain"
)

// Reconcile merges a cached local transcript with a freshly loaded remote
// one. Local entries that never reached the store stay at the tail.
//
// When the remote side is at least as long as the synced local prefix and
// agrees with it on the last local entry, the local prefix is kept and the
// remote delta is appended. Otherwise the remote transcript replaces the
// local one. Only the last entry is compared, so a rewrite in the middle of
// an otherwise identical transcript goes unnoticed; the store is append-only
// and never rewrites rows.
func Reconcile(local, remote []domain.Entry) []domain.Entry {
	synced, pending := splitUnsynced(local)
	remote, _ = splitUnsynced(remote)

	var out []domain.Entry
	n := len(synced)
	switch {
	case n == 0:
		out = append(out, remote...)
	case len(remote) >= n && sameEntry(synced[n-1], remote[n-1]):
		out = make([]domain.Entry, 0, len(remote)+len(pending))
		out = append(out, synced...)
		out = append(out, remote[n:]...)
	default:
		out = append(out, remote...)
	}
	return append(out, pending...)
}

func sameEntry(a, b domain.Entry) bool {
	return a.Speaker == b.Speaker && a.Label == b.Label && a.Text == b.Text
}

func splitUnsynced(entries []domain.Entry) (synced, pending []domain.Entry) {
	for _, e := range entries {
		if e.Unsynced {
			pending = append(pending, e)
		} else {
			synced = append(synced, e)
		}
	}
	return synced, pending
}

// DedupeConversations drops repeated conversation IDs, keeping the first
// occurrence and the original order.
func DedupeConversations(list []domain.ConversationSummary) []domain.ConversationSummary {
	seen := make(map[string]struct{}, len(list))
	out := make([]domain.ConversationSummary, 0, len(list))
	for _, c := range list {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// HasSpoken reports whether the identity authored any entry.
func HasSpoken(entries []domain.Entry, id domain.Identity) bool {
	for _, e := range entries {
		if e.Speaker == id {
			return true
		}
	}
	return false
}

// Participants lists distinct moderator labels in order of first appearance.
func Participants(entries []domain.Entry) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, e := range entries {
		if e.Speaker != domain.Moderator {
			continue
		}
		if _, ok := seen[e.Label]; ok {
			continue
		}
		seen[e.Label] = struct{}{}
		out = append(out, e.Label)
	}
	return out
}

// FromStored converts store rows to entries, resolving authors via the roster.
func FromStored(roster domain.Roster, msgs []domain.StoredMessage) []domain.Entry {
	out := make([]domain.Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.Entry{
			Speaker:   roster.IdentityForLabel(m.Author),
			Label:     m.Author,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}
