package transcript

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ashureev/open-dialogue/internal/domain"
	"github.com/ashureev/open-dialogue/internal/store"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func entry(i int, speaker domain.Identity, text string) domain.Entry {
	return domain.Entry{Speaker: speaker, Label: string(speaker), Text: text, CreatedAt: base.Add(time.Duration(i) * time.Second)}
}

func genTranscript(t *rapid.T, label string) []domain.Entry {
	speakers := []domain.Identity{domain.Moderator, domain.Instructor, domain.AgentA, domain.AgentB}
	n := rapid.IntRange(0, 20).Draw(t, label+"_len")
	out := make([]domain.Entry, 0, n)
	for i := 0; i < n; i++ {
		sp := speakers[rapid.IntRange(0, len(speakers)-1).Draw(t, label+"_speaker")]
		out = append(out, entry(i, sp, fmt.Sprintf("msg %d", i)))
	}
	return out
}

func TestReconcileIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := genTranscript(t, "tr")
		got := Reconcile(tr, tr)
		if len(tr) == 0 {
			if len(got) != 0 {
				t.Fatalf("expected empty, got %d entries", len(got))
			}
			return
		}
		assert.Equal(t, tr, got)
	})
}

func TestReconcileAppendsRemoteDelta(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		remote := genTranscript(t, "remote")
		cut := rapid.IntRange(0, len(remote)).Draw(t, "cut")
		local := remote[:cut]
		got := Reconcile(local, remote)
		if len(remote) == 0 {
			assert.Empty(t, got)
			return
		}
		assert.Equal(t, remote, got)
	})
}

func TestReconcileNeverLosesRemoteEntries(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		local := genTranscript(t, "local")
		remote := genTranscript(t, "remote")
		got := Reconcile(local, remote)
		if len(got) < len(remote) {
			t.Fatalf("reconcile dropped entries: %d < %d", len(got), len(remote))
		}
	})
}

func TestReconcileReplacesDivergentLocal(t *testing.T) {
	t.Parallel()

	local := []domain.Entry{entry(0, domain.Moderator, "a"), entry(1, domain.AgentA, "stale")}
	remote := []domain.Entry{entry(0, domain.Moderator, "a"), entry(1, domain.AgentA, "fresh"), entry(2, domain.AgentB, "c")}
	assert.Equal(t, remote, Reconcile(local, remote))
}

func TestReconcileMissesMiddleDivergence(t *testing.T) {
	t.Parallel()

	local := []domain.Entry{entry(0, domain.Moderator, "a"), entry(1, domain.AgentA, "old middle"), entry(2, domain.AgentB, "c")}
	remote := []domain.Entry{entry(0, domain.Moderator, "a"), entry(1, domain.AgentA, "new middle"), entry(2, domain.AgentB, "c")}
	assert.Equal(t, local, Reconcile(local, remote), "only the last entry is compared")
}

func TestReconcileKeepsUnsyncedTail(t *testing.T) {
	t.Parallel()

	pending := entry(5, domain.AgentA, "unsynced")
	pending.Unsynced = true
	local := []domain.Entry{entry(0, domain.Moderator, "a"), pending}
	remote := []domain.Entry{entry(0, domain.Moderator, "a"), entry(1, domain.AgentB, "b")}

	got := Reconcile(local, remote)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[1].Text)
	assert.Equal(t, pending, got[2])
	assert.Equal(t, got, Reconcile(got, remote))
}

func TestSinceAfterFullMatchesFull(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		st := store.NewMemory(nil)
		conv, err := st.CreateConversation(ctx)
		require.NoError(t, err)
		roster := domain.DefaultRoster()
		labels := []string{"Ana", "Gosha", "Joshi", domain.InstructorLabel}

		before := rapid.IntRange(0, 10).Draw(t, "before")
		after := rapid.IntRange(0, 10).Draw(t, "after")
		for i := 0; i < before; i++ {
			_, err := st.Append(ctx, conv.ID, labels[i%len(labels)], fmt.Sprintf("b%d", i))
			require.NoError(t, err)
		}

		v := NewView(conv.ID, st, roster, nil)
		_, err = v.Full(ctx)
		require.NoError(t, err)
		boundary := v.LastSynced()

		for i := 0; i < after; i++ {
			_, err := st.Append(ctx, conv.ID, labels[i%len(labels)], fmt.Sprintf("a%d", i))
			require.NoError(t, err)
		}

		delta, err := v.Since(ctx, boundary)
		require.NoError(t, err)
		merged := append(v.Entries(), delta...)

		full, err := st.LoadFull(ctx, conv.ID)
		require.NoError(t, err)
		want := FromStored(roster, full)
		if len(want) == 0 {
			assert.Empty(t, merged)
			return
		}
		assert.Equal(t, want, merged)
	})
}

func TestDedupeConversations(t *testing.T) {
	t.Parallel()

	in := []domain.ConversationSummary{
		{ID: "a", CreatedAt: base},
		{ID: "b", CreatedAt: base.Add(time.Second)},
		{ID: "a", CreatedAt: base.Add(time.Hour)},
	}
	got := DedupeConversations(in)
	require.Len(t, got, 2)
	assert.Equal(t, base, got[0].CreatedAt, "first occurrence wins")
	assert.Equal(t, "b", got[1].ID)
}

func TestParticipants(t *testing.T) {
	t.Parallel()

	entries := []domain.Entry{
		{Speaker: domain.Moderator, Label: "Ana"},
		{Speaker: domain.AgentA, Label: "Gosha"},
		{Speaker: domain.Moderator, Label: "Ben"},
		{Speaker: domain.Moderator, Label: "Ana"},
		{Speaker: domain.Instructor, Label: domain.InstructorLabel},
	}
	assert.Equal(t, []string{"Ana", "Ben"}, Participants(entries))
}
