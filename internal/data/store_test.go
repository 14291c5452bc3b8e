package data

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/normanking/cortex-relay/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(author, text string) *types.Turn {
	return &types.Turn{
		Role:   types.RoleUser,
		Author: &types.Author{ID: author, Name: "name-" + author},
		Blocks: []types.Block{types.TextBlock(text)},
	}
}

func replyTurn(to *types.Turn, text string) *types.Turn {
	return &types.Turn{
		Role:    types.RoleAssistant,
		ReplyTo: to.ID,
		Blocks:  []types.Block{types.TextBlock(text)},
	}
}

func TestGetTurns_MissingKeyIsEmpty(t *testing.T) {
	store := setupTestStore(t)

	turns, err := store.GetTurns(t.Context(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAppendTurns_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	u := userTurn("u1", "what is a transformer?")
	u.Blocks = append(u.Blocks, types.ImageRef("image/png", "att-1"))
	require.NoError(t, store.AppendTurns(ctx, "u1", u))
	a := replyTurn(u, "an attention stack")
	require.NoError(t, store.AppendTurns(ctx, "u1", a))

	got, err := store.GetTurns(ctx, "u1")
	require.NoError(t, err)

	want := []types.Turn{*u, *a}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(types.Turn{}, "CreatedAt")); diff != "" {
		t.Errorf("turns mismatch (-want +got):\n%s", diff)
	}
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, got[0].ID, got[1].ReplyTo)
}

func TestAppendTurns_RejectsInvalidBlock(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	good := userTurn("u1", "ok")
	bad := &types.Turn{Role: types.RoleAssistant, Blocks: []types.Block{{Type: types.BlockImage}}}

	err := store.AppendTurns(ctx, "u1", good, bad)
	require.Error(t, err)

	turns, err := store.GetTurns(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, turns, "a failed append must not leave a partial write")
}

func TestAppendTurns_ConcurrentAppendsAllLand(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := userTurn("u1", fmt.Sprintf("q%d", i))
			assert.NoError(t, store.AppendTurns(ctx, "k", u, replyTurn(u, fmt.Sprintf("a%d", i))))
		}(i)
	}
	wg.Wait()

	turns, err := store.GetTurns(ctx, "k")
	require.NoError(t, err)
	require.Len(t, turns, 20)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, types.RoleUser, turns[i].Role)
		assert.Equal(t, turns[i].ID, turns[i+1].ReplyTo, "pairs are appended atomically")
	}
}

func TestDeleteConversation(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.AppendTurns(ctx, "k", userTurn("u1", "hi")))
	require.NoError(t, store.AppendTurns(ctx, "other", userTurn("u2", "hello")))
	id, err := store.StoreAttachment(ctx, "u1", "k", "a.png", "image/png", []byte{1, 2})
	require.NoError(t, err)

	require.NoError(t, store.DeleteConversation(ctx, "k"))

	turns, err := store.GetTurns(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, turns)

	_, err = store.LoadAttachment(ctx, id)
	assert.True(t, errors.Is(err, types.ErrMissingResource))

	others, err := store.GetTurns(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestDeleteAuthor_CascadesReplies(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	alice := userTurn("alice", "question from alice")
	bob := userTurn("bob", "question from bob")
	require.NoError(t, store.AppendTurns(ctx, "chan", alice, replyTurn(alice, "answer alice")))
	require.NoError(t, store.AppendTurns(ctx, "chan", bob, replyTurn(bob, "answer bob")))
	require.NoError(t, store.AppendTurns(ctx, "chan2", userTurn("alice", "again")))
	_, err := store.StoreAttachment(ctx, "alice", "chan", "x.txt", "text/plain", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, store.SetPreference(ctx, types.Preference{UserID: "alice", ReasoningMode: types.ReasoningScaled, ReasoningRounds: 5}))

	removed, err := store.DeleteAuthor(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	turns, err := store.GetTurns(ctx, "chan")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "question from bob", turns[0].Text())
	assert.Equal(t, "answer bob", turns[1].Text())

	rest, err := store.GetTurns(ctx, "chan2")
	require.NoError(t, err)
	assert.Empty(t, rest)

	n, err := store.CountAttachments(ctx, "chan")
	require.NoError(t, err)
	assert.Zero(t, n)

	pref, err := store.GetPreference(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.ReasoningPlain, pref.ReasoningMode, "preference row is recreated with defaults")
}

func TestAttachments(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	id, err := store.StoreAttachment(ctx, "u1", "k", "paper.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	att, err := store.LoadAttachment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "paper.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.MediaType)
	assert.Equal(t, []byte("%PDF-1.4"), att.Data)

	_, err = store.LoadAttachment(ctx, "missing")
	var missing *types.MissingResourceError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "missing", missing.ID)
}

func TestPreferences(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	pref, err := store.GetPreference(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.ReasoningPlain, pref.ReasoningMode)
	assert.Equal(t, types.DefaultReasoningRounds, pref.ReasoningRounds)
	assert.False(t, pref.RAGEnabled)

	pref.ReasoningMode = types.ReasoningScaled
	pref.ReasoningRounds = 7
	pref.RAGEnabled = true
	require.NoError(t, store.SetPreference(ctx, pref))

	got, err := store.GetPreference(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.ReasoningScaled, got.ReasoningMode)
	assert.Equal(t, 7, got.ReasoningRounds)
	assert.True(t, got.RAGEnabled)
}

func TestPreferences_DefaultRounds(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	_, err := store.GetPreference(ctx, "early")
	require.NoError(t, err)

	store.SetDefaultRounds(6)
	pref, err := store.GetPreference(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, 6, pref.ReasoningRounds)

	early, err := store.GetPreference(ctx, "early")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultReasoningRounds, early.ReasoningRounds)
}

func TestUpsertManifest_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	entry := types.ManifestEntry{FileLocation: "attention.pdf", Title: "Attention Is All You Need", DOI: "10.48550/arXiv.1706.03762"}
	require.NoError(t, store.UpsertManifest(ctx, entry))
	require.NoError(t, store.UpsertManifest(ctx, entry))

	entries, err := store.ListManifest(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry.Title = "Attention Is All You Need (v7)"
	require.NoError(t, store.UpsertManifest(ctx, entry))

	got, err := store.GetManifest(ctx, "attention.pdf")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Attention Is All You Need (v7)", got.Title)

	none, err := store.GetManifest(ctx, "absent.pdf")
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.Error(t, store.UpsertManifest(ctx, types.ManifestEntry{}))
}
