package search

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-tape/internal/embedding"
	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/store"
)

func note(text string) model.Draft {
	b, _ := json.Marshal(map[string]string{"text": text})
	return model.Draft{Kind: model.KindEvent, Payload: b}
}

func seed(t *testing.T, s store.Store, tape string, texts ...string) []model.Entry {
	t.Helper()
	drafts := make([]model.Draft, len(texts))
	for i, text := range texts {
		drafts[i] = note(text)
	}
	out, err := s.Append(context.Background(), store.AppendParams{Tape: tape, Entries: drafts})
	require.NoError(t, err)
	return out
}

func ids(entries []model.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestKeyword_RanksByOverlap(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "deploy the service", "fix login bug", "deploy database migration")

	k := NewKeyword(s, "a")
	got, err := k.Search(ctx, "deploy service", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids(got))
}

func TestKeyword_TiesPreferNewer(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "login page", "unrelated", "login form")

	got, err := NewKeyword(s, "a").Search(ctx, "login", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1}, ids(got))
}

func TestKeyword_NoMatchIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "alpha", "beta")

	k := NewKeyword(s, "a")
	got, err := k.Search(ctx, "gamma", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = k.Search(ctx, "alpha", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKeyword_CatchesUp(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "first release")

	k := NewKeyword(s, "a")
	got, err := k.Search(ctx, "release", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(got))

	seed(t, s, "a", "second release")
	got, err = k.Search(ctx, "release", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids(got))

	require.NoError(t, k.Rebuild(ctx))
	got, err = k.Search(ctx, "release", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(got))
}

func TestKeyword_IgnoresOtherTapes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "shared word")
	seed(t, s, "b", "shared word")

	got, err := NewKeyword(s, "b").Search(ctx, "shared", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRank(t *testing.T) {
	entries := []model.Entry{
		{ID: 1, Kind: model.KindEvent, Payload: json.RawMessage(`{"text":"red apple"}`)},
		{ID: 2, Kind: model.KindEvent, Payload: json.RawMessage(`{"text":"green apple pie"}`)},
		{ID: 3, Kind: model.KindEvent, Payload: json.RawMessage(`{"text":"banana"}`)},
	}
	assert.Equal(t, []int64{2, 1}, ids(Rank("apple pie", entries, 5)))
	assert.Empty(t, Rank("cherry", entries, 5))
}

func TestFTS_SQLite(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tape.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	seed(t, s, "a", "deploy the service", "fix login bug", "deploy database migration")
	seed(t, s, "b", "deploy elsewhere")

	f := NewFTS(s, "a")
	got, err := f.Search(ctx, "deploy service", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids(got))

	got, err = f.Search(ctx, "nothing here", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// flakyEmbedder fails on any text containing a poisoned word.
type flakyEmbedder struct {
	inner  embedding.Embedder
	poison string
}

func (e *flakyEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if e.poison != "" && strings.Contains(text, e.poison) {
		return nil, errors.New("embedder unavailable")
	}
	return e.inner.Embed(ctx, text)
}

func (e *flakyEmbedder) Dims() int { return e.inner.Dims() }

func TestSemantic_BestChunkWins(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "kitchen recipes for soup", "database migration plan", "weekly standup notes")

	sem := NewSemantic(s, "a", embedding.NewHashEmbedder(4096), nil)
	got, err := sem.Search(ctx, "database migration", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, int64(3), sem.Indexed())
}

func TestSemantic_EmbedFailureLagsInsteadOfFailing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "database migration plan", "poison pill", "database rollback")

	emb := &flakyEmbedder{inner: embedding.NewHashEmbedder(4096), poison: "poison"}
	sem := NewSemantic(s, "a", emb, nil)

	got, err := sem.Search(ctx, "database", 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(got))
	assert.Equal(t, int64(1), sem.Indexed())

	emb.poison = ""
	got, err = sem.Search(ctx, "database", 3)
	require.NoError(t, err)
	assert.Contains(t, ids(got), int64(3))
	assert.Equal(t, int64(3), sem.Indexed())
}

func TestSemantic_QueryEmbedFailure(t *testing.T) {
	s := store.NewMemoryStore()
	emb := &flakyEmbedder{inner: embedding.NewHashEmbedder(64), poison: "x"}
	_, err := NewSemantic(s, "a", emb, nil).Search(context.Background(), "x marks", 3)
	assert.Error(t, err)
}

type staticSearcher struct {
	entries []model.Entry
	err     error
}

func (s staticSearcher) Search(context.Context, string, int) ([]model.Entry, error) {
	return s.entries, s.err
}

func TestHybrid_FusesRanks(t *testing.T) {
	e := func(id int64) model.Entry { return model.Entry{ID: id, Kind: model.KindEvent} }
	h := NewHybrid(
		staticSearcher{entries: []model.Entry{e(1), e(2)}},
		staticSearcher{entries: []model.Entry{e(2), e(3)}},
		nil,
	)
	got, err := h.Search(context.Background(), "q", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 3}, ids(got))

	got, err = h.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids(got))
}

func TestHybrid_Failures(t *testing.T) {
	boom := errors.New("boom")
	e := model.Entry{ID: 7, Kind: model.KindEvent}

	got, err := NewHybrid(staticSearcher{err: boom}, staticSearcher{entries: []model.Entry{e}}).
		Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids(got))

	_, err = NewHybrid(staticSearcher{err: boom}, staticSearcher{err: boom}).
		Search(context.Background(), "q", 5)
	assert.ErrorIs(t, err, boom)
}

func TestHybrid_RebuildsMembers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seed(t, s, "a", "ship the release")

	k := NewKeyword(s, "a")
	h := NewHybrid(k, staticSearcher{})
	require.NoError(t, h.Rebuild(ctx))

	got, err := h.Search(ctx, "release", 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(got))
}
