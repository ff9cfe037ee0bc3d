package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-tape/internal/ctxbuild"
	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/search"
	"github.com/rcliao/agent-tape/internal/store"
)

func newTape(t *testing.T, opts ...Option) (*Tape, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	tp, err := Open(context.Background(), s, "session", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tp.Close() })
	return tp, s
}

func say(t *testing.T, tp *Tape, text string) model.Entry {
	t.Helper()
	e, err := tp.Append(context.Background(), model.KindMessage, map[string]string{"role": "user", "content": text}, nil)
	require.NoError(t, err)
	return e
}

func ids(entries []model.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, nil, "x")
	assert.ErrorIs(t, err, model.ErrConfiguration)
	_, err = Open(ctx, store.NewMemoryStore(), "")
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestAppend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tp, _ := newTape(t)

	meta := map[string]string{"sender": "alice", "task": "t1"}
	e, err := tp.Append(ctx, model.KindToolResult, map[string]any{"results": []any{"ok", 3}}, meta)
	require.NoError(t, err)

	got, err := tp.Read(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, model.KindToolResult, got.Kind)
	assert.JSONEq(t, `{"results":["ok",3]}`, string(got.Payload))
	assert.Equal(t, meta, got.Meta)

	_, err = tp.Append(ctx, "unknown", nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidEntry)
	_, err = tp.Read(ctx, 99)
	assert.ErrorIs(t, err, model.ErrNotFound)

	raw, err := tp.Append(ctx, model.KindEvent, json.RawMessage(`{"type": "boot"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"boot"}`, string(raw.Payload))
}

func TestAppend_ConcurrentIDsAreGapless(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tape.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	tp, err := Open(ctx, s, "session")
	require.NoError(t, err)

	const workers, each = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*each)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := tp.Append(ctx, model.KindEvent, map[string]int{"w": w, "i": i}, nil); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := tp.Range(ctx, 1, workers*each)
	require.NoError(t, err)
	require.Len(t, all, workers*each)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.ID)
	}
}

func TestRecent_AfterAppends(t *testing.T) {
	ctx := context.Background()
	tp, _ := newTape(t)
	for i := 0; i < 7; i++ {
		say(t, tp, fmt.Sprintf("m%d", i))
	}
	got, err := tp.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7}, ids(got))

	got, err = tp.Recent(ctx, 20)
	require.NoError(t, err)
	assert.Len(t, got, 7)
}

func TestAnchors_PartitionSuffix(t *testing.T) {
	ctx := context.Background()
	tp, _ := newTape(t)

	say(t, tp, "before")
	a, err := tp.Handoff(ctx, "phase:analysis", map[string]any{"files": 3})
	require.NoError(t, err)
	say(t, tp, "one")
	say(t, tp, "two")
	b, err := tp.Handoff(ctx, "phase:build", nil)
	require.NoError(t, err)
	say(t, tp, "three")

	between, err := tp.Between(ctx, a, b)
	require.NoError(t, err)
	after, err := tp.After(ctx, b)
	require.NoError(t, err)

	var parts []int64
	parts = append(parts, a.ID)
	parts = append(parts, ids(between)...)
	parts = append(parts, b.ID)
	parts = append(parts, ids(after)...)

	size, err := tp.Size(ctx)
	require.NoError(t, err)
	suffix, err := tp.Range(ctx, a.ID, size)
	require.NoError(t, err)
	assert.Equal(t, ids(suffix), parts)

	_, err = tp.Between(ctx, b, a)
	assert.ErrorIs(t, err, model.ErrInvalidRange)

	last, ok, err := tp.LastAnchor(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "phase:build", last.Name)

	first, ok, err := tp.LastAnchor(ctx, "phase:analysis")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(3), first.State["files"])

	_, ok, err = tp.LastAnchor(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContextFor_EmptyTape(t *testing.T) {
	tp, _ := newTape(t)
	c, err := tp.ContextFor(context.Background(), ctxbuild.Task{Description: "start"}, ctxbuild.Budget{Entries: 10})
	require.NoError(t, err)
	assert.Empty(t, c.Entries)
	assert.False(t, c.Summary.Truncated)
}

func TestContextFor_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	tp, err := Open(ctx, s, "session",
		WithSearcher(search.NewKeyword(s, "session")),
		WithSelector(ctxbuild.RuleSelector{}))
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		say(t, tp, fmt.Sprintf("deploy step %d", i))
		if i%10 == 0 {
			_, err := tp.Handoff(ctx, fmt.Sprintf("phase:%d", i), map[string]any{"i": i})
			require.NoError(t, err)
		}
	}
	task := ctxbuild.Task{Description: "deploy step 7"}
	first, err := tp.ContextFor(ctx, task, ctxbuild.Budget{Entries: 10})
	require.NoError(t, err)
	second, err := tp.ContextFor(ctx, task, ctxbuild.Budget{Entries: 10})
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))
	assert.Len(t, first.Entries, 10)
}

func TestContextFor_Overflow(t *testing.T) {
	ctx := context.Background()
	tp, _ := newTape(t, WithOverflowLimit(1000))

	drafts := make([]model.Draft, 0, 1000)
	for i := 1; i <= 1000; i++ {
		var d model.Draft
		var err error
		if i == 640 {
			d, err = model.AnchorDraft("phase:review", map[string]any{"open_issues": 2}, nil)
		} else {
			d, err = NewDraft(model.KindMessage, map[string]string{"role": "user", "content": fmt.Sprintf("turn %d", i)}, nil)
		}
		require.NoError(t, err)
		drafts = append(drafts, d)
	}
	_, err := tp.AppendDrafts(ctx, drafts...)
	require.NoError(t, err)

	c, err := tp.ContextFor(ctx, ctxbuild.Task{Description: "next"}, ctxbuild.Budget{Entries: 50})
	require.NoError(t, err)
	require.LessOrEqual(t, len(c.Entries), 50)
	require.NotEmpty(t, c.Entries)

	a, err := model.AsAnchor(c.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, "phase:review", a.Name)
	assert.Equal(t, float64(2), a.State["open_issues"])

	size, err := tp.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), size)
}

func TestContextFor_OverflowWithoutAnchor(t *testing.T) {
	ctx := context.Background()
	tp, _ := newTape(t, WithOverflowLimit(20))
	for i := 0; i < 20; i++ {
		say(t, tp, fmt.Sprintf("m%d", i))
	}

	c, err := tp.ContextFor(ctx, ctxbuild.Task{}, ctxbuild.Budget{Entries: 5})
	require.NoError(t, err)
	require.Len(t, c.Entries, 5)
	assert.Equal(t, int64(21), c.Entries[4].ID)

	mark, ok, err := tp.LastAnchor(ctx, model.OverflowAnchor)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "length", mark.State["reason"])

	// The mark is now the last anchor, so the next overflow truncates after it.
	res, err := tp.Overflow(ctx, ctxbuild.Task{}, ctxbuild.Budget{Entries: 5})
	require.NoError(t, err)
	assert.False(t, res.Reset)
	assert.Equal(t, int64(21), res.Anchor.ID)
	assert.Equal(t, []int64{21}, ids(res.Context.Entries))
}

func TestContextSummary(t *testing.T) {
	tp, _ := newTape(t, WithBudget(ctxbuild.Budget{Entries: 2}))
	for i := 0; i < 5; i++ {
		say(t, tp, "x")
	}
	sum, err := tp.ContextSummary(context.Background(), ctxbuild.Task{Description: "x"})
	require.NoError(t, err)
	assert.Equal(t, model.Summary{CandidateCount: 5, SelectedCount: 5, Truncated: true}, sum)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	tp, _ := newTape(t)
	_, err := tp.Search(ctx, "x", 5)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	s := store.NewMemoryStore()
	tp, err = Open(ctx, s, "session", WithSearcher(search.NewKeyword(s, "session")))
	require.NoError(t, err)
	say(t, tp, "database migration")
	say(t, tp, "lunch order")

	got, err := tp.Search(ctx, "migration", 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(got))
	require.NoError(t, tp.Rebuild(ctx))
}

func TestClosed(t *testing.T) {
	tp, _ := newTape(t)
	require.NoError(t, tp.Close())
	_, err := tp.Append(context.Background(), model.KindEvent, nil, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)
	_, err = tp.ContextFor(context.Background(), ctxbuild.Task{}, ctxbuild.Budget{Entries: 1})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tape.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	tp, err := Open(ctx, s, "session")
	require.NoError(t, err)
	say(t, tp, "one")
	_, err = tp.Handoff(ctx, "phase:a", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	tp, err = Open(ctx, s, "session")
	require.NoError(t, err)
	e := say(t, tp, "two")
	assert.Equal(t, int64(3), e.ID)

	last, ok, err := tp.LastAnchor(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), last.ID)
}
