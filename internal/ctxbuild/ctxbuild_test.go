package ctxbuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/search"
)

// sliceSource serves a fixed tape held in memory.
type sliceSource struct {
	entries  []model.Entry
	searcher search.Searcher
}

func (s *sliceSource) Anchors(context.Context) ([]model.Anchor, error) {
	var out []model.Anchor
	for _, e := range s.entries {
		if e.Kind == model.KindAnchor {
			a, err := model.AsAnchor(e)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *sliceSource) Recent(_ context.Context, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	start := max(len(s.entries)-limit, 0)
	return append([]model.Entry(nil), s.entries[start:]...), nil
}

func (s *sliceSource) Searcher() search.Searcher { return s.searcher }

// tape builds entries 1..n; ids listed in anchors become anchors named
// "phase:<id>" with a state snapshot.
func tape(n int, anchors ...int64) []model.Entry {
	isAnchor := map[int64]bool{}
	for _, id := range anchors {
		isAnchor[id] = true
	}
	out := make([]model.Entry, 0, n)
	for i := 1; i <= n; i++ {
		id := int64(i)
		e := model.Entry{ID: id, Kind: model.KindMessage, CreatedAt: time.Unix(id, 0).UTC()}
		if isAnchor[id] {
			e.Kind = model.KindAnchor
			e.Payload, _ = json.Marshal(map[string]any{"name": fmt.Sprintf("phase:%d", id), "state": map[string]any{"step": i}})
		} else {
			e.Payload, _ = json.Marshal(map[string]string{"role": "user", "content": fmt.Sprintf("message %d", i)})
		}
		out = append(out, e)
	}
	return out
}

func ids(entries []model.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

type staticSearcher struct {
	hits []model.Entry
	err  error
}

func (s staticSearcher) Search(context.Context, string, int) ([]model.Entry, error) {
	return s.hits, s.err
}

// blockingSearcher waits until its context is done.
type blockingSearcher struct{}

func (blockingSearcher) Search(ctx context.Context, _ string, _ int) ([]model.Entry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConstruct_EmptyTape(t *testing.T) {
	c := New()
	got, err := c.Construct(context.Background(), &sliceSource{}, Task{Description: "anything"}, Budget{Entries: 10})
	require.NoError(t, err)
	assert.Empty(t, got.Entries)
	assert.NotNil(t, got.Entries)
	assert.False(t, got.Summary.Truncated)
	assert.Zero(t, got.Summary.CandidateCount)
}

func TestConstruct_ConfigurationFaults(t *testing.T) {
	ctx := context.Background()
	src := &sliceSource{entries: tape(3)}
	for _, b := range []Budget{{}, {Entries: -1, Bytes: 10}, {Entries: 5, Bytes: -1}} {
		_, err := New().Construct(ctx, src, Task{}, b)
		assert.ErrorIs(t, err, model.ErrConfiguration, "budget %+v", b)
	}

	noSource := New(WithConfig(Config{Recent: 0, Ceiling: 10}))
	_, err := noSource.Construct(ctx, src, Task{}, Budget{Entries: 5})
	assert.ErrorIs(t, err, model.ErrConfiguration)

	src.searcher = staticSearcher{}
	_, err = noSource.Construct(ctx, src, Task{Description: "x"}, Budget{Entries: 5})
	assert.NoError(t, err)
}

func TestConstruct_TruncationKeepsLatestAnchor(t *testing.T) {
	src := &sliceSource{entries: tape(100, 4, 10)}
	got, err := New().Construct(context.Background(), src, Task{Description: "next"}, Budget{Entries: 5})
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 97, 98, 99, 100}, ids(got.Entries))
	assert.True(t, got.Summary.Truncated)
	// latest anchor + 50 recent + older anchor
	assert.Equal(t, 52, got.Summary.CandidateCount)
	assert.Equal(t, 52, got.Summary.SelectedCount)

	a, err := model.AsAnchor(got.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, float64(10), a.State["step"])
}

func TestConstruct_AnchorKeptEvenOverBytes(t *testing.T) {
	src := &sliceSource{entries: tape(20, 20)}
	got, err := New().Construct(context.Background(), src, Task{}, Budget{Bytes: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{20}, ids(got.Entries))
	assert.True(t, got.Summary.Truncated)
}

func TestConstruct_ByteBudget(t *testing.T) {
	src := &sliceSource{entries: tape(10)}
	one := encodedSize(src.entries[9])
	got, err := New().Construct(context.Background(), src, Task{}, Budget{Bytes: 3*one + 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 9, 10}, ids(got.Entries))
}

func TestConstruct_Idempotent(t *testing.T) {
	src := &sliceSource{entries: tape(60, 7, 30)}
	c := New(WithSelector(RuleSelector{}))
	task := Task{Description: "review", Tag: ""}

	first, err := c.Construct(context.Background(), src, task, Budget{Entries: 20})
	require.NoError(t, err)
	second, err := c.Construct(context.Background(), src, task, Budget{Entries: 20})
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestConstruct_SearchHitsOutrankRecency(t *testing.T) {
	entries := tape(30)
	src := &sliceSource{entries: entries, searcher: staticSearcher{hits: []model.Entry{entries[4], entries[1]}}}

	got, err := New().Construct(context.Background(), src, Task{Description: "old stuff"}, Budget{Entries: 1})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids(got.Entries))
	assert.Equal(t, 2, got.Summary.CandidateCount)
}

func TestConstruct_SearchFallsBackToRecency(t *testing.T) {
	src := &sliceSource{entries: tape(10)}
	cfg := Config{Recent: 3, Ceiling: 10, SearchTimeout: 10 * time.Millisecond}
	want := []int64{8, 9, 10}

	for name, s := range map[string]search.Searcher{
		"timeout": blockingSearcher{},
		"error":   staticSearcher{err: errors.New("index offline")},
		"no hits": staticSearcher{},
	} {
		t.Run(name, func(t *testing.T) {
			src.searcher = s
			got, err := New(WithConfig(cfg)).Construct(context.Background(), src, Task{Description: "q"}, Budget{Entries: 10})
			require.NoError(t, err)
			assert.Equal(t, want, ids(got.Entries))
		})
	}
}

func TestConstruct_RecencyOnlyIgnoresSearch(t *testing.T) {
	entries := tape(10)
	src := &sliceSource{entries: entries, searcher: staticSearcher{hits: []model.Entry{entries[0]}}}
	got, err := New(WithConfig(Config{Recent: 2, Ceiling: 10})).RecencyOnly().
		Construct(context.Background(), src, Task{Description: "q"}, Budget{Entries: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{9, 10}, ids(got.Entries))
}

func TestConstruct_Ceiling(t *testing.T) {
	src := &sliceSource{entries: tape(50, 1)}
	got, err := New(WithConfig(Config{Recent: 50, Ceiling: 5})).
		Construct(context.Background(), src, Task{}, Budget{Entries: 100})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Summary.CandidateCount)
	assert.Equal(t, []int64{1, 47, 48, 49, 50}, ids(got.Entries))
	assert.False(t, got.Summary.Truncated)
}

func TestConstruct_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Construct(ctx, &sliceSource{entries: tape(5)}, Task{}, Budget{Entries: 5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConstruct_CanceledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sel := SelectorFunc(func(_ Task, c []model.Entry) []model.Entry {
		cancel()
		return c
	})
	_, err := New(WithSelector(sel)).Construct(ctx, &sliceSource{entries: tape(5)}, Task{}, Budget{Entries: 5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConstruct_ForeignSelectionIgnored(t *testing.T) {
	src := &sliceSource{entries: tape(5)}
	sel := SelectorFunc(func(_ Task, c []model.Entry) []model.Entry {
		return append([]model.Entry{{ID: 999, Kind: model.KindEvent}, c[0]}, c[0])
	})
	got, err := New(WithSelector(sel)).Construct(context.Background(), src, Task{}, Budget{Entries: 5})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids(got.Entries))
	assert.Equal(t, 1, got.Summary.SelectedCount)
}

func TestRuleSelector(t *testing.T) {
	entries := tape(8, 1, 4)
	tag := func(i int) { entries[i-1].Meta = map[string]string{TaskMetaKey: "deploy"} }
	tag(2)
	tag(3)
	tag(6)

	got := RuleSelector{}.Select(Task{Tag: "deploy"}, entries)
	assert.Equal(t, []int64{1, 2, 3, 4, 6}, ids(got))

	assert.Len(t, RuleSelector{}.Select(Task{}, entries), 8)
	assert.Empty(t, RuleSelector{}.Select(Task{Tag: "other"}, entries))
}

func TestRuleSelector_TaggedAnchor(t *testing.T) {
	entries := tape(4, 1, 3)
	entries[2].Meta = map[string]string{TaskMetaKey: "a"}
	entries[3].Meta = map[string]string{TaskMetaKey: "a"}

	got := RuleSelector{}.Select(Task{Tag: "a"}, entries)
	assert.Equal(t, []int64{3, 4}, ids(got))

	// An untagged anchor after the tagged one is pulled in for its cluster.
	entries = tape(6, 1, 3, 5)
	entries[2].Meta = map[string]string{TaskMetaKey: "a"}
	entries[5].Meta = map[string]string{TaskMetaKey: "a"}
	got = RuleSelector{}.Select(Task{Tag: "a"}, entries)
	assert.Equal(t, []int64{3, 5, 6}, ids(got))
}

func TestDelegateSelector(t *testing.T) {
	src := &sliceSource{entries: tape(10)}
	even := DelegateSelector{Judge: func(_ Task, e model.Entry) bool { return e.ID%2 == 0 }}
	got, err := New(WithSelector(even)).Construct(context.Background(), src, Task{}, Budget{Entries: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 6, 8, 10}, ids(got.Entries))
	assert.Equal(t, 10, got.Summary.CandidateCount)
	assert.Equal(t, 5, got.Summary.SelectedCount)
}
