// Package search provides derived, rebuildable relevance indexes over a tape.
//
// Every index ranks highest relevance first and breaks ties by recency
// (higher id first). No match is an empty result, never an error. Indexes
// that keep their own projection catch up lazily from the entry store and may
// briefly lag behind it.
package search

import (
	"context"
	"sort"

	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/store"
)

// Searcher ranks entries against a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]model.Entry, error)
}

// Hit is a scored entry.
type Hit struct {
	Entry model.Entry
	Score float64
}

// Rank scores entries by token overlap with the query without any index.
func Rank(query string, entries []model.Entry, limit int) []model.Entry {
	q := tokenSet(query)
	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		if score := overlap(q, tokenSet(e.Text())); score > 0 {
			hits = append(hits, Hit{Entry: e, Score: score})
		}
	}
	return top(hits, limit)
}

// top sorts hits by score, then id, both descending, and keeps limit.
func top(hits []Hit, limit int) []model.Entry {
	if limit <= 0 {
		return []model.Entry{}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entry.ID > hits[j].Entry.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]model.Entry, len(hits))
	for i, h := range hits {
		out[i] = h.Entry.Clone()
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, t := range model.Tokens(text) {
		set[t] = struct{}{}
	}
	return set
}

// overlap is the share of query tokens present in the document.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	n := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(query))
}

// follower tracks how far an index has read the tape.
type follower struct {
	reader    store.Reader
	tape      string
	watermark int64
}

// pending returns the entries appended after the watermark. It does not
// advance the watermark.
func (f *follower) pending(ctx context.Context) ([]model.Entry, error) {
	size, err := f.reader.Size(ctx, f.tape)
	if err != nil {
		return nil, err
	}
	if size <= f.watermark {
		return nil, nil
	}
	return f.reader.Range(ctx, store.RangeParams{Tape: f.tape, Start: f.watermark + 1, End: size})
}
