package search

import (
	"context"

	"github.com/rcliao/agent-tape/internal/model"
)

// Matcher finds entries sharing any token with a query. SQLiteStore
// implements it with FTS5.
type Matcher interface {
	Match(ctx context.Context, tape, query string, limit int) ([]model.Entry, error)
}

// FTS ranks full-text matches by token overlap. It keeps no state of its
// own, so it is never stale.
type FTS struct {
	m    Matcher
	tape string
	// Prefetch bounds how many raw matches are scored. Defaults to 500.
	Prefetch int
}

// NewFTS returns a searcher backed by a full-text matcher.
func NewFTS(m Matcher, tape string) *FTS {
	return &FTS{m: m, tape: tape, Prefetch: 500}
}

func (f *FTS) Search(ctx context.Context, query string, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return []model.Entry{}, nil
	}
	matches, err := f.m.Match(ctx, f.tape, query, max(f.Prefetch, limit))
	if err != nil {
		return nil, err
	}
	return Rank(query, matches, limit), nil
}
