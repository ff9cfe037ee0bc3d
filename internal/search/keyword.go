package search

import (
	"context"
	"sync"

	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/store"
)

// Keyword is an in-memory token-overlap index.
type Keyword struct {
	mu   sync.Mutex
	f    follower
	docs []keywordDoc
}

type keywordDoc struct {
	entry  model.Entry
	tokens map[string]struct{}
}

// NewKeyword returns a keyword index over a tape.
func NewKeyword(r store.Reader, tape string) *Keyword {
	return &Keyword{f: follower{reader: r, tape: tape}}
}

// Sync indexes entries appended since the last call.
func (k *Keyword) Sync(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.syncLocked(ctx)
}

func (k *Keyword) syncLocked(ctx context.Context) error {
	entries, err := k.f.pending(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		k.docs = append(k.docs, keywordDoc{entry: e, tokens: tokenSet(e.Text())})
		k.f.watermark = e.ID
	}
	return nil
}

// Rebuild drops the index and replays the tape.
func (k *Keyword) Rebuild(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.docs = nil
	k.f.watermark = 0
	return k.syncLocked(ctx)
}

func (k *Keyword) Search(ctx context.Context, query string, limit int) ([]model.Entry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.syncLocked(ctx); err != nil {
		return nil, err
	}
	q := tokenSet(query)
	var hits []Hit
	for _, d := range k.docs {
		if score := overlap(q, d.tokens); score > 0 {
			hits = append(hits, Hit{Entry: d.entry, Score: score})
		}
	}
	return top(hits, limit), nil
}
