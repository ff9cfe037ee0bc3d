package search

import (
	"context"
	"errors"

	"github.com/rcliao/agent-tape/internal/model"
)

// rrfK dampens the weight of top ranks in reciprocal rank fusion.
const rrfK = 60

// Hybrid fuses the rankings of several searchers with reciprocal rank fusion.
// A failing member is skipped; the search fails only when all of them do.
type Hybrid struct {
	members []Searcher
}

// NewHybrid combines searchers. Nil members are ignored.
func NewHybrid(members ...Searcher) *Hybrid {
	h := &Hybrid{}
	for _, m := range members {
		if m != nil {
			h.members = append(h.members, m)
		}
	}
	return h
}

func (h *Hybrid) Search(ctx context.Context, query string, limit int) ([]model.Entry, error) {
	if limit <= 0 || len(h.members) == 0 {
		return []model.Entry{}, nil
	}
	scores := map[int64]*Hit{}
	var errs []error
	for _, m := range h.members {
		results, err := m.Search(ctx, query, limit*2)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for rank, e := range results {
			hit, ok := scores[e.ID]
			if !ok {
				hit = &Hit{Entry: e}
				scores[e.ID] = hit
			}
			hit.Score += 1.0 / float64(rrfK+rank+1)
		}
	}
	if len(errs) == len(h.members) {
		return nil, errors.Join(errs...)
	}
	hits := make([]Hit, 0, len(scores))
	for _, hit := range scores {
		hits = append(hits, *hit)
	}
	return top(hits, limit), nil
}

// Rebuild rebuilds every member that keeps derived state.
func (h *Hybrid) Rebuild(ctx context.Context) error {
	for _, m := range h.members {
		r, ok := m.(interface{ Rebuild(context.Context) error })
		if !ok {
			continue
		}
		if err := r.Rebuild(ctx); err != nil {
			return err
		}
	}
	return nil
}
