package tape

import (
	"context"
	"slices"

	"github.com/rcliao/agent-tape/internal/ctxbuild"
	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/search"
	"github.com/rcliao/agent-tape/internal/store"
)

// view is a window over a tape: stored entries with ids from `from` up to
// `upto` (or the end when open), followed by fork-local entries.
type view struct {
	t       *Tape
	from    int64
	upto    int64
	open    bool
	overlay []model.Entry
}

var _ ctxbuild.Source = (*view)(nil)

func (v *view) contains(id int64) bool {
	return id >= v.from && (v.open || id <= v.upto)
}

func (v *view) Anchors(ctx context.Context) ([]model.Anchor, error) {
	all, err := v.t.anchors.Anchors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Anchor, 0, len(all))
	for _, a := range all {
		if v.contains(a.ID) {
			out = append(out, a)
		}
	}
	for _, e := range v.overlay {
		if e.Kind != model.KindAnchor {
			continue
		}
		a, err := model.AsAnchor(e)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (v *view) Recent(ctx context.Context, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return []model.Entry{}, nil
	}
	local := v.overlay[max(len(v.overlay)-limit, 0):]
	need := limit - len(local)

	var stored []model.Entry
	if need > 0 {
		var err error
		switch {
		case v.open:
			stored, err = v.t.store.Recent(ctx, v.t.name, need)
		case v.upto >= v.from:
			stored, err = v.t.store.Range(ctx, store.RangeParams{
				Tape:  v.t.name,
				Start: max(v.upto-int64(need)+1, 1),
				End:   v.upto,
			})
		}
		if err != nil {
			return nil, err
		}
		stored = slices.DeleteFunc(stored, func(e model.Entry) bool { return !v.contains(e.ID) })
	}

	out := make([]model.Entry, 0, len(stored)+len(local))
	out = append(out, stored...)
	for _, e := range local {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (v *view) Searcher() search.Searcher {
	if v.t.searcher == nil {
		return nil
	}
	base := &windowSearcher{v: v}
	if len(v.overlay) == 0 {
		return base
	}
	return search.NewHybrid(base, overlaySearcher(v.overlay))
}

// windowSearcher restricts the tape's searcher to a view.
type windowSearcher struct {
	v *view
}

func (w *windowSearcher) Search(ctx context.Context, query string, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return []model.Entry{}, nil
	}
	// Ask for enough hits to survive filtering out everything outside the
	// window.
	excluded := w.v.from - 1
	if !w.v.open {
		size, err := w.v.t.Size(ctx)
		if err != nil {
			return nil, err
		}
		excluded += max(size-w.v.upto, 0)
	}
	hits, err := w.v.t.searcher.Search(ctx, query, limit+int(excluded))
	if err != nil {
		return nil, err
	}
	hits = slices.DeleteFunc(hits, func(e model.Entry) bool { return !w.v.contains(e.ID) })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// overlaySearcher ranks fork-local entries by keyword overlap.
type overlaySearcher []model.Entry

func (o overlaySearcher) Search(_ context.Context, query string, limit int) ([]model.Entry, error) {
	return search.Rank(query, o, limit), nil
}
