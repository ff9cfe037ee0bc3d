// Package anchor maintains the derived index of milestone entries of a tape.
//
// The index is a projection over the entry store: it catches up by reading
// entries past its watermark, and can be rebuilt at any time by replaying the
// store from the first entry.
package anchor

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/store"
)

// Index tracks the anchors of one tape by name and position.
type Index struct {
	reader store.Reader
	tape   string

	mu        sync.Mutex
	watermark int64
	anchors   []model.Anchor
	byName    map[string][]int // name -> positions in anchors
}

// New returns an empty index over the given tape. It fills on first use.
func New(r store.Reader, tape string) *Index {
	return &Index{reader: r, tape: tape, byName: map[string][]int{}}
}

// Sync reads entries appended since the last sync.
func (x *Index) Sync(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.syncLocked(ctx)
}

func (x *Index) syncLocked(ctx context.Context) error {
	size, err := x.reader.Size(ctx, x.tape)
	if err != nil {
		return err
	}
	if size <= x.watermark {
		return nil
	}
	entries, err := x.reader.Range(ctx, store.RangeParams{Tape: x.tape, Start: x.watermark + 1, End: size})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := x.observe(e); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) observe(e model.Entry) error {
	if e.ID <= x.watermark {
		return nil
	}
	x.watermark = e.ID
	if e.Kind != model.KindAnchor {
		return nil
	}
	a, err := model.AsAnchor(e)
	if err != nil {
		return err
	}
	x.byName[a.Name] = append(x.byName[a.Name], len(x.anchors))
	x.anchors = append(x.anchors, a)
	return nil
}

// Rebuild drops the projection and replays the whole tape.
func (x *Index) Rebuild(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.watermark = 0
	x.anchors = nil
	x.byName = map[string][]int{}
	return x.syncLocked(ctx)
}

// Anchors returns all anchors, oldest first.
func (x *Index) Anchors(ctx context.Context) ([]model.Anchor, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.syncLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Anchor, len(x.anchors))
	for i, a := range x.anchors {
		out[i] = cloneAnchor(a)
	}
	return out, nil
}

// Named returns the ids of the anchors carrying name, oldest first.
func (x *Index) Named(ctx context.Context, name string) ([]int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.syncLocked(ctx); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(x.byName[name]))
	for _, pos := range x.byName[name] {
		ids = append(ids, x.anchors[pos].ID)
	}
	return ids, nil
}

// Last returns the most recent anchor, restricted to name when it is not
// empty. ok is false when there is none; that is not an error.
func (x *Index) Last(ctx context.Context, name string) (a model.Anchor, ok bool, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.syncLocked(ctx); err != nil {
		return model.Anchor{}, false, err
	}
	if name == "" {
		if len(x.anchors) == 0 {
			return model.Anchor{}, false, nil
		}
		return cloneAnchor(x.anchors[len(x.anchors)-1]), true, nil
	}
	positions := x.byName[name]
	if len(positions) == 0 {
		return model.Anchor{}, false, nil
	}
	return cloneAnchor(x.anchors[positions[len(positions)-1]]), true, nil
}

// Between returns the entries strictly between two anchors.
func (x *Index) Between(ctx context.Context, a, b model.Anchor) ([]model.Entry, error) {
	if a.ID > b.ID {
		return nil, fmt.Errorf("%w: anchor %q (%d) occurs after %q (%d)", model.ErrInvalidRange, a.Name, a.ID, b.Name, b.ID)
	}
	if b.ID-a.ID < 2 {
		return []model.Entry{}, nil
	}
	return x.reader.Range(ctx, store.RangeParams{Tape: x.tape, Start: a.ID + 1, End: b.ID - 1})
}

// After returns the entries following an anchor up to the end of the tape.
func (x *Index) After(ctx context.Context, a model.Anchor) ([]model.Entry, error) {
	size, err := x.reader.Size(ctx, x.tape)
	if err != nil {
		return nil, err
	}
	if size <= a.ID {
		return []model.Entry{}, nil
	}
	return x.reader.Range(ctx, store.RangeParams{Tape: x.tape, Start: a.ID + 1, End: size})
}

func cloneAnchor(a model.Anchor) model.Anchor {
	a.Entry = a.Entry.Clone()
	a.State = maps.Clone(a.State)
	return a
}
