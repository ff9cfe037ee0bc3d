// Package ctxbuild assembles bounded task contexts from a tape in three
// stages: explore gathers candidates, select narrows them, build orders and
// trims them to a budget. No stage writes to the tape.
package ctxbuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/search"
)

// Source is the slice of a tape a context is built from.
type Source interface {
	Anchors(ctx context.Context) ([]model.Anchor, error)
	Recent(ctx context.Context, limit int) ([]model.Entry, error)
	// Searcher returns nil when the source cannot be searched.
	Searcher() search.Searcher
}

// Task describes what the context is for.
type Task struct {
	Description string
	// Tag is matched against the "task" meta key by RuleSelector.
	Tag string
}

// Budget bounds a context. A zero field is unlimited, but not both.
type Budget struct {
	Entries int
	// Bytes limits the summed JSON size of the entries.
	Bytes int
}

func (b Budget) validate() error {
	if b.Entries < 0 || b.Bytes < 0 {
		return fmt.Errorf("%w: negative budget %+v", model.ErrConfiguration, b)
	}
	if b.Entries == 0 && b.Bytes == 0 {
		return fmt.Errorf("%w: budget must limit entries or bytes", model.ErrConfiguration)
	}
	return nil
}

// Config tunes exploration.
type Config struct {
	// Recent is how many latest entries exploration falls back to.
	Recent int
	// Ceiling caps the number of candidates.
	Ceiling int
	// SearchTimeout bounds the search lookup. Zero means no timeout.
	SearchTimeout time.Duration
}

// DefaultConfig returns the default exploration settings.
func DefaultConfig() Config {
	return Config{Recent: 50, Ceiling: 200, SearchTimeout: 2 * time.Second}
}

// Constructor runs the explore, select and build pipeline.
type Constructor struct {
	cfg         Config
	selector    Selector
	logger      *slog.Logger
	recencyOnly bool
}

// Option configures a Constructor.
type Option func(*Constructor)

// WithConfig replaces the default exploration settings.
func WithConfig(cfg Config) Option { return func(c *Constructor) { c.cfg = cfg } }

// WithSelector sets the selection strategy. The default is AllSelector.
func WithSelector(s Selector) Option {
	return func(c *Constructor) {
		if s != nil {
			c.selector = s
		}
	}
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *Constructor) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a constructor.
func New(opts ...Option) *Constructor {
	c := &Constructor{
		cfg:      DefaultConfig(),
		selector: AllSelector{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "ctxbuild")
	return c
}

// RecencyOnly returns a copy of c that never consults search.
func (c *Constructor) RecencyOnly() *Constructor {
	cp := *c
	cp.recencyOnly = true
	return &cp
}

// Construct builds a context for task from src within budget. An empty
// source yields an empty context, not an error.
func (c *Constructor) Construct(ctx context.Context, src Source, task Task, b Budget) (model.Context, error) {
	if err := b.validate(); err != nil {
		return model.Context{}, err
	}
	searcher := src.Searcher()
	if c.recencyOnly {
		searcher = nil
	}
	if searcher == nil && c.cfg.Recent <= 0 {
		return model.Context{}, fmt.Errorf("%w: no candidate source: search unavailable and recent is %d", model.ErrConfiguration, c.cfg.Recent)
	}

	if err := ctx.Err(); err != nil {
		return model.Context{}, err
	}
	cands, err := c.explore(ctx, src, searcher, task)
	if err != nil {
		return model.Context{}, err
	}

	if err := ctx.Err(); err != nil {
		return model.Context{}, err
	}
	selected := c.selectStage(task, cands)

	if err := ctx.Err(); err != nil {
		return model.Context{}, err
	}
	entries, truncated := build(selected, cands, b)

	out := model.Context{
		Task:    task.Description,
		Entries: entries,
		Summary: model.Summary{
			CandidateCount: len(cands.byRank),
			SelectedCount:  len(selected),
			Truncated:      truncated,
		},
	}
	c.logger.Debug("context built", "candidates", out.Summary.CandidateCount,
		"selected", out.Summary.SelectedCount, "entries", len(entries), "truncated", truncated)
	return out, nil
}

// candidates holds explored entries most relevant first. pinned is the id of
// the latest anchor, or 0.
type candidates struct {
	byRank []model.Entry
	rank   map[int64]int
	pinned int64
}

func (cs *candidates) add(e model.Entry) {
	if _, ok := cs.rank[e.ID]; ok {
		return
	}
	cs.rank[e.ID] = len(cs.byRank)
	cs.byRank = append(cs.byRank, e)
}

// inOrder returns the candidates sorted by id.
func (cs *candidates) inOrder() []model.Entry {
	out := make([]model.Entry, len(cs.byRank))
	for i, e := range cs.byRank {
		out[i] = e.Clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Constructor) explore(ctx context.Context, src Source, searcher search.Searcher, task Task) (*candidates, error) {
	anchors, err := src.Anchors(ctx)
	if err != nil {
		return nil, err
	}

	var found []model.Entry
	if searcher != nil && strings.TrimSpace(task.Description) != "" {
		found, err = c.search(ctx, searcher, task.Description)
		if err != nil {
			return nil, err
		}
	}
	if len(found) == 0 && c.cfg.Recent > 0 {
		found, err = src.Recent(ctx, c.cfg.Recent)
		if err != nil {
			return nil, err
		}
		// Newest is most relevant.
		slices.Reverse(found)
	}

	cs := &candidates{rank: map[int64]int{}}
	if n := len(anchors); n > 0 {
		cs.pinned = anchors[n-1].ID
		cs.add(anchors[n-1].Entry)
	}
	for _, e := range found {
		cs.add(e)
	}
	for i := len(anchors) - 2; i >= 0; i-- {
		cs.add(anchors[i].Entry)
	}

	if limit := c.cfg.Ceiling; limit > 0 && len(cs.byRank) > limit {
		for _, e := range cs.byRank[limit:] {
			delete(cs.rank, e.ID)
		}
		cs.byRank = cs.byRank[:limit]
	}
	return cs, nil
}

// search runs the lookup under the configured timeout. Failures other than
// cancellation of ctx itself yield no results so exploration falls back to
// recency.
func (c *Constructor) search(ctx context.Context, s search.Searcher, query string) ([]model.Entry, error) {
	sctx := ctx
	if c.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, c.cfg.SearchTimeout)
		defer cancel()
	}
	limit := c.cfg.Ceiling
	if limit <= 0 {
		limit = c.cfg.Recent
	}
	hits, err := s.Search(sctx, query, limit)
	if err == nil {
		return hits, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	reason := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	c.logger.Warn("search unavailable, falling back to recent entries", "reason", reason, "err", err)
	return nil, nil
}

func (c *Constructor) selectStage(task Task, cs *candidates) []model.Entry {
	picked := c.selector.Select(task, cs.inOrder())

	seen := map[int64]bool{}
	var out []model.Entry
	for _, e := range picked {
		r, ok := cs.rank[e.ID]
		if !ok || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, cs.byRank[r].Clone())
	}
	if cs.pinned != 0 && !seen[cs.pinned] {
		if r, ok := cs.rank[cs.pinned]; ok {
			out = append(out, cs.byRank[r].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// build keeps the most relevant selected entries that fit the budget and
// returns them in id order. The pinned anchor is always kept.
func build(selected []model.Entry, cs *candidates, b Budget) ([]model.Entry, bool) {
	byRelevance := make([]model.Entry, len(selected))
	copy(byRelevance, selected)
	sort.SliceStable(byRelevance, func(i, j int) bool {
		return cs.rank[byRelevance[i].ID] < cs.rank[byRelevance[j].ID]
	})

	kept := make([]model.Entry, 0, len(byRelevance))
	count, size := 0, 0
	for _, e := range byRelevance {
		n := encodedSize(e)
		if e.ID != cs.pinned {
			if b.Entries > 0 && count+1 > b.Entries {
				break
			}
			if b.Bytes > 0 && size+n > b.Bytes {
				break
			}
		}
		kept = append(kept, e)
		count++
		size += n
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })
	return kept, len(kept) < len(selected)
}

func encodedSize(e model.Entry) int {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(b)
}
