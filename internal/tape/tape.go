// Package tape is the memory substrate an agent talks to: an append-only
// log of entries for one session, its anchors, optional search, context
// construction with overflow handling, and isolated forks.
package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/rcliao/agent-tape/internal/anchor"
	"github.com/rcliao/agent-tape/internal/ctxbuild"
	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/overflow"
	"github.com/rcliao/agent-tape/internal/search"
	"github.com/rcliao/agent-tape/internal/store"
)

// Tape is one named memory stream backed by a store. The store may be shared
// by many tapes and processes; the tape does not own it.
type Tape struct {
	name     string
	store    store.Store
	anchors  *anchor.Index
	searcher search.Searcher
	builder  *ctxbuild.Constructor
	overflow *overflow.Handler
	budget   ctxbuild.Budget
	logger   *slog.Logger
	closed   atomic.Bool
}

type options struct {
	logger        *slog.Logger
	searcher      search.Searcher
	selector      ctxbuild.Selector
	config        ctxbuild.Config
	overflowLimit int64
	budget        ctxbuild.Budget
}

// Option configures a Tape.
type Option func(*options)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithSearcher enables search. It must index the same store and tape name.
func WithSearcher(s search.Searcher) Option { return func(o *options) { o.searcher = s } }

// WithSelector sets the context selection strategy. The default keeps every
// candidate.
func WithSelector(s ctxbuild.Selector) Option { return func(o *options) { o.selector = s } }

// WithContextConfig replaces the default exploration settings.
func WithContextConfig(c ctxbuild.Config) Option { return func(o *options) { o.config = c } }

// WithOverflowLimit makes ContextFor hand over to the overflow handler once
// the tape holds at least n entries. n <= 0 disables it, the default.
func WithOverflowLimit(n int64) Option { return func(o *options) { o.overflowLimit = n } }

// WithBudget sets the budget ContextSummary uses. Defaults to 50 entries.
func WithBudget(b ctxbuild.Budget) Option { return func(o *options) { o.budget = b } }

// Open binds a tape name to a store and catches the anchor index up.
func Open(ctx context.Context, s store.Store, name string, opts ...Option) (*Tape, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is required", model.ErrConfiguration)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: tape name is required", model.ErrConfiguration)
	}
	o := options{config: ctxbuild.DefaultConfig(), budget: ctxbuild.Budget{Entries: 50}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := o.logger.With("tape", name)

	builder := ctxbuild.New(
		ctxbuild.WithConfig(o.config),
		ctxbuild.WithSelector(o.selector),
		ctxbuild.WithLogger(logger),
	)
	t := &Tape{
		name:     name,
		store:    s,
		anchors:  anchor.New(s, name),
		searcher: o.searcher,
		builder:  builder,
		overflow: overflow.New(o.overflowLimit, builder, logger),
		budget:   o.budget,
		logger:   logger.With("component", "tape"),
	}
	if err := t.anchors.Sync(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Close ends the session. The entries stay in the store.
func (t *Tape) Close() error {
	t.closed.Store(true)
	return nil
}

// Name returns the tape name.
func (t *Tape) Name() string { return t.name }

func (t *Tape) check() error {
	if t.closed.Load() {
		return fmt.Errorf("%w: tape %q is closed", model.ErrConfiguration, t.name)
	}
	return nil
}

// Append records one entry. payload may be raw JSON or any value that
// encodes to JSON.
func (t *Tape) Append(ctx context.Context, kind model.Kind, payload any, meta map[string]string) (model.Entry, error) {
	d, err := NewDraft(kind, payload, meta)
	if err != nil {
		return model.Entry{}, err
	}
	out, err := t.AppendDrafts(ctx, d)
	if err != nil {
		return model.Entry{}, err
	}
	return out[0], nil
}

// AppendDrafts records a batch atomically, in order.
func (t *Tape) AppendDrafts(ctx context.Context, drafts ...model.Draft) ([]model.Entry, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	out, err := t.store.Append(ctx, store.AppendParams{Tape: t.name, Entries: drafts})
	if err != nil {
		return nil, err
	}
	if len(out) > 0 {
		t.logger.Debug("appended", "count", len(out), "first", out[0].ID, "last", out[len(out)-1].ID)
	}
	return out, nil
}

// Handoff records an anchor carrying a state snapshot.
func (t *Tape) Handoff(ctx context.Context, name string, state map[string]any) (model.Anchor, error) {
	return t.HandoffWithMeta(ctx, name, state, nil)
}

// HandoffWithMeta is Handoff with entry meta attached.
func (t *Tape) HandoffWithMeta(ctx context.Context, name string, state map[string]any, meta map[string]string) (model.Anchor, error) {
	d, err := model.AnchorDraft(name, state, meta)
	if err != nil {
		return model.Anchor{}, err
	}
	out, err := t.AppendDrafts(ctx, d)
	if err != nil {
		return model.Anchor{}, err
	}
	return model.AsAnchor(out[0])
}

func (t *Tape) Read(ctx context.Context, id int64) (model.Entry, error) {
	return t.store.Read(ctx, t.name, id)
}

func (t *Tape) Recent(ctx context.Context, limit int) ([]model.Entry, error) {
	return t.store.Recent(ctx, t.name, limit)
}

func (t *Tape) Range(ctx context.Context, start, end int64) ([]model.Entry, error) {
	return t.store.Range(ctx, store.RangeParams{Tape: t.name, Start: start, End: end})
}

func (t *Tape) Size(ctx context.Context) (int64, error) {
	return t.store.Size(ctx, t.name)
}

func (t *Tape) Anchors(ctx context.Context) ([]model.Anchor, error) {
	return t.anchors.Anchors(ctx)
}

// LastAnchor returns the latest anchor, optionally by name. ok is false when
// there is none.
func (t *Tape) LastAnchor(ctx context.Context, name string) (model.Anchor, bool, error) {
	return t.anchors.Last(ctx, name)
}

// Between returns the entries strictly between two anchors.
func (t *Tape) Between(ctx context.Context, a, b model.Anchor) ([]model.Entry, error) {
	return t.anchors.Between(ctx, a, b)
}

// After returns the entries following an anchor.
func (t *Tape) After(ctx context.Context, a model.Anchor) ([]model.Entry, error) {
	return t.anchors.After(ctx, a)
}

// Search ranks entries against a query. It fails with a configuration error
// when the tape was opened without a searcher.
func (t *Tape) Search(ctx context.Context, query string, limit int) ([]model.Entry, error) {
	if t.searcher == nil {
		return nil, fmt.Errorf("%w: search is not enabled", model.ErrConfiguration)
	}
	return t.searcher.Search(ctx, query, limit)
}

// ContextFor builds a bounded context for a task. When the tape has reached
// the overflow limit the overflow handler builds it instead.
func (t *Tape) ContextFor(ctx context.Context, task ctxbuild.Task, b ctxbuild.Budget) (model.Context, error) {
	if err := t.check(); err != nil {
		return model.Context{}, err
	}
	size, err := t.Size(ctx)
	if err != nil {
		return model.Context{}, err
	}
	if t.overflow.Exceeded(size) {
		res, err := t.overflow.Handle(ctx, t, task, b)
		if err != nil {
			return model.Context{}, err
		}
		return res.Context, nil
	}
	return t.builder.Construct(ctx, t.View(), task, b)
}

// ContextSummary reports what ContextFor would build with the tape's
// default budget.
func (t *Tape) ContextSummary(ctx context.Context, task ctxbuild.Task) (model.Summary, error) {
	c, err := t.ContextFor(ctx, task, t.budget)
	if err != nil {
		return model.Summary{}, err
	}
	return c.Summary, nil
}

// Overflow runs the overflow handler regardless of the tape size.
func (t *Tape) Overflow(ctx context.Context, task ctxbuild.Task, b ctxbuild.Budget) (overflow.Result, error) {
	if err := t.check(); err != nil {
		return overflow.Result{}, err
	}
	return t.overflow.Handle(ctx, t, task, b)
}

// OverflowState reports the overflow handler's state.
func (t *Tape) OverflowState() overflow.State { return t.overflow.State() }

// View returns the whole tape as a context source.
func (t *Tape) View() ctxbuild.Source { return &view{t: t, from: 1, open: true} }

// ViewFrom returns the anchor and everything after it as a context source.
func (t *Tape) ViewFrom(a model.Anchor) ctxbuild.Source { return &view{t: t, from: a.ID, open: true} }

type rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Rebuild replays the store into every derived index.
func (t *Tape) Rebuild(ctx context.Context) error {
	if err := t.anchors.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild anchors: %w", err)
	}
	if r, ok := t.searcher.(rebuilder); ok {
		if err := r.Rebuild(ctx); err != nil {
			return fmt.Errorf("rebuild search: %w", err)
		}
	}
	return nil
}

// NewDraft builds and validates a draft from any JSON encodable payload.
func NewDraft(kind model.Kind, payload any, meta map[string]string) (model.Draft, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return model.Draft{}, fmt.Errorf("%w: encode payload: %v", model.ErrInvalidEntry, err)
		}
		raw = b
	}
	d := model.Draft{Kind: kind, Payload: raw, Meta: model.CloneMeta(meta)}
	if err := d.Validate(); err != nil {
		return model.Draft{}, err
	}
	return d, nil
}
