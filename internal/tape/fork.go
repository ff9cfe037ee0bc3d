package tape

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcliao/agent-tape/internal/ctxbuild"
	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/store"
)

// MergePolicy decides which parent size a merge requires.
type MergePolicy struct {
	name      string
	unchanged bool
	size      *int64
}

var (
	// MergeAlways appends the fork whatever the parent did meanwhile.
	MergeAlways = MergePolicy{name: "always"}
	// MergeIfUnchanged requires the parent to still end at the fork point.
	MergeIfUnchanged = MergePolicy{name: "if-unchanged", unchanged: true}
)

// MergeIfSize requires the parent to hold exactly n entries.
func MergeIfSize(n int64) MergePolicy {
	return MergePolicy{name: fmt.Sprintf("if-size(%d)", n), size: &n}
}

func (p MergePolicy) String() string {
	if p.name == "" {
		return "always"
	}
	return p.name
}

func (p MergePolicy) expected(point int64) *int64 {
	switch {
	case p.unchanged:
		return &point
	case p.size != nil:
		n := *p.size
		return &n
	default:
		return nil
	}
}

// ForkOption configures a Fork.
type ForkOption func(*Fork)

// WithMergePolicy sets the conflict check applied on merge.
func WithMergePolicy(p MergePolicy) ForkOption { return func(f *Fork) { f.policy = p } }

// Fork is an isolated view of a tape: shared history up to the fork point
// plus entries of its own that nobody else sees until it is merged.
type Fork struct {
	id     string
	parent *Tape
	point  int64
	policy MergePolicy

	mu        sync.Mutex
	overlay   []model.Entry
	merged    bool
	discarded bool
}

// Fork captures the current size as the fork point.
func (t *Tape) Fork(ctx context.Context, opts ...ForkOption) (*Fork, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	size, err := t.Size(ctx)
	if err != nil {
		return nil, err
	}
	f := &Fork{id: ulid.Make().String(), parent: t, point: size, policy: MergeAlways}
	for _, opt := range opts {
		opt(f)
	}
	t.logger.Debug("fork created", "fork", f.id, "point", size, "policy", f.policy.String())
	return f, nil
}

// ID returns the fork's unique id.
func (f *Fork) ID() string { return f.id }

// Point returns the parent size the fork was taken at.
func (f *Fork) Point() int64 { return f.point }

// Policy returns the merge policy.
func (f *Fork) Policy() MergePolicy { return f.policy }

func (f *Fork) usable() error {
	switch {
	case f.merged:
		return fmt.Errorf("%w: fork %s already merged", model.ErrConflict, f.id)
	case f.discarded:
		return fmt.Errorf("%w: fork %s was discarded", model.ErrConflict, f.id)
	}
	return nil
}

// Append records an entry in the fork. It gets a fork-local id following the
// fork point.
func (f *Fork) Append(ctx context.Context, kind model.Kind, payload any, meta map[string]string) (model.Entry, error) {
	d, err := NewDraft(kind, payload, meta)
	if err != nil {
		return model.Entry{}, err
	}
	out, err := f.AppendDrafts(ctx, d)
	if err != nil {
		return model.Entry{}, err
	}
	return out[0], nil
}

// AppendDrafts records a batch in the fork.
func (f *Fork) AppendDrafts(ctx context.Context, drafts ...model.Draft) ([]model.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]model.Entry, 0, len(drafts))
	for _, d := range drafts {
		e := model.Entry{
			ID:        f.point + int64(len(f.overlay)) + 1,
			Kind:      d.Kind,
			Payload:   d.Payload,
			Meta:      model.CloneMeta(d.Meta),
			CreatedAt: now,
		}
		f.overlay = append(f.overlay, e)
		out = append(out, e.Clone())
	}
	return out, nil
}

// Handoff records an anchor in the fork.
func (f *Fork) Handoff(ctx context.Context, name string, state map[string]any) (model.Anchor, error) {
	d, err := model.AnchorDraft(name, state, nil)
	if err != nil {
		return model.Anchor{}, err
	}
	out, err := f.AppendDrafts(ctx, d)
	if err != nil {
		return model.Anchor{}, err
	}
	return model.AsAnchor(out[0])
}

// Entries returns the fork-local entries.
func (f *Fork) Entries() []model.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Entry, len(f.overlay))
	for i, e := range f.overlay {
		out[i] = e.Clone()
	}
	return out
}

// Size is the fork point plus the fork-local entries.
func (f *Fork) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.point + int64(len(f.overlay))
}

// Read returns a shared entry up to the fork point or a fork-local one.
func (f *Fork) Read(ctx context.Context, id int64) (model.Entry, error) {
	if id >= 1 && id <= f.point {
		return f.parent.Read(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := id - f.point - 1; id > f.point && i < int64(len(f.overlay)) {
		return f.overlay[i].Clone(), nil
	}
	return model.Entry{}, fmt.Errorf("%w: entry %d in fork %s", model.ErrNotFound, id, f.id)
}

// Recent returns the latest entries visible to the fork.
func (f *Fork) Recent(ctx context.Context, limit int) ([]model.Entry, error) {
	return f.view().Recent(ctx, limit)
}

// Context builds a context over the shared history and the fork's entries.
func (f *Fork) Context(ctx context.Context, task ctxbuild.Task, b ctxbuild.Budget) (model.Context, error) {
	return f.parent.builder.Construct(ctx, f.view(), task, b)
}

func (f *Fork) view() *view {
	return &view{t: f.parent, from: 1, upto: f.point, overlay: f.Entries()}
}

// Discard drops the fork-local entries. The fork cannot be used afterwards.
func (f *Fork) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overlay = nil
	f.discarded = true
}

// Merge appends the fork's entries to the parent in one batch, in their fork
// order, under fresh parent ids. The fork's merge policy may reject it with a
// conflict error, in which case nothing is appended.
func (t *Tape) Merge(ctx context.Context, f *Fork) ([]model.Entry, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if f.parent != t {
		return nil, fmt.Errorf("%w: fork %s belongs to tape %q", model.ErrConfiguration, f.id, f.parent.name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}

	drafts := make([]model.Draft, len(f.overlay))
	for i, e := range f.overlay {
		drafts[i] = e.Draft()
	}
	out, err := t.store.Append(ctx, store.AppendParams{
		Tape:    t.name,
		Entries: drafts,
		IfSize:  f.policy.expected(f.point),
	})
	if err != nil {
		t.logger.Warn("fork merge rejected", "fork", f.id, "policy", f.policy.String(), "err", err)
		return nil, err
	}
	f.merged = true
	t.logger.Info("fork merged", "fork", f.id, "entries", len(out))
	return out, nil
}
