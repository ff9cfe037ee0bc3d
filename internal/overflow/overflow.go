// Package overflow decides how to build a context once a tape has grown past
// its configured limit. History is never deleted: the handler scopes the
// context to the last checkpoint, or marks a new one when none exists.
package overflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/rcliao/agent-tape/internal/ctxbuild"
	"github.com/rcliao/agent-tape/internal/model"
)

// State is the handler's mode.
type State int

const (
	Normal State = iota
	Overflowing
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Overflowing:
		return "overflowing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tape is what the handler needs from a tape.
type Tape interface {
	LastAnchor(ctx context.Context, name string) (model.Anchor, bool, error)
	Handoff(ctx context.Context, name string, state map[string]any) (model.Anchor, error)
	// View is the whole tape as a context source.
	View() ctxbuild.Source
	// ViewFrom is the anchor and every entry after it.
	ViewFrom(a model.Anchor) ctxbuild.Source
}

// Result is the outcome of handling an overflow.
type Result struct {
	Context model.Context `json:"context"`
	// Anchor is the checkpoint the context starts from.
	Anchor model.Anchor `json:"anchor"`
	// Reset reports whether the handler appended Anchor itself.
	Reset bool `json:"reset"`
}

// Handler is a two state machine: normal until a tape reaches the limit,
// overflowing until a bounded context has been produced.
type Handler struct {
	limit   int64
	builder *ctxbuild.Constructor
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// New returns a handler. A limit <= 0 never triggers. A nil logger discards.
func New(limit int64, builder *ctxbuild.Constructor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{limit: limit, builder: builder, logger: logger.With("component", "overflow")}
}

// Limit returns the configured size limit.
func (h *Handler) Limit() int64 { return h.limit }

// Exceeded reports whether a tape or working set of the given size overflows.
func (h *Handler) Exceeded(size int64) bool {
	return h.limit > 0 && size >= h.limit
}

// State returns the current state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Handle builds a bounded context for an overflowing tape. With an anchor on
// the tape the context covers the last anchor onward; without one a
// context:overflow anchor is appended first and the context is built from
// recent entries only. The handler returns to normal either way.
func (h *Handler) Handle(ctx context.Context, t Tape, task ctxbuild.Task, b ctxbuild.Budget) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = Overflowing
	defer func() { h.state = Normal }()

	last, ok, err := t.LastAnchor(ctx, "")
	if err != nil {
		return Result{}, err
	}
	if ok {
		h.logger.Info("overflow: truncating after last anchor", "anchor", last.Name, "id", last.ID)
		c, err := h.builder.Construct(ctx, t.ViewFrom(last), task, b)
		if err != nil {
			return Result{}, err
		}
		return Result{Context: c, Anchor: last}, nil
	}

	mark, err := t.Handoff(ctx, model.OverflowAnchor, map[string]any{"reason": "length"})
	if err != nil {
		return Result{}, err
	}
	h.logger.Info("overflow: no anchor, marked reset", "id", mark.ID)
	c, err := h.builder.RecencyOnly().Construct(ctx, t.View(), task, b)
	if err != nil {
		return Result{}, err
	}
	return Result{Context: c, Anchor: mark, Reset: true}, nil
}
