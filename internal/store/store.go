// Package store provides the append-only entry storage interface and its
// SQLite, in-memory and Redis implementations.
package store

import (
	"context"

	"github.com/rcliao/agent-tape/internal/model"
)

// AppendParams holds parameters for appending a batch of entries.
type AppendParams struct {
	Tape    string
	Entries []model.Draft
	// IfSize, when set, makes the append fail with model.ErrConflict unless
	// the tape holds exactly this many entries at the serialization point.
	IfSize *int64
}

// RangeParams holds parameters for an inclusive id range read.
type RangeParams struct {
	Tape  string
	Start int64
	End   int64
}

// Reader is the read side of a store.
type Reader interface {
	// Read returns the entry with the given id or model.ErrNotFound.
	Read(ctx context.Context, tape string, id int64) (model.Entry, error)

	// Recent returns the last limit entries, oldest first. limit <= 0 yields none.
	Recent(ctx context.Context, tape string, limit int) ([]model.Entry, error)

	// Range returns entries with Start <= id <= End, oldest first. Ids past
	// the end of the tape are clipped. Start > End is model.ErrInvalidRange.
	Range(ctx context.Context, p RangeParams) ([]model.Entry, error)

	// Size returns the number of entries in the tape.
	Size(ctx context.Context, tape string) (int64, error)
}

// Store defines the entry storage interface. Entries are never updated or
// deleted once appended.
type Store interface {
	Reader

	// Append assigns the next ids to the drafts and stores them atomically.
	// Either the whole batch is recorded or none of it is.
	Append(ctx context.Context, p AppendParams) ([]model.Entry, error)

	// Tapes lists the tape names known to the store.
	Tapes(ctx context.Context) ([]string, error)

	// Close closes the store.
	Close() error
}

// validateDrafts checks each draft in place.
func validateDrafts(drafts []model.Draft) error {
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// clip normalizes a range against the current size. ok is false when the
// range is empty after clipping.
func clip(p RangeParams, size int64) (start, end int64, ok bool) {
	start, end = p.Start, p.End
	if start < 1 {
		start = 1
	}
	if end > size {
		end = size
	}
	return start, end, start <= end
}
