package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rcliao/agent-tape/internal/model"
)

const exportPage = 500

// ExportAll returns every entry of a tape, oldest first.
func ExportAll(ctx context.Context, r Reader, tape string) ([]model.Entry, error) {
	size, err := r.Size(ctx, tape)
	if err != nil {
		return nil, err
	}
	entries := make([]model.Entry, 0, size)
	for start := int64(1); start <= size; start += exportPage {
		page, err := r.Range(ctx, RangeParams{Tape: tape, Start: start, End: min(start+exportPage-1, size)})
		if err != nil {
			return nil, err
		}
		entries = append(entries, page...)
	}
	return entries, nil
}

// WriteNDJSON writes entries as newline-delimited JSON.
func WriteNDJSON(w io.Writer, entries []model.Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// ReadDrafts decodes newline-delimited JSON drafts (or exported entries,
// whose ids are ignored). Blank lines are skipped.
func ReadDrafts(r io.Reader) ([]model.Draft, error) {
	var drafts []model.Draft
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var d model.Draft
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", model.ErrInvalidEntry, line, err)
		}
		drafts = append(drafts, d)
	}
	return drafts, sc.Err()
}

// Import appends entries from an export as one batch. Ids are reassigned.
func Import(ctx context.Context, s Store, tape string, drafts []model.Draft) ([]model.Entry, error) {
	return s.Append(ctx, AppendParams{Tape: tape, Entries: drafts})
}
