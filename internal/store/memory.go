package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rcliao/agent-tape/internal/model"
)

// MemoryStore implements Store in process memory. It is safe for concurrent
// use and loses everything when the process exits.
type MemoryStore struct {
	mu    sync.RWMutex
	tapes map[string][]model.Entry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tapes: make(map[string][]model.Entry)}
}

func (s *MemoryStore) Append(_ context.Context, p AppendParams) ([]model.Entry, error) {
	drafts := slices.Clone(p.Entries)
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tapes == nil {
		return nil, fmt.Errorf("%w: store is closed", model.ErrStorage)
	}

	log := s.tapes[p.Tape]
	size := int64(len(log))
	if p.IfSize != nil && *p.IfSize != size {
		return nil, fmt.Errorf("%w: tape %q has %d entries, expected %d", model.ErrConflict, p.Tape, size, *p.IfSize)
	}
	if len(drafts) == 0 {
		return []model.Entry{}, nil
	}

	now := time.Now().UTC()
	out := make([]model.Entry, 0, len(drafts))
	for i, d := range drafts {
		e := model.Entry{
			ID:        size + int64(i) + 1,
			Kind:      d.Kind,
			Payload:   d.Payload,
			Meta:      model.CloneMeta(d.Meta),
			CreatedAt: now,
		}
		log = append(log, e.Clone())
		out = append(out, e)
	}
	s.tapes[p.Tape] = log
	return out, nil
}

func (s *MemoryStore) Read(_ context.Context, tape string, id int64) (model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.tapes[tape]
	if id < 1 || id > int64(len(log)) {
		return model.Entry{}, fmt.Errorf("%w: entry %s/%d", model.ErrNotFound, tape, id)
	}
	return log[id-1].Clone(), nil
}

func (s *MemoryStore) Recent(_ context.Context, tape string, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return []model.Entry{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.tapes[tape]
	start := max(len(log)-limit, 0)
	return cloneEntries(log[start:]), nil
}

func (s *MemoryStore) Range(_ context.Context, p RangeParams) ([]model.Entry, error) {
	if p.Start > p.End {
		return nil, fmt.Errorf("%w: start %d > end %d", model.ErrInvalidRange, p.Start, p.End)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.tapes[p.Tape]
	start, end, ok := clip(p, int64(len(log)))
	if !ok {
		return []model.Entry{}, nil
	}
	return cloneEntries(log[start-1 : end]), nil
}

func (s *MemoryStore) Size(_ context.Context, tape string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tapes[tape])), nil
}

func (s *MemoryStore) Tapes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tapes))
	for name := range s.tapes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close drops all entries. Later appends fail with model.ErrStorage.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tapes = nil
	return nil
}

func cloneEntries(in []model.Entry) []model.Entry {
	out := make([]model.Entry, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
