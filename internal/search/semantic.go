package search

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/rcliao/agent-tape/internal/chunker"
	"github.com/rcliao/agent-tape/internal/embedding"
	"github.com/rcliao/agent-tape/internal/model"
	"github.com/rcliao/agent-tape/internal/store"
)

// DefaultMinScore is the cosine similarity below which a chunk does not count
// as a match.
const DefaultMinScore = 0.1

// Semantic ranks entries by embedding similarity. Each entry is split into
// chunks and scores as its best chunk. Entries are embedded lazily on search;
// when the embedder fails, indexing stops at that entry and resumes on the
// next search, so results may lag the tape but never fail because of it.
type Semantic struct {
	embedder embedding.Embedder
	chunks   chunker.Options
	logger   *slog.Logger
	// MinScore drops weaker matches. Defaults to DefaultMinScore.
	MinScore float64

	mu   sync.Mutex
	f    follower
	docs []semanticDoc
}

type semanticDoc struct {
	entry   model.Entry
	vectors []embedding.Vector
}

// NewSemantic returns a semantic index over a tape. A nil logger discards.
func NewSemantic(r store.Reader, tape string, e embedding.Embedder, logger *slog.Logger) *Semantic {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Semantic{
		embedder: e,
		chunks:   chunker.DefaultOptions(),
		logger:   logger.With("component", "semantic"),
		MinScore: DefaultMinScore,
		f:        follower{reader: r, tape: tape},
	}
}

// Sync embeds entries appended since the last call. Embedding failures are
// logged and leave the remaining entries for a later call.
func (s *Semantic) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked(ctx)
}

func (s *Semantic) syncLocked(ctx context.Context) error {
	entries, err := s.f.pending(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		vectors, err := s.embed(ctx, e.Text())
		if err != nil {
			s.logger.Warn("embedding stalled", "tape", s.f.tape, "id", e.ID, "err", err)
			return nil
		}
		if len(vectors) > 0 {
			s.docs = append(s.docs, semanticDoc{entry: e, vectors: vectors})
		}
		s.f.watermark = e.ID
	}
	return nil
}

func (s *Semantic) embed(ctx context.Context, text string) ([]embedding.Vector, error) {
	var vectors []embedding.Vector
	for _, c := range chunker.Split(text, s.chunks) {
		v, err := s.embedder.Embed(ctx, c)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

// Indexed returns how far the index has embedded the tape.
func (s *Semantic) Indexed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.watermark
}

// Rebuild drops every vector and re-embeds the tape.
func (s *Semantic) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = nil
	s.f.watermark = 0
	return s.syncLocked(ctx)
}

func (s *Semantic) Search(ctx context.Context, query string, limit int) ([]model.Entry, error) {
	if limit <= 0 {
		return []model.Entry{}, nil
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncLocked(ctx); err != nil {
		return nil, err
	}

	var hits []Hit
	for _, d := range s.docs {
		best := 0.0
		for _, v := range d.vectors {
			if sim := embedding.CosineSimilarity(qv, v); sim > best {
				best = sim
			}
		}
		if best >= s.MinScore {
			hits = append(hits, Hit{Entry: d.entry, Score: best})
		}
	}
	return top(hits, limit), nil
}
