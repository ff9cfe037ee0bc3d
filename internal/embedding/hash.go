package embedding

import (
	"context"
	"hash/fnv"

	"github.com/rcliao/agent-tape/internal/model"
)

// HashEmbedder projects word tokens into a fixed number of buckets (feature
// hashing). It needs no network and is deterministic, so texts sharing words
// score as similar. It is a lexical stand-in for a real model.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hashing embedder; dims <= 0 means 256.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	v := make(Vector, e.dims)
	for _, tok := range model.Tokens(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		v[int(sum%uint32(e.dims))] += sign
	}
	return v, nil
}

func (e *HashEmbedder) Dims() int { return e.dims }
