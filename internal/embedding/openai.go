package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedder uses the OpenAI embeddings API or any compatible server.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dims   int
	// fixed reports whether dims was requested explicitly.
	fixed bool
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
// dims 0 keeps the model's native size.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	opts := []option.RequestOption{option.WithRequestTimeout(30 * time.Second)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	e := &OpenAIEmbedder{client: openai.NewClient(opts...), model: model, dims: dims, fixed: dims > 0}
	if !e.fixed {
		e.dims = 1536
	}
	return e
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.fixed {
		params.Dimensions = openai.Int(int64(e.dims))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	raw := resp.Data[0].Embedding
	v := make(Vector, len(raw))
	for i, f := range raw {
		v[i] = float32(f)
	}
	return v, nil
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }
