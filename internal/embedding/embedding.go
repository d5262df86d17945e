// Package embedding provides vector embedding generation for semantic
// retrieval.
//
// Defines a Provider interface plus OpenAI, Ollama, and noop
// implementations. The interface allows swapping providers without
// changing consumers.
package embedding

import "context"

// MaxInputChars is the longest text a provider will embed; longer inputs
// are truncated before the API call.
const MaxInputChars = 8000

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// ModelName identifies the underlying model.
	ModelName() string
}

// Truncate caps text at MaxInputChars.
func Truncate(text string) string {
	if len(text) <= MaxInputChars {
		return text
	}
	return text[:MaxInputChars]
}

// sequentialBatch implements EmbedBatch as one Embed call per text, for
// providers without a native batch API.
func sequentialBatch(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no provider is configured
// and in tests.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// ModelName identifies the provider.
func (p *NoopProvider) ModelName() string { return "noop" }

// Embed returns a zero vector.
func (p *NoopProvider) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, p.dims), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = make([]float32, p.dims)
	}
	return vecs, nil
}
