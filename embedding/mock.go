package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// MockProvider produces deterministic pseudo-random vectors seeded by the
// content hash. Used only by tests and the mock tier.
type MockProvider struct {
	dim int

	// FailWith, when non-nil, is returned by every Embed call. Tests use it
	// to drive tier fallback.
	FailWith error
}

// NewMockProvider creates a mock provider of the given dimension.
func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 1536
	}
	return &MockProvider{dim: dim}
}

func (p *MockProvider) Name() string    { return "mock" }
func (p *MockProvider) Dimensions() int { return p.dim }

// Embed returns a unit-norm vector fully determined by the input text.
func (p *MockProvider) Embed(_ context.Context, text string) (*Result, error) {
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	if err := checkInput(text); err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, p.dim)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	return &Result{
		Vector: normalize(vec),
		Tokens: approxTokens(text),
		Model:  "mock",
	}, nil
}

// EmbedBatch generates embeddings preserving input order.
func (p *MockProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
	out := make([]*Result, len(texts))
	for i, t := range texts {
		r, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
