package embedding

import (
	"context"
	"math"
	"strings"

	"github.com/codai-ecosystem/memorai-go/types"
)

// Result is a single embedding outcome.
type Result struct {
	Vector []float32 `json:"vector"`
	Tokens int       `json:"tokens"` // approximate token count of the input
	Model  string    `json:"model"`
}

// Provider defines the unified embedding provider interface.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) (*Result, error)

	// EmbedBatch generates embeddings preserving input order. Inputs beyond
	// the provider's batch limit are chunked transparently.
	EmbedBatch(ctx context.Context, texts []string) ([]*Result, error)

	// Dimensions returns the fixed output dimension.
	Dimensions() int

	// Name returns the provider name.
	Name() string
}

// Prober is implemented by providers whose availability must be checked
// before activation. The probe is bounded by the caller's context deadline
// and never runs on the hot path.
type Prober interface {
	Probe(ctx context.Context) error
}

// checkInput rejects empty and whitespace-only text.
func checkInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return types.NewError(types.ErrInvalidInput, "embedding input is empty or whitespace")
	}
	return nil
}

// normalize scales v to unit length in place and returns it. A zero vector
// is returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// toFloat32 converts a JSON-decoded float64 vector.
func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
