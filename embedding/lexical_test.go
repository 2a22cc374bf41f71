package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestLexical_Deterministic(t *testing.T) {
	p := NewLexicalProvider(256)
	ctx := context.Background()

	a, err := p.Embed(ctx, "User prefers dark mode")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "User prefers dark mode")
	require.NoError(t, err)
	assert.Equal(t, a.Vector, b.Vector)
	assert.Equal(t, "lexical-fnv1a-32", a.Model)
}

func TestLexical_RejectsEmptyInput(t *testing.T) {
	p := NewLexicalProvider(64)
	for _, in := range []string{"", "   ", "\t\n"} {
		_, err := p.Embed(context.Background(), in)
		require.Error(t, err)
	}
}

func TestLexical_SharedVocabularyScoresHigher(t *testing.T) {
	p := NewLexicalProvider(1024)
	ctx := context.Background()

	doc, _ := p.Embed(ctx, "User prefers dark mode in the dashboard")
	near, _ := p.Embed(ctx, "dark mode preferences")
	far, _ := p.Embed(ctx, "quarterly revenue projections for the finance team")

	assert.Greater(t, dot(doc.Vector, near.Vector), dot(doc.Vector, far.Vector))
}

func TestLexical_UnitNorm_Property(t *testing.T) {
	p := NewLexicalProvider(128)
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-z]{1,12}( [a-z]{1,12}){0,20}`).Draw(t, "text")
		res, err := p.Embed(context.Background(), text)
		if err != nil {
			t.Fatalf("unexpected embed error for %q: %v", text, err)
		}
		norm := math.Sqrt(dot(res.Vector, res.Vector))
		if math.Abs(norm-1.0) > 1e-3 {
			t.Fatalf("vector norm = %v, want 1.0", norm)
		}
	})
}

func TestLexical_BatchPreservesOrder(t *testing.T) {
	p := NewLexicalProvider(64)
	texts := []string{"alpha", "beta", "gamma"}
	out, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, out, 3)

	for i, text := range texts {
		single, _ := p.Embed(context.Background(), text)
		assert.Equal(t, single.Vector, out[i].Vector)
	}
}

func TestMock_Deterministic(t *testing.T) {
	p := NewMockProvider(64)
	ctx := context.Background()

	a, err := p.Embed(ctx, "hello")
	require.NoError(t, err)
	b, err := p.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, a.Vector, b.Vector)

	c, err := p.Embed(ctx, "goodbye")
	require.NoError(t, err)
	assert.NotEqual(t, a.Vector, c.Vector)

	norm := math.Sqrt(dot(a.Vector, a.Vector))
	assert.InDelta(t, 1.0, norm, 1e-3)
}

func TestChunk(t *testing.T) {
	assert.Len(t, chunk([]string{"a", "b", "c"}, 2), 2)
	assert.Len(t, chunk([]string{"a", "b", "c"}, 0), 1)
	assert.Len(t, chunk([]string{"a", "b"}, 10), 1)

	got := chunk([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, got)
}
