package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// LexicalProvider maps tokens to stable 32-bit hashes and accumulates them
// into a unit-normalized vector of fixed dimension. It has no external
// dependency and never fails outside of empty-input validation, which makes
// it the floor of the non-mock fallback chain.
type LexicalProvider struct {
	dim int
}

// NewLexicalProvider creates a lexical-hash provider of the given dimension.
func NewLexicalProvider(dim int) *LexicalProvider {
	if dim <= 0 {
		dim = 1536
	}
	return &LexicalProvider{dim: dim}
}

func (p *LexicalProvider) Name() string    { return "lexical-hash" }
func (p *LexicalProvider) Dimensions() int { return p.dim }

// Embed generates a deterministic lexical vector for text.
func (p *LexicalProvider) Embed(_ context.Context, text string) (*Result, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}

	vec := make([]float32, p.dim)
	tokens := tokenize(text)
	for _, tok := range tokens {
		h := hash32(tok)
		bucket := int(h % uint32(p.dim))
		// 符号位让不同 token 互相区分，避免全部堆正方向
		if h&0x80000000 != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	// Unigram hashing alone makes unrelated short texts collide hard;
	// bigrams sharpen the signal at no dependency cost.
	for i := 0; i+1 < len(tokens); i++ {
		h := hash32(tokens[i] + " " + tokens[i+1])
		vec[int(h%uint32(p.dim))] += 0.5
	}

	return &Result{
		Vector: normalize(vec),
		Tokens: len(tokens),
		Model:  "lexical-fnv1a-32",
	}, nil
}

// EmbedBatch generates embeddings preserving input order.
func (p *LexicalProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
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

// tokenize lower-cases and splits on any non-letter/non-digit rune.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
