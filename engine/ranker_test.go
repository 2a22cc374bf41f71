package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/codai-ecosystem/memorai-go/types"
)

func TestRanker_ScoreBounds_Property(t *testing.T) {
	rk := newRanker(DefaultRankerConfig())
	now := time.Now()

	rapid.Check(t, func(t *rapid.T) {
		rec := types.MemoryRecord{
			Importance:     rapid.Float64Range(0, 1).Draw(t, "importance"),
			AccessCount:    int64(rapid.IntRange(0, 100000).Draw(t, "access")),
			CreatedAt:      now.Add(-time.Duration(rapid.IntRange(0, 10000).Draw(t, "age_h")) * time.Hour),
			LastAccessedAt: now.Add(-time.Duration(rapid.IntRange(0, 10000).Draw(t, "last_h")) * time.Hour),
		}
		sem := rapid.Float64Range(0, 1).Draw(t, "semantic")
		rk.observe(rec.AccessCount)

		score, reason := rk.score(rec, sem, now, false)
		if score < 0 || score > 1 {
			t.Fatalf("score %v out of [0,1]", score)
		}
		switch reason {
		case types.ReasonSemantic, types.ReasonRecent, types.ReasonImportant:
		default:
			t.Fatalf("unexpected reason %q", reason)
		}
	})
}

func TestRanker_DefaultWeightsComposite(t *testing.T) {
	rk := newRanker(DefaultRankerConfig())
	now := time.Now()

	rec := types.MemoryRecord{
		Importance:     1.0,
		AccessCount:    0,
		LastAccessedAt: now,
	}
	score, _ := rk.score(rec, 1.0, now, false)
	// 0.55·1 + 0.20·1 + 0.15·1 + 0.10·0 = 0.90
	assert.InDelta(t, 0.90, score, 1e-9)
}

func TestRanker_RecencyDecay(t *testing.T) {
	rk := newRanker(DefaultRankerConfig())
	now := time.Now()

	fresh := types.MemoryRecord{Importance: 0.5, LastAccessedAt: now}
	stale := types.MemoryRecord{Importance: 0.5, LastAccessedAt: now.Add(-720 * time.Hour)}

	freshScore, _ := rk.score(fresh, 0.8, now, false)
	staleScore, _ := rk.score(stale, 0.8, now, false)
	assert.Greater(t, freshScore, staleScore)
}

func TestRanker_LexicalReason(t *testing.T) {
	rk := newRanker(DefaultRankerConfig())
	now := time.Now()

	rec := types.MemoryRecord{Importance: 0.1, LastAccessedAt: now.Add(-1000 * time.Hour)}
	_, reason := rk.score(rec, 0.95, now, true)
	assert.Equal(t, types.ReasonLexical, reason, "semantic dominance relabels as lexical on the hash tier")
}

func TestRanker_ImportantReason(t *testing.T) {
	rk := newRanker(DefaultRankerConfig())
	now := time.Now()

	rec := types.MemoryRecord{Importance: 1.0, LastAccessedAt: now.Add(-1000 * time.Hour)}
	_, reason := rk.score(rec, 0.05, now, false)
	assert.Equal(t, types.ReasonImportant, reason)
}

func TestRanker_FrequencyNormalization(t *testing.T) {
	rk := newRanker(DefaultRankerConfig())
	now := time.Now()

	rk.observe(100)
	hot := types.MemoryRecord{Importance: 0.5, AccessCount: 100, LastAccessedAt: now}
	cold := types.MemoryRecord{Importance: 0.5, AccessCount: 0, LastAccessedAt: now}

	hotScore, _ := rk.score(hot, 0.5, now, false)
	coldScore, _ := rk.score(cold, 0.5, now, false)
	assert.InDelta(t, 0.10, hotScore-coldScore, 1e-9, "rolling-max frequency term is worth its full weight")
}

func TestScoreContext_RecencyPlusImportanceOnly(t *testing.T) {
	rk := newRanker(DefaultRankerConfig())
	now := time.Now()

	best := types.MemoryRecord{Importance: 1.0, LastAccessedAt: now}
	s := rk.scoreContext(best, now)
	assert.InDelta(t, 1.0, s, 1e-9, "fully recent and fully important renormalizes to 1")

	worst := types.MemoryRecord{Importance: 0, LastAccessedAt: now.Add(-100000 * time.Hour)}
	assert.Less(t, rk.scoreContext(worst, now), 0.01)
}
