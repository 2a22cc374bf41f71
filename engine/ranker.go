package engine

import (
	"math"
	"time"

	"github.com/codai-ecosystem/memorai-go/types"
)

// RankerConfig holds the composite scoring coefficients. The defaults are
// the recommended production weights; tests pin them explicitly.
type RankerConfig struct {
	SemanticWeight   float64 `yaml:"semantic_weight" json:"semantic_weight"`
	RecencyWeight    float64 `yaml:"recency_weight" json:"recency_weight"`
	ImportanceWeight float64 `yaml:"importance_weight" json:"importance_weight"`
	FrequencyWeight  float64 `yaml:"frequency_weight" json:"frequency_weight"`

	// RecencyTauHours τ：新近度指数衰减的时间常数（小时）
	RecencyTauHours float64 `yaml:"recency_tau_hours" json:"recency_tau_hours"`
}

// DefaultRankerConfig 返回默认打分权重
func DefaultRankerConfig() RankerConfig {
	return RankerConfig{
		SemanticWeight:   0.55,
		RecencyWeight:    0.20,
		ImportanceWeight: 0.15,
		FrequencyWeight:  0.10,
		RecencyTauHours:  72,
	}
}

// ranker combines semantic similarity with recency decay, importance, and
// access frequency. It keeps a rolling maximum of observed access counts to
// normalize the frequency term.
type ranker struct {
	cfg  RankerConfig
	aMax int64
}

func newRanker(cfg RankerConfig) *ranker {
	if cfg.SemanticWeight == 0 && cfg.RecencyWeight == 0 && cfg.ImportanceWeight == 0 && cfg.FrequencyWeight == 0 {
		cfg = DefaultRankerConfig()
	}
	if cfg.RecencyTauHours <= 0 {
		cfg.RecencyTauHours = 72
	}
	return &ranker{cfg: cfg, aMax: 1}
}

// observe feeds the rolling access-count maximum.
func (rk *ranker) observe(accessCount int64) {
	if accessCount > rk.aMax {
		rk.aMax = accessCount
	}
}

// score computes the composite score and its dominant-contributor reason.
// lexicalTier relabels the semantic contributor for the hash-based tier.
func (rk *ranker) score(rec types.MemoryRecord, semantic float64, now time.Time, lexicalTier bool) (float64, types.ScoreReason) {
	sSem := clip01(semantic)

	last := rec.LastAccessedAt
	if last.IsZero() {
		last = rec.CreatedAt
	}
	ageHours := now.Sub(last).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	sRec := math.Exp(-ageHours / rk.cfg.RecencyTauHours)

	sImp := clip01(rec.Importance)

	sFreq := 0.0
	if rk.aMax > 0 {
		sFreq = math.Log(1+float64(rec.AccessCount)) / math.Log(1+float64(rk.aMax))
		if sFreq > 1 {
			sFreq = 1
		}
	}

	wSem := rk.cfg.SemanticWeight * sSem
	wRec := rk.cfg.RecencyWeight * sRec
	wImp := rk.cfg.ImportanceWeight * sImp
	wFreq := rk.cfg.FrequencyWeight * sFreq

	score := clip01(wSem + wRec + wImp + wFreq)

	reason := types.ReasonSemantic
	if lexicalTier {
		reason = types.ReasonLexical
	}
	// 取加权贡献最大的一项作为 reason；频次贡献归入 recent
	if wRec+wFreq > wSem && wRec+wFreq >= wImp {
		reason = types.ReasonRecent
	} else if wImp > wSem && wImp > wRec+wFreq {
		reason = types.ReasonImportant
	}
	return score, reason
}

// scoreContext ranks without the semantic term: recency + importance only,
// renormalized over their combined weight. Used by topic-less context
// gathering.
func (rk *ranker) scoreContext(rec types.MemoryRecord, now time.Time) float64 {
	total := rk.cfg.RecencyWeight + rk.cfg.ImportanceWeight
	if total <= 0 {
		return 0
	}

	last := rec.LastAccessedAt
	if last.IsZero() {
		last = rec.CreatedAt
	}
	ageHours := now.Sub(last).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	sRec := math.Exp(-ageHours / rk.cfg.RecencyTauHours)

	return clip01((rk.cfg.RecencyWeight*sRec + rk.cfg.ImportanceWeight*clip01(rec.Importance)) / total)
}

func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
