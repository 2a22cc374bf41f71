package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/cache"
	"github.com/codai-ecosystem/memorai-go/config"
	"github.com/codai-ecosystem/memorai-go/embedding"
	"github.com/codai-ecosystem/memorai-go/index"
	"github.com/codai-ecosystem/memorai-go/tier"
	"github.com/codai-ecosystem/memorai-go/types"
)

// buildIndex constructs the configured vector index backend with the
// collection dimension applied.
func buildIndex(cfg *config.Config, logger *zap.Logger) (index.Index, error) {
	dims := cfg.Index.Dimensions
	switch cfg.Index.Backend {
	case "memory":
		return index.NewMemoryIndex(dims, logger), nil
	case "qdrant":
		qc := cfg.Index.Qdrant
		qc.Dimensions = dims
		if qc.Collection == "" {
			qc.Collection = cfg.Index.Collection
		}
		return index.NewQdrantIndex(qc, logger), nil
	case "chromem":
		cc := cfg.Index.Chromem
		cc.Dimensions = dims
		if cc.Collection == "" {
			cc.Collection = cfg.Index.Collection
		}
		return index.NewChromemIndex(cc, logger)
	case "sqlite":
		sc := cfg.Index.Sqlite
		sc.Dimensions = dims
		return index.NewSqliteIndex(sc, logger)
	}
	return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
}

// buildCache constructs the hot cache backend; "none" disables caching.
func buildCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, func(), error) {
	switch cfg.Cache.Backend {
	case "none":
		return nil, func() {}, nil
	case "redis":
		c, err := cache.NewRedis(cfg.Cache.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		c := cache.NewLocal(cfg.Cache.Local, logger)
		return c, c.Close, nil
	}
}

// buildTiers registers every configured provider on the fallback chain. The
// basic and mock tiers are always present, so selection cannot come up
// empty.
func buildTiers(cfg *config.Config, logger *zap.Logger) *tier.Controller {
	dims := cfg.Index.Dimensions
	providers := map[types.TierLevel]embedding.Provider{
		types.TierBasic: embedding.NewLexicalProvider(dims),
		types.TierMock:  embedding.NewMockProvider(dims),
	}

	ec := cfg.Embedding
	if ec.Dialect == "deployment" {
		if ec.Azure.APIKey != "" && ec.Azure.Deployment != "" {
			ac := ec.Azure
			ac.Dimensions = dims
			providers[types.TierAdvanced] = embedding.NewAzureProvider(ac, cfg.Engine.Retry, logger)
		}
	} else if ec.OpenAI.APIKey != "" {
		oc := ec.OpenAI
		oc.Dimensions = dims
		providers[types.TierAdvanced] = embedding.NewOpenAIProvider(oc, cfg.Engine.Retry, logger)
	}

	if ec.Local.BaseURL != "" || ec.Local.Model != "" {
		lc := ec.Local
		lc.Dimensions = dims
		providers[types.TierSmart] = embedding.NewLocalProvider(lc, cfg.Engine.Retry, logger)
	}

	return tier.New(cfg.Tier, providers, logger)
}
