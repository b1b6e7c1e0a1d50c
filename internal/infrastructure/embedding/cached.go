package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
)

var errEmptyResult = errors.New("empty embedding result")

type Config struct {
	CacheSize int
	// RatePerSecond throttles model calls; zero disables throttling.
	RatePerSecond float64
	Burst         int
}

// CachedEmbedder memoizes vectors by text hash and throttles calls to the
// wrapped model. Cache hits never consume rate tokens.
type CachedEmbedder struct {
	next    ports.Embedder
	cache   *lru.Cache[string, []float32]
	limiter *rate.Limiter
}

func NewCachedEmbedder(next ports.Embedder, cfg Config) *CachedEmbedder {
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		cache, _ = lru.New[string, []float32](10000)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &CachedEmbedder{next: next, cache: cache, limiter: limiter}
}

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))
	for idx, text := range texts {
		if vector, ok := e.cache.Get(hashText(text)); ok {
			out[idx] = cloneVector(vector)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, idx)
	}
	if len(missing) == 0 {
		return out, nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed throttle", err)
	}
	vectors, err := e.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	for i, vector := range vectors {
		if i >= len(missingIdx) {
			break
		}
		e.cache.Add(hashText(missing[i]), cloneVector(vector))
		out[missingIdx[i]] = vector
	}
	return out, nil
}

func (e *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed query", errEmptyResult)
	}
	return vectors[0], nil
}

func (e *CachedEmbedder) Len() int {
	return e.cache.Len()
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
