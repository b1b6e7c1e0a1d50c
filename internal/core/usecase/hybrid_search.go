package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
)

const (
	branchSemantic = "semantic"
	branchKeyword  = "keyword"
)

type HybridSearchConfig struct {
	DefaultTopK         int
	MaxTopK             int
	CandidateMultiplier int
	BranchTimeout       time.Duration
	Fusion              domain.FusionConfig
}

func DefaultHybridSearchConfig() HybridSearchConfig {
	return HybridSearchConfig{
		DefaultTopK:         10,
		MaxTopK:             100,
		CandidateMultiplier: 3,
		BranchTimeout:       5 * time.Second,
		Fusion:              domain.DefaultFusionConfig(),
	}
}

func (c HybridSearchConfig) normalize() HybridSearchConfig {
	out := c
	def := DefaultHybridSearchConfig()
	if out.DefaultTopK <= 0 {
		out.DefaultTopK = def.DefaultTopK
	}
	if out.MaxTopK < out.DefaultTopK {
		out.MaxTopK = def.MaxTopK
	}
	if out.CandidateMultiplier <= 0 {
		out.CandidateMultiplier = def.CandidateMultiplier
	}
	if out.BranchTimeout <= 0 {
		out.BranchTimeout = def.BranchTimeout
	}
	out.Fusion = out.Fusion.Normalize()
	return out
}

type HybridSearchUseCase struct {
	embedder ports.Embedder
	vectors  ports.VectorIndex
	keywords ports.KeywordSearcher
	catalog  *domain.NamespaceCatalog
	cache    *QueryCache
	observer ports.SearchObserver
	cfg      HybridSearchConfig
	logger   *slog.Logger
}

// NewHybridSearchUseCase builds the search use case. cache and observer are optional.
func NewHybridSearchUseCase(
	embedder ports.Embedder,
	vectors ports.VectorIndex,
	keywords ports.KeywordSearcher,
	catalog *domain.NamespaceCatalog,
	cache *QueryCache,
	observer ports.SearchObserver,
	cfg HybridSearchConfig,
	logger *slog.Logger,
) *HybridSearchUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridSearchUseCase{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		catalog:  catalog,
		cache:    cache,
		observer: observer,
		cfg:      cfg.normalize(),
		logger:   logger,
	}
}

// searchParams is the cache-key form of everything besides namespace and query.
type searchParams struct {
	TopK    int                 `json:"top_k"`
	Mode    domain.SearchMode   `json:"mode"`
	Fusion  domain.FusionConfig `json:"fusion"`
	Filters map[string]string   `json:"filters,omitempty"`
}

func (uc *HybridSearchUseCase) Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResponse, error) {
	started := time.Now()
	req, err := uc.normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	params := searchParams{TopK: req.TopK, Mode: req.Mode, Fusion: req.Fusion, Filters: req.Filters}
	if uc.cache != nil {
		var cached []domain.SearchResult
		if uc.cache.Get(ctx, req.Namespace, req.Query, params, &cached) {
			resp := &domain.SearchResponse{
				Results:    cached,
				Cached:     true,
				DurationMs: elapsedMs(started),
			}
			uc.observe(req.Namespace, resp, started)
			return resp, nil
		}
	}

	semantic, keyword, degraded := uc.runBranches(ctx, req)
	results := fuse(semantic, keyword, req.Fusion, req.TopK)

	resp := &domain.SearchResponse{
		Results:  results,
		Degraded: degraded,
	}
	if uc.cache != nil && len(degraded) == 0 {
		uc.cache.Put(ctx, req.Namespace, req.Query, params, results)
	}
	resp.DurationMs = elapsedMs(started)
	uc.observe(req.Namespace, resp, started)
	return resp, nil
}

func (uc *HybridSearchUseCase) normalizeRequest(req domain.SearchRequest) (domain.SearchRequest, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("query is required"))
	}
	if req.Namespace != "" {
		if _, err := uc.catalog.Lookup(req.Namespace); err != nil {
			return req, err
		}
	}
	if req.TopK <= 0 {
		req.TopK = uc.cfg.DefaultTopK
	}
	if req.TopK > uc.cfg.MaxTopK {
		req.TopK = uc.cfg.MaxTopK
	}

	switch req.Mode {
	case "":
		req.Mode = domain.SearchModeHybrid
	case domain.SearchModeHybrid, domain.SearchModeSemantic, domain.SearchModeKeyword:
	default:
		return req, domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("unsupported mode %q", req.Mode))
	}

	req.Fusion = uc.cfg.Fusion.Override(req.Fusion).Normalize()
	if !supportedFusion(req.Fusion.Method) {
		return req, domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("unsupported fusion method %q", req.Fusion.Method))
	}
	return req, nil
}

// runBranches executes the requested branches concurrently. A failed or
// timed-out branch contributes an empty list and is reported as degraded.
func (uc *HybridSearchUseCase) runBranches(ctx context.Context, req domain.SearchRequest) ([]rankedItem, []rankedItem, []string) {
	candidates := req.TopK * uc.cfg.CandidateMultiplier
	var semantic, keyword []rankedItem
	var semanticErr, keywordErr error

	g, gctx := errgroup.WithContext(ctx)
	if req.Mode != domain.SearchModeKeyword {
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(gctx, uc.cfg.BranchTimeout)
			defer cancel()
			semantic, semanticErr = uc.semanticBranch(branchCtx, req, candidates)
			return nil
		})
	}
	if req.Mode != domain.SearchModeSemantic {
		g.Go(func() error {
			branchCtx, cancel := context.WithTimeout(gctx, uc.cfg.BranchTimeout)
			defer cancel()
			keyword, keywordErr = uc.keywordBranch(branchCtx, req, candidates)
			return nil
		})
	}
	_ = g.Wait()

	var degraded []string
	if semanticErr != nil {
		uc.logger.Warn("hybrid_branch_failed", "branch", branchSemantic, "namespace", bucket(req.Namespace), "error", semanticErr)
		semantic = nil
		degraded = append(degraded, branchSemantic)
	}
	if keywordErr != nil {
		uc.logger.Warn("hybrid_branch_failed", "branch", branchKeyword, "namespace", bucket(req.Namespace), "error", keywordErr)
		keyword = nil
		degraded = append(degraded, branchKeyword)
	}
	return semantic, keyword, degraded
}

func (uc *HybridSearchUseCase) semanticBranch(ctx context.Context, req domain.SearchRequest, limit int) ([]rankedItem, error) {
	vector, err := uc.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := uc.vectors.Query(ctx, vector, limit, req.Namespace, req.Filters)
	if err != nil {
		return nil, fmt.Errorf("query vector index: %w", err)
	}
	return semanticItems(matches), nil
}

func (uc *HybridSearchUseCase) keywordBranch(ctx context.Context, req domain.SearchRequest, limit int) ([]rankedItem, error) {
	hits, err := uc.keywords.Search(ctx, req.Namespace, req.Query, req.Filters, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return keywordItems(hits), nil
}

func (uc *HybridSearchUseCase) observe(namespace string, resp *domain.SearchResponse, started time.Time) {
	if uc.observer == nil {
		return
	}
	uc.observer.ObserveSearch(bucket(namespace), resp.Cached, resp.Degraded, time.Since(started))
}

func elapsedMs(started time.Time) float64 {
	return float64(time.Since(started).Microseconds()) / 1000.0
}
