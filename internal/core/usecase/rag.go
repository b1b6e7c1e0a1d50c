package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
)

type RAGUseCase struct {
	searcher  ports.HybridSearcher
	records   ports.RecordStore
	generator ports.Generator
	catalog   *domain.NamespaceCatalog
	observer  ports.RAGObserver
	defaults  domain.RAGConfig
	logger    *slog.Logger
}

// NewRAGUseCase builds the pipeline. observer is optional; zero fields of
// defaults fall back to DefaultRAGConfig.
func NewRAGUseCase(
	searcher ports.HybridSearcher,
	records ports.RecordStore,
	generator ports.Generator,
	catalog *domain.NamespaceCatalog,
	observer ports.RAGObserver,
	defaults domain.RAGConfig,
	logger *slog.Logger,
) *RAGUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &RAGUseCase{
		searcher:  searcher,
		records:   records,
		generator: generator,
		catalog:   catalog,
		observer:  observer,
		defaults:  overlayRAGConfig(DefaultRAGConfig(), defaults),
		logger:    logger,
	}
}

// Query retrieves context for the question under a token budget, asks the
// generator and returns the answer with its cited sources. Generation
// failures degrade the answer instead of failing the call.
func (uc *RAGUseCase) Query(ctx context.Context, question, namespace string, cfg domain.RAGConfig) (*domain.RAGResponse, error) {
	started := time.Now()
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "rag query", errors.New("question is required"))
	}
	cfg, err := resolveRAGConfig(uc.defaults, cfg)
	if err != nil {
		return nil, err
	}

	ragCtx, err := uc.retrieve(ctx, question, namespace, cfg)
	if err != nil {
		return nil, err
	}

	resp := &domain.RAGResponse{Context: ragCtx, Sources: []domain.Source{}}
	if len(ragCtx.RetrievedDocuments) == 0 {
		resp.Answer = noContextAnswer
		resp.TotalTimeMs = elapsedMs(started)
		uc.observe(namespace, 0, resp, started)
		return resp, nil
	}

	prompt := buildRAGPrompt(cfg.SystemPreamble, question, ragCtx.RetrievedDocuments, cfg.IncludeMetadata)
	genStarted := time.Now()
	answer, genErr := uc.generator.Complete(ctx, prompt, ports.GenerationOptions{Temperature: cfg.Temperature})
	resp.GenerationTimeMs = elapsedMs(genStarted)

	if genErr != nil || strings.TrimSpace(answer) == "" {
		if genErr == nil {
			genErr = errors.New("empty answer")
		}
		uc.logger.Warn("rag_generation_failed",
			"namespace", bucket(namespace),
			"documents", len(ragCtx.RetrievedDocuments),
			"error", genErr,
		)
		resp.Answer = apologyAnswer
		resp.Confidence = 0
	} else {
		resp.Answer = strings.TrimSpace(answer)
		resp.Confidence = scoreConfidence(resp.Answer)
		resp.Sources = extractSources(resp.Answer, ragCtx.RetrievedDocuments, uc.catalog)
	}

	resp.TotalTimeMs = elapsedMs(started)
	uc.observe(namespace, domain.EstimateTokens(prompt), resp, started)
	return resp, nil
}

func (uc *RAGUseCase) retrieve(ctx context.Context, question, namespace string, cfg domain.RAGConfig) (*domain.RAGContext, error) {
	started := time.Now()
	mode := domain.SearchModeSemantic
	if cfg.Hybrid() {
		mode = domain.SearchModeHybrid
	}

	found, err := uc.searcher.Search(ctx, domain.SearchRequest{
		Query:     question,
		Namespace: namespace,
		TopK:      cfg.TopK,
		Mode:      mode,
		Fusion:    cfg.Fusion,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}

	ragCtx := &domain.RAGContext{Query: question, RetrievedDocuments: []domain.RetrievedDocument{}}
	for _, result := range found.Results {
		score := relevanceScore(result, mode, cfg.Fusion.Method)
		if score < cfg.MinRelevance() {
			continue
		}

		doc, ok, err := uc.loadDocument(ctx, result, score, cfg.IncludeMetadata)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		// Documents are included whole; the first overflow ends the context.
		if ragCtx.TotalTokens+doc.TokenCount > cfg.MaxContextTokens {
			break
		}
		ragCtx.RetrievedDocuments = append(ragCtx.RetrievedDocuments, doc)
		ragCtx.TotalTokens += doc.TokenCount
	}
	ragCtx.RetrievalTimeMs = elapsedMs(started)
	return ragCtx, nil
}

func (uc *RAGUseCase) loadDocument(ctx context.Context, result domain.SearchResult, score float64, includeMetadata bool) (domain.RetrievedDocument, bool, error) {
	ns, err := uc.catalog.Lookup(result.Namespace)
	if err != nil {
		return domain.RetrievedDocument{}, false, nil
	}
	record, err := uc.records.GetRecord(ctx, ns.Name, result.RecordID)
	if err != nil {
		if domain.IsKind(err, domain.ErrRecordNotFound) {
			return domain.RetrievedDocument{}, false, nil
		}
		return domain.RetrievedDocument{}, false, fmt.Errorf("fetch context record: %w", err)
	}

	content := BuildRecordText(ns, record)
	if content == "" {
		return domain.RetrievedDocument{}, false, nil
	}
	doc := domain.RetrievedDocument{
		ID:             result.ID,
		Namespace:      ns.Name,
		RecordID:       record.ID,
		Title:          record.Title,
		Content:        content,
		RelevanceScore: score,
		TokenCount:     domain.EstimateTokens(content),
	}
	if includeMetadata {
		doc.Metadata = documentMetadata(result, record)
	}
	return doc, true, nil
}

// relevanceScore maps a fused result to [0,1]. Semantic-only retrieval
// reports the raw similarity. Only weighted fusion keeps fused scores on the
// branch scale; RRF and cascade scores are rank based, so the stronger branch
// score is used instead.
func relevanceScore(result domain.SearchResult, mode domain.SearchMode, method domain.FusionMethod) float64 {
	if mode == domain.SearchModeSemantic {
		return result.SemanticScore
	}
	if method == domain.FusionWeighted {
		return result.FusedScore
	}
	return math.Max(result.SemanticScore, result.KeywordScore)
}

func documentMetadata(result domain.SearchResult, record *domain.Record) map[string]string {
	out := make(map[string]string, len(result.Metadata)+len(record.Metadata))
	for k := range result.Metadata {
		if v := metadataString(result.Metadata, k); v != "" {
			out[k] = v
		}
	}
	for k, v := range record.Metadata {
		if v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (uc *RAGUseCase) observe(namespace string, promptTokens int, resp *domain.RAGResponse, started time.Time) {
	if uc.observer == nil {
		return
	}
	uc.observer.ObserveRAG(bucket(namespace), promptTokens, len(resp.Sources), resp.Confidence, time.Since(started))
}
