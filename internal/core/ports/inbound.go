package ports

import (
	"context"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

// HybridSearcher is the inbound contract for fused semantic and keyword search.
type HybridSearcher interface {
	Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResponse, error)
}

// ChangeHandler is the inbound contract for record change notifications.
type ChangeHandler interface {
	HandleDataChange(ctx context.Context, change domain.RecordChange) domain.ChangeResult
}

// IndexingService exposes job inspection and maintenance operations.
type IndexingService interface {
	ChangeHandler
	GetJob(ctx context.Context, jobID string) (*domain.IndexingJob, error)
	RetryPending(ctx context.Context, limit int) (int, error)
	Sweep(ctx context.Context) (domain.SweepReport, error)
}

// RAGService answers questions grounded in retrieved records.
type RAGService interface {
	Query(ctx context.Context, question, namespace string, cfg domain.RAGConfig) (*domain.RAGResponse, error)
}

// CacheService exposes cache statistics and invalidation.
type CacheService interface {
	InvalidateNamespace(ctx context.Context, namespace string) (int, error)
	Stats() domain.CacheStatsSnapshot
	ResetStats()
}
