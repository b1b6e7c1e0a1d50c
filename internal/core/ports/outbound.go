package ports

import (
	"context"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

// Embedder builds vectors for record text and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Chunker splits long-form text into ordered chunks.
type Chunker interface {
	Chunk(documentID, text string) []domain.Chunk
}

// VectorIndex stores embeddings under deterministic entry ids.
type VectorIndex interface {
	Upsert(ctx context.Context, entries []domain.VectorEntry) error
	Query(ctx context.Context, vector []float32, topK int, namespace string, filter map[string]string) ([]domain.VectorMatch, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteRecord(ctx context.Context, namespace, recordID string) error
}

// KeywordSearcher scores records by substring and term matches. Filters hold
// exact-match conditions on record metadata.
type KeywordSearcher interface {
	Search(ctx context.Context, namespace, query string, filters map[string]string, limit int) ([]domain.KeywordHit, error)
}

// RecordStore reads business records owned by the surrounding application.
type RecordStore interface {
	GetRecord(ctx context.Context, namespace, recordID string) (*domain.Record, error)
	ListModifiedSince(ctx context.Context, namespace string, since time.Time, afterID string, limit int) ([]domain.RecordRef, error)
}

// CacheStore is a key-value store with per-entry expiry.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
}

type GenerationOptions struct {
	Temperature float64
}

// Generator completes a prompt with the language model.
type Generator interface {
	Complete(ctx context.Context, prompt string, opts GenerationOptions) (string, error)
}

// IndexingJobStore persists indexing jobs and sweep cursors.
// ListPendingJobs also returns processing jobs last updated before
// staleBefore, whose worker is presumed gone.
type IndexingJobStore interface {
	CreateJob(ctx context.Context, job *domain.IndexingJob) error
	UpdateJob(ctx context.Context, job *domain.IndexingJob) error
	GetJob(ctx context.Context, id string) (*domain.IndexingJob, error)
	ListPendingJobs(ctx context.Context, staleBefore time.Time, limit int) ([]domain.IndexingJob, error)
	GetSweepCursor(ctx context.Context, namespace string) (time.Time, error)
	SaveSweepCursor(ctx context.Context, namespace string, cursor time.Time) error
}

// ChangePublisher hands record changes to the asynchronous indexing path.
type ChangePublisher interface {
	PublishRecordChanged(ctx context.Context, change domain.RecordChange) error
}

// ChangeSubscriber consumes record changes published by writers.
type ChangeSubscriber interface {
	SubscribeRecordChanges(ctx context.Context, handler func(context.Context, domain.RecordChange) error) error
}

// IndexingObserver is notified after every finished job attempt.
type IndexingObserver interface {
	ObserveJob(job domain.IndexingJob, duration time.Duration)
}

// SearchObserver is notified after every hybrid search.
type SearchObserver interface {
	ObserveSearch(namespace string, cached bool, degraded []string, duration time.Duration)
}

// RAGObserver is notified after every answered RAG query.
type RAGObserver interface {
	ObserveRAG(namespace string, promptTokens, sources int, confidence float64, duration time.Duration)
}
