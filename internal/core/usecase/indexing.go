package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
)

// IndexingConfig bounds job retries and sweep paging. ProcessingLease is how
// long a job may stay processing before a retry pass reclaims it.
type IndexingConfig struct {
	MaxRetries      int
	SweepBatchSize  int
	RetryBatchSize  int
	ProcessingLease time.Duration
}

func DefaultIndexingConfig() IndexingConfig {
	return IndexingConfig{
		MaxRetries:      3,
		SweepBatchSize:  100,
		RetryBatchSize:  100,
		ProcessingLease: 10 * time.Minute,
	}
}

func (c IndexingConfig) normalize() IndexingConfig {
	out := c
	def := DefaultIndexingConfig()
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.SweepBatchSize <= 0 {
		out.SweepBatchSize = def.SweepBatchSize
	}
	if out.RetryBatchSize <= 0 {
		out.RetryBatchSize = def.RetryBatchSize
	}
	if out.ProcessingLease <= 0 {
		out.ProcessingLease = def.ProcessingLease
	}
	return out
}

// CacheInvalidator drops cached query results of a namespace bucket.
type CacheInvalidator interface {
	InvalidateNamespace(ctx context.Context, namespace string) (int, error)
}

// IndexingUseCase keeps the vector index consistent with the record store.
// Every change becomes a persisted job: pending -> processing -> completed,
// back to pending for a later retry, or failed after MaxRetries attempts.
type IndexingUseCase struct {
	catalog  *domain.NamespaceCatalog
	records  ports.RecordStore
	jobs     ports.IndexingJobStore
	embedder ports.Embedder
	chunker  ports.Chunker
	vectors  ports.VectorIndex
	cache    CacheInvalidator
	observer ports.IndexingObserver
	cfg      IndexingConfig
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewIndexingUseCase builds the coordinator. cache and observer are optional.
func NewIndexingUseCase(
	catalog *domain.NamespaceCatalog,
	records ports.RecordStore,
	jobs ports.IndexingJobStore,
	embedder ports.Embedder,
	chunker ports.Chunker,
	vectors ports.VectorIndex,
	cache CacheInvalidator,
	observer ports.IndexingObserver,
	cfg IndexingConfig,
	logger *slog.Logger,
) *IndexingUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexingUseCase{
		catalog:  catalog,
		records:  records,
		jobs:     jobs,
		embedder: embedder,
		chunker:  chunker,
		vectors:  vectors,
		cache:    cache,
		observer: observer,
		cfg:      cfg.normalize(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// HandleDataChange creates a job for the change and processes it synchronously.
func (uc *IndexingUseCase) HandleDataChange(ctx context.Context, change domain.RecordChange) domain.ChangeResult {
	if err := uc.validateChange(change); err != nil {
		return domain.ChangeResult{Success: false, Error: err.Error()}
	}

	job := &domain.IndexingJob{
		ID:        uc.newID(),
		Namespace: change.Namespace,
		RecordID:  change.RecordID,
		Operation: change.Operation,
		Status:    domain.JobStatusPending,
		CreatedAt: uc.now(),
	}
	job.UpdatedAt = job.CreatedAt
	if err := uc.jobs.CreateJob(ctx, job); err != nil {
		return domain.ChangeResult{Success: false, Error: fmt.Sprintf("create indexing job: %v", err)}
	}

	data := change.Data
	if data != nil && (data.ID != change.RecordID || (data.Namespace != "" && data.Namespace != change.Namespace)) {
		data = nil
	}
	if err := uc.process(ctx, job, data); err != nil {
		return domain.ChangeResult{Success: false, JobID: job.ID, Error: err.Error()}
	}
	return domain.ChangeResult{Success: true, JobID: job.ID}
}

func (uc *IndexingUseCase) validateChange(change domain.RecordChange) error {
	if _, err := uc.catalog.Lookup(change.Namespace); err != nil {
		return err
	}
	if strings.TrimSpace(change.RecordID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "handle data change", errors.New("record id is required"))
	}
	if !change.Operation.Valid() {
		return domain.WrapError(domain.ErrInvalidInput, "handle data change", fmt.Errorf("unsupported operation %q", change.Operation))
	}
	return nil
}

func (uc *IndexingUseCase) GetJob(ctx context.Context, jobID string) (*domain.IndexingJob, error) {
	return uc.jobs.GetJob(ctx, jobID)
}

// RetryPending reprocesses up to limit pending jobs and returns how many ran.
// Jobs left processing longer than the lease are reclaimed as well.
func (uc *IndexingUseCase) RetryPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = uc.cfg.RetryBatchSize
	}
	staleBefore := uc.now().Add(-uc.cfg.ProcessingLease)
	pending, err := uc.jobs.ListPendingJobs(ctx, staleBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	processed := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		job := pending[i]
		switch job.Status {
		case domain.JobStatusPending:
		case domain.JobStatusProcessing:
			if job.UpdatedAt.After(staleBefore) {
				continue
			}
			uc.logger.Warn("indexing_job_reclaimed",
				"job_id", job.ID,
				"namespace", job.Namespace,
				"record_id", job.RecordID,
				"updated_at", job.UpdatedAt,
			)
		default:
			continue
		}
		_ = uc.process(ctx, &job, nil)
		processed++
	}
	return processed, nil
}

// Sweep retries pending jobs, then re-submits every record modified since
// the namespace cursor as an update job. Namespaces are swept sequentially.
func (uc *IndexingUseCase) Sweep(ctx context.Context) (domain.SweepReport, error) {
	var report domain.SweepReport

	retried, err := uc.RetryPending(ctx, uc.cfg.RetryBatchSize)
	report.Retried = retried
	if err != nil {
		uc.logger.Warn("indexing_retry_pending_failed", "error", err)
	}

	var errs []error
	for _, name := range uc.catalog.Names() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		discovered, failed, err := uc.sweepNamespace(ctx, name)
		report.Namespaces++
		report.Discovered += discovered
		report.Failed += failed
		if err != nil {
			uc.logger.Error("indexing_sweep_namespace_failed", "namespace", name, "error", err)
			errs = append(errs, fmt.Errorf("sweep %s: %w", name, err))
		}
	}
	return report, errors.Join(errs...)
}

func (uc *IndexingUseCase) sweepNamespace(ctx context.Context, namespace string) (int, int, error) {
	startedAt := uc.now()
	since, err := uc.jobs.GetSweepCursor(ctx, namespace)
	if err != nil {
		return 0, 0, fmt.Errorf("get sweep cursor: %w", err)
	}

	discovered, failed := 0, 0
	afterID := ""
	for {
		refs, err := uc.records.ListModifiedSince(ctx, namespace, since, afterID, uc.cfg.SweepBatchSize)
		if err != nil {
			return discovered, failed, fmt.Errorf("list modified records: %w", err)
		}
		for _, ref := range refs {
			result := uc.HandleDataChange(ctx, domain.RecordChange{
				Namespace: namespace,
				RecordID:  ref.ID,
				Operation: domain.OperationUpdate,
			})
			discovered++
			if !result.Success {
				failed++
			}
		}
		if len(refs) < uc.cfg.SweepBatchSize {
			break
		}
		last := refs[len(refs)-1]
		since, afterID = last.UpdatedAt, last.ID
	}

	if err := uc.jobs.SaveSweepCursor(ctx, namespace, startedAt); err != nil {
		return discovered, failed, fmt.Errorf("save sweep cursor: %w", err)
	}
	if discovered > 0 {
		uc.logger.Info("indexing_sweep_namespace", "namespace", namespace, "discovered", discovered, "failed", failed)
	}
	return discovered, failed, nil
}

func (uc *IndexingUseCase) process(ctx context.Context, job *domain.IndexingJob, data *domain.Record) error {
	started := time.Now()
	job.Status = domain.JobStatusProcessing
	job.UpdatedAt = uc.now()
	if err := uc.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("set status=processing: %w", err)
	}

	applyErr := uc.apply(ctx, job, data)
	now := uc.now()
	job.UpdatedAt = now
	if applyErr == nil {
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
		job.Error = ""
	} else {
		job.Attempts++
		job.Error = applyErr.Error()
		if job.Attempts >= uc.cfg.MaxRetries {
			job.Status = domain.JobStatusFailed
			job.CompletedAt = &now
			applyErr = domain.WrapError(domain.ErrIndexingJob, "index record", applyErr)
			uc.logger.Error("indexing_job_failed",
				"job_id", job.ID,
				"namespace", job.Namespace,
				"record_id", job.RecordID,
				"attempts", job.Attempts,
				"error", job.Error,
			)
		} else {
			job.Status = domain.JobStatusPending
			uc.logger.Warn("indexing_job_retry_scheduled",
				"job_id", job.ID,
				"namespace", job.Namespace,
				"record_id", job.RecordID,
				"attempts", job.Attempts,
				"error", job.Error,
			)
		}
	}

	if err := uc.jobs.UpdateJob(ctx, job); err != nil {
		if applyErr != nil {
			return fmt.Errorf("%w; persist job state: %v", applyErr, err)
		}
		return fmt.Errorf("persist job state: %w", err)
	}
	if uc.observer != nil {
		uc.observer.ObserveJob(*job, time.Since(started))
	}
	if applyErr == nil {
		uc.invalidateCache(ctx, job.Namespace)
	}
	return applyErr
}

func (uc *IndexingUseCase) invalidateCache(ctx context.Context, namespace string) {
	if uc.cache == nil {
		return
	}
	for _, ns := range []string{namespace, ""} {
		if _, err := uc.cache.InvalidateNamespace(ctx, ns); err != nil {
			uc.logger.Warn("cache_invalidation_failed", "namespace", bucket(ns), "error", err)
		}
	}
}

func (uc *IndexingUseCase) apply(ctx context.Context, job *domain.IndexingJob, data *domain.Record) error {
	ns, err := uc.catalog.Lookup(job.Namespace)
	if err != nil {
		return err
	}
	if job.Operation == domain.OperationDelete {
		return uc.removeEntries(ctx, ns, job.RecordID)
	}

	record, err := uc.loadRecord(ctx, ns, job.RecordID, data)
	if err != nil {
		if domain.IsKind(err, domain.ErrRecordNotFound) {
			// The record is gone; converge on the delete outcome.
			return uc.removeEntries(ctx, ns, job.RecordID)
		}
		return err
	}

	text := BuildRecordText(ns, record)
	if strings.TrimSpace(text) == "" {
		return uc.removeEntries(ctx, ns, job.RecordID)
	}
	if ns.LongForm {
		return uc.indexChunks(ctx, ns, record, text)
	}
	return uc.indexSingle(ctx, ns, record, text)
}

func (uc *IndexingUseCase) loadRecord(ctx context.Context, ns domain.Namespace, recordID string, data *domain.Record) (*domain.Record, error) {
	if data != nil {
		record := *data
		record.Namespace = ns.Name
		return &record, nil
	}
	record, err := uc.records.GetRecord(ctx, ns.Name, recordID)
	if err != nil {
		return nil, fmt.Errorf("fetch record: %w", err)
	}
	return record, nil
}

func (uc *IndexingUseCase) indexSingle(ctx context.Context, ns domain.Namespace, record *domain.Record, text string) error {
	vectors, err := uc.embedder.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed record: %w", err)
	}
	if len(vectors) != 1 {
		return domain.WrapError(domain.ErrEmbedding, "embed record", fmt.Errorf("expected 1 vector, got %d", len(vectors)))
	}

	entry := domain.VectorEntry{
		ID:        domain.VectorEntryID(ns.Name, record.ID),
		Embedding: vectors[0],
		Metadata:  entryMetadata(ns, record),
	}
	if err := uc.vectors.Upsert(ctx, []domain.VectorEntry{entry}); err != nil {
		return fmt.Errorf("upsert vector entry: %w", err)
	}
	return nil
}

// indexChunks replaces every chunk entry of a long-form record.
func (uc *IndexingUseCase) indexChunks(ctx context.Context, ns domain.Namespace, record *domain.Record, text string) error {
	chunks := uc.chunker.Chunk(record.ID, text)
	if len(chunks) == 0 {
		return uc.removeEntries(ctx, ns, record.ID)
	}

	contents := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		contents = append(contents, ch.Content)
	}
	vectors, err := uc.embedder.Embed(ctx, contents)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return domain.WrapError(domain.ErrEmbedding, "embed chunks", fmt.Errorf("expected %d vectors, got %d", len(chunks), len(vectors)))
	}

	entries := make([]domain.VectorEntry, 0, len(chunks))
	for i, ch := range chunks {
		metadata := entryMetadata(ns, record)
		metadata["chunk_index"] = ch.ChunkIndex
		metadata["section"] = string(ch.Section)
		entries = append(entries, domain.VectorEntry{
			ID:        domain.ChunkEntryID(ns.Name, record.ID, ch.ChunkIndex),
			Embedding: vectors[i],
			Metadata:  metadata,
		})
	}

	if err := uc.vectors.DeleteRecord(ctx, ns.Name, record.ID); err != nil {
		return fmt.Errorf("delete superseded chunks: %w", err)
	}
	if err := uc.vectors.Upsert(ctx, entries); err != nil {
		return fmt.Errorf("upsert chunk entries: %w", err)
	}
	return nil
}

func (uc *IndexingUseCase) removeEntries(ctx context.Context, ns domain.Namespace, recordID string) error {
	if ns.LongForm {
		if err := uc.vectors.DeleteRecord(ctx, ns.Name, recordID); err != nil {
			return fmt.Errorf("delete record entries: %w", err)
		}
		return nil
	}
	if err := uc.vectors.DeleteByIDs(ctx, []string{domain.VectorEntryID(ns.Name, recordID)}); err != nil {
		return fmt.Errorf("delete vector entry: %w", err)
	}
	return nil
}

func entryMetadata(ns domain.Namespace, record *domain.Record) map[string]any {
	metadata := make(map[string]any, len(record.Metadata)+4)
	for k, v := range record.Metadata {
		metadata[k] = v
	}
	metadata["namespace"] = ns.Name
	metadata["record_id"] = record.ID
	metadata["title"] = record.Title
	if !record.UpdatedAt.IsZero() {
		metadata["updated_at"] = record.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return metadata
}

// BuildRecordText renders the namespace-specific text of a record: the title
// followed by one labeled paragraph per non-empty text column.
func BuildRecordText(ns domain.Namespace, record *domain.Record) string {
	parts := make([]string, 0, len(ns.TextColumns)+1)
	if title := strings.TrimSpace(record.Title); title != "" {
		parts = append(parts, title)
	}
	for _, col := range ns.TextColumns {
		value := strings.TrimSpace(record.Fields[col.Name])
		if value == "" {
			continue
		}
		label := col.Label
		if label == "" {
			label = col.Name
		}
		parts = append(parts, label+": "+value)
	}
	return strings.Join(parts, "\n\n")
}
