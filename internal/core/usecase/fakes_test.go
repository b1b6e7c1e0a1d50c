package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/core/ports"
)

func testCatalog() *domain.NamespaceCatalog {
	return domain.NewNamespaceCatalog(
		domain.Namespace{
			Name:          domain.NamespaceRisks,
			Table:         "risks",
			IDColumn:      "id",
			TitleColumn:   "title",
			UpdatedColumn: "updated_at",
			TextColumns: []domain.TextColumn{
				{Name: "description", Label: "Description", Weight: 1},
				{Name: "mitigation", Label: "Mitigation", Weight: 0.5},
			},
			LinkTemplate: "/risks/{id}",
		},
		domain.Namespace{
			Name:          domain.NamespaceIncidents,
			Table:         "incidents",
			IDColumn:      "id",
			TitleColumn:   "title",
			UpdatedColumn: "updated_at",
			TextColumns:   []domain.TextColumn{{Name: "summary", Label: "Summary", Weight: 1}},
			CacheTTL:      time.Minute,
		},
		domain.Namespace{
			Name:          domain.NamespaceDocuments,
			Table:         "documents",
			IDColumn:      "id",
			TitleColumn:   "title",
			UpdatedColumn: "updated_at",
			TextColumns:   []domain.TextColumn{{Name: "body", Label: "Body", Weight: 1}},
			LongForm:      true,
			LinkTemplate:  "/documents/{id}/view",
		},
	)
}

type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	batchSizes []int
	err        error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batchSizes = append(f.batchSizes, len(texts))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		out = append(out, []float32{float32(len(text)), 1, 0})
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeVectorIndex struct {
	mu            sync.Mutex
	entries       map[string]domain.VectorEntry
	matches       []domain.VectorMatch
	queryCalls    int
	upsertCalls   int
	upsertErr     error
	queryErr      error
	deletedIDs    []string
	deletedRecord []string
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{entries: make(map[string]domain.VectorEntry)}
}

func (f *fakeVectorIndex) Upsert(_ context.Context, entries []domain.VectorEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	for _, e := range entries {
		f.entries[e.ID] = e
	}
	return nil
}

func (f *fakeVectorIndex) Query(_ context.Context, _ []float32, topK int, namespace string, filter map[string]string) ([]domain.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := make([]domain.VectorMatch, 0, len(f.matches))
	for _, m := range f.matches {
		if namespace != "" && metadataString(m.Metadata, "namespace") != namespace {
			continue
		}
		if !payloadMatches(m.Metadata, filter) {
			continue
		}
		out = append(out, m)
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func payloadMatches(payload map[string]any, filter map[string]string) bool {
	for k, v := range filter {
		if metadataString(payload, k) != v {
			return false
		}
	}
	return true
}

func (f *fakeVectorIndex) DeleteByIDs(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.deletedIDs = append(f.deletedIDs, id)
		delete(f.entries, id)
	}
	return nil
}

func (f *fakeVectorIndex) DeleteRecord(_ context.Context, namespace, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRecord = append(f.deletedRecord, domain.VectorEntryID(namespace, recordID))
	for id, e := range f.entries {
		if metadataString(e.Metadata, "namespace") == namespace && metadataString(e.Metadata, "record_id") == recordID {
			delete(f.entries, id)
		}
	}
	return nil
}

func (f *fakeVectorIndex) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for id := range f.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (f *fakeVectorIndex) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls
}

func (f *fakeKeywordSearcher) matches(h domain.KeywordHit, filters map[string]string) bool {
	meta := f.metadata[h.Namespace+"/"+h.RecordID]
	for k, v := range filters {
		if meta[k] != v {
			return false
		}
	}
	return true
}

type fakeKeywordSearcher struct {
	mu          sync.Mutex
	hits        []domain.KeywordHit
	metadata    map[string]map[string]string
	err         error
	calls       int
	lastFilters map[string]string
}

func (f *fakeKeywordSearcher) Search(_ context.Context, namespace, _ string, filters map[string]string, limit int) ([]domain.KeywordHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastFilters = filters
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.KeywordHit, 0, len(f.hits))
	for _, h := range f.hits {
		if namespace != "" && h.Namespace != namespace {
			continue
		}
		if !f.matches(h, filters) {
			continue
		}
		out = append(out, h)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeKeywordSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecordStore struct {
	mu       sync.Mutex
	records  map[string]*domain.Record
	getErr   error
	getCalls int
}

func newFakeRecordStore(records ...domain.Record) *fakeRecordStore {
	f := &fakeRecordStore{records: make(map[string]*domain.Record)}
	for _, r := range records {
		f.put(r)
	}
	return f
}

func (f *fakeRecordStore) put(record domain.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := record
	f.records[domain.VectorEntryID(r.Namespace, r.ID)] = &r
}

func (f *fakeRecordStore) remove(namespace, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, domain.VectorEntryID(namespace, id))
}

func (f *fakeRecordStore) GetRecord(_ context.Context, namespace, recordID string) (*domain.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	r, ok := f.records[domain.VectorEntryID(namespace, recordID)]
	if !ok {
		return nil, domain.WrapError(domain.ErrRecordNotFound, "get record", errors.New(recordID))
	}
	out := *r
	return &out, nil
}

func (f *fakeRecordStore) ListModifiedSince(_ context.Context, namespace string, since time.Time, afterID string, limit int) ([]domain.RecordRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := make([]domain.RecordRef, 0)
	for _, r := range f.records {
		if r.Namespace != namespace {
			continue
		}
		if r.UpdatedAt.After(since) || (r.UpdatedAt.Equal(since) && r.ID > afterID) {
			refs = append(refs, domain.RecordRef{Namespace: r.Namespace, ID: r.ID, UpdatedAt: r.UpdatedAt})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].UpdatedAt.Equal(refs[j].UpdatedAt) {
			return refs[i].UpdatedAt.Before(refs[j].UpdatedAt)
		}
		return refs[i].ID < refs[j].ID
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[string]domain.IndexingJob
	order   []string
	cursors map[string]time.Time
	history []domain.JobStatus
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:    make(map[string]domain.IndexingJob),
		cursors: make(map[string]time.Time),
	}
}

func (f *fakeJobStore) CreateJob(_ context.Context, job *domain.IndexingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = *job
	f.order = append(f.order, job.ID)
	f.history = append(f.history, job.Status)
	return nil
}

func (f *fakeJobStore) UpdateJob(_ context.Context, job *domain.IndexingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[job.ID]; !ok {
		return domain.WrapError(domain.ErrJobNotFound, "update job", errors.New(job.ID))
	}
	f.jobs[job.ID] = *job
	f.history = append(f.history, job.Status)
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (*domain.IndexingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrJobNotFound, "get job", errors.New(id))
	}
	return &job, nil
}

func (f *fakeJobStore) ListPendingJobs(_ context.Context, staleBefore time.Time, limit int) ([]domain.IndexingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.IndexingJob, 0)
	for _, id := range f.order {
		job := f.jobs[id]
		stale := job.Status == domain.JobStatusProcessing && job.UpdatedAt.Before(staleBefore)
		if job.Status == domain.JobStatusPending || stale {
			out = append(out, job)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeJobStore) GetSweepCursor(_ context.Context, namespace string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[namespace], nil
}

func (f *fakeJobStore) SaveSweepCursor(_ context.Context, namespace string, cursor time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[namespace] = cursor
	return nil
}

type fakeChunker struct{}

// Chunk splits on blank lines so tests control the chunk count.
func (fakeChunker) Chunk(documentID, text string) []domain.Chunk {
	parts := strings.Split(text, "\n\n")
	out := make([]domain.Chunk, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, domain.Chunk{
			DocumentID: documentID,
			ChunkIndex: len(out),
			Content:    p,
			Section:    domain.SectionParagraph,
			TokenCount: domain.EstimateTokens(p),
		})
	}
	return out
}

type fakeGenerator struct {
	answer  string
	err     error
	prompts []string
	opts    []ports.GenerationOptions
}

func (f *fakeGenerator) Complete(_ context.Context, prompt string, opts ports.GenerationOptions) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type memoryCacheStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	putErr error
}

func newMemoryCacheStore() *memoryCacheStore {
	return &memoryCacheStore{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (m *memoryCacheStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return append([]byte(nil), v...), nil
}

func (m *memoryCacheStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.data[key] = append([]byte(nil), value...)
	m.ttls[key] = ttl
	return nil
}

func (m *memoryCacheStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		delete(m.ttls, k)
	}
	return nil
}

func (m *memoryCacheStore) ListByPrefix(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

type fakeHybridSearcher struct {
	resp *domain.SearchResponse
	err  error
	reqs []domain.SearchRequest
}

func (f *fakeHybridSearcher) Search(_ context.Context, req domain.SearchRequest) (*domain.SearchResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}
