package usecase

import (
	"sort"
	"strconv"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

// rankedItem is one record in a branch result list, best first.
type rankedItem struct {
	namespace string
	recordID  string
	title     string
	score     float64
	metadata  map[string]any
}

func (r rankedItem) key() string {
	return domain.ResultKey(r.namespace, r.recordID)
}

type fusionFunc func(semantic, keyword []rankedItem, cfg domain.FusionConfig) []domain.SearchResult

var fusionStrategies = map[domain.FusionMethod]fusionFunc{
	domain.FusionRRF:      fuseRRF,
	domain.FusionWeighted: fuseWeighted,
	domain.FusionCascade:  fuseCascade,
}

func supportedFusion(method domain.FusionMethod) bool {
	_, ok := fusionStrategies[method]
	return ok
}

// fuse filters both lists by their minimum scores, applies the configured
// strategy and returns at most topK results ordered by fused score.
func fuse(semantic, keyword []rankedItem, cfg domain.FusionConfig, topK int) []domain.SearchResult {
	cfg = cfg.Normalize()
	strategy, ok := fusionStrategies[cfg.Method]
	if !ok {
		strategy = fuseRRF
		cfg.Method = domain.FusionRRF
	}

	out := strategy(
		filterByScore(semantic, cfg.MinSemanticScore),
		filterByScore(keyword, cfg.MinKeywordScore),
		cfg,
	)
	for i := range out {
		out[i].FusionMethod = cfg.Method
	}

	// Stable sort keeps insertion order (semantic branch first) among ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FusedScore > out[j].FusedScore
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

func fuseRRF(semantic, keyword []rankedItem, cfg domain.FusionConfig) []domain.SearchResult {
	acc := newFusionAccumulator(len(semantic) + len(keyword))
	for rank, item := range semantic {
		r := acc.add(item)
		r.SemanticScore = item.score
		r.FusedScore += rrfTerm(cfg.RRFK, rank)
	}
	for rank, item := range keyword {
		r := acc.add(item)
		r.KeywordScore = item.score
		r.FusedScore += rrfTerm(cfg.RRFK, rank)
	}
	return acc.results()
}

func rrfTerm(k, rank int) float64 {
	return 1.0 / float64(k+rank+1)
}

func fuseWeighted(semantic, keyword []rankedItem, cfg domain.FusionConfig) []domain.SearchResult {
	acc := newFusionAccumulator(len(semantic) + len(keyword))
	for _, item := range semantic {
		acc.add(item).SemanticScore = item.score
	}
	for _, item := range keyword {
		acc.add(item).KeywordScore = item.score
	}
	out := acc.results()
	for i := range out {
		out[i].FusedScore = out[i].SemanticScore*cfg.SemanticWeight + out[i].KeywordScore*cfg.KeywordWeight
	}
	return out
}

// fuseCascade keeps semantic results at full score and appends keyword-only
// results at a discounted score capped by the lowest semantic score, so they
// always rank after every semantic-sourced entry.
func fuseCascade(semantic, keyword []rankedItem, cfg domain.FusionConfig) []domain.SearchResult {
	acc := newFusionAccumulator(len(semantic) + len(keyword))
	var (
		floor    float64
		hasFloor bool
	)
	for _, item := range semantic {
		r := acc.add(item)
		r.SemanticScore = item.score
		r.FusedScore = item.score
		if !hasFloor || item.score < floor {
			floor = item.score
			hasFloor = true
		}
	}
	for _, item := range keyword {
		if r, exists := acc.get(item.key()); exists {
			r.KeywordScore = item.score
			continue
		}
		r := acc.add(item)
		r.KeywordScore = item.score
		r.FusedScore = item.score * cfg.KeywordWeight
		if hasFloor && r.FusedScore > floor {
			r.FusedScore = floor
		}
	}
	return acc.results()
}

func filterByScore(items []rankedItem, minScore float64) []rankedItem {
	if minScore <= 0 {
		return items
	}
	out := make([]rankedItem, 0, len(items))
	for _, item := range items {
		if item.score >= minScore {
			out = append(out, item)
		}
	}
	return out
}

// fusionAccumulator merges branch items by record key in insertion order.
type fusionAccumulator struct {
	index map[string]int
	items []domain.SearchResult
}

func newFusionAccumulator(capacity int) *fusionAccumulator {
	return &fusionAccumulator{
		index: make(map[string]int, capacity),
		items: make([]domain.SearchResult, 0, capacity),
	}
}

func (a *fusionAccumulator) get(key string) (*domain.SearchResult, bool) {
	idx, ok := a.index[key]
	if !ok {
		return nil, false
	}
	return &a.items[idx], true
}

func (a *fusionAccumulator) add(item rankedItem) *domain.SearchResult {
	key := item.key()
	if r, ok := a.get(key); ok {
		if r.Title == "" {
			r.Title = item.title
		}
		for k, v := range item.metadata {
			if _, exists := r.Metadata[k]; !exists {
				r.Metadata[k] = v
			}
		}
		return r
	}

	metadata := make(map[string]any, len(item.metadata))
	for k, v := range item.metadata {
		metadata[k] = v
	}
	a.index[key] = len(a.items)
	a.items = append(a.items, domain.SearchResult{
		ID:        key,
		Namespace: item.namespace,
		RecordID:  item.recordID,
		Title:     item.title,
		Metadata:  metadata,
	})
	return &a.items[len(a.items)-1]
}

func (a *fusionAccumulator) results() []domain.SearchResult {
	return a.items
}

// semanticItems collapses vector matches to one item per record, keeping the
// best-ranked match of every chunked record.
func semanticItems(matches []domain.VectorMatch) []rankedItem {
	out := make([]rankedItem, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		namespace := metadataString(m.Metadata, "namespace")
		recordID := metadataString(m.Metadata, "record_id")
		if namespace == "" || recordID == "" {
			continue
		}
		item := rankedItem{
			namespace: namespace,
			recordID:  recordID,
			title:     metadataString(m.Metadata, "title"),
			score:     m.Score,
			metadata:  publicMetadata(m.Metadata),
		}
		if _, dup := seen[item.key()]; dup {
			continue
		}
		seen[item.key()] = struct{}{}
		out = append(out, item)
	}
	return out
}

func keywordItems(hits []domain.KeywordHit) []rankedItem {
	out := make([]rankedItem, 0, len(hits))
	for _, h := range hits {
		metadata := map[string]any{}
		if !h.UpdatedAt.IsZero() {
			metadata["updated_at"] = h.UpdatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, rankedItem{
			namespace: h.Namespace,
			recordID:  h.RecordID,
			title:     h.Title,
			score:     h.Score,
			metadata:  metadata,
		})
	}
	return out
}

// publicMetadata drops the index bookkeeping keys from a vector payload.
func publicMetadata(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case "entry_id", "namespace", "record_id", "title", "chunk_index", "section":
			continue
		}
		out[k] = v
	}
	return out
}

func metadataString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	default:
		return ""
	}
}
