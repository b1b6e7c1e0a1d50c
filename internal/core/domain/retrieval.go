package domain

type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"
	FusionWeighted FusionMethod = "weighted"
	FusionCascade  FusionMethod = "cascade"
)

type SearchMode string

const (
	SearchModeHybrid   SearchMode = "hybrid"
	SearchModeSemantic SearchMode = "semantic"
	SearchModeKeyword  SearchMode = "keyword"
)

const (
	DefaultRRFK           = 60
	DefaultSemanticWeight = 0.85
	DefaultKeywordWeight  = 0.15
)

type FusionConfig struct {
	Method           FusionMethod `json:"method"`
	RRFK             int          `json:"rrf_k"`
	SemanticWeight   float64      `json:"semantic_weight"`
	KeywordWeight    float64      `json:"keyword_weight"`
	MinSemanticScore float64      `json:"min_semantic_score"`
	MinKeywordScore  float64      `json:"min_keyword_score"`
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		Method:         FusionRRF,
		RRFK:           DefaultRRFK,
		SemanticWeight: DefaultSemanticWeight,
		KeywordWeight:  DefaultKeywordWeight,
	}
}

// Normalize fills unset fields with defaults. Both weights zero means unset.
func (c FusionConfig) Normalize() FusionConfig {
	out := c
	if out.Method == "" {
		out.Method = FusionRRF
	}
	if out.RRFK <= 0 {
		out.RRFK = DefaultRRFK
	}
	if out.SemanticWeight <= 0 && out.KeywordWeight <= 0 {
		out.SemanticWeight = DefaultSemanticWeight
		out.KeywordWeight = DefaultKeywordWeight
	}
	return out
}

// Override returns c with the set fields of over applied. The two weights
// are taken together when either is set.
func (c FusionConfig) Override(over FusionConfig) FusionConfig {
	out := c
	if over.Method != "" {
		out.Method = over.Method
	}
	if over.RRFK > 0 {
		out.RRFK = over.RRFK
	}
	if over.SemanticWeight > 0 || over.KeywordWeight > 0 {
		out.SemanticWeight = over.SemanticWeight
		out.KeywordWeight = over.KeywordWeight
	}
	if over.MinSemanticScore != 0 {
		out.MinSemanticScore = over.MinSemanticScore
	}
	if over.MinKeywordScore != 0 {
		out.MinKeywordScore = over.MinKeywordScore
	}
	return out
}

type SearchRequest struct {
	Query     string            `json:"query"`
	Namespace string            `json:"namespace,omitempty"`
	TopK      int               `json:"top_k"`
	Filters   map[string]string `json:"filters,omitempty"`
	Mode      SearchMode        `json:"mode,omitempty"`
	Fusion    FusionConfig      `json:"fusion"`
}

type SearchResult struct {
	ID            string         `json:"id"`
	Namespace     string         `json:"namespace"`
	RecordID      string         `json:"record_id"`
	Title         string         `json:"title,omitempty"`
	SemanticScore float64        `json:"semantic_score"`
	KeywordScore  float64        `json:"keyword_score"`
	FusedScore    float64        `json:"fused_score"`
	FusionMethod  FusionMethod   `json:"fusion_method"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	Cached     bool           `json:"cached"`
	Degraded   []string       `json:"degraded,omitempty"`
	DurationMs float64        `json:"duration_ms"`
}

// ResultKey identifies a record across the semantic and keyword branches.
func ResultKey(namespace, recordID string) string {
	return VectorEntryID(namespace, recordID)
}
