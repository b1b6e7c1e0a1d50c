package domain

type RAGConfig struct {
	Preset            string       `json:"preset,omitempty"`
	TopK              int          `json:"top_k"`
	MaxContextTokens  int          `json:"max_context_tokens"`
	MinRelevanceScore *float64     `json:"min_relevance_score,omitempty"`
	Temperature       float64      `json:"temperature"`
	UseHybrid         *bool        `json:"use_hybrid,omitempty"`
	IncludeMetadata   bool         `json:"include_metadata"`
	SystemPreamble    string       `json:"system_preamble,omitempty"`
	Fusion            FusionConfig `json:"fusion"`
}

// MinRelevance returns the relevance floor. Unset means no floor.
func (c RAGConfig) MinRelevance() float64 {
	if c.MinRelevanceScore == nil {
		return 0
	}
	return *c.MinRelevanceScore
}

// Hybrid reports whether retrieval fuses keyword results. Unset means true.
func (c RAGConfig) Hybrid() bool {
	return c.UseHybrid == nil || *c.UseHybrid
}

type RetrievedDocument struct {
	ID             string            `json:"id"`
	Namespace      string            `json:"namespace"`
	RecordID       string            `json:"record_id"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RelevanceScore float64           `json:"relevance_score"`
	TokenCount     int               `json:"token_count"`
}

type RAGContext struct {
	Query              string              `json:"query"`
	RetrievedDocuments []RetrievedDocument `json:"retrieved_documents"`
	TotalTokens        int                 `json:"total_tokens"`
	RetrievalTimeMs    float64             `json:"retrieval_time_ms"`
}

type Source struct {
	DocumentID     string  `json:"document_id"`
	Namespace      string  `json:"namespace"`
	Title          string  `json:"title"`
	Excerpt        string  `json:"excerpt"`
	RelevanceScore float64 `json:"relevance_score"`
	URL            string  `json:"url"`
}

type RAGResponse struct {
	Answer           string      `json:"answer"`
	Confidence       float64     `json:"confidence"`
	Sources          []Source    `json:"sources"`
	GenerationTimeMs float64     `json:"generation_time_ms"`
	TotalTimeMs      float64     `json:"total_time_ms"`
	Context          *RAGContext `json:"context,omitempty"`
}
