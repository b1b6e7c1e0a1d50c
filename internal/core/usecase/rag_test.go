package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

// sizedRisk renders to exactly tokens estimated tokens.
func sizedRisk(id string, tokens int) domain.Record {
	const label = "Description: "
	return domain.Record{
		Namespace: "risks",
		ID:        id,
		Fields:    map[string]string{"description": strings.Repeat("a", tokens*4-len(label))},
	}
}

func ragResults(scores ...float64) *domain.SearchResponse {
	resp := &domain.SearchResponse{}
	for i, score := range scores {
		id := string(rune('1' + i))
		resp.Results = append(resp.Results, domain.SearchResult{
			ID:            "risks_" + id,
			Namespace:     "risks",
			RecordID:      id,
			SemanticScore: score,
			FusedScore:    score,
			FusionMethod:  domain.FusionWeighted,
		})
	}
	return resp
}

func TestRAGQueryRespectsTokenBudget(t *testing.T) {
	records := newFakeRecordStore(sizedRisk("1", 400), sizedRisk("2", 400), sizedRisk("3", 400))
	generator := &fakeGenerator{answer: "Both risks share a supplier [Source 1] [Source 2]."}
	searcher := &fakeHybridSearcher{resp: ragResults(0.9, 0.8, 0.7)}
	uc := NewRAGUseCase(searcher, records, generator, testCatalog(), nil, domain.RAGConfig{}, nil)

	resp, err := uc.Query(context.Background(), "supplier risk", "risks", domain.RAGConfig{MaxContextTokens: 1000})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	docs := resp.Context.RetrievedDocuments
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if resp.Context.TotalTokens != 800 || docs[0].TokenCount != 400 {
		t.Fatalf("unexpected token accounting %+v", resp.Context)
	}
	if strings.Contains(generator.prompts[0], "[Source 3]") {
		t.Fatalf("overflowing document leaked into prompt")
	}
}

func TestRAGQueryStopsAtFirstOverflow(t *testing.T) {
	records := newFakeRecordStore(sizedRisk("1", 400), sizedRisk("2", 700), sizedRisk("3", 100))
	searcher := &fakeHybridSearcher{resp: ragResults(0.9, 0.8, 0.7)}
	uc := NewRAGUseCase(searcher, records, &fakeGenerator{answer: "ok"}, testCatalog(), nil, domain.RAGConfig{}, nil)

	resp, err := uc.Query(context.Background(), "q", "risks", domain.RAGConfig{MaxContextTokens: 1000})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	docs := resp.Context.RetrievedDocuments
	if len(docs) != 1 || docs[0].RecordID != "1" {
		t.Fatalf("expected only the first document, got %+v", docs)
	}
}

func TestRAGQueryFiltersAndSkipsVanishedRecords(t *testing.T) {
	records := newFakeRecordStore(sizedRisk("1", 10), sizedRisk("3", 10))
	searcher := &fakeHybridSearcher{resp: ragResults(0.9, 0.8, 0.1)}
	uc := NewRAGUseCase(searcher, records, &fakeGenerator{answer: "ok"}, testCatalog(), nil, domain.RAGConfig{}, nil)

	resp, err := uc.Query(context.Background(), "q", "risks", domain.RAGConfig{MinRelevanceScore: floatPtr(0.5)})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	docs := resp.Context.RetrievedDocuments
	if len(docs) != 1 || docs[0].RecordID != "1" {
		t.Fatalf("expected record 1 only, got %+v", docs)
	}
	if searcher.reqs[0].Fusion.Method != domain.FusionWeighted || searcher.reqs[0].Mode != domain.SearchModeHybrid {
		t.Fatalf("unexpected retrieval request %+v", searcher.reqs[0])
	}
}

func TestRAGQueryRRFUsesBranchScoresForRelevance(t *testing.T) {
	records := newFakeRecordStore(sizedRisk("1", 10), sizedRisk("2", 10))
	searcher := &fakeHybridSearcher{resp: &domain.SearchResponse{Results: []domain.SearchResult{
		{ID: "risks_1", Namespace: "risks", RecordID: "1", SemanticScore: 0.9, KeywordScore: 0.8, FusedScore: 1.0/61 + 1.0/61, FusionMethod: domain.FusionRRF},
		{ID: "risks_2", Namespace: "risks", RecordID: "2", SemanticScore: 0.1, FusedScore: 1.0 / 62, FusionMethod: domain.FusionRRF},
	}}}
	uc := NewRAGUseCase(searcher, records, &fakeGenerator{answer: "ok"}, testCatalog(), nil, domain.RAGConfig{}, nil)

	resp, err := uc.Query(context.Background(), "q", "risks", domain.RAGConfig{
		Fusion: domain.FusionConfig{Method: domain.FusionRRF},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	docs := resp.Context.RetrievedDocuments
	if len(docs) != 1 || docs[0].RecordID != "1" {
		t.Fatalf("expected the top RRF hit kept under the default floor, got %+v", docs)
	}
	if docs[0].RelevanceScore != 0.9 {
		t.Fatalf("expected relevance from the stronger branch, got %f", docs[0].RelevanceScore)
	}
	if searcher.reqs[0].Fusion.Method != domain.FusionRRF {
		t.Fatalf("expected rrf passed to retrieval, got %s", searcher.reqs[0].Fusion.Method)
	}
}

func TestRAGQueryZeroMinRelevanceKeepsLowScores(t *testing.T) {
	records := newFakeRecordStore(sizedRisk("1", 10), sizedRisk("2", 10))
	searcher := &fakeHybridSearcher{resp: ragResults(0.9, 0.05)}
	defaults := domain.RAGConfig{MinRelevanceScore: floatPtr(0.5)}
	uc := NewRAGUseCase(searcher, records, &fakeGenerator{answer: "ok"}, testCatalog(), nil, defaults, nil)

	resp, err := uc.Query(context.Background(), "q", "risks", domain.RAGConfig{MinRelevanceScore: floatPtr(0)})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(resp.Context.RetrievedDocuments) != 2 {
		t.Fatalf("expected both documents with a zero floor, got %+v", resp.Context.RetrievedDocuments)
	}

	resp, err = uc.Query(context.Background(), "q", "risks", domain.RAGConfig{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(resp.Context.RetrievedDocuments) != 1 {
		t.Fatalf("expected the configured floor when unset, got %+v", resp.Context.RetrievedDocuments)
	}

	zeroFloor := NewRAGUseCase(searcher, records, &fakeGenerator{answer: "ok"}, testCatalog(), nil, domain.RAGConfig{MinRelevanceScore: floatPtr(0)}, nil)
	resp, err = zeroFloor.Query(context.Background(), "q", "risks", domain.RAGConfig{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(resp.Context.RetrievedDocuments) != 2 {
		t.Fatalf("expected a configured zero floor kept, got %+v", resp.Context.RetrievedDocuments)
	}
}

func TestRAGQueryGenerationFailureDegrades(t *testing.T) {
	records := newFakeRecordStore(sizedRisk("1", 10))
	generator := &fakeGenerator{err: domain.WrapError(domain.ErrGeneration, "complete", errors.New("timeout"))}
	uc := NewRAGUseCase(&fakeHybridSearcher{resp: ragResults(0.9)}, records, generator, testCatalog(), nil, domain.RAGConfig{}, nil)

	resp, err := uc.Query(context.Background(), "q", "risks", domain.RAGConfig{})
	if err != nil {
		t.Fatalf("expected degraded answer, got error %v", err)
	}
	if resp.Answer != apologyAnswer || resp.Confidence != 0 {
		t.Fatalf("unexpected degraded response %+v", resp)
	}
	if len(resp.Context.RetrievedDocuments) != 1 {
		t.Fatalf("expected context kept on degraded response")
	}
}

func TestRAGQueryEmptyContextSkipsGeneration(t *testing.T) {
	generator := &fakeGenerator{answer: "unused"}
	uc := NewRAGUseCase(&fakeHybridSearcher{resp: &domain.SearchResponse{}}, newFakeRecordStore(), generator, testCatalog(), nil, domain.RAGConfig{}, nil)

	resp, err := uc.Query(context.Background(), "q", "", domain.RAGConfig{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.Answer != noContextAnswer || resp.Confidence != 0 || len(generator.prompts) != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRAGQueryValidatesInput(t *testing.T) {
	uc := NewRAGUseCase(&fakeHybridSearcher{resp: &domain.SearchResponse{}}, newFakeRecordStore(), &fakeGenerator{}, testCatalog(), nil, domain.RAGConfig{}, nil)
	ctx := context.Background()

	if _, err := uc.Query(ctx, "  ", "", domain.RAGConfig{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := uc.Query(ctx, "q", "", domain.RAGConfig{Preset: "poetic"}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected unknown preset error, got %v", err)
	}
}

func TestRAGQueryPresetAndSemanticMode(t *testing.T) {
	records := newFakeRecordStore(sizedRisk("1", 10))
	searcher := &fakeHybridSearcher{resp: ragResults(0.6)}
	searcher.resp.Results[0].FusedScore = 0.51
	generator := &fakeGenerator{answer: "ok"}
	uc := NewRAGUseCase(searcher, records, generator, testCatalog(), nil, domain.RAGConfig{}, nil)

	hybrid := false
	resp, err := uc.Query(context.Background(), "q", "risks", domain.RAGConfig{Preset: "concise", UseHybrid: &hybrid})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	req := searcher.reqs[0]
	if req.TopK != 3 || req.Mode != domain.SearchModeSemantic {
		t.Fatalf("unexpected retrieval request %+v", req)
	}
	if generator.opts[0].Temperature != 0.1 {
		t.Fatalf("expected preset temperature, got %f", generator.opts[0].Temperature)
	}
	if !strings.Contains(generator.prompts[0], "at most three sentences") {
		t.Fatalf("expected preset preamble in prompt")
	}
	if resp.Context.RetrievedDocuments[0].RelevanceScore != 0.6 {
		t.Fatalf("expected raw semantic relevance, got %f", resp.Context.RetrievedDocuments[0].RelevanceScore)
	}
}

func TestBuildRAGPromptLabelsSources(t *testing.T) {
	docs := []domain.RetrievedDocument{
		{Namespace: "risks", Title: "Vendor outage", Content: "Provider down.", RelevanceScore: 0.874, Metadata: map[string]string{"owner": "ops", "level": "high"}},
		{Namespace: "incidents", Title: "May outage", Content: "Cards failed.", RelevanceScore: 0.5},
	}
	prompt := buildRAGPrompt("Preamble.", "What failed?", docs, true)

	for _, want := range []string{
		"Preamble.",
		"[Source 1]\nTitle: Vendor outage\nNamespace: risks\nRelevance: 87%\nMetadata: level=high, owner=ops\n",
		"[Source 2]\nTitle: May outage",
		"Question:\nWhat failed?",
		"[Source N]",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(buildRAGPrompt("P", "q", docs, false), "Metadata:") {
		t.Fatalf("metadata rendered while disabled")
	}
}

func TestScoreConfidence(t *testing.T) {
	long := strings.Repeat("The control is effective. ", 25)
	cases := []struct {
		name   string
		answer string
		want   float64
	}{
		{name: "short uncited", answer: "Yes.", want: 0.5},
		{name: "short cited", answer: "Yes [Source 1].", want: 0.65},
		{name: "long cited", answer: long + "[Source 2]", want: 0.95},
		{name: "long uncited", answer: long, want: 0.8},
		{name: "uncertain", answer: "I don't know.", want: 0.2},
		{name: "medium", answer: strings.Repeat("x", 200), want: 0.7},
	}
	for _, tc := range cases {
		if got := scoreConfidence(tc.answer); !approxEqual(got, tc.want) {
			t.Fatalf("%s: expected %.2f, got %.4f", tc.name, tc.want, got)
		}
	}
}

func TestExtractSourcesFollowsCitations(t *testing.T) {
	docs := []domain.RetrievedDocument{
		{Namespace: "risks", RecordID: "1", Title: "A", Content: "alpha", RelevanceScore: 0.9},
		{Namespace: "documents", RecordID: "2", Title: "B", Content: "beta", RelevanceScore: 0.8},
	}

	sources := extractSources("See [Source 2], also [source 2] and [Source 9].", docs, testCatalog())
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %+v", sources)
	}
	if sources[0].DocumentID != "2" || sources[0].URL != "/documents/2/view" || sources[0].Excerpt != "beta" {
		t.Fatalf("unexpected source %+v", sources[0])
	}

	sources = extractSources("No citations here.", docs, testCatalog())
	if len(sources) != 2 || sources[0].URL != "/risks/1" {
		t.Fatalf("expected fail-open to all documents, got %+v", sources)
	}
}

func TestExcerptTruncatesAtWordBoundary(t *testing.T) {
	content := strings.Repeat("control ", 60)
	got := excerpt(content, excerptLength)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis, got %q", got)
	}
	if n := utf8.RuneCountInString(got); n > excerptLength+3 {
		t.Fatalf("excerpt too long: %d", n)
	}
	if strings.HasSuffix(strings.TrimSuffix(got, "..."), "contr") {
		t.Fatalf("excerpt cut mid-word: %q", got)
	}
}
