package usecase

import (
	"fmt"
	"sort"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

const defaultPreamble = `You are a governance, risk and compliance assistant.
Answer the question using only the numbered sources provided below.
If the sources do not contain the answer, say that the information is insufficient.`

func DefaultRAGConfig() domain.RAGConfig {
	return domain.RAGConfig{
		TopK:              5,
		MaxContextTokens:  4000,
		MinRelevanceScore: floatPtr(0.2),
		Temperature:       0.2,
		SystemPreamble:    defaultPreamble,
		Fusion: domain.FusionConfig{
			Method:         domain.FusionWeighted,
			RRFK:           domain.DefaultRRFK,
			SemanticWeight: domain.DefaultSemanticWeight,
			KeywordWeight:  domain.DefaultKeywordWeight,
		},
	}
}

var ragPresets = map[string]domain.RAGConfig{
	"concise": {
		TopK:              3,
		MaxContextTokens:  1500,
		MinRelevanceScore: floatPtr(0.35),
		Temperature:       0.1,
		SystemPreamble: defaultPreamble + `
Reply in at most three sentences. Skip background the question does not ask for.`,
	},
	"detailed": {
		TopK:              8,
		MaxContextTokens:  6000,
		MinRelevanceScore: floatPtr(0.2),
		Temperature:       0.3,
		SystemPreamble: defaultPreamble + `
Give a thorough answer. Cover every relevant source and explain how they relate.`,
	},
	"technical": {
		TopK:              6,
		MaxContextTokens:  4000,
		MinRelevanceScore: floatPtr(0.3),
		Temperature:       0.1,
		SystemPreamble: defaultPreamble + `
Use precise technical language. Quote control identifiers, thresholds and dates exactly as written.`,
	},
	"executive": {
		TopK:              5,
		MaxContextTokens:  2500,
		MinRelevanceScore: floatPtr(0.3),
		Temperature:       0.2,
		SystemPreamble: defaultPreamble + `
Write for an executive audience: lead with the business impact, then list key actions as short bullets.`,
	},
}

// RAGPresetNames returns the supported preset names in a stable order.
func RAGPresetNames() []string {
	names := make([]string, 0, len(ragPresets))
	for name := range ragPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveRAGConfig layers defaults, the named preset and explicit overrides.
func resolveRAGConfig(defaults, req domain.RAGConfig) (domain.RAGConfig, error) {
	out := defaults
	if req.Preset != "" {
		preset, ok := ragPresets[req.Preset]
		if !ok {
			return domain.RAGConfig{}, domain.WrapError(domain.ErrInvalidInput, "resolve rag config", fmt.Errorf("unknown preset %q", req.Preset))
		}
		out = overlayRAGConfig(out, preset)
		out.Preset = req.Preset
	}
	out = overlayRAGConfig(out, req)

	if out.TopK <= 0 {
		out.TopK = DefaultRAGConfig().TopK
	}
	if out.MaxContextTokens <= 0 {
		out.MaxContextTokens = DefaultRAGConfig().MaxContextTokens
	}
	if out.MinRelevance() < 0 {
		out.MinRelevanceScore = floatPtr(0)
	}
	if out.SystemPreamble == "" {
		out.SystemPreamble = defaultPreamble
	}
	if out.Fusion.Method == "" {
		out.Fusion.Method = domain.FusionWeighted
	}
	out.Fusion = out.Fusion.Normalize()
	if !supportedFusion(out.Fusion.Method) {
		return domain.RAGConfig{}, domain.WrapError(domain.ErrInvalidInput, "resolve rag config", fmt.Errorf("unsupported fusion method %q", out.Fusion.Method))
	}
	return out, nil
}

func overlayRAGConfig(base, over domain.RAGConfig) domain.RAGConfig {
	if over.TopK > 0 {
		base.TopK = over.TopK
	}
	if over.MaxContextTokens > 0 {
		base.MaxContextTokens = over.MaxContextTokens
	}
	if over.MinRelevanceScore != nil {
		base.MinRelevanceScore = floatPtr(*over.MinRelevanceScore)
	}
	if over.Temperature > 0 {
		base.Temperature = over.Temperature
	}
	if over.UseHybrid != nil {
		base.UseHybrid = over.UseHybrid
	}
	if over.IncludeMetadata {
		base.IncludeMetadata = true
	}
	if over.SystemPreamble != "" {
		base.SystemPreamble = over.SystemPreamble
	}
	base.Fusion = base.Fusion.Override(over.Fusion)
	return base
}

func floatPtr(v float64) *float64 {
	return &v
}
