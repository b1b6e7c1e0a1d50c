package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

type countingEmbedder struct {
	calls  int
	texts  [][]string
	failOn int
}

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.texts = append(e.texts, texts)
	if e.failOn > 0 && e.calls == e.failOn {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed", errors.New("down"))
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (e *countingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func TestCachedEmbedderServesRepeatedTextFromCache(t *testing.T) {
	next := &countingEmbedder{}
	embedder := NewCachedEmbedder(next, Config{CacheSize: 16})

	first, err := embedder.EmbedQuery(context.Background(), "vendor outage")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	second, err := embedder.EmbedQuery(context.Background(), "vendor outage")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected one model call, got %d", next.calls)
	}
	if first[0] != second[0] {
		t.Fatalf("expected identical vectors, got %v and %v", first, second)
	}

	second[0] = -1
	third, _ := embedder.EmbedQuery(context.Background(), "vendor outage")
	if third[0] == -1 {
		t.Fatalf("cached vector must not be shared with callers")
	}
}

func TestCachedEmbedderOnlySendsMissingTexts(t *testing.T) {
	next := &countingEmbedder{}
	embedder := NewCachedEmbedder(next, Config{CacheSize: 16})

	if _, err := embedder.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	vectors, err := embedder.Embed(context.Background(), []string{"a", "bbb"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(next.texts) != 2 || len(next.texts[1]) != 1 || next.texts[1][0] != "bbb" {
		t.Fatalf("unexpected model batches: %v", next.texts)
	}
	if vectors[0][0] != 1 || vectors[1][0] != 3 {
		t.Fatalf("vectors out of order: %v", vectors)
	}
}

func TestCachedEmbedderPropagatesModelFailure(t *testing.T) {
	next := &countingEmbedder{failOn: 1}
	embedder := NewCachedEmbedder(next, Config{RatePerSecond: 100, Burst: 1})

	_, err := embedder.EmbedQuery(context.Background(), "x")
	if !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected embedding failure, got %v", err)
	}
	if embedder.Len() != 0 {
		t.Fatalf("failed calls must not populate cache")
	}
}
