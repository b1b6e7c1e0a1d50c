package usecase

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

const (
	noContextAnswer = "No relevant records were found to answer this question."
	apologyAnswer   = "Sorry, an answer could not be generated right now. Please try again later."
	excerptLength   = 200
)

var (
	sourceCitationRe = regexp.MustCompile(`(?i)\[source\s+(\d+)\]`)

	uncertaintyPhrases = []string{
		"i don't know",
		"i do not know",
		"insufficient information",
		"not enough information",
		"information is insufficient",
		"cannot determine",
		"unable to determine",
		"no relevant information",
	}
)

func buildRAGPrompt(preamble, question string, docs []domain.RetrievedDocument, includeMetadata bool) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(preamble))
	b.WriteString("\n\nContext:\n")
	for i, doc := range docs {
		fmt.Fprintf(&b, "\n[Source %d]\n", i+1)
		fmt.Fprintf(&b, "Title: %s\n", doc.Title)
		fmt.Fprintf(&b, "Namespace: %s\n", doc.Namespace)
		fmt.Fprintf(&b, "Relevance: %.0f%%\n", doc.RelevanceScore*100)
		if includeMetadata && len(doc.Metadata) > 0 {
			fmt.Fprintf(&b, "Metadata: %s\n", formatMetadata(doc.Metadata))
		}
		b.WriteString("Content:\n")
		b.WriteString(doc.Content)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nQuestion:\n%s\n\n", question)
	b.WriteString("Answer from the sources above. Cite every source you rely on as [Source N].\n")
	return b.String()
}

func formatMetadata(metadata map[string]string) string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+metadata[k])
	}
	return strings.Join(parts, ", ")
}

// scoreConfidence estimates answer reliability from its shape: citations and
// length raise it, hedging phrases and very short answers lower it.
func scoreConfidence(answer string) float64 {
	score := 0.7
	if sourceCitationRe.MatchString(answer) {
		score += 0.15
	}

	length := utf8.RuneCountInString(answer)
	if length < 100 {
		score -= 0.2
	}
	if length > 500 {
		score += 0.1
	}

	lower := strings.ToLower(answer)
	for _, phrase := range uncertaintyPhrases {
		if strings.Contains(lower, phrase) {
			score -= 0.3
			break
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// extractSources returns the documents cited as [Source N] in citation order.
// An answer without a valid citation yields every retrieved document.
func extractSources(answer string, docs []domain.RetrievedDocument, catalog *domain.NamespaceCatalog) []domain.Source {
	seen := make(map[int]struct{})
	cited := make([]int, 0, len(docs))
	for _, match := range sourceCitationRe.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(docs) {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		cited = append(cited, n-1)
	}
	if len(cited) == 0 {
		for i := range docs {
			cited = append(cited, i)
		}
	}

	sources := make([]domain.Source, 0, len(cited))
	for _, idx := range cited {
		doc := docs[idx]
		sources = append(sources, domain.Source{
			DocumentID:     doc.RecordID,
			Namespace:      doc.Namespace,
			Title:          doc.Title,
			Excerpt:        excerpt(doc.Content, excerptLength),
			RelevanceScore: doc.RelevanceScore,
			URL:            sourceURL(catalog, doc.Namespace, doc.RecordID),
		})
	}
	return sources
}

func sourceURL(catalog *domain.NamespaceCatalog, namespace, recordID string) string {
	ns, err := catalog.Lookup(namespace)
	if err != nil {
		return domain.Namespace{Name: namespace}.Link(recordID)
	}
	return ns.Link(recordID)
}

func excerpt(content string, limit int) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	cut := strings.TrimSpace(string(runes[:limit]))
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut + "..."
}
